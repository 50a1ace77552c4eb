package pipeline

import (
	"fmt"
	"sync"

	"github.com/pmonitor/pmonitor/models"
)

// OutputWriter persists item observations for the Runner.
type OutputWriter interface {
	HasObservation(name, date string) (bool, error)
	Append(name string, obs models.Observation) (bool, error)
	// Finish runs once after the last item of a run.
	Finish(items []models.Item) error
}

// Finish is a no-op for the workbook store.
func (s *Store) Finish([]models.Item) error {
	return nil
}

// DualWriter writes observations to the workbook store and mirrors each
// item's series into the dashboard's JSON files.
type DualWriter struct {
	store     *Store
	dashboard *DashboardWriter
	mu        sync.Mutex
}

// NewDualWriter creates a writer over both outputs.
func NewDualWriter(store *Store, dashboard *DashboardWriter) *DualWriter {
	return &DualWriter{
		store:     store,
		dashboard: dashboard,
	}
}

// HasObservation consults the workbook store, which is authoritative.
func (dw *DualWriter) HasObservation(name, date string) (bool, error) {
	return dw.store.HasObservation(name, date)
}

// Append records obs in the workbook and then refreshes the JSON series.
func (dw *DualWriter) Append(name string, obs models.Observation) (bool, error) {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	written, err := dw.store.Append(name, obs)
	if err != nil {
		return false, fmt.Errorf("workbook write failed: %w", err)
	}
	if !written {
		return false, nil
	}

	series, err := dw.store.Observations(name)
	if err != nil {
		return true, fmt.Errorf("read series for dashboard: %w", err)
	}
	if err := dw.dashboard.WriteSeries(name, series); err != nil {
		return true, fmt.Errorf("dashboard write failed: %w", err)
	}
	return true, nil
}

// Finish writes the dashboard's item index.
func (dw *DualWriter) Finish(items []models.Item) error {
	if err := dw.dashboard.WriteCatalog(items); err != nil {
		return fmt.Errorf("dashboard catalog write failed: %w", err)
	}
	return nil
}
