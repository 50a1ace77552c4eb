package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/pmonitor/pmonitor/models"
	"github.com/pmonitor/pmonitor/parser"
)

// DashboardCatalogFile is the dashboard's item index inside its directory.
const DashboardCatalogFile = "catalog.json"

// DashboardWriter exports item series in the JSON layout the dashboard reads.
type DashboardWriter struct {
	dir string
	mu  sync.Mutex
}

// NewDashboardWriter writes dashboard files under dir.
func NewDashboardWriter(dir string) *DashboardWriter {
	return &DashboardWriter{dir: dir}
}

// SeriesPath returns the JSON file holding name's time series.
func (dw *DashboardWriter) SeriesPath(name string) string {
	return filepath.Join(dw.dir, parser.SanitizeFilename(name)+".json")
}

// WriteSeries replaces name's series file with observations.
func (dw *DashboardWriter) WriteSeries(name string, observations []models.Observation) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if observations == nil {
		observations = []models.Observation{}
	}
	return writeJSON(dw.SeriesPath(name), observations)
}

// WriteCatalog replaces the dashboard's item index.
func (dw *DashboardWriter) WriteCatalog(items []models.Item) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if items == nil {
		items = []models.Item{}
	}
	return writeJSON(filepath.Join(dw.dir, DashboardCatalogFile), items)
}

// WriteStats stores run statistics as indented JSON.
func WriteStats(path string, stats *models.RunStats) error {
	if err := writeJSON(path, stats); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	return atomicWrite(path, func(w io.Writer) error {
		buffer := bufio.NewWriter(w)
		encoder := json.NewEncoder(buffer)
		encoder.SetIndent("", "  ")
		encoder.SetEscapeHTML(false)
		if err := encoder.Encode(v); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		if err := buffer.Flush(); err != nil {
			return fmt.Errorf("flush json writer: %w", err)
		}
		return nil
	})
}

// atomicWrite writes a pending file next to path and renames it into
// place, so readers see either the old or the new content.
func atomicWrite(path string, write func(w io.Writer) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending file for %s: %w", path, err)
	}
	defer pending.Cleanup()

	if err := write(pending); err != nil {
		return err
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
