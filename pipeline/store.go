package pipeline

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/xuri/excelize/v2"

	"github.com/pmonitor/pmonitor/models"
	"github.com/pmonitor/pmonitor/parser"
)

// ItemSheet is the worksheet holding an item's time series.
const ItemSheet = "Sheet 1"

var observationHeader = []any{"Date", "Price", "Discount", "Incredible"}

// Store keeps one workbook per item with one row per calendar date. A date
// already present is never rewritten: the first observation of a day wins.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Path returns the workbook path for a display name.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, parser.SanitizeFilename(name)+".xlsx")
}

// HasObservation reports whether name already has a row for date. A missing
// workbook or sheet means no observation.
func (s *Store) HasObservation(name, date string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	observations, err := s.read(name)
	if err != nil {
		return false, err
	}
	return containsDate(observations, date), nil
}

// Append records obs for name. It returns false without writing when a row
// for obs.Date already exists.
func (s *Store) Append(name string, obs models.Observation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(name)
	f, created, err := openOrCreate(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	rows, err := f.GetRows(ItemSheet)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	for _, row := range rows[min(1, len(rows)):] {
		if len(row) > 0 && strings.TrimSpace(row[0]) == obs.Date {
			slog.Info("observation already recorded, skipping",
				slog.String("item", name),
				slog.String("date", obs.Date),
			)
			return false, nil
		}
	}

	next := max(len(rows), 1) + 1
	cell, err := excelize.CoordinatesToCellName(1, next)
	if err != nil {
		return false, err
	}
	if err := f.SetSheetRow(ItemSheet, cell, &[]any{obs.Date, priceCell(obs.Price), obs.Discount, obs.Incredible}); err != nil {
		return false, fmt.Errorf("append row to %s: %w", path, err)
	}

	if err := saveWorkbook(f, path); err != nil {
		return false, err
	}

	verb := "updated"
	if created {
		verb = "created"
	}
	slog.Debug("item workbook "+verb, slog.String("path", path))
	return true, nil
}

// Observations returns name's series in row order.
func (s *Store) Observations(name string) ([]models.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(name)
}

func (s *Store) read(name string) ([]models.Observation, error) {
	path := s.Path(name)
	f, err := excelize.OpenFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if idx, err := f.GetSheetIndex(ItemSheet); err != nil || idx < 0 {
		return nil, nil
	}
	rows, err := f.GetRows(ItemSheet)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var out []models.Observation
	for _, row := range rows[min(1, len(rows)):] {
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		out = append(out, models.Observation{
			Date:       strings.TrimSpace(row[0]),
			Price:      cellAt(row, 1),
			Discount:   intCell(cellAt(row, 2)),
			Incredible: intCell(cellAt(row, 3)),
		})
	}
	return out, nil
}

// openOrCreate opens the workbook at path, adding the item sheet with its
// header when the file or the sheet does not exist yet.
func openOrCreate(path string) (*excelize.File, bool, error) {
	f, err := excelize.OpenFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		f = excelize.NewFile()
		if err := f.SetSheetName("Sheet1", ItemSheet); err != nil {
			f.Close()
			return nil, false, fmt.Errorf("name sheet: %w", err)
		}
		if err := f.SetSheetRow(ItemSheet, "A1", &observationHeader); err != nil {
			f.Close()
			return nil, false, fmt.Errorf("write header: %w", err)
		}
		return f, true, nil
	case err != nil:
		return nil, false, fmt.Errorf("open %s: %w", path, err)
	}

	if idx, err := f.GetSheetIndex(ItemSheet); err != nil || idx < 0 {
		if _, err := f.NewSheet(ItemSheet); err != nil {
			f.Close()
			return nil, false, fmt.Errorf("add sheet to %s: %w", path, err)
		}
		if err := f.SetSheetRow(ItemSheet, "A1", &observationHeader); err != nil {
			f.Close()
			return nil, false, fmt.Errorf("write header: %w", err)
		}
	}
	return f, false, nil
}

func saveWorkbook(f *excelize.File, path string) error {
	err := atomicWrite(path, func(w io.Writer) error {
		if _, err := f.WriteTo(w); err != nil {
			return fmt.Errorf("encode workbook: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}

func containsDate(observations []models.Observation, date string) bool {
	for _, o := range observations {
		if o.Date == date {
			return true
		}
	}
	return false
}

// priceCell stores numeric prices as numbers and the sentinel as text.
func priceCell(price string) any {
	if n, err := strconv.ParseInt(price, 10, 64); err == nil {
		return n
	}
	return price
}

func cellAt(row []string, i int) string {
	if i < len(row) {
		return strings.TrimSpace(row[i])
	}
	return ""
}

func intCell(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
