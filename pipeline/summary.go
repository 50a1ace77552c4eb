package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/xuri/excelize/v2"

	"github.com/pmonitor/pmonitor/models"
)

// ErrSummaryWrite marks a failure to save the run summary workbook.
var ErrSummaryWrite = errors.New("summary write failed")

var summaryHeader = []any{"Name", "Price", "Discount", "Link", "Incredible"}

// SummaryWriter collects one row per processed item and saves them as a
// single sheet named after the run date.
type SummaryWriter struct {
	path  string
	sheet string

	mu   sync.Mutex
	rows []models.SummaryRow
}

// NewSummaryWriter prepares the summary for the run on date.
func NewSummaryWriter(path, date string) *SummaryWriter {
	return &SummaryWriter{path: path, sheet: date}
}

// Add queues a row for the summary.
func (sw *SummaryWriter) Add(row models.SummaryRow) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rows = append(sw.rows, row)
}

// Rows returns the queued rows.
func (sw *SummaryWriter) Rows() []models.SummaryRow {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	out := make([]models.SummaryRow, len(sw.rows))
	copy(out, sw.rows)
	return out
}

// Save writes the workbook, replacing any previous file at the path.
func (sw *SummaryWriter) Save() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sw.sheet); err != nil {
		return fmt.Errorf("%w: name sheet %q: %w", ErrSummaryWrite, sw.sheet, err)
	}
	if err := f.SetSheetRow(sw.sheet, "A1", &summaryHeader); err != nil {
		return fmt.Errorf("%w: write header: %w", ErrSummaryWrite, err)
	}
	for i, row := range sw.rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrSummaryWrite, err)
		}
		values := []any{row.Name, priceCell(row.Price), row.Discount, row.Link, row.Incredible}
		if err := f.SetSheetRow(sw.sheet, cell, &values); err != nil {
			return fmt.Errorf("%w: write row %d: %w", ErrSummaryWrite, i+2, err)
		}
	}

	if err := saveWorkbook(f, sw.path); err != nil {
		return fmt.Errorf("%w: %w", ErrSummaryWrite, err)
	}
	return nil
}
