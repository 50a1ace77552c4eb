// Package catalog loads the list of monitored products from the input workbook.
package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/pmonitor/pmonitor/models"
	"github.com/pmonitor/pmonitor/parser"
)

const firstDataRow = 2

// Options controls catalog validation.
type Options struct {
	// SiteBase is the storefront origin every product URL must start with.
	SiteBase string
}

// RowError records why a catalog row was excluded.
type RowError struct {
	Row    int
	Reason string
}

func (e RowError) Error() string {
	return e.Reason
}

// Catalog is the validated item list for one run, in sheet order.
type Catalog struct {
	Items    []models.Item
	Rejected []RowError
}

// Load reads the first sheet of the workbook at path. Column A holds the
// product URL and column B the display name; row 1 is a header. Invalid rows
// are logged and collected in Rejected. Only an unreadable workbook is an error.
func Load(path string, opts Options) (*Catalog, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("catalog %s has no sheets", path)
	}
	sheet := sheets[0]

	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read catalog sheet %q: %w", sheet, err)
	}

	siteBase := strings.TrimSuffix(opts.SiteBase, "/") + "/"
	cat := &Catalog{}
	seen := make(map[string]int)

	for i := firstDataRow - 1; i < len(rows); i++ {
		rowNum := i + 1
		row, err := readRow(f, sheet, rowNum, rows[i])
		if err != nil {
			return nil, err
		}

		productID, err := parser.ValidateRow(row, siteBase)
		if err != nil {
			cat.reject(rowNum, err)
			continue
		}

		name := strings.TrimSpace(row.Name)
		if first, dup := seen[name]; dup {
			cat.reject(rowNum, fmt.Errorf("row %d: duplicate name %q (first seen on row %d)", rowNum, name, first))
			continue
		}
		seen[name] = rowNum

		cat.Items = append(cat.Items, models.Item{
			Name:      name,
			URL:       strings.TrimSpace(row.URL),
			ProductID: productID,
			Row:       rowNum,
		})
	}

	slog.Info("catalog loaded",
		slog.String("path", path),
		slog.Int("items", len(cat.Items)),
		slog.Int("rejected", len(cat.Rejected)),
	)
	return cat, nil
}

func (c *Catalog) reject(rowNum int, err error) {
	var joined interface{ Unwrap() []error }
	reasons := []error{err}
	if errors.As(err, &joined) {
		reasons = joined.Unwrap()
	}
	for _, reason := range reasons {
		slog.Error(reason.Error())
		c.Rejected = append(c.Rejected, RowError{Row: rowNum, Reason: reason.Error()})
	}
}

func readRow(f *excelize.File, sheet string, rowNum int, cells []string) (parser.Row, error) {
	row := parser.Row{Index: rowNum}
	if len(cells) > 0 {
		row.URL = cells[0]
	}
	if len(cells) > 1 {
		row.Name = cells[1]
	}

	var err error
	if row.URLText, err = isText(f, sheet, fmt.Sprintf("A%d", rowNum)); err != nil {
		return row, err
	}
	if row.NameText, err = isText(f, sheet, fmt.Sprintf("B%d", rowNum)); err != nil {
		return row, err
	}
	return row, nil
}

// isText reports whether a cell holds a string. Numbers, booleans, dates and
// error values are not accepted as URLs or names.
func isText(f *excelize.File, sheet, axis string) (bool, error) {
	typ, err := f.GetCellType(sheet, axis)
	if err != nil {
		return false, fmt.Errorf("inspect cell %s!%s: %w", sheet, axis, err)
	}
	switch typ {
	case excelize.CellTypeSharedString, excelize.CellTypeInlineString, excelize.CellTypeFormula:
		return true, nil
	default:
		return false, nil
	}
}
