package pipeline

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/pmonitor/pmonitor/models"
)

func TestWriteStats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "stats.json")
	stats := &models.RunStats{
		RunID:      "run-1",
		Date:       "2026-10-17",
		Total:      3,
		Processed:  1,
		Skipped:    1,
		Failed:     1,
		InStock:    1,
		OutOfStock: 1,
		Timestamp:  time.Date(2026, 10, 17, 6, 0, 0, 0, time.UTC),
		Duration:   "5s",
	}
	require.NoError(t, WriteStats(path, stats))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "2026-10-17", decoded["date"])
	assert.EqualValues(t, 3, decoded["total"])
	assert.EqualValues(t, 1, decoded["inStock"])
	assert.EqualValues(t, 1, decoded["outOfStock"])
	assert.Equal(t, "2026-10-17T06:00:00Z", decoded["timestamp"])
}

func TestDashboardWriter(t *testing.T) {
	dir := t.TempDir()
	dw := NewDashboardWriter(dir)

	require.NoError(t, dw.WriteSeries("Green/Tea", []models.Observation{
		{Date: "2026-10-16", Price: "100000", Discount: 10},
		{Date: "2026-10-17", Price: models.PriceNotFound},
	}))
	require.NoError(t, dw.WriteCatalog([]models.Item{
		{Name: "Green/Tea", URL: "https://www.digikala.com/product/dkp-1/", ProductID: "1", Row: 2},
	}))

	series, err := os.ReadFile(filepath.Join(dir, "Green_Tea.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"Date":"2026-10-16","Price":"100000","Discount":10,"Incredible":0},
		{"Date":"2026-10-17","Price":"Price not found","Discount":0,"Incredible":0}
	]`, string(series))

	index, err := os.ReadFile(filepath.Join(dir, DashboardCatalogFile))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"Green/Tea","link":"https://www.digikala.com/product/dkp-1/"}]`, string(index))
}

func TestDualWriterMirrorsSeries(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "items"))
	dashboard := NewDashboardWriter(filepath.Join(dir, "dashboard"))
	dw := NewDualWriter(store, dashboard)

	written, err := dw.Append("Milk", models.Observation{Date: "2026-10-17", Price: "45000", Incredible: 1})
	require.NoError(t, err)
	assert.True(t, written)

	written, err = dw.Append("Milk", models.Observation{Date: "2026-10-17", Price: "1"})
	require.NoError(t, err)
	assert.False(t, written)

	ok, err := dw.HasObservation("Milk", "2026-10-17")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := os.ReadFile(dashboard.SeriesPath("Milk"))
	require.NoError(t, err)
	assert.JSONEq(t, `[{"Date":"2026-10-17","Price":"45000","Discount":0,"Incredible":1}]`, string(data))

	require.NoError(t, dw.Finish([]models.Item{{Name: "Milk", URL: "u"}}))
	assert.FileExists(t, filepath.Join(dir, "dashboard", DashboardCatalogFile))
}

func TestSummaryWriterSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "output.xlsx")
	sw := NewSummaryWriter(path, "2026-10-17")
	sw.Add(models.SummaryRow{Name: "Green Tea", Price: "100000", Discount: 10, Link: "https://www.digikala.com/product/dkp-1/", Incredible: 0})
	sw.Add(models.SummaryRow{Name: "Milk", Price: models.PriceNotFound, Link: "https://www.digikala.com/product/dkp-2/", Incredible: 1})
	require.NoError(t, sw.Save())

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"2026-10-17"}, f.GetSheetList())
	rows, err := f.GetRows("2026-10-17")
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"Name", "Price", "Discount", "Link", "Incredible"},
		{"Green Tea", "100000", "10", "https://www.digikala.com/product/dkp-1/", "0"},
		{"Milk", "Price not found", "0", "https://www.digikala.com/product/dkp-2/", "1"},
	}, rows)
}

func TestSummaryWriterFailure(t *testing.T) {
	dir := t.TempDir()
	// A directory in place of the workbook cannot be replaced.
	path := filepath.Join(dir, "output.xlsx")
	require.NoError(t, os.Mkdir(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "keep"), nil, 0o644))

	err := NewSummaryWriter(path, "2026-10-17").Save()
	require.ErrorIs(t, err, ErrSummaryWrite)
}

func TestAtomicWriteReplacesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.json")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	require.NoError(t, atomicWrite(path, func(w io.Writer) error {
		_, err := io.WriteString(w, "new")
		return err
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAtomicWriteKeepsOldContentOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.json")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	errBoom := errors.New("boom")
	err := atomicWrite(path, func(w io.Writer) error {
		if _, err := io.WriteString(w, "partial"); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "pending file must be cleaned up")
}
