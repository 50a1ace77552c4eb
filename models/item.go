// Package models defines data structures for the price monitor.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceNotFound is recorded when a variant carries no usable selling price.
const PriceNotFound = "Price not found"

// Item is a validated catalog entry.
type Item struct {
	Name      string `json:"name"`
	URL       string `json:"link"`
	ProductID string `json:"-"`
	Row       int    `json:"-"`
}

// Variant is the purchasable offer selected from an API or HTML response.
// SellingPrice is kept in the source currency subunit (rial).
type Variant struct {
	SellingPrice    decimal.NullDecimal
	DiscountPercent int
	Incredible      bool
	Source          string
}

// PriceInfo is the normalized price/discount/flag triple for one item.
type PriceInfo struct {
	SellingPrice    string
	DiscountPercent int
	Incredible      int
}

// Observation is one persisted row of an item's time series.
type Observation struct {
	Date       string `json:"Date"`
	Price      string `json:"Price"`
	Discount   int    `json:"Discount"`
	Incredible int    `json:"Incredible"`
}

// NewObservation builds the row recorded for date.
func NewObservation(date string, info PriceInfo) Observation {
	return Observation{
		Date:       date,
		Price:      info.SellingPrice,
		Discount:   info.DiscountPercent,
		Incredible: info.Incredible,
	}
}

// SummaryRow is one line of the run summary workbook.
type SummaryRow struct {
	Name       string
	Price      string
	Discount   int
	Link       string
	Incredible int
}

// Outcome is the terminal state of one item within a run.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// RunStats holds the counters emitted at the end of a run.
type RunStats struct {
	RunID      string    `json:"runId"`
	Date       string    `json:"date"`
	Total      int       `json:"total"`
	Processed  int       `json:"processed"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	InStock    int       `json:"inStock"`
	OutOfStock int       `json:"outOfStock"`
	Invalid    int       `json:"invalid"`
	Retries    int       `json:"retries"`
	Timestamp  time.Time `json:"timestamp"`
	Duration   string    `json:"duration"`
}

// Record bumps the counter matching outcome.
func (s *RunStats) Record(outcome Outcome) {
	switch outcome {
	case OutcomeProcessed:
		s.Processed++
		s.InStock++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
		s.OutOfStock++
	}
}
