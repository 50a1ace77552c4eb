// Package pipeline drives a monitoring run: it walks the catalog, resolves
// each product, persists the day's observation and writes the run outputs.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/pmonitor/pmonitor/catalog"
	"github.com/pmonitor/pmonitor/config"
	"github.com/pmonitor/pmonitor/models"
	"github.com/pmonitor/pmonitor/parser"
	"github.com/pmonitor/pmonitor/scraper"
)

// DateLayout is the calendar date format used in stores and file names.
const DateLayout = "2006-01-02"

// Resolver looks up the current variant of a product; nil means unavailable.
type Resolver interface {
	Resolve(ctx context.Context, productID string) *models.Variant
}

// RetryCounter exposes the running retry total of a fetcher.
type RetryCounter interface {
	TotalRetries() int
}

// RunContext carries everything a run would otherwise read from process
// globals.
type RunContext struct {
	RunID string
	Date  string
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	RandN func(n int64) int64
}

// NewRunContext stamps a run with a fresh id and today's date in loc.
func NewRunContext(loc *time.Location) RunContext {
	if loc == nil {
		loc = time.UTC
	}
	return RunContext{
		RunID: uuid.NewString(),
		Date:  time.Now().In(loc).Format(DateLayout),
		Now:   time.Now,
		Sleep: scraper.SleepContext,
		RandN: rand.Int64N,
	}
}

// Runner processes catalog items strictly one after another.
type Runner struct {
	cfg        *config.Config
	resolver   Resolver
	output     OutputWriter
	metrics    *scraper.Metrics
	retries    RetryCounter
	runContext func() RunContext
}

// RunnerOption configures the Runner.
type RunnerOption func(*Runner)

// WithRunnerMetrics counts item outcomes on m.
func WithRunnerMetrics(m *scraper.Metrics) RunnerOption {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithRetryCounter reports retries performed during a run in its stats.
func WithRetryCounter(c RetryCounter) RunnerOption {
	return func(r *Runner) {
		r.retries = c
	}
}

// WithRunContext overrides how each run's context is built.
func WithRunContext(fn func() RunContext) RunnerOption {
	return func(r *Runner) {
		r.runContext = fn
	}
}

// NewRunner builds a Runner.
func NewRunner(cfg *config.Config, resolver Resolver, output OutputWriter, opts ...RunnerOption) (*Runner, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	r := &Runner{
		cfg:      cfg,
		resolver: resolver,
		output:   output,
		runContext: func() RunContext {
			return NewRunContext(loc)
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RunCatalog loads the catalog workbook and runs over its valid items.
func (r *Runner) RunCatalog(ctx context.Context, path string) (*models.RunStats, error) {
	cat, err := catalog.Load(path, catalog.Options{SiteBase: r.cfg.SiteBaseURL})
	if err != nil {
		return nil, err
	}
	return r.run(ctx, cat.Items, len(cat.Rejected))
}

// Run processes items and writes the summary and statistics. A summary
// write failure is returned after the statistics have been recorded.
func (r *Runner) Run(ctx context.Context, items []models.Item) (*models.RunStats, error) {
	return r.run(ctx, items, 0)
}

func (r *Runner) run(ctx context.Context, items []models.Item, invalid int) (*models.RunStats, error) {
	rc := r.runContext()
	start := rc.Now()
	retriesBefore := r.totalRetries()

	slog.Info("starting monitoring run",
		slog.String("run_id", rc.RunID),
		slog.String("date", rc.Date),
		slog.Int("items", len(items)),
	)

	stats := &models.RunStats{
		RunID:   rc.RunID,
		Date:    rc.Date,
		Total:   len(items),
		Invalid: invalid,
	}
	summary := NewSummaryWriter(r.cfg.OutputFile, rc.Date)

	var runErr error
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		slog.Info(fmt.Sprintf("[%d/%d] %s", i+1, len(items), item.Name),
			slog.String("product_id", item.ProductID),
		)
		outcome := r.processItem(ctx, rc, item, summary)
		stats.Record(outcome)
		r.metrics.IncItem(string(outcome))

		if i < len(items)-1 {
			wait := r.cfg.Delay + jitter(rc, r.cfg.JitterRange)
			if wait < 0 {
				wait = 0
			}
			slog.Debug("waiting before next item", slog.Duration("wait", wait))
			if err := rc.Sleep(ctx, wait); err != nil {
				runErr = err
				break
			}
		}
	}

	if r.output != nil {
		if err := r.output.Finish(items); err != nil {
			slog.Error("failed to finalize outputs", slog.Any("error", err))
		}
	}

	var summaryErr error
	if r.cfg.Output {
		if err := summary.Save(); err != nil {
			summaryErr = err
			slog.Error("failed to save summary", slog.String("path", r.cfg.OutputFile), slog.Any("error", err))
		} else {
			slog.Info("summary saved", slog.String("path", r.cfg.OutputFile))
		}
	}

	end := rc.Now()
	stats.Retries = r.totalRetries() - retriesBefore
	stats.Timestamp = end.UTC()
	stats.Duration = end.Sub(start).Round(time.Millisecond).String()

	if err := WriteStats(r.cfg.StatsFile, stats); err != nil {
		slog.Error("failed to save stats", slog.String("path", r.cfg.StatsFile), slog.Any("error", err))
	}

	slog.Info("monitoring run completed",
		slog.String("run_id", stats.RunID),
		slog.String("date", stats.Date),
		slog.Int("processed", stats.Processed),
		slog.Int("failed", stats.Failed),
		slog.Int("skipped", stats.Skipped),
		slog.Int("invalid", stats.Invalid),
		slog.Int("total", stats.Total),
		slog.Int("retries", stats.Retries),
		slog.String("duration", stats.Duration),
	)

	if summaryErr != nil {
		return stats, summaryErr
	}
	if runErr != nil {
		return stats, fmt.Errorf("run interrupted: %w", runErr)
	}
	return stats, nil
}

func (r *Runner) processItem(ctx context.Context, rc RunContext, item models.Item, summary *SummaryWriter) models.Outcome {
	logger := slog.With(slog.String("item", item.Name))

	if r.output != nil {
		exists, err := r.output.HasObservation(item.Name, rc.Date)
		if err != nil {
			logger.Warn("could not check existing observations", slog.Any("error", err))
		}
		if exists {
			logger.Info("already recorded today, skipping", slog.String("date", rc.Date))
			return models.OutcomeSkipped
		}
	}

	variant := r.resolver.Resolve(ctx, item.ProductID)
	if variant == nil {
		logger.Error("no data retrieved (may be out of stock)", slog.String("product_id", item.ProductID))
		return models.OutcomeFailed
	}

	info := parser.ExtractPriceInfo(variant, r.cfg.PriceScale)
	logger.Info("price resolved",
		slog.String("price", info.SellingPrice),
		slog.Int("discount", info.DiscountPercent),
		slog.Int("incredible", info.Incredible),
		slog.String("source", variant.Source),
	)

	if r.cfg.Output && r.output != nil {
		if _, err := r.output.Append(item.Name, models.NewObservation(rc.Date, info)); err != nil {
			logger.Error("failed to persist observation", slog.Any("error", err))
			return models.OutcomeFailed
		}
	}

	summary.Add(models.SummaryRow{
		Name:       item.Name,
		Price:      info.SellingPrice,
		Discount:   info.DiscountPercent,
		Link:       item.URL,
		Incredible: info.Incredible,
	})
	return models.OutcomeProcessed
}

func (r *Runner) totalRetries() int {
	if r.retries == nil {
		return 0
	}
	return r.retries.TotalRetries()
}

// jitter draws a uniform offset in [-rangeDur, +rangeDur).
func jitter(rc RunContext, rangeDur time.Duration) time.Duration {
	if rangeDur <= 0 || rc.RandN == nil {
		return 0
	}
	return time.Duration(rc.RandN(int64(2*rangeDur))) - rangeDur
}
