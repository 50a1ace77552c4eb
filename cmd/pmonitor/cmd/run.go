package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pmonitor/pmonitor/config"
	"github.com/pmonitor/pmonitor/logger"
	"github.com/pmonitor/pmonitor/pipeline"
	"github.com/pmonitor/pmonitor/scraper"
)

func runCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Monitor every catalog item once, or on a cron schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			slog.SetDefault(logger.New(logger.LevelFor(cfg.LogLevel, cfg.Verbose), cfg.LogFormat))
			return runMonitor(cmd.Context(), cfg)
		},
	}

	d := config.DefaultConfig()
	flags := cmd.Flags()
	flags.String(flagName(config.KeyInputFile), d.InputFile, "catalog workbook with name and link columns")
	flags.String(flagName(config.KeyOutputDir), d.OutputDir, "directory for per-item workbooks")
	flags.String(flagName(config.KeyOutputFile), d.OutputFile, "run summary workbook")
	flags.String(flagName(config.KeyStatsFile), d.StatsFile, "run statistics JSON file")
	flags.String(flagName(config.KeyOutputFormat), d.OutputFormat, "output format (xlsx, dual)")
	flags.String(flagName(config.KeyDashboardDir), d.DashboardDir, "directory for dashboard JSON when format is dual")
	flags.Bool(flagName(config.KeyHTMLFallback), d.HTMLFallback, "fall back to the product page when the API fails")
	flags.String(flagName(config.KeyMetricsAddr), d.MetricsAddr, "serve Prometheus metrics on this address")
	flags.String(flagName(config.KeySchedule), d.Schedule, "cron schedule; empty runs once and exits")

	for _, key := range []string{
		config.KeyInputFile, config.KeyOutputDir, config.KeyOutputFile, config.KeyStatsFile,
		config.KeyOutputFormat, config.KeyDashboardDir, config.KeyHTMLFallback,
		config.KeyMetricsAddr, config.KeySchedule,
	} {
		cobra.CheckErr(v.BindPFlag(key, flags.Lookup(flagName(key))))
	}
	return cmd
}

// runMonitor wires the fetch stack and runs the catalog once, or repeatedly
// when a schedule is configured.
func runMonitor(ctx context.Context, cfg *config.Config) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	metrics := scraper.NewMetrics()
	if cfg.MetricsAddr != "" {
		stop := serveMetrics(cfg.MetricsAddr, metrics)
		defer stop()
	}

	client, err := scraper.NewClient(cfg, scraper.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("create http client: %w", err)
	}
	retrier := scraper.NewRetrier(cfg, metrics)

	var opts []scraper.ResolverOption
	if cfg.HTMLFallback {
		page, err := scraper.NewPageScraper(cfg, metrics)
		if err != nil {
			return fmt.Errorf("create page scraper: %w", err)
		}
		opts = append(opts, scraper.WithFallback(page))
	}
	resolver, err := scraper.NewResolver(client, retrier, cfg.RedirectCacheSize, opts...)
	if err != nil {
		return fmt.Errorf("create resolver: %w", err)
	}

	store := pipeline.NewStore(cfg.OutputDir)
	var output pipeline.OutputWriter = store
	if cfg.OutputFormat == "dual" {
		output = pipeline.NewDualWriter(store, pipeline.NewDashboardWriter(cfg.DashboardDir))
	}

	runner, err := pipeline.NewRunner(cfg, resolver, output,
		pipeline.WithRunnerMetrics(metrics),
		pipeline.WithRetryCounter(retrier),
	)
	if err != nil {
		return err
	}

	job := func(ctx context.Context) error {
		_, err := runner.RunCatalog(ctx, cfg.InputFile)
		return err
	}
	if cfg.Schedule == "" {
		return job(ctx)
	}

	scheduler, err := pipeline.NewScheduler(cfg.Schedule, loc, job)
	if err != nil {
		return err
	}
	return scheduler.Run(ctx)
}

// serveMetrics starts the Prometheus endpoint and returns a shutdown func.
func serveMetrics(addr string, metrics *scraper.Metrics) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			slog.Warn("metrics server shutdown", "error", err)
		}
	}
}
