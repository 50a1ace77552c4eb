package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
)

// Config holds price monitor configuration.
type Config struct {
	Verbose bool
	Output  bool

	InputFile    string
	OutputDir    string
	OutputFile   string
	StatsFile    string
	OutputFormat string // xlsx or dual
	DashboardDir string

	// MaxRetries bounds the total attempts made for a single fetch.
	MaxRetries  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	Delay       time.Duration
	JitterRange time.Duration

	RequestsPerSecond float64
	RedirectCacheSize int
	Cookies           string
	APIBaseURL        string
	SiteBaseURL       string
	HTMLFallback      bool

	Timezone   string
	PriceScale int64

	LogLevel    string
	LogFormat   string
	MetricsAddr string
	Schedule    string
}

// DefaultConfig returns the defaults used by the daily monitoring job.
func DefaultConfig() *Config {
	return &Config{
		Verbose:           true,
		Output:            true,
		InputFile:         "items.xlsx",
		OutputDir:         "items",
		OutputFile:        "output.xlsx",
		StatsFile:         "stats.json",
		OutputFormat:      "xlsx",
		DashboardDir:      "dashboard",
		MaxRetries:        3,
		RetryDelay:        time.Second,
		Timeout:           30 * time.Second,
		Delay:             2500 * time.Millisecond,
		JitterRange:       500 * time.Millisecond,
		RequestsPerSecond: 2,
		RedirectCacheSize: 256,
		APIBaseURL:        "https://api.digikala.com",
		SiteBaseURL:       "https://www.digikala.com",
		HTMLFallback:      false,
		Timezone:          "Asia/Tehran",
		PriceScale:        10,
		LogLevel:          "",
		LogFormat:         "auto",
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if err := validateBaseURL("API base URL", c.APIBaseURL); err != nil {
		return err
	}
	if err := validateBaseURL("site base URL", c.SiteBaseURL); err != nil {
		return err
	}

	if c.InputFile == "" {
		return fmt.Errorf("input file cannot be empty")
	}
	if c.Output {
		if c.OutputDir == "" {
			return fmt.Errorf("output dir cannot be empty")
		}
		if c.OutputFile == "" {
			return fmt.Errorf("output file cannot be empty")
		}
	}
	if c.OutputFormat != "xlsx" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be xlsx or dual")
	}
	if c.OutputFormat == "dual" && c.DashboardDir == "" {
		return fmt.Errorf("dashboard dir cannot be empty for dual output")
	}

	if c.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.JitterRange < 0 {
		return fmt.Errorf("jitter range cannot be negative")
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests per second cannot be negative")
	}
	if c.RedirectCacheSize <= 0 {
		return fmt.Errorf("redirect cache size must be positive")
	}
	if c.PriceScale <= 0 {
		return fmt.Errorf("price scale must be positive")
	}

	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}

	switch strings.ToLower(c.LogFormat) {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("log format must be auto, text, or json")
	}

	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", c.Schedule, err)
		}
	}

	return nil
}

// Location resolves the timezone that defines "today" for a run.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// ProductPageURL returns the storefront URL the HTML fallback visits.
func (c *Config) ProductPageURL(productID string) string {
	return strings.TrimSuffix(c.SiteBaseURL, "/") + "/product/dkp-" + productID + "/"
}

func validateBaseURL(label, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", label)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", label, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s must include a host", label)
	}
	return nil
}
