package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Configuration keys and the environment variables bound to them.
const (
	KeyVerbose      = "verbose"
	KeyOutput       = "output"
	KeyInputFile    = "input_file"
	KeyOutputDir    = "output_dir"
	KeyOutputFile   = "output_file"
	KeyStatsFile    = "stats_file"
	KeyOutputFormat = "output_format"
	KeyDashboardDir = "dashboard_dir"
	KeyMaxRetries   = "max_retries"
	KeyRetryDelay   = "retry_delay"
	KeyTimeout      = "request_timeout"
	KeyDelay        = "delay"
	KeyJitter       = "jitter"
	KeyRateLimit    = "rate_limit_rps"
	KeyCookies      = "cookies"
	KeyAPIBaseURL   = "api_base_url"
	KeySiteBaseURL  = "site_base_url"
	KeyHTMLFallback = "html_fallback"
	KeyTimezone     = "timezone"
	KeyPriceScale   = "price_scale"
	KeyLogLevel     = "log_level"
	KeyLogFormat    = "log_format"
	KeyMetricsAddr  = "metrics_addr"
	KeySchedule     = "schedule"
)

var envNames = map[string]string{
	KeyVerbose:      "VERBOSE",
	KeyOutput:       "OUTPUT",
	KeyInputFile:    "INPUT_FILE",
	KeyOutputDir:    "OUTPUT_DIR",
	KeyOutputFile:   "OUTPUT_FILE",
	KeyStatsFile:    "STATS_FILE",
	KeyOutputFormat: "OUTPUT_FORMAT",
	KeyDashboardDir: "DASHBOARD_DIR",
	KeyMaxRetries:   "MAX_RETRIES",
	KeyRetryDelay:   "RETRY_DELAY",
	KeyTimeout:      "REQUEST_TIMEOUT",
	KeyDelay:        "DELAY",
	KeyJitter:       "JITTER",
	KeyRateLimit:    "RATE_LIMIT_RPS",
	KeyCookies:      "DIGIKALA_COOKIES",
	KeyAPIBaseURL:   "API_BASE_URL",
	KeySiteBaseURL:  "SITE_BASE_URL",
	KeyHTMLFallback: "HTML_FALLBACK",
	KeyTimezone:     "TIMEZONE",
	KeyPriceScale:   "PRICE_SCALE",
	KeyLogLevel:     "LOG_LEVEL",
	KeyLogFormat:    "LOG_FORMAT",
	KeyMetricsAddr:  "METRICS_ADDR",
	KeySchedule:     "SCHEDULE",
}

// NewViper returns a viper instance with defaults and environment bindings
// for every configuration key. Callers may bind flags on top of it.
func NewViper() *viper.Viper {
	v := viper.New()
	d := DefaultConfig()

	v.SetDefault(KeyVerbose, d.Verbose)
	v.SetDefault(KeyOutput, d.Output)
	v.SetDefault(KeyInputFile, d.InputFile)
	v.SetDefault(KeyOutputDir, d.OutputDir)
	v.SetDefault(KeyOutputFile, d.OutputFile)
	v.SetDefault(KeyStatsFile, d.StatsFile)
	v.SetDefault(KeyOutputFormat, d.OutputFormat)
	v.SetDefault(KeyDashboardDir, d.DashboardDir)
	v.SetDefault(KeyMaxRetries, d.MaxRetries)
	v.SetDefault(KeyRetryDelay, d.RetryDelay.Milliseconds())
	v.SetDefault(KeyTimeout, d.Timeout.Milliseconds())
	v.SetDefault(KeyDelay, d.Delay.Milliseconds())
	v.SetDefault(KeyJitter, d.JitterRange.Milliseconds())
	v.SetDefault(KeyRateLimit, d.RequestsPerSecond)
	v.SetDefault(KeyCookies, d.Cookies)
	v.SetDefault(KeyAPIBaseURL, d.APIBaseURL)
	v.SetDefault(KeySiteBaseURL, d.SiteBaseURL)
	v.SetDefault(KeyHTMLFallback, d.HTMLFallback)
	v.SetDefault(KeyTimezone, d.Timezone)
	v.SetDefault(KeyPriceScale, d.PriceScale)
	v.SetDefault(KeyLogLevel, d.LogLevel)
	v.SetDefault(KeyLogFormat, d.LogFormat)
	v.SetDefault(KeyMetricsAddr, d.MetricsAddr)
	v.SetDefault(KeySchedule, d.Schedule)

	for key, env := range envNames {
		// BindEnv only fails when called without a key.
		_ = v.BindEnv(key, env)
	}
	return v
}

// LoadDotEnv loads variables from path into the process environment without
// overriding values that are already set. A missing file is not an error.
func LoadDotEnv(path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("load %s: %w", path, err)
	}
	return true, nil
}

// FromViper builds a Config from v. Numeric values that do not parse are
// reported rather than silently replaced by defaults.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	cfg.Verbose = flagValue(v, KeyVerbose)
	cfg.Output = flagValue(v, KeyOutput)
	cfg.HTMLFallback = strings.EqualFold(strings.TrimSpace(v.GetString(KeyHTMLFallback)), "true")

	cfg.InputFile = v.GetString(KeyInputFile)
	cfg.OutputDir = v.GetString(KeyOutputDir)
	cfg.OutputFile = v.GetString(KeyOutputFile)
	cfg.StatsFile = v.GetString(KeyStatsFile)
	cfg.OutputFormat = strings.ToLower(v.GetString(KeyOutputFormat))
	cfg.DashboardDir = v.GetString(KeyDashboardDir)
	cfg.Cookies = v.GetString(KeyCookies)
	cfg.APIBaseURL = v.GetString(KeyAPIBaseURL)
	cfg.SiteBaseURL = v.GetString(KeySiteBaseURL)
	cfg.Timezone = v.GetString(KeyTimezone)
	cfg.LogLevel = strings.ToLower(v.GetString(KeyLogLevel))
	cfg.LogFormat = strings.ToLower(v.GetString(KeyLogFormat))
	cfg.MetricsAddr = v.GetString(KeyMetricsAddr)
	cfg.Schedule = v.GetString(KeySchedule)

	var err error
	if cfg.MaxRetries, err = intValue(v, KeyMaxRetries); err != nil {
		return nil, err
	}
	if cfg.RetryDelay, err = millisValue(v, KeyRetryDelay); err != nil {
		return nil, err
	}
	if cfg.Timeout, err = millisValue(v, KeyTimeout); err != nil {
		return nil, err
	}
	if cfg.Delay, err = millisValue(v, KeyDelay); err != nil {
		return nil, err
	}
	if cfg.JitterRange, err = millisValue(v, KeyJitter); err != nil {
		return nil, err
	}

	scale, err := intValue(v, KeyPriceScale)
	if err != nil {
		return nil, err
	}
	cfg.PriceScale = int64(scale)

	rps := strings.TrimSpace(v.GetString(KeyRateLimit))
	if cfg.RequestsPerSecond, err = strconv.ParseFloat(rps, 64); err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", envNames[KeyRateLimit], rps, err)
	}

	return cfg, nil
}

// Load reads .env (when present), the environment, and any flags already
// bound on v, then validates the result.
func Load(v *viper.Viper) (*Config, error) {
	cfg, err := FromViper(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// flagValue treats anything except a literal "false" as enabled.
func flagValue(v *viper.Viper, key string) bool {
	return strings.TrimSpace(strings.ToLower(v.GetString(key))) != "false"
}

func intValue(v *viper.Viper, key string) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", envNames[key], raw, err)
	}
	return n, nil
}

func millisValue(v *viper.Viper, key string) (time.Duration, error) {
	n, err := intValue(v, key)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}
