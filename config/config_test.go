package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "zero max retries",
			mutate:  func(cfg *Config) { cfg.MaxRetries = 0 },
			wantErr: "max retries",
		},
		{
			name:    "empty api base url",
			mutate:  func(cfg *Config) { cfg.APIBaseURL = "" },
			wantErr: "API base URL",
		},
		{
			name:    "invalid site url",
			mutate:  func(cfg *Config) { cfg.SiteBaseURL = "http://" },
			wantErr: "site base URL",
		},
		{
			name:    "negative timeout",
			mutate:  func(cfg *Config) { cfg.Timeout = -1 * time.Second },
			wantErr: "timeout",
		},
		{
			name:    "negative delay",
			mutate:  func(cfg *Config) { cfg.Delay = -time.Millisecond },
			wantErr: "delay",
		},
		{
			name:    "unknown output format",
			mutate:  func(cfg *Config) { cfg.OutputFormat = "csv" },
			wantErr: "output format",
		},
		{
			name:    "bad timezone",
			mutate:  func(cfg *Config) { cfg.Timezone = "Mars/Olympus" },
			wantErr: "timezone",
		},
		{
			name:    "bad schedule",
			mutate:  func(cfg *Config) { cfg.Schedule = "every day" },
			wantErr: "schedule",
		},
		{
			name:    "zero price scale",
			mutate:  func(cfg *Config) { cfg.PriceScale = 0 },
			wantErr: "price scale",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefaultConfigValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("VERBOSE", "false")
	t.Setenv("OUTPUT", "anything")
	t.Setenv("MAX_RETRIES", "5")
	t.Setenv("RETRY_DELAY", "250")
	t.Setenv("REQUEST_TIMEOUT", "1500")
	t.Setenv("DELAY", "0")
	t.Setenv("DIGIKALA_COOKIES", "session=abc")
	t.Setenv("INPUT_FILE", "catalog.xlsx")
	t.Setenv("HTML_FALLBACK", "true")

	cfg, err := Load(NewViper())
	require.NoError(t, err)

	assert.False(t, cfg.Verbose)
	assert.True(t, cfg.Output, "only a literal false disables output")
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, 1500*time.Millisecond, cfg.Timeout)
	assert.Zero(t, cfg.Delay)
	assert.Equal(t, "session=abc", cfg.Cookies)
	assert.Equal(t, "catalog.xlsx", cfg.InputFile)
	assert.True(t, cfg.HTMLFallback)
	assert.Equal(t, int64(10), cfg.PriceScale)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	require.NoError(t, err)

	want := DefaultConfig()
	assert.Equal(t, want.MaxRetries, cfg.MaxRetries)
	assert.Equal(t, want.Delay, cfg.Delay)
	assert.Equal(t, want.JitterRange, cfg.JitterRange)
	assert.Equal(t, want.APIBaseURL, cfg.APIBaseURL)
	assert.Equal(t, want.RequestsPerSecond, cfg.RequestsPerSecond)
}

func TestLoadRejectsBadNumbers(t *testing.T) {
	t.Setenv("MAX_RETRIES", "three")

	_, err := Load(NewViper())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_RETRIES")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()

	loaded, err := LoadDotEnv(filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.False(t, loaded)

	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("PMONITOR_TEST_VALUE=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("PMONITOR_TEST_VALUE") })

	loaded, err = LoadDotEnv(path)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, "from-dotenv", os.Getenv("PMONITOR_TEST_VALUE"))
}

func TestProductPageURL(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "https://www.digikala.com/product/dkp-42/", cfg.ProductPageURL("42"))
}
