package config

import (
	"os"
	"testing"
	"time"
)

// writeTempConfig creates a minimal configuration file required for LoadConfig
// and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

const minimalConfig = `tradeflow:
  name: "TestApp"
  version: "1.0"
stream:
  feed: stocks
  url: "wss://example.test/v2/stream"
`

func TestLoadConfig(t *testing.T) {
	// keep the ambient environment from tightening validation
	t.Setenv("APP_ENV", "")

	path := writeTempConfig(t, minimalConfig)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Tradeflow.Name != "TestApp" {
		t.Errorf("unexpected name: %s", cfg.Tradeflow.Name)
	}
	// defaults survive a minimal file
	if cfg.Subscriptions.MaxSymbols != 30 {
		t.Errorf("unexpected max symbols: %d", cfg.Subscriptions.MaxSymbols)
	}
	if cfg.Stream.Reconnect.BaseDelay.Std() != time.Second {
		t.Errorf("unexpected base delay: %s", cfg.Stream.Reconnect.BaseDelay)
	}
	if cfg.Execution.MarketTimezone != "America/New_York" {
		t.Errorf("unexpected market timezone: %s", cfg.Execution.MarketTimezone)
	}
}

func TestDurationStringsParse(t *testing.T) {
	t.Setenv("APP_ENV", "")

	path := writeTempConfig(t, minimalConfig+`quotes:
  cleanup_interval: 30s
  max_quote_age: 2m
execution:
  repeg_wait: 45s
`)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Quotes.CleanupInterval.Std() != 30*time.Second {
		t.Errorf("cleanup_interval = %s", cfg.Quotes.CleanupInterval)
	}
	if cfg.Quotes.MaxQuoteAge.Std() != 2*time.Minute {
		t.Errorf("max_quote_age = %s", cfg.Quotes.MaxQuoteAge)
	}
	if cfg.Execution.RepegWait.Std() != 45*time.Second {
		t.Errorf("repeg_wait = %s", cfg.Execution.RepegWait)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing name", `tradeflow:
  version: "1.0"
stream:
  feed: stocks
  url: "wss://example.test"
`},
		{"unknown feed", `tradeflow:
  name: "TestApp"
  version: "1.0"
stream:
  feed: carrier-pigeon
`},
		{"stocks feed without url", `tradeflow:
  name: "TestApp"
  version: "1.0"
stream:
  feed: stocks
`},
		{"zero max symbols", minimalConfig + `subscriptions:
  max_symbols: 0
`},
		{"bad market open", minimalConfig + `execution:
  market_open: "930"
`},
		{"bad jitter", minimalConfig + `stream:
  feed: stocks
  url: "wss://example.test"
  reconnect:
    jitter_fraction: 2
`},
		{"binance gateway without keys", minimalConfig + `gateway:
  kind: binance
`},
	}

	for _, tc := range cases {
		path := writeTempConfig(t, tc.content)
		_, err := LoadConfig(path)
		os.Remove(path)
		if err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestResolveEnvSpecificPath(t *testing.T) {
	envPaths := map[string]string{
		EnvironmentProduction: "config/config.production.yml",
		EnvironmentStaging:    "config/config.staging.yml",
	}

	cases := []struct {
		name string
		env  string
		path string
		want string
	}{
		{"default path in development", "", "config/config.yml", "config/config.yml"},
		{"default path in production", "production", "config/config.yml", "config/config.production.yml"},
		{"alias resolves to production", "prod", "config/config.yml", "config/config.production.yml"},
		{"staging alias", "stagging", "config/config.yml", "config/config.staging.yml"},
		{"explicit path wins over environment", "production", "/etc/tradeflow/custom.yml", "/etc/tradeflow/custom.yml"},
		{"empty path falls back to default", "", "", "config/config.yml"},
	}

	for _, tc := range cases {
		t.Setenv("APP_ENV", tc.env)
		got := resolveEnvSpecificPath(tc.path, "config/config.yml", envPaths)
		if got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestProductionRequiresStreamCredentials(t *testing.T) {
	t.Setenv("APP_ENV", "production")

	path := writeTempConfig(t, minimalConfig)
	defer os.Remove(path)

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected a credentials error for the stocks feed")
	}

	t.Setenv("STREAM_API_KEY", "key-from-env")
	if _, err := LoadConfig(path); err != nil {
		t.Fatalf("LoadConfig failed with credentials present: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STREAM_API_KEY", "key-from-env")
	t.Setenv("STREAM_API_SECRET", "secret-from-env")

	path := writeTempConfig(t, minimalConfig)
	defer os.Remove(path)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Stream.APIKey != "key-from-env" || cfg.Stream.APISecret != "secret-from-env" {
		t.Errorf("env overrides not applied: %+v", cfg.Stream)
	}
}
