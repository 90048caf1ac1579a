package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tradeflow     TradeflowConfig     `yaml:"tradeflow"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Dashboard     DashboardConfig     `yaml:"dashboard"`
	Stream        StreamConfig        `yaml:"stream"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Quotes        QuotesConfig        `yaml:"quotes"`
	Execution     ExecutionConfig     `yaml:"execution"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type TradeflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	CloudWatch bool   `yaml:"cloudwatch"`
	Namespace  string `yaml:"namespace"`
	Region     string `yaml:"region"`
}

type DashboardConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	LogHistory int    `yaml:"log_history"`
}

type StreamConfig struct {
	Feed           string               `yaml:"feed"`
	URL            string               `yaml:"url"`
	APIKey         string               `yaml:"api_key"`
	APISecret      string               `yaml:"api_secret"`
	KeepAlive      Duration             `yaml:"keep_alive"`
	StopTimeout    Duration             `yaml:"stop_timeout"`
	Reconnect      RetryConfig          `yaml:"reconnect"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	SubscribeRate  RateLimitConfig      `yaml:"subscribe_rate"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	RecoveryTimeout  Duration `yaml:"recovery_timeout"`
	SuccessThreshold int      `yaml:"success_threshold"`
	MinRetryInterval Duration `yaml:"min_retry_interval"`
}

type RetryConfig struct {
	BaseDelay         Duration `yaml:"base_delay"`
	MaxDelay          Duration `yaml:"max_delay"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	JitterFraction    float64  `yaml:"jitter_fraction"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type SubscriptionsConfig struct {
	MaxSymbols int `yaml:"max_symbols"`
}

type QuotesConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	MaxQuoteAge     Duration `yaml:"max_quote_age"`
	FreshnessWindow Duration `yaml:"freshness_window"`
	OrderPriceWait  Duration `yaml:"order_price_wait"`
	OrderPollEvery  Duration `yaml:"order_poll_every"`
}

type ExecutionConfig struct {
	MaxSpreadPct       float64  `yaml:"max_spread_pct"`
	MinVolumeShares    float64  `yaml:"min_volume_shares"`
	TickSize           float64  `yaml:"tick_size"`
	MinPrice           float64  `yaml:"min_price"`
	MinImprovement     float64  `yaml:"min_improvement"`
	MaxRepegs          int      `yaml:"max_repegs"`
	RepegWait          Duration `yaml:"repeg_wait"`
	MonitoringDuration Duration `yaml:"monitoring_duration"`
	PollInterval       Duration `yaml:"poll_interval"`
	OpeningWindow      Duration `yaml:"opening_window"`
	MarketTimezone     string   `yaml:"market_timezone"`
	MarketOpen         string   `yaml:"market_open"`
	TimeInForce        string   `yaml:"time_in_force"`
}

type GatewayConfig struct {
	Kind      string `yaml:"kind"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
}

type LoggingConfig struct {
	Level         string                 `yaml:"level"`
	Format        string                 `yaml:"format"`
	Output        string                 `yaml:"output"`
	MaxAge        int                    `yaml:"max_age"`
	Fields        map[string]interface{} `yaml:"fields"`
	DashboardName string                 `yaml:"dashboard_name"`
}

const defaultConfigPath = "config/config.yml"

// envConfigPaths maps an application environment to the configuration file it
// loads when the caller did not ask for a specific one.
var envConfigPaths = map[string]string{
	environmentProduction: "config/config.production.yml",
	environmentStaging:    "config/config.staging.yml",
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)

	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// defaultConfig seeds values so a development yaml file only needs to name the
// sections it cares about.
func defaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "0.0.0.0:2112",
		},
		Stream: StreamConfig{
			Feed:        "stocks",
			KeepAlive:   Duration(20 * time.Second),
			StopTimeout: Duration(5 * time.Second),
			Reconnect: RetryConfig{
				BaseDelay:         Duration(time.Second),
				MaxDelay:          Duration(60 * time.Second),
				BackoffMultiplier: 2,
				JitterFraction:    0.25,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				RecoveryTimeout:  Duration(60 * time.Second),
				SuccessThreshold: 3,
				MinRetryInterval: Duration(time.Second),
			},
			SubscribeRate: RateLimitConfig{
				RequestsPerSecond: 10,
				BurstSize:         20,
			},
		},
		Subscriptions: SubscriptionsConfig{MaxSymbols: 30},
		Quotes: QuotesConfig{
			CleanupInterval: Duration(time.Minute),
			MaxQuoteAge:     Duration(5 * time.Minute),
			FreshnessWindow: Duration(time.Second),
			OrderPriceWait:  Duration(500 * time.Millisecond),
			OrderPollEvery:  Duration(100 * time.Millisecond),
		},
		Execution: ExecutionConfig{
			MaxSpreadPct:       0.5,
			MinVolumeShares:    100,
			TickSize:           0.01,
			MinPrice:           0.01,
			MinImprovement:     0.01,
			MaxRepegs:          3,
			RepegWait:          Duration(30 * time.Second),
			MonitoringDuration: Duration(5 * time.Minute),
			PollInterval:       Duration(5 * time.Second),
			OpeningWindow:      Duration(5 * time.Minute),
			MarketTimezone:     "America/New_York",
			MarketOpen:         "09:30",
			TimeInForce:        "DAY",
		},
		Gateway: GatewayConfig{Kind: "paper"},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// applyEnvOverrides lets deployment credentials stay out of the yaml file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STREAM_API_KEY"); v != "" {
		cfg.Stream.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("STREAM_API_SECRET"); v != "" {
		cfg.Stream.APISecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("GATEWAY_API_KEY"); v != "" {
		cfg.Gateway.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("GATEWAY_API_SECRET"); v != "" {
		cfg.Gateway.APISecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Metrics.Region = strings.TrimSpace(v)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Tradeflow.Name == "" {
		return fmt.Errorf("tradeflow.name is required")
	}

	if cfg.Tradeflow.Version == "" {
		return fmt.Errorf("tradeflow.version is required")
	}

	switch cfg.Stream.Feed {
	case "stocks", "binance":
	default:
		return fmt.Errorf("stream.feed '%s' is not supported", cfg.Stream.Feed)
	}

	if cfg.Stream.Feed == "stocks" && cfg.Stream.URL == "" {
		return fmt.Errorf("stream.url is required for the stocks feed")
	}

	if env := AppEnvironment(); IsProductionLike(env) && cfg.Stream.Feed == "stocks" && cfg.Stream.APIKey == "" {
		return fmt.Errorf("stream.api_key is required in the %s environment", env)
	}

	if cfg.Subscriptions.MaxSymbols <= 0 {
		return fmt.Errorf("subscriptions.max_symbols must be greater than 0")
	}

	cb := cfg.Stream.CircuitBreaker
	if cb.FailureThreshold <= 0 {
		return fmt.Errorf("stream.circuit_breaker.failure_threshold must be greater than 0")
	}
	if cb.SuccessThreshold <= 0 {
		return fmt.Errorf("stream.circuit_breaker.success_threshold must be greater than 0")
	}
	if cb.RecoveryTimeout <= 0 {
		return fmt.Errorf("stream.circuit_breaker.recovery_timeout must be greater than 0")
	}

	rc := cfg.Stream.Reconnect
	if rc.BaseDelay <= 0 || rc.MaxDelay < rc.BaseDelay {
		return fmt.Errorf("stream.reconnect delays are invalid (base %s, max %s)", rc.BaseDelay, rc.MaxDelay)
	}
	if rc.BackoffMultiplier < 1 {
		return fmt.Errorf("stream.reconnect.backoff_multiplier must be at least 1")
	}
	if rc.JitterFraction < 0 || rc.JitterFraction > 1 {
		return fmt.Errorf("stream.reconnect.jitter_fraction must be within [0, 1]")
	}

	if cfg.Quotes.CleanupInterval <= 0 {
		return fmt.Errorf("quotes.cleanup_interval must be greater than 0")
	}
	if cfg.Quotes.MaxQuoteAge <= 0 {
		return fmt.Errorf("quotes.max_quote_age must be greater than 0")
	}

	ex := cfg.Execution
	if ex.MaxSpreadPct <= 0 {
		return fmt.Errorf("execution.max_spread_pct must be greater than 0")
	}
	if ex.TickSize <= 0 {
		return fmt.Errorf("execution.tick_size must be greater than 0")
	}
	if ex.MaxRepegs < 0 {
		return fmt.Errorf("execution.max_repegs must not be negative")
	}
	if ex.MonitoringDuration <= 0 || ex.PollInterval <= 0 {
		return fmt.Errorf("execution monitoring durations must be greater than 0")
	}
	if _, err := time.Parse("15:04", ex.MarketOpen); err != nil {
		return fmt.Errorf("execution.market_open '%s' is not HH:MM: %w", ex.MarketOpen, err)
	}
	if _, err := time.LoadLocation(ex.MarketTimezone); err != nil {
		return fmt.Errorf("execution.market_timezone '%s' is invalid: %w", ex.MarketTimezone, err)
	}

	switch cfg.Gateway.Kind {
	case "paper", "binance":
	default:
		return fmt.Errorf("gateway.kind '%s' is not supported", cfg.Gateway.Kind)
	}
	if cfg.Gateway.Kind == "binance" && (cfg.Gateway.APIKey == "" || cfg.Gateway.APISecret == "") {
		return fmt.Errorf("gateway.api_key and gateway.api_secret are required for the binance gateway")
	}

	return nil
}
