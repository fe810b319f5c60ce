package infra

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultUserAgent is sent on REST and WebSocket handshakes.
const DefaultUserAgent = "coinbar/1.0 (+https://github.com/coinbar/coinbar)"

// Config holds all application settings. Values from the file can be
// overridden through environment variables (endpoints only; there are no
// secrets in this app).
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	API struct {
		OKX struct {
			WSURL   string `yaml:"ws_url"`
			RestURL string `yaml:"rest_url"`
		} `yaml:"okx"`
	} `yaml:"api"`

	Stream struct {
		PingIntervalSec int `yaml:"ping_interval_sec"`
		ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	} `yaml:"stream"`

	Engine struct {
		ThrottleEvery        int     `yaml:"throttle_every"`
		CoalesceWindowMS     int     `yaml:"coalesce_window_ms"`
		ChangeThresholdPct   float64 `yaml:"change_threshold_pct"`
		ChangeCalcMode       string  `yaml:"change_calc_mode"`
		NotificationsEnabled bool    `yaml:"notifications_enabled"`
	} `yaml:"engine"`

	Polling struct {
		IntervalSec int `yaml:"interval_sec"`
	} `yaml:"polling"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.App.Name = AppName
	cfg.App.Version = "1.0.0"
	cfg.API.OKX.WSURL = "wss://ws.okx.com:8443/ws/v5/public"
	cfg.API.OKX.RestURL = "https://www.okx.com"
	cfg.Stream.PingIntervalSec = 30
	cfg.Stream.ReadTimeoutSec = 60
	cfg.Engine.ThrottleEvery = 3
	cfg.Engine.CoalesceWindowMS = 100
	cfg.Engine.ChangeThresholdPct = 5
	cfg.Engine.ChangeCalcMode = "24h"
	cfg.Engine.NotificationsEnabled = true
	cfg.Polling.IntervalSec = 60
	cfg.Logging.Level = "info"
	return cfg
}

// LoadConfig reads and parses the config file. A missing file is not an
// error: the defaults apply.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.API.OKX.WSURL, "ws://") && !strings.HasPrefix(c.API.OKX.WSURL, "wss://") {
		return fmt.Errorf("invalid OKX WS URL: %s", c.API.OKX.WSURL)
	}
	if !strings.HasPrefix(c.API.OKX.RestURL, "http://") && !strings.HasPrefix(c.API.OKX.RestURL, "https://") {
		return fmt.Errorf("invalid OKX REST URL: %s", c.API.OKX.RestURL)
	}
	if c.Stream.PingIntervalSec <= 0 {
		return fmt.Errorf("ping interval must be positive")
	}
	if c.Engine.ThrottleEvery < 1 {
		return fmt.Errorf("throttle_every must be at least 1")
	}
	if c.Engine.CoalesceWindowMS < 0 {
		return fmt.Errorf("coalesce window cannot be negative")
	}
	switch c.Engine.ChangeCalcMode {
	case "24h", "utc0", "utc8":
	default:
		return fmt.Errorf("unknown change_calc_mode: %s", c.Engine.ChangeCalcMode)
	}
	if c.Polling.IntervalSec < 10 || c.Polling.IntervalSec > 300 {
		return fmt.Errorf("polling interval %ds out of range [10, 300]", c.Polling.IntervalSec)
	}
	return nil
}

// overrideWithEnv applies endpoint overrides from the environment.
// Useful for pointing the engine at a mock exchange in integration runs.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("COINBAR_WS_URL"); v != "" {
		cfg.API.OKX.WSURL = v
	}
	if v := os.Getenv("COINBAR_REST_URL"); v != "" {
		cfg.API.OKX.RestURL = v
	}
}
