package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the autotrader engine.
type Config struct {
	Storage    Storage          `yaml:"storage"`
	Alpaca     Alpaca           `yaml:"alpaca"`
	Logging    Logging          `yaml:"logging"`
	Trading    TradingConfig    `yaml:"trading"`
	Connection ConnectionConfig `yaml:"connection"`
	Risk       RiskConfig       `yaml:"risk"`
	Orders     OrdersConfig     `yaml:"orders"`
}

// Storage holds paths for data persistence.
type Storage struct {
	// StateDir holds JSON state files (circuit breaker, order state,
	// position registry) and their backups.
	StateDir string `yaml:"state_dir"`
	// JournalPath is the SQLite database recording the order event journal.
	JournalPath string `yaml:"journal_path"`
	// ArchiveDir holds the per-day Parquet fill archive.
	ArchiveDir string `yaml:"archive_dir"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TradingConfig selects execution mode and venue call pacing.
type TradingConfig struct {
	// SimulationMode routes all orders to the in-process simulator instead
	// of the venue.
	SimulationMode bool `yaml:"simulation_mode"`
	// RatePerMinute throttles order mutations sent to the venue.
	RatePerMinute int `yaml:"rate_per_minute"`
}

// ConnectionConfig controls the broker connection and its circuit breaker.
type ConnectionConfig struct {
	MonitorIntervalSec int `yaml:"monitor_interval_sec"`
	ConnectTimeoutSec  int `yaml:"connect_timeout_sec"`
	FailureThreshold   int `yaml:"failure_threshold"`
	ResetTimeoutSec    int `yaml:"reset_timeout_sec"`
}

// RiskConfig defines position sizing and portfolio exposure parameters.
type RiskConfig struct {
	AccountValue        float64 `yaml:"account_value"`
	MaxPortfolioRiskPct float64 `yaml:"max_portfolio_risk_pct"`
	DailyLossLimit      float64 `yaml:"daily_loss_limit"`
	BackupRetention     int     `yaml:"backup_retention"`
}

// OrdersConfig controls order state persistence.
type OrdersConfig struct {
	BackupIntervalSec int `yaml:"backup_interval_sec"`
	MaxBackups        int `yaml:"max_backups"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies defaults, and then applies environment variable
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyDefaults fills in zero-valued fields with sane operating defaults.
func applyDefaults(cfg *Config) {
	if cfg.Storage.StateDir == "" {
		cfg.Storage.StateDir = "data/state"
	}
	if cfg.Storage.JournalPath == "" {
		cfg.Storage.JournalPath = "data/order_events.db"
	}
	if cfg.Storage.ArchiveDir == "" {
		cfg.Storage.ArchiveDir = "data/archive"
	}
	if cfg.Alpaca.BaseURL == "" {
		cfg.Alpaca.BaseURL = "https://paper-api.alpaca.markets"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Trading.RatePerMinute == 0 {
		cfg.Trading.RatePerMinute = 120
	}
	if cfg.Connection.MonitorIntervalSec == 0 {
		cfg.Connection.MonitorIntervalSec = 30
	}
	if cfg.Connection.ConnectTimeoutSec == 0 {
		cfg.Connection.ConnectTimeoutSec = 10
	}
	if cfg.Connection.FailureThreshold == 0 {
		cfg.Connection.FailureThreshold = 3
	}
	if cfg.Connection.ResetTimeoutSec == 0 {
		cfg.Connection.ResetTimeoutSec = 60
	}
	if cfg.Risk.MaxPortfolioRiskPct == 0 {
		cfg.Risk.MaxPortfolioRiskPct = 10.0
	}
	if cfg.Risk.DailyLossLimit == 0 {
		cfg.Risk.DailyLossLimit = 500
	}
	if cfg.Risk.BackupRetention == 0 {
		cfg.Risk.BackupRetention = 5
	}
	if cfg.Orders.BackupIntervalSec == 0 {
		cfg.Orders.BackupIntervalSec = 300
	}
	if cfg.Orders.MaxBackups == 0 {
		cfg.Orders.MaxBackups = 10
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STATE_DIR"); v != "" {
		cfg.Storage.StateDir = v
	}
	if v := os.Getenv("JOURNAL_PATH"); v != "" {
		cfg.Storage.JournalPath = v
	}
	if v := os.Getenv("ARCHIVE_DIR"); v != "" {
		cfg.Storage.ArchiveDir = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("SIMULATION_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Trading.SimulationMode = b
		}
	}

	// Standard Alpaca env vars (highest priority — canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
