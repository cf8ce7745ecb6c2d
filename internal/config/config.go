package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server struct {
		Addr            string        `yaml:"addr"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		RateLimit       float64       `yaml:"rate_limit"` // requests per second, 0 disables
		RateBurst       int           `yaml:"rate_burst"`
	} `yaml:"server"`
	Pooling struct {
		DefaultTargetAmount string        `yaml:"default_target_amount"`
		MinTargetAmount     string        `yaml:"min_target_amount"`
		MatchWindow         time.Duration `yaml:"match_window"`
		GapPolicy           string        `yaml:"gap_policy"`
		OperationTimeout    time.Duration `yaml:"operation_timeout"`
	} `yaml:"pooling"`
	Schedule struct {
		SweepCron  string `yaml:"sweep_cron"`
		RetryCron  string `yaml:"retry_cron"`
		DigestCron string `yaml:"digest_cron"`
	} `yaml:"schedule"`
	Intake struct {
		BaseURL    string        `yaml:"base_url"`
		APIKey     string        `yaml:"api_key"`
		Timeout    time.Duration `yaml:"timeout"`
		MaxRetries int           `yaml:"max_retries"`
	} `yaml:"intake"`
	Database struct {
		Driver      string `yaml:"driver"` // none, sqlite, postgres
		SQLitePath  string `yaml:"sqlite_path"`
		PostgresDSN string `yaml:"postgres_dsn"`
	} `yaml:"database"`
	Telegram struct {
		BotToken string `yaml:"bot_token"`
		ChatID   string `yaml:"chat_id"`
	} `yaml:"telegram"`
	Log struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"` // json or console
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"log"`
	Proxy string `yaml:"proxy"`
}

// Load reads config from a YAML file, then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Database.SQLitePath = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Database.PostgresDSN = v
	}
	if v := os.Getenv("INTAKE_BASE_URL"); v != "" {
		cfg.Intake.BaseURL = v
	}
	if v := os.Getenv("INTAKE_API_KEY"); v != "" {
		cfg.Intake.APIKey = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("HTTPS_PROXY"); v != "" {
		cfg.Proxy = v
	}
	if v := os.Getenv("MATCH_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("MATCH_WINDOW: %w", err)
		}
		cfg.Pooling.MatchWindow = d
	}
	if v := os.Getenv("INTAKE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Intake.MaxRetries = n
		}
	}

	// Defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = 50
	}
	if cfg.Pooling.DefaultTargetAmount == "" {
		cfg.Pooling.DefaultTargetAmount = "200000"
	}
	if cfg.Pooling.MinTargetAmount == "" {
		cfg.Pooling.MinTargetAmount = "100000"
	}
	if cfg.Pooling.MatchWindow == 0 {
		cfg.Pooling.MatchWindow = 72 * time.Hour
	}
	if cfg.Pooling.GapPolicy == "" {
		cfg.Pooling.GapPolicy = "inclusive"
	}
	if cfg.Pooling.OperationTimeout == 0 {
		cfg.Pooling.OperationTimeout = 5 * time.Second
	}
	if cfg.Schedule.SweepCron == "" {
		cfg.Schedule.SweepCron = "0 * * * * *"
	}
	if cfg.Schedule.RetryCron == "" {
		cfg.Schedule.RetryCron = "30 */5 * * * *"
	}
	if cfg.Intake.Timeout == 0 {
		cfg.Intake.Timeout = 30 * time.Second
	}
	if cfg.Intake.MaxRetries == 0 {
		cfg.Intake.MaxRetries = 3
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = "data/agripool.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 30
	}

	return cfg, nil
}

// Validate checks that all required fields are set and consistent.
func (c *Config) Validate() error {
	target, err := c.DefaultTarget()
	if err != nil {
		return err
	}
	minTarget, err := c.MinTarget()
	if err != nil {
		return err
	}
	if !minTarget.IsPositive() {
		return fmt.Errorf("pooling.min_target_amount must be positive")
	}
	if target.LessThan(minTarget) {
		return fmt.Errorf("pooling.default_target_amount %s is below pooling.min_target_amount %s", target, minTarget)
	}
	if c.Pooling.MatchWindow <= 0 {
		return fmt.Errorf("pooling.match_window must be positive")
	}
	switch c.Pooling.GapPolicy {
	case "inclusive", "strict":
	default:
		return fmt.Errorf("pooling.gap_policy must be inclusive or strict, got %q", c.Pooling.GapPolicy)
	}
	switch c.Database.Driver {
	case "none":
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("database.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.PostgresDSN == "" {
			return fmt.Errorf("database.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be none, sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Intake.MaxRetries < 0 {
		return fmt.Errorf("intake.max_retries must not be negative")
	}
	if (c.Telegram.BotToken == "") != (c.Telegram.ChatID == "") {
		return fmt.Errorf("telegram.bot_token and telegram.chat_id must be set together")
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}
	return nil
}

// DefaultTarget parses pooling.default_target_amount.
func (c *Config) DefaultTarget() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Pooling.DefaultTargetAmount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pooling.default_target_amount: %w", err)
	}
	return d, nil
}

// MinTarget parses pooling.min_target_amount.
func (c *Config) MinTarget() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Pooling.MinTargetAmount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pooling.min_target_amount: %w", err)
	}
	return d, nil
}

// TelegramEnabled reports whether operator alerts are configured.
func (c *Config) TelegramEnabled() bool {
	return c.Telegram.BotToken != "" && c.Telegram.ChatID != ""
}
