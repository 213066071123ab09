// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Risk        RiskConfig        `yaml:"risk"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
	LogFile  string `yaml:"log_file"`  // empty = stdout only
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider    string `yaml:"provider"`
	APIKey      string `yaml:"api_key"`
	APIEndpoint string `yaml:"api_endpoint"`
	AccountID   string `yaml:"account_id"`
	// OrderTimeout bounds how long a placed order is awaited before its
	// outcome is treated as unknown and left to next-cycle reconciliation.
	OrderTimeout string `yaml:"order_timeout"`
}

// ScheduleConfig defines the evaluation cadence and market hours.
type ScheduleConfig struct {
	ScanInterval    string `yaml:"scan_interval"` // e.g. "5m"
	Timezone        string `yaml:"timezone"`      // e.g. "America/New_York"
	TradingStart    string `yaml:"trading_start"` // "HH:MM"
	TradingEnd      string `yaml:"trading_end"`   // "HH:MM"
	AfterHoursCheck bool   `yaml:"after_hours_check"`
}

// StrategyConfig defines trading strategy parameters.
type StrategyConfig struct {
	Underlying string          `yaml:"underlying"`
	Entry      EntryConfig     `yaml:"entry"`
	Exit       ExitConfig      `yaml:"exit"`
	Roll       RollConfig      `yaml:"roll"`
	Satellite  SatelliteConfig `yaml:"satellite"`
}

// EntryConfig defines entry criteria for opening new positions.
type EntryConfig struct {
	DropPct        float64 `yaml:"drop_pct"`        // e.g. 0.01 for a -1% dip signal
	MinExpiryDays  int     `yaml:"min_expiry_days"` // LEAPS filter, e.g. 365
	TargetDelta    float64 `yaml:"target_delta"`    // e.g. 0.60
	DeltaTolerance float64 `yaml:"delta_tolerance"` // 0 disables the tolerance filter
	Quantity       int     `yaml:"quantity"`        // contracts per entry
}

// Tier is one stepped take-profit tier: positions aged up to MaxAgeDays
// use TargetPct as their profit target.
type Tier struct {
	MaxAgeDays int     `yaml:"max_age_days"`
	TargetPct  float64 `yaml:"target_pct"`
}

// ExitConfig defines the stepped take-profit ladder and the force exit.
type ExitConfig struct {
	Tiers         []Tier `yaml:"tp_tiers"`
	ForceExitDays int    `yaml:"force_exit_days"`
}

// RollConfig defines the deep-drawdown roll rule.
type RollConfig struct {
	TriggerDropPct float64 `yaml:"trigger_drop_pct"` // e.g. 0.05 for a -5% day
	// CountsTowardDailyCap makes roll replacements consume the
	// one-entry-per-day budget when true.
	CountsTowardDailyCap bool `yaml:"counts_toward_daily_cap"`
}

// SatelliteConfig defines profit recycling into the satellite instrument.
type SatelliteConfig struct {
	Symbol      string  `yaml:"symbol"`
	Threshold   float64 `yaml:"threshold"`    // minimum available profit to deploy
	LotSize     float64 `yaml:"lot_size"`     // deploy amounts are floored to this
	MaxNotional float64 `yaml:"max_notional"` // 0 disables the satellite notional gate
}

// RiskConfig defines pre-trade safety limits.
type RiskConfig struct {
	MaxPositions          int     `yaml:"max_positions"`
	MaxPremiumPerContract float64 `yaml:"max_premium_per_contract"`
	MaxSpreadPct          float64 `yaml:"max_spread_pct"`
}

// StorageConfig defines persistence settings.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the read-only dashboard server.
type DashboardConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if c.Broker.AccountID == "" {
		return fmt.Errorf("broker.account_id is required")
	}
	if c.Broker.OrderTimeout != "" {
		if _, err := time.ParseDuration(c.Broker.OrderTimeout); err != nil {
			return fmt.Errorf("broker.order_timeout invalid: %w", err)
		}
	}

	if c.Strategy.Underlying == "" {
		return fmt.Errorf("strategy.underlying is required")
	}
	if c.Strategy.Entry.DropPct <= 0 {
		return fmt.Errorf("strategy.entry.drop_pct must be > 0")
	}
	if c.Strategy.Entry.MinExpiryDays <= 0 {
		return fmt.Errorf("strategy.entry.min_expiry_days must be > 0")
	}
	if c.Strategy.Entry.TargetDelta <= 0 || c.Strategy.Entry.TargetDelta >= 1 {
		return fmt.Errorf("strategy.entry.target_delta must be in (0,1)")
	}
	if c.Strategy.Entry.DeltaTolerance < 0 {
		return fmt.Errorf("strategy.entry.delta_tolerance must be >= 0")
	}
	if c.Strategy.Entry.Quantity <= 0 {
		return fmt.Errorf("strategy.entry.quantity must be > 0")
	}

	if err := c.validateTiers(); err != nil {
		return err
	}
	if c.Strategy.Exit.ForceExitDays <= 0 {
		return fmt.Errorf("strategy.exit.force_exit_days must be > 0")
	}
	lastTier := c.Strategy.Exit.Tiers[len(c.Strategy.Exit.Tiers)-1]
	if lastTier.MaxAgeDays > c.Strategy.Exit.ForceExitDays {
		return fmt.Errorf("strategy.exit.tp_tiers last bound (%d) must be <= force_exit_days (%d)",
			lastTier.MaxAgeDays, c.Strategy.Exit.ForceExitDays)
	}

	if c.Strategy.Roll.TriggerDropPct <= 0 {
		return fmt.Errorf("strategy.roll.trigger_drop_pct must be > 0")
	}

	if c.Strategy.Satellite.Symbol == "" {
		return fmt.Errorf("strategy.satellite.symbol is required")
	}
	if c.Strategy.Satellite.Threshold <= 0 {
		return fmt.Errorf("strategy.satellite.threshold must be > 0")
	}
	if c.Strategy.Satellite.LotSize <= 0 {
		return fmt.Errorf("strategy.satellite.lot_size must be > 0")
	}
	if c.Strategy.Satellite.MaxNotional < 0 {
		return fmt.Errorf("strategy.satellite.max_notional must be >= 0")
	}

	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("risk.max_positions must be > 0")
	}
	if c.Risk.MaxPremiumPerContract <= 0 {
		return fmt.Errorf("risk.max_premium_per_contract must be > 0")
	}
	if c.Risk.MaxSpreadPct <= 0 {
		return fmt.Errorf("risk.max_spread_pct must be > 0")
	}

	if _, err := time.ParseDuration(c.Schedule.ScanInterval); err != nil {
		return fmt.Errorf("schedule.scan_interval invalid: %w", err)
	}
	loc, err := time.LoadLocation(c.timezoneOrDefault())
	if err != nil {
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}
	s, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	e, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil || (s.Hour() > e.Hour() || (s.Hour() == e.Hour() && s.Minute() >= e.Minute())) {
		return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	return nil
}

func (c *Config) validateTiers() error {
	tiers := c.Strategy.Exit.Tiers
	if len(tiers) == 0 {
		return fmt.Errorf("strategy.exit.tp_tiers must not be empty")
	}
	for i, tier := range tiers {
		if tier.MaxAgeDays <= 0 {
			return fmt.Errorf("strategy.exit.tp_tiers[%d].max_age_days must be > 0", i)
		}
		if tier.TargetPct <= 0 {
			return fmt.Errorf("strategy.exit.tp_tiers[%d].target_pct must be > 0", i)
		}
		if i > 0 {
			if tier.MaxAgeDays <= tiers[i-1].MaxAgeDays {
				return fmt.Errorf("strategy.exit.tp_tiers bounds must be strictly increasing")
			}
			if tier.TargetPct > tiers[i-1].TargetPct {
				return fmt.Errorf("strategy.exit.tp_tiers targets must be non-increasing")
			}
		}
	}
	return nil
}

func (c *Config) timezoneOrDefault() string {
	if c.Schedule.Timezone == "" {
		return "America/New_York"
	}
	return c.Schedule.Timezone
}

// IsPaperTrading returns true if the engine is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// GetScanInterval returns the configured evaluation interval.
func (c *Config) GetScanInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.ScanInterval)
	if err != nil {
		return 5 * time.Minute // default
	}
	return d
}

// GetOrderTimeout returns the bounded order-acknowledgment wait.
func (c *Config) GetOrderTimeout() time.Duration {
	d, err := time.ParseDuration(c.Broker.OrderTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// IsWithinTradingHours checks if the given time falls within configured trading hours.
func (c *Config) IsWithinTradingHours(now time.Time, loc *time.Location) bool {
	today := now.In(loc)

	// Only allow Monday–Friday trading
	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}

	startClock, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	endClock, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil {
		// Safe defaults if misconfigured
		startClock = time.Date(0, 1, 1, 9, 30, 0, 0, loc)
		endClock = time.Date(0, 1, 1, 16, 0, 0, 0, loc)
	}
	start := time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	end := time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc)

	// Inclusive start, exclusive end
	return !today.Before(start) && today.Before(end)
}
