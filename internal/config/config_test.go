package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Environment: EnvironmentConfig{Mode: "paper", LogLevel: "info"},
		Broker: BrokerConfig{
			Provider:  "gateway",
			APIKey:    "test-key",
			AccountID: "DU12345",
		},
		Schedule: ScheduleConfig{
			ScanInterval: "5m",
			Timezone:     "America/New_York",
			TradingStart: "09:30",
			TradingEnd:   "16:00",
		},
		Strategy: StrategyConfig{
			Underlying: "QQQ",
			Entry: EntryConfig{
				DropPct:        0.01,
				MinExpiryDays:  365,
				TargetDelta:    0.60,
				DeltaTolerance: 0.10,
				Quantity:       1,
			},
			Exit: ExitConfig{
				Tiers: []Tier{
					{MaxAgeDays: 120, TargetPct: 0.50},
					{MaxAgeDays: 180, TargetPct: 0.30},
					{MaxAgeDays: 270, TargetPct: 0.10},
				},
				ForceExitDays: 270,
			},
			Roll: RollConfig{TriggerDropPct: 0.05},
			Satellite: SatelliteConfig{
				Symbol:    "QQQM",
				Threshold: 500,
				LotSize:   100,
			},
		},
		Risk: RiskConfig{
			MaxPositions:          3,
			MaxPremiumPerContract: 12000,
			MaxSpreadPct:          0.01,
		},
		Storage: StorageConfig{Path: "leaps.db"},
	}
}

func TestValidateAcceptsGoodConfig(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Environment.Mode = "demo" }},
		{"missing api key", func(c *Config) { c.Broker.APIKey = "" }},
		{"missing account", func(c *Config) { c.Broker.AccountID = "" }},
		{"missing underlying", func(c *Config) { c.Strategy.Underlying = "" }},
		{"zero drop pct", func(c *Config) { c.Strategy.Entry.DropPct = 0 }},
		{"delta out of range", func(c *Config) { c.Strategy.Entry.TargetDelta = 1.2 }},
		{"empty tiers", func(c *Config) { c.Strategy.Exit.Tiers = nil }},
		{"non-increasing tier bounds", func(c *Config) {
			c.Strategy.Exit.Tiers[1].MaxAgeDays = 120
		}},
		{"increasing tier targets", func(c *Config) {
			c.Strategy.Exit.Tiers[2].TargetPct = 0.40
		}},
		{"tier bound past force exit", func(c *Config) {
			c.Strategy.Exit.Tiers[2].MaxAgeDays = 300
		}},
		{"zero roll trigger", func(c *Config) { c.Strategy.Roll.TriggerDropPct = 0 }},
		{"missing satellite symbol", func(c *Config) { c.Strategy.Satellite.Symbol = "" }},
		{"zero lot size", func(c *Config) { c.Strategy.Satellite.LotSize = 0 }},
		{"zero max positions", func(c *Config) { c.Risk.MaxPositions = 0 }},
		{"bad interval", func(c *Config) { c.Schedule.ScanInterval = "five minutes" }},
		{"inverted trading window", func(c *Config) {
			c.Schedule.TradingStart = "16:00"
			c.Schedule.TradingEnd = "09:30"
		}},
		{"missing storage path", func(c *Config) { c.Storage.Path = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadExpandsEnvAndRejectsUnknownFields(t *testing.T) {
	t.Setenv("LEAPS_TEST_KEY", "secret-from-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
environment:
  mode: paper
  log_level: info
broker:
  provider: gateway
  api_key: ${LEAPS_TEST_KEY}
  account_id: DU12345
schedule:
  scan_interval: 5m
  timezone: America/New_York
  trading_start: "09:30"
  trading_end: "16:00"
strategy:
  underlying: QQQ
  entry:
    drop_pct: 0.01
    min_expiry_days: 365
    target_delta: 0.60
    delta_tolerance: 0.10
    quantity: 1
  exit:
    tp_tiers:
      - {max_age_days: 120, target_pct: 0.50}
      - {max_age_days: 180, target_pct: 0.30}
      - {max_age_days: 270, target_pct: 0.10}
    force_exit_days: 270
  roll:
    trigger_drop_pct: 0.05
  satellite:
    symbol: QQQM
    threshold: 500
    lot_size: 100
risk:
  max_positions: 3
  max_premium_per_contract: 12000
  max_spread_pct: 0.01
storage:
  path: leaps.db
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "secret-from-env", cfg.Broker.APIKey)
	assert.Equal(t, 5*time.Minute, cfg.GetScanInterval())

	// Unknown fields are a config error, not silently dropped.
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(yml+"\nbogus_section:\n  x: 1\n"), 0o600))
	_, err = Load(bad)
	assert.Error(t, err)
}

func TestIsWithinTradingHours(t *testing.T) {
	cfg := validConfig()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	monOpen := time.Date(2025, 6, 2, 10, 0, 0, 0, loc)
	assert.True(t, cfg.IsWithinTradingHours(monOpen, loc))

	monPre := time.Date(2025, 6, 2, 9, 0, 0, 0, loc)
	assert.False(t, cfg.IsWithinTradingHours(monPre, loc))

	monClose := time.Date(2025, 6, 2, 16, 0, 0, 0, loc)
	assert.False(t, cfg.IsWithinTradingHours(monClose, loc), "close is exclusive")

	saturday := time.Date(2025, 6, 7, 12, 0, 0, 0, loc)
	assert.False(t, cfg.IsWithinTradingHours(saturday, loc))
}

func TestSnapshotIsImmutableUnderEdits(t *testing.T) {
	store, err := NewStore(validConfig())
	require.NoError(t, err)

	snap := store.Snapshot()
	require.NoError(t, store.SetField("entry.drop_pct", 0.03))
	require.NoError(t, store.SetField("risk.max_positions", 5))

	// The snapshot taken before the edits keeps its values.
	assert.InDelta(t, 0.01, snap.EntryDropPct, 1e-9)
	assert.Equal(t, 3, snap.MaxPositions)

	// Tier slices must not share backing arrays with the store.
	snap.Tiers[0].TargetPct = 99
	fresh := store.Snapshot()
	assert.InDelta(t, 0.50, fresh.Tiers[0].TargetPct, 1e-9)

	// New snapshots observe the edits.
	assert.InDelta(t, 0.03, fresh.EntryDropPct, 1e-9)
	assert.Equal(t, 5, fresh.MaxPositions)
}

func TestSetFieldValidation(t *testing.T) {
	store, err := NewStore(validConfig())
	require.NoError(t, err)

	assert.Error(t, store.SetField("entry.drop_pct", -1), "invalid value is rejected")
	assert.Error(t, store.SetField("no.such.field", 1))

	// A rejected edit leaves the store untouched.
	snap := store.Snapshot()
	assert.InDelta(t, 0.01, snap.EntryDropPct, 1e-9)
}

func TestViewMasksCredentials(t *testing.T) {
	store, err := NewStore(validConfig())
	require.NoError(t, err)
	assert.Empty(t, store.View().Broker.APIKey)
}
