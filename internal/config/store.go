package config

import (
	"fmt"
	"sync"
	"time"
)

// Snapshot is the immutable copy of tunable parameters used for one
// evaluation cycle. It is taken once at cycle start; administrator edits
// arriving mid-cycle apply starting the next cycle only.
type Snapshot struct {
	Underlying     string
	TargetDelta    float64
	DeltaTolerance float64
	EntryDropPct   float64
	MinExpiryDays  int
	EntryQuantity  int

	MaxPositions          int
	MaxPremiumPerContract float64
	MaxSpreadPct          float64

	Tiers         []Tier
	ForceExitDays int

	RollTriggerPct           float64
	RollCountsTowardDailyCap bool

	SatelliteSymbol      string
	SatelliteThreshold   float64
	SatelliteLotSize     float64
	SatelliteMaxNotional float64

	Timezone *time.Location
}

// Store holds the live configuration and hands out per-cycle snapshots.
// The decision loop only ever reads through Snapshot; SetField is the
// administrator path and may run concurrently with a cycle.
type Store struct {
	mu  sync.RWMutex
	cfg *Config
	loc *time.Location
}

// NewStore wraps a validated Config.
func NewStore(cfg *Config) (*Store, error) {
	loc, err := time.LoadLocation(cfg.timezoneOrDefault())
	if err != nil {
		return nil, fmt.Errorf("loading timezone: %w", err)
	}
	return &Store{cfg: cfg, loc: loc}, nil
}

// Location returns the strategy's reference timezone.
func (s *Store) Location() *time.Location {
	return s.loc
}

// Snapshot returns a copy-on-read value of the strategy parameters.
// The tier slice is deep-copied so a concurrent SetField can never tear
// a decision mid-cycle.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tiers := make([]Tier, len(s.cfg.Strategy.Exit.Tiers))
	copy(tiers, s.cfg.Strategy.Exit.Tiers)

	return Snapshot{
		Underlying:     s.cfg.Strategy.Underlying,
		TargetDelta:    s.cfg.Strategy.Entry.TargetDelta,
		DeltaTolerance: s.cfg.Strategy.Entry.DeltaTolerance,
		EntryDropPct:   s.cfg.Strategy.Entry.DropPct,
		MinExpiryDays:  s.cfg.Strategy.Entry.MinExpiryDays,
		EntryQuantity:  s.cfg.Strategy.Entry.Quantity,

		MaxPositions:          s.cfg.Risk.MaxPositions,
		MaxPremiumPerContract: s.cfg.Risk.MaxPremiumPerContract,
		MaxSpreadPct:          s.cfg.Risk.MaxSpreadPct,

		Tiers:         tiers,
		ForceExitDays: s.cfg.Strategy.Exit.ForceExitDays,

		RollTriggerPct:           s.cfg.Strategy.Roll.TriggerDropPct,
		RollCountsTowardDailyCap: s.cfg.Strategy.Roll.CountsTowardDailyCap,

		SatelliteSymbol:      s.cfg.Strategy.Satellite.Symbol,
		SatelliteThreshold:   s.cfg.Strategy.Satellite.Threshold,
		SatelliteLotSize:     s.cfg.Strategy.Satellite.LotSize,
		SatelliteMaxNotional: s.cfg.Strategy.Satellite.MaxNotional,

		Timezone: s.loc,
	}
}

// View returns a copy of the full configuration for read-only projections.
func (s *Store) View() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg := *s.cfg
	cfg.Strategy.Exit.Tiers = make([]Tier, len(s.cfg.Strategy.Exit.Tiers))
	copy(cfg.Strategy.Exit.Tiers, s.cfg.Strategy.Exit.Tiers)
	cfg.Broker.APIKey = "" // never expose credentials through projections
	return cfg
}

// SetField updates a single numeric strategy parameter by name. This is the
// administrator write path; the running cycle keeps its snapshot and picks up
// the new value next cycle. The mutated config is re-validated before the
// change is kept.
func (s *Store) SetField(name string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := *s.cfg
	updated.Strategy.Exit.Tiers = make([]Tier, len(s.cfg.Strategy.Exit.Tiers))
	copy(updated.Strategy.Exit.Tiers, s.cfg.Strategy.Exit.Tiers)

	switch name {
	case "entry.drop_pct":
		updated.Strategy.Entry.DropPct = value
	case "entry.target_delta":
		updated.Strategy.Entry.TargetDelta = value
	case "entry.delta_tolerance":
		updated.Strategy.Entry.DeltaTolerance = value
	case "entry.min_expiry_days":
		updated.Strategy.Entry.MinExpiryDays = int(value)
	case "exit.force_exit_days":
		updated.Strategy.Exit.ForceExitDays = int(value)
	case "roll.trigger_drop_pct":
		updated.Strategy.Roll.TriggerDropPct = value
	case "satellite.threshold":
		updated.Strategy.Satellite.Threshold = value
	case "satellite.lot_size":
		updated.Strategy.Satellite.LotSize = value
	case "satellite.max_notional":
		updated.Strategy.Satellite.MaxNotional = value
	case "risk.max_positions":
		updated.Risk.MaxPositions = int(value)
	case "risk.max_premium_per_contract":
		updated.Risk.MaxPremiumPerContract = value
	case "risk.max_spread_pct":
		updated.Risk.MaxSpreadPct = value
	default:
		return fmt.Errorf("unknown config field %q", name)
	}

	if err := updated.Validate(); err != nil {
		return fmt.Errorf("rejected edit to %s: %w", name, err)
	}

	s.cfg = &updated
	return nil
}
