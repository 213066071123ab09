package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkessler/leapsbot/internal/broker"
	"github.com/mkessler/leapsbot/internal/config"
	"github.com/mkessler/leapsbot/internal/ledger"
	"github.com/mkessler/leapsbot/internal/models"
	"github.com/mkessler/leapsbot/internal/storage"
)

func newLedgerStore(t *testing.T) (storage.Interface, error) {
	t.Helper()
	db, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "engine.db"))
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { db.Close() })
	return db, nil
}

// fixedNow is a Monday during regular trading hours.
var fixedNow = time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC)

type mockBroker struct {
	quotes    map[string]broker.Quote
	prevClose float64
	chain     []broker.ContractCandidate
	held      []broker.BrokerPosition

	orderFn func(spec broker.OrderSpec) (*broker.OrderResult, error)
	orders  []broker.OrderSpec

	quoteErr error
}

func (m *mockBroker) GetQuote(_ context.Context, symbol string) (*broker.Quote, error) {
	if m.quoteErr != nil {
		return nil, m.quoteErr
	}
	q, ok := m.quotes[symbol]
	if !ok {
		return nil, broker.ErrNoData
	}
	return &q, nil
}

func (m *mockBroker) GetOptionQuote(ctx context.Context, symbol string) (*broker.Quote, error) {
	return m.GetQuote(ctx, symbol)
}

func (m *mockBroker) GetHistoricalClose(_ context.Context, _ string, _ time.Time) (float64, error) {
	if m.prevClose <= 0 {
		return 0, broker.ErrNoData
	}
	return m.prevClose, nil
}

func (m *mockBroker) GetOptionChain(_ context.Context, _ string, _ time.Time) ([]broker.ContractCandidate, error) {
	return m.chain, nil
}

func (m *mockBroker) PlaceOrder(_ context.Context, spec broker.OrderSpec) (*broker.OrderResult, error) {
	m.orders = append(m.orders, spec)
	if m.orderFn == nil {
		return &broker.OrderResult{State: broker.OrderRejected, Reason: "no handler"}, nil
	}
	return m.orderFn(spec)
}

func (m *mockBroker) GetPositions(context.Context) ([]broker.BrokerPosition, error) {
	return m.held, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Environment: config.EnvironmentConfig{Mode: "paper", LogLevel: "warn"},
		Broker: config.BrokerConfig{
			Provider: "gateway", APIKey: "k", AccountID: "A",
		},
		Schedule: config.ScheduleConfig{
			ScanInterval: "5m",
			Timezone:     "UTC",
			TradingStart: "00:01",
			TradingEnd:   "23:59",
		},
		Strategy: config.StrategyConfig{
			Underlying: "QQQ",
			Entry: config.EntryConfig{
				DropPct: 0.01, MinExpiryDays: 365, TargetDelta: 0.60,
				DeltaTolerance: 0.10, Quantity: 1,
			},
			Exit: config.ExitConfig{
				Tiers: []config.Tier{
					{MaxAgeDays: 120, TargetPct: 0.50},
					{MaxAgeDays: 180, TargetPct: 0.30},
					{MaxAgeDays: 270, TargetPct: 0.10},
				},
				ForceExitDays: 270,
			},
			Roll: config.RollConfig{TriggerDropPct: 0.05},
			Satellite: config.SatelliteConfig{
				Symbol: "QQQM", Threshold: 500, LotSize: 100,
			},
		},
		Risk: config.RiskConfig{
			MaxPositions: 3, MaxPremiumPerContract: 12000, MaxSpreadPct: 0.01,
		},
		Storage: config.StorageConfig{Path: "test.db"},
	}
}

func newTestEngine(t *testing.T, mock *mockBroker, mutate func(*config.Config)) (*Engine, *ledger.Ledger) {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())
	store, err := config.NewStore(cfg)
	require.NoError(t, err)

	db, err := newLedgerStore(t)
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	led, err := ledger.New(db, log)
	require.NoError(t, err)

	e := New(store, mock, led, log)
	e.now = func() time.Time { return fixedNow }
	return e, led
}

func chainCandidate() broker.ContractCandidate {
	return broker.ContractCandidate{
		Symbol:     "QQQ270115C00450000",
		Underlying: "QQQ",
		Strike:     450,
		Expiration: fixedNow.AddDate(0, 0, 400),
		Right:      models.RightCall,
		Delta:      0.61,
		Bid:        52.10,
		Ask:        52.50,
	}
}

func TestInitGateThreeStrikesThenCooldown(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	gate := NewInitGate(log)
	now := fixedNow

	require.True(t, gate.CanAttempt(now))
	gate.RecordFailure(now)
	gate.RecordFailure(now)
	require.True(t, gate.CanAttempt(now), "two failures still allow attempts")

	gate.RecordFailure(now)
	assert.Equal(t, GateCooldown, gate.State(now))
	assert.False(t, gate.CanAttempt(now.Add(14*time.Minute)))

	// The window expires lazily and the counter is fresh.
	assert.True(t, gate.CanAttempt(now.Add(15*time.Minute)))
	assert.Equal(t, GateInit, gate.State(now.Add(15*time.Minute)))
}

func TestInitGateConnectionLostResetsCounter(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	gate := NewInitGate(log)
	now := fixedNow

	gate.RecordFailure(now)
	gate.RecordFailure(now)
	gate.RecordSuccess()
	assert.Equal(t, GateReady, gate.State(now))

	// A later loss starts from zero: two more failures must not trip cooldown.
	gate.RecordConnectionLost()
	gate.RecordFailure(now)
	gate.RecordFailure(now)
	assert.Equal(t, GateInit, gate.State(now))
}

func TestCycleEntersOncePerDay(t *testing.T) {
	mock := &mockBroker{
		quotes: map[string]broker.Quote{
			"QQQ": {Symbol: "QQQ", Bid: 493.9, Ask: 494.1, Last: 494.0},
		},
		prevClose: 500.0, // -1.2% on the day
		chain:     []broker.ContractCandidate{chainCandidate()},
		orderFn: func(spec broker.OrderSpec) (*broker.OrderResult, error) {
			return &broker.OrderResult{
				State: broker.OrderFilled, AvgPrice: 52.30,
				FilledQuantity: spec.Quantity, Commission: 0.65,
			}, nil
		},
	}
	e, led := newTestEngine(t, mock, nil)

	e.runCycle(context.Background())
	require.Equal(t, 1, led.ActiveCount())
	require.Len(t, mock.orders, 1)
	assert.Equal(t, broker.SideBuy, mock.orders[0].Side)

	// Same local day: the cadence gate blocks a second entry.
	e.runCycle(context.Background())
	assert.Equal(t, 1, led.ActiveCount())
	assert.Len(t, mock.orders, 1)
}

func TestCycleNoEntryWithoutDrop(t *testing.T) {
	mock := &mockBroker{
		quotes: map[string]broker.Quote{
			"QQQ": {Symbol: "QQQ", Bid: 499.9, Ask: 500.1, Last: 500.0},
		},
		prevClose: 500.0,
		chain:     []broker.ContractCandidate{chainCandidate()},
	}
	e, led := newTestEngine(t, mock, nil)

	e.runCycle(context.Background())
	assert.Equal(t, 0, led.ActiveCount())
	assert.Empty(t, mock.orders)
}

func TestCycleTakesTieredProfit(t *testing.T) {
	mock := &mockBroker{
		quotes: map[string]broker.Quote{
			"QQQ":                {Symbol: "QQQ", Bid: 499.9, Ask: 500.1, Last: 500.0},
			"QQQ270115C00450000": {Symbol: "QQQ270115C00450000", Bid: 77.90, Ask: 78.10},
		},
		prevClose: 500.0,
		orderFn: func(spec broker.OrderSpec) (*broker.OrderResult, error) {
			return &broker.OrderResult{
				State: broker.OrderFilled, AvgPrice: 78.00,
				FilledQuantity: spec.Quantity, Commission: 0.65,
			}, nil
		},
	}
	e, led := newTestEngine(t, mock, nil)

	// 90 days old at +56%: the 50% tier fires.
	contract, err := models.ParseOCCSymbol("QQQ270115C00450000")
	require.NoError(t, err)
	contract.EntryDelta = 0.60
	_, err = led.Open(contract, 1, 50.0, decimal.Zero, fixedNow.Add(-90*24*time.Hour))
	require.NoError(t, err)

	e.runCycle(context.Background())

	assert.Equal(t, 0, led.ActiveCount())
	require.Len(t, mock.orders, 1)
	assert.Equal(t, broker.SideSell, mock.orders[0].Side)
	// (78 - 50) * 100 - 0.65
	assert.True(t, led.Pool().RealizedPnL.Equal(decimal.NewFromFloat(2799.35)),
		led.Pool().RealizedPnL.String())
}

func TestRollBuyLegFailureHaltsEngine(t *testing.T) {
	mock := &mockBroker{
		quotes: map[string]broker.Quote{
			"QQQ": {Symbol: "QQQ", Bid: 469.9, Ask: 470.1, Last: 470.0}, // -6%
			"OLD": {Symbol: "OLD", Bid: 39.90, Ask: 40.10},
		},
		prevClose: 500.0,
		chain:     []broker.ContractCandidate{chainCandidate()},
		orderFn: func(spec broker.OrderSpec) (*broker.OrderResult, error) {
			if spec.Side == broker.SideSell {
				return &broker.OrderResult{
					State: broker.OrderFilled, AvgPrice: 40.00,
					FilledQuantity: spec.Quantity, Commission: 0.65,
				}, nil
			}
			return &broker.OrderResult{State: broker.OrderRejected, Reason: "margin"}, nil
		},
	}
	e, led := newTestEngine(t, mock, func(c *config.Config) {
		c.Risk.MaxPositions = 1
	})

	oldContract := models.OptionContract{
		Symbol: "OLD", Underlying: "QQQ", Strike: 430,
		Expiration: fixedNow.AddDate(1, 0, 0), Right: models.RightCall, EntryDelta: 0.6,
	}
	_, err := led.Open(oldContract, 1, 50.0, decimal.Zero, fixedNow.Add(-60*24*time.Hour))
	require.NoError(t, err)

	e.runCycle(context.Background())

	health := e.Health()
	assert.True(t, health.Halted, "one-sided roll must halt trading")

	dangling, err := led.DanglingRollIDs()
	require.NoError(t, err)
	assert.Len(t, dangling, 1, "the executed sell leg is journaled dangling")

	// The halted engine refuses further cycles.
	before := len(mock.orders)
	e.runCycle(context.Background())
	assert.Equal(t, before, len(mock.orders))
}

func TestRollSwapsOldestAtCapacity(t *testing.T) {
	mock := &mockBroker{
		quotes: map[string]broker.Quote{
			"QQQ": {Symbol: "QQQ", Bid: 469.9, Ask: 470.1, Last: 470.0},
			"OLD": {Symbol: "OLD", Bid: 39.90, Ask: 40.10},
		},
		prevClose: 500.0,
		chain:     []broker.ContractCandidate{chainCandidate()},
		orderFn: func(spec broker.OrderSpec) (*broker.OrderResult, error) {
			price := 40.00
			if spec.Side == broker.SideBuy {
				price = 52.30
			}
			return &broker.OrderResult{
				State: broker.OrderFilled, AvgPrice: price,
				FilledQuantity: spec.Quantity, Commission: 0.65,
			}, nil
		},
	}
	e, led := newTestEngine(t, mock, func(c *config.Config) {
		c.Risk.MaxPositions = 1
	})

	oldContract := models.OptionContract{
		Symbol: "OLD", Underlying: "QQQ", Strike: 430,
		Expiration: fixedNow.AddDate(1, 0, 0), Right: models.RightCall, EntryDelta: 0.6,
	}
	_, err := led.Open(oldContract, 1, 50.0, decimal.Zero, fixedNow.Add(-60*24*time.Hour))
	require.NoError(t, err)

	e.runCycle(context.Background())

	// Net count is conserved and the holding is the replacement.
	require.Equal(t, 1, led.ActiveCount())
	assert.Equal(t, "QQQ270115C00450000", led.OpenPositions()[0].Contract.Symbol)
	assert.False(t, e.Health().Halted)

	dangling, err := led.DanglingRollIDs()
	require.NoError(t, err)
	assert.Empty(t, dangling)
}

func TestStartupRefusesDanglingRoll(t *testing.T) {
	mock := &mockBroker{}
	e, led := newTestEngine(t, mock, nil)

	contract := models.OptionContract{
		Symbol: "OLD", Underlying: "QQQ", Strike: 430,
		Expiration: fixedNow.AddDate(1, 0, 0), Right: models.RightCall, EntryDelta: 0.6,
	}
	_, err := led.Open(contract, 1, 50.0, decimal.Zero, fixedNow.Add(-24*time.Hour))
	require.NoError(t, err)
	require.NoError(t, led.RecordRollClose(led.ActivePositions()[0].ID, 40.0, decimal.Zero, fixedNow))

	err = e.checkStartup()
	assert.ErrorIs(t, err, models.ErrConsistency)
}

func TestReconcileReleasesPendingStillHeld(t *testing.T) {
	mock := &mockBroker{
		quotes: map[string]broker.Quote{
			"QQQ": {Symbol: "QQQ", Bid: 499.9, Ask: 500.1, Last: 500.0},
			"OLD": {Symbol: "OLD", Bid: 49.90, Ask: 50.10},
		},
		prevClose: 500.0,
		held:      []broker.BrokerPosition{{Symbol: "OLD", Quantity: 1}},
	}
	e, led := newTestEngine(t, mock, nil)

	contract := models.OptionContract{
		Symbol: "OLD", Underlying: "QQQ", Strike: 430,
		Expiration: fixedNow.AddDate(1, 0, 0), Right: models.RightCall, EntryDelta: 0.6,
	}
	pos, err := led.Open(contract, 1, 50.0, decimal.Zero, fixedNow.Add(-24*time.Hour))
	require.NoError(t, err)
	require.NoError(t, led.MarkExitPending(pos.ID))

	e.runCycle(context.Background())

	require.Len(t, led.OpenPositions(), 1)
	assert.Equal(t, models.StatusOpen, led.OpenPositions()[0].Status)
}

func TestReconcileJournalsExecutedClose(t *testing.T) {
	mock := &mockBroker{
		quotes: map[string]broker.Quote{
			"QQQ": {Symbol: "QQQ", Bid: 499.9, Ask: 500.1, Last: 500.0},
			"OLD": {Symbol: "OLD", Bid: 54.90, Ask: 55.10},
		},
		prevClose: 500.0,
		held:      nil, // the contracts are gone: the close executed
	}
	e, led := newTestEngine(t, mock, nil)

	contract := models.OptionContract{
		Symbol: "OLD", Underlying: "QQQ", Strike: 430,
		Expiration: fixedNow.AddDate(1, 0, 0), Right: models.RightCall, EntryDelta: 0.6,
	}
	pos, err := led.Open(contract, 1, 50.0, decimal.Zero, fixedNow.Add(-24*time.Hour))
	require.NoError(t, err)
	require.NoError(t, led.MarkExitPending(pos.ID))

	e.runCycle(context.Background())

	assert.Equal(t, 0, led.ActiveCount())
	// Closed at the 55.00 mid: (55 - 50) * 100.
	assert.True(t, led.Pool().RealizedPnL.Equal(decimal.NewFromInt(500)),
		led.Pool().RealizedPnL.String())
}

func TestReconcileAdoptsUntrackedFill(t *testing.T) {
	mock := &mockBroker{
		quotes: map[string]broker.Quote{
			"QQQ":                {Symbol: "QQQ", Bid: 499.9, Ask: 500.1, Last: 500.0},
			"QQQ270115C00450000": {Symbol: "QQQ270115C00450000", Bid: 52.10, Ask: 52.50},
		},
		prevClose: 500.0,
		held:      []broker.BrokerPosition{{Symbol: "QQQ270115C00450000", Quantity: 1}},
	}
	e, led := newTestEngine(t, mock, nil)
	e.mayHaveUntrackedFills = true

	e.runCycle(context.Background())

	require.Equal(t, 1, led.ActiveCount())
	got := led.OpenPositions()[0]
	assert.Equal(t, "QQQ270115C00450000", got.Contract.Symbol)
	assert.InDelta(t, 52.30, got.EntryPrice, 1e-9)
}

func TestSatelliteBuyDeploysExecutedNotional(t *testing.T) {
	mock := &mockBroker{
		quotes: map[string]broker.Quote{
			"QQQ":  {Symbol: "QQQ", Bid: 499.9, Ask: 500.1, Last: 500.0},
			"QQQM": {Symbol: "QQQM", Bid: 210.50, Ask: 210.60},
		},
		prevClose: 500.0,
		orderFn: func(spec broker.OrderSpec) (*broker.OrderResult, error) {
			require.Equal(t, broker.KindEquityNotional, spec.Kind)
			// Partial execution: only 421.10 of the requested 500 filled.
			return &broker.OrderResult{
				State: broker.OrderFilled, AvgPrice: 210.55,
				FilledQuantity: 2, ExecutedNotional: 421.10,
			}, nil
		},
	}
	e, led := newTestEngine(t, mock, nil)

	// Seed realized profit above the 500 threshold.
	contract := models.OptionContract{
		Symbol: "OLD", Underlying: "QQQ", Strike: 430,
		Expiration: fixedNow.AddDate(1, 0, 0), Right: models.RightCall, EntryDelta: 0.6,
	}
	pos, err := led.Open(contract, 1, 50.0, decimal.Zero, fixedNow.Add(-24*time.Hour))
	require.NoError(t, err)
	_, err = led.Close(pos.ID, 55.20, decimal.Zero, fixedNow) // +520
	require.NoError(t, err)

	e.runCycle(context.Background())

	pool := led.Pool()
	assert.True(t, pool.Deployed.Equal(decimal.NewFromFloat(421.10)),
		"pool reflects executed, not requested, notional: %s", pool.Deployed.String())
}

func TestHealthConcurrentWithCycles(t *testing.T) {
	mock := &mockBroker{
		quotes: map[string]broker.Quote{
			"QQQ": {Symbol: "QQQ", Bid: 499.9, Ask: 500.1, Last: 500.0},
		},
		prevClose: 500.0,
	}
	e, _ := newTestEngine(t, mock, nil)

	// Dashboard handlers poll Health while the loop goroutine cycles and
	// halts. Run under -race to catch unguarded status fields.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			_ = e.Health()
		}
	}()
	for i := 0; i < 100; i++ {
		e.runCycle(context.Background())
	}
	e.halt("stress")
	<-done

	health := e.Health()
	assert.True(t, health.Halted)
	assert.Equal(t, fixedNow, health.LastCycle)
}

func TestCooldownSkipsCycles(t *testing.T) {
	mock := &mockBroker{quoteErr: &broker.APIError{Status: 503, Message: "down"}}
	e, _ := newTestEngine(t, mock, nil)

	for i := 0; i < 3; i++ {
		e.runCycle(context.Background())
	}
	assert.Equal(t, GateCooldown, e.Health().State)

	// During cooldown no broker traffic happens at all.
	mock.quoteErr = nil
	mock.quotes = map[string]broker.Quote{
		"QQQ": {Symbol: "QQQ", Bid: 499.9, Ask: 500.1, Last: 500.0},
	}
	e.runCycle(context.Background())
	assert.Equal(t, GateCooldown, e.Health().State)
}
