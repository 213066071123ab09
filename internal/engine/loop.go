// Package engine runs the serialized evaluation loop: reconcile, exits,
// rolls, entries, profit recycling. One cycle at a time, every decision
// journaled before it is visible.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mkessler/leapsbot/internal/broker"
	"github.com/mkessler/leapsbot/internal/config"
	"github.com/mkessler/leapsbot/internal/ledger"
	"github.com/mkessler/leapsbot/internal/models"
	"github.com/mkessler/leapsbot/internal/strategy"
	"github.com/mkessler/leapsbot/internal/util"
)

const (
	// priceTick is the quoting increment used for limit prices.
	priceTick = 0.01
	// prevCloseLookbackDays bounds the walk back past holidays and weekends.
	prevCloseLookbackDays = 7
)

// Engine owns the evaluation loop. Cycles are serialized: the ticker and the
// administrator trigger both funnel into runCycle, which never overlaps
// itself.
type Engine struct {
	cfg    *config.Store
	broker broker.Broker
	ledger *ledger.Ledger
	gate   *InitGate
	log    *logrus.Entry

	trigger chan struct{}
	now     func() time.Time

	// mu guards the status fields below, which dashboard goroutines read
	// through Health while the cycle goroutine writes them.
	mu         sync.Mutex
	halted     bool
	haltReason string
	lastCycle  time.Time

	// cycle-serialized state, touched only inside runCycle and Start
	prevClose             float64
	prevCloseDay          string // local calendar day the cached close belongs to
	mayHaveUntrackedFills bool   // an entry order's outcome was unknown last cycle
}

// New wires an engine. Call Start to run it.
func New(cfg *config.Store, b broker.Broker, led *ledger.Ledger, log *logrus.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		broker:  b,
		ledger:  led,
		gate:    NewInitGate(log),
		log:     log.WithField("component", "engine"),
		trigger: make(chan struct{}, 1),
		now:     time.Now,
	}
}

// TriggerCycle requests an immediate evaluation cycle. Duplicate requests
// while one is already queued coalesce.
func (e *Engine) TriggerCycle() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Health is the read-only engine status projection for the dashboard.
type Health struct {
	State      GateState `json:"state"`
	Halted     bool      `json:"halted"`
	HaltReason string    `json:"halt_reason,omitempty"`
	LastCycle  time.Time `json:"last_cycle,omitempty"`
}

// Health reports the current gate state and halt flag.
func (e *Engine) Health() Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Health{
		State:      e.gate.State(e.now()),
		Halted:     e.halted,
		HaltReason: e.haltReason,
		LastCycle:  e.lastCycle,
	}
}

// Start validates restart safety and then runs cycles until ctx is cancelled.
// A dangling roll in the journal halts automated trading immediately: the
// books are uncertain and only an operator may resume.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.checkStartup(); err != nil {
		if !errors.Is(err, models.ErrConsistency) {
			return err
		}
		e.halt(err.Error())
	}

	view := e.cfg.View()
	interval := view.GetScanInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.WithField("interval", interval.String()).Info("engine started")
	e.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine stopped")
			return nil
		case <-ticker.C:
			e.runCycle(ctx)
		case <-e.trigger:
			e.runCycle(ctx)
		}
	}
}

func (e *Engine) checkStartup() error {
	dangling, err := e.ledger.DanglingRollIDs()
	if err != nil {
		return fmt.Errorf("scanning journal on startup: %w", err)
	}
	if len(dangling) > 0 {
		return fmt.Errorf("%w: dangling roll close legs %v require reconciliation",
			models.ErrConsistency, dangling)
	}
	return nil
}

func (e *Engine) halt(reason string) {
	e.mu.Lock()
	e.halted = true
	e.haltReason = reason
	e.mu.Unlock()
	e.log.WithField("reason", reason).Error("automated trading halted")
}

// runCycle executes one full evaluation pass. Cycles never overlap because
// Start is the only caller and runs them sequentially.
func (e *Engine) runCycle(ctx context.Context) {
	e.mu.Lock()
	if e.halted {
		e.mu.Unlock()
		return
	}
	now := e.now()
	e.lastCycle = now
	e.mu.Unlock()

	if !e.ensureReady(ctx, now) {
		return
	}

	snap := e.cfg.Snapshot()
	localNow := now.In(snap.Timezone)
	view := e.cfg.View()
	if !view.Schedule.AfterHoursCheck && !view.IsWithinTradingHours(localNow, snap.Timezone) {
		e.log.Debug("outside trading hours, skipping cycle")
		return
	}

	if err := e.reconcile(ctx, snap); err != nil {
		e.cycleError("reconciliation", err)
		return
	}

	quote, err := e.broker.GetQuote(ctx, snap.Underlying)
	if err != nil {
		e.cycleError("underlying quote", err)
		return
	}
	dropPct, err := e.todaysDrop(ctx, quote.Last, localNow, snap)
	if err != nil {
		e.cycleError("previous close", err)
		return
	}

	if err := e.evaluateExits(ctx, snap); err != nil {
		e.cycleError("exit evaluation", err)
		return
	}
	if err := e.evaluateRoll(ctx, dropPct, localNow, snap); err != nil {
		e.cycleError("roll evaluation", err)
		return
	}
	if err := e.evaluateEntry(ctx, dropPct, localNow, snap); err != nil {
		e.cycleError("entry evaluation", err)
		return
	}
	if err := e.evaluateSatellite(ctx, snap); err != nil {
		e.cycleError("profit recycling", err)
		return
	}
}

// cycleError routes a cycle-stage failure: consistency violations halt the
// engine, everything else is logged and retried next cycle.
func (e *Engine) cycleError(stage string, err error) {
	if errors.Is(err, models.ErrConsistency) {
		e.halt(fmt.Sprintf("%s: %v", stage, err))
		return
	}
	if broker.IsTransient(err) {
		e.gate.RecordConnectionLost()
	}
	e.log.WithError(err).Warnf("%s failed, retrying next cycle", stage)
}

// ensureReady probes the broker when the session is not READY. Probe failures
// feed the init gate's three-strikes cooldown.
func (e *Engine) ensureReady(ctx context.Context, now time.Time) bool {
	if !e.gate.CanAttempt(now) {
		e.log.Debug("init gate in cooldown, skipping cycle")
		return false
	}
	if e.gate.State(now) == GateReady {
		return true
	}

	snap := e.cfg.Snapshot()
	if _, err := e.broker.GetQuote(ctx, snap.Underlying); err != nil {
		e.gate.RecordFailure(now)
		return false
	}
	e.gate.RecordSuccess()
	return true
}

// todaysDrop computes the session move against the prior session's close,
// caching the close per local calendar day. The lookback walks past weekends
// and holidays, and skips today's own bar.
func (e *Engine) todaysDrop(ctx context.Context, last float64, localNow time.Time, snap config.Snapshot) (float64, error) {
	day := localNow.Format("2006-01-02")
	if e.prevCloseDay != day || e.prevClose <= 0 {
		px, err := e.lookupPrevClose(ctx, localNow, snap)
		if err != nil {
			return 0, err
		}
		e.prevClose = px
		e.prevCloseDay = day
	}
	return (last - e.prevClose) / e.prevClose, nil
}

func (e *Engine) lookupPrevClose(ctx context.Context, localNow time.Time, snap config.Snapshot) (float64, error) {
	for i := 1; i <= prevCloseLookbackDays; i++ {
		date := localNow.AddDate(0, 0, -i)
		px, err := e.broker.GetHistoricalClose(ctx, snap.Underlying, date)
		if errors.Is(err, broker.ErrNoData) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return px, nil
	}
	return 0, fmt.Errorf("no prior close within %d days: %w", prevCloseLookbackDays, broker.ErrNoData)
}

// evaluateExits walks OPEN positions and executes profit-target and
// force-exit closes. A close order with unknown outcome leaves the position
// EXIT_PENDING for next cycle's reconciliation.
func (e *Engine) evaluateExits(ctx context.Context, snap config.Snapshot) error {
	now := e.now()
	for _, pos := range e.ledger.OpenPositions() {
		quote, err := e.broker.GetOptionQuote(ctx, pos.Contract.Symbol)
		if err != nil {
			e.log.WithError(err).WithField("position", pos.ID).
				Warn("option quote unavailable, holding")
			continue
		}

		decision := strategy.EvaluateExit(&pos, quote.Mid(), now, snap)
		if decision == strategy.DecisionHold {
			continue
		}

		e.log.WithFields(logrus.Fields{
			"position": pos.ID,
			"symbol":   pos.Contract.Symbol,
			"decision": string(decision),
			"age_days": pos.AgeDays(now),
			"gain_pct": pos.GainPct(quote.Mid()),
		}).Info("closing position")

		if err := e.executeClose(ctx, pos, quote); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) executeClose(ctx context.Context, pos models.Position, quote *broker.Quote) error {
	if err := e.ledger.MarkExitPending(pos.ID); err != nil {
		return err
	}

	result, err := e.broker.PlaceOrder(ctx, broker.OrderSpec{
		Kind:       broker.KindOptionLimit,
		Symbol:     pos.Contract.Symbol,
		Side:       broker.SideSell,
		Quantity:   pos.Quantity,
		LimitPrice: util.RoundToTick(quote.Mid(), priceTick),
		Tag:        "close-" + pos.ID,
	})
	if err != nil {
		// Outcome unknown; the position stays EXIT_PENDING until reconciled.
		e.log.WithError(err).WithField("position", pos.ID).
			Warn("close order outcome unknown")
		return nil
	}

	switch result.State {
	case broker.OrderFilled:
		_, err := e.ledger.Close(pos.ID, result.AvgPrice,
			decimal.NewFromFloat(result.Commission), e.now())
		return err
	case broker.OrderRejected:
		e.log.WithField("position", pos.ID).WithField("reason", result.Reason).
			Warn("close order rejected")
		return e.ledger.ReleaseExitPending(pos.ID)
	default: // pending
		return nil
	}
}

// evaluateRoll rolls the oldest holding on a deep down day at full capacity.
// The two legs execute sequentially; a buy-leg failure after the sell filled
// journals a deliberate dangling close leg and halts the engine.
func (e *Engine) evaluateRoll(ctx context.Context, dropPct float64, localNow time.Time, snap config.Snapshot) error {
	open := e.ledger.OpenPositions()
	if len(open) < snap.MaxPositions || dropPct > -snap.RollTriggerPct {
		return nil
	}

	chain, err := e.broker.GetOptionChain(ctx, snap.Underlying,
		localNow.AddDate(0, 0, snap.MinExpiryDays))
	if err != nil {
		return err
	}

	plan := strategy.PlanRoll(open, dropPct, chain, localNow, snap)
	if plan == nil {
		e.log.Info("roll conditions met but no qualifying replacement, holding")
		return nil
	}

	replacementNotional := plan.Replacement.Ask * float64(plan.OldPosition.Quantity) * models.SharesPerContract
	if err := strategy.CheckSafety(plan.Replacement.Quote(), replacementNotional, snap); err != nil {
		e.log.WithError(err).Info("roll replacement failed safety checks, holding")
		return nil
	}

	oldQuote, err := e.broker.GetOptionQuote(ctx, plan.OldPosition.Contract.Symbol)
	if err != nil {
		return err
	}

	e.log.WithFields(logrus.Fields{
		"old":      plan.OldPosition.ID,
		"new":      plan.Replacement.Symbol,
		"drop_pct": dropPct,
	}).Info("rolling oldest position")

	closeResult, err := e.broker.PlaceOrder(ctx, broker.OrderSpec{
		Kind:       broker.KindOptionLimit,
		Symbol:     plan.OldPosition.Contract.Symbol,
		Side:       broker.SideSell,
		Quantity:   plan.OldPosition.Quantity,
		LimitPrice: util.RoundToTick(oldQuote.Mid(), priceTick),
		Tag:        "rollclose-" + plan.OldPosition.ID,
	})
	if err != nil || closeResult.State == broker.OrderPending {
		// Unknown outcome on the sell leg: mark pending and reconcile next cycle.
		if markErr := e.ledger.MarkExitPending(plan.OldPosition.ID); markErr != nil {
			return markErr
		}
		e.log.WithField("position", plan.OldPosition.ID).
			Warn("roll sell leg outcome unknown, deferring to reconciliation")
		return nil
	}
	if closeResult.State == broker.OrderRejected {
		e.log.WithField("reason", closeResult.Reason).Warn("roll sell leg rejected, holding")
		return nil
	}

	openResult, err := e.broker.PlaceOrder(ctx, broker.OrderSpec{
		Kind:       broker.KindOptionLimit,
		Symbol:     plan.Replacement.Symbol,
		Side:       broker.SideBuy,
		Quantity:   plan.OldPosition.Quantity,
		LimitPrice: util.RoundToTick(plan.Replacement.Quote().Mid(), priceTick),
		Tag:        "rollopen-" + plan.OldPosition.ID,
	})
	if err != nil || openResult.State != broker.OrderFilled {
		// The sell executed but the buy did not: journal the one-sided close so
		// the dangling leg is durable, then halt for operator reconciliation.
		if recErr := e.ledger.RecordRollClose(plan.OldPosition.ID, closeResult.AvgPrice,
			decimal.NewFromFloat(closeResult.Commission), e.now()); recErr != nil {
			return recErr
		}
		return fmt.Errorf("%w: roll buy leg failed after sell executed on %s",
			models.ErrConsistency, plan.OldPosition.ID)
	}

	_, err = e.ledger.Roll(plan.OldPosition.ID,
		closeResult.AvgPrice, decimal.NewFromFloat(closeResult.Commission),
		plan.Replacement.Contract(), plan.OldPosition.Quantity,
		openResult.AvgPrice, decimal.NewFromFloat(openResult.Commission), e.now())
	return err
}

// evaluateEntry opens at most one new position per local trading day when the
// underlying dropped past the entry trigger and capacity remains.
func (e *Engine) evaluateEntry(ctx context.Context, dropPct float64, localNow time.Time, snap config.Snapshot) error {
	if dropPct > -snap.EntryDropPct {
		return nil
	}
	if e.ledger.ActiveCount() >= snap.MaxPositions {
		return nil
	}

	midnight := time.Date(localNow.Year(), localNow.Month(), localNow.Day(),
		0, 0, 0, 0, snap.Timezone)
	entered, err := e.ledger.HasEnteredSince(midnight, snap.RollCountsTowardDailyCap)
	if err != nil {
		return err
	}
	if entered {
		return nil
	}

	chain, err := e.broker.GetOptionChain(ctx, snap.Underlying,
		localNow.AddDate(0, 0, snap.MinExpiryDays))
	if err != nil {
		return err
	}
	candidate, err := strategy.SelectContract(chain, localNow, snap)
	if errors.Is(err, strategy.ErrNoCandidate) {
		e.log.Info("entry triggered but no qualifying contract")
		return nil
	}
	if err != nil {
		return err
	}

	qty := snap.EntryQuantity
	notional := candidate.Ask * float64(qty) * models.SharesPerContract
	if err := strategy.CheckSafety(candidate.Quote(), notional, snap); err != nil {
		e.log.WithError(err).Info("entry candidate failed safety checks")
		return nil
	}

	e.log.WithFields(logrus.Fields{
		"symbol":   candidate.Symbol,
		"delta":    candidate.Delta,
		"strike":   candidate.Strike,
		"drop_pct": dropPct,
	}).Info("entering new position")

	result, err := e.broker.PlaceOrder(ctx, broker.OrderSpec{
		Kind:       broker.KindOptionLimit,
		Symbol:     candidate.Symbol,
		Side:       broker.SideBuy,
		Quantity:   qty,
		LimitPrice: util.RoundToTick(candidate.Quote().Mid(), priceTick),
		Tag:        "entry-" + localNow.Format("20060102"),
	})
	if err != nil {
		// Unknown outcome: reconciliation adopts any resulting fill next cycle.
		e.mayHaveUntrackedFills = true
		e.log.WithError(err).Warn("entry order outcome unknown")
		return nil
	}

	switch result.State {
	case broker.OrderFilled:
		_, err := e.ledger.Open(candidate.Contract(), result.FilledQuantity,
			result.AvgPrice, decimal.NewFromFloat(result.Commission), e.now())
		return err
	case broker.OrderRejected:
		e.log.WithField("reason", result.Reason).Warn("entry order rejected")
		return nil
	default:
		e.mayHaveUntrackedFills = true
		e.log.Warn("entry order pending, deferring to reconciliation")
		return nil
	}
}

// evaluateSatellite deploys recycled profit above the threshold into the
// satellite instrument, crediting the pool by the executed notional only.
func (e *Engine) evaluateSatellite(ctx context.Context, snap config.Snapshot) error {
	order := strategy.PlanSatelliteBuy(e.ledger.Pool(), snap)
	if order == nil {
		return nil
	}

	quote, err := e.broker.GetQuote(ctx, order.Symbol)
	if err != nil {
		return err
	}
	// Spread check only: the premium cap applies to option entries, the
	// satellite notional is already bounded by the recycling plan.
	if err := strategy.CheckSafety(*quote, 0, snap); err != nil {
		e.log.WithError(err).Info("satellite buy failed safety checks")
		return nil
	}

	result, err := e.broker.PlaceOrder(ctx, broker.OrderSpec{
		Kind:     broker.KindEquityNotional,
		Symbol:   order.Symbol,
		Side:     broker.SideBuy,
		Notional: order.Notional,
		Tag:      "satellite",
	})
	if err != nil {
		e.log.WithError(err).Warn("satellite order outcome unknown")
		return nil
	}
	if result.State != broker.OrderFilled || result.ExecutedNotional <= 0 {
		return nil
	}

	return e.ledger.RecordSatellite(order.Symbol, result.ExecutedNotional,
		result.FilledQuantity, result.AvgPrice,
		decimal.NewFromFloat(result.Commission), e.now())
}
