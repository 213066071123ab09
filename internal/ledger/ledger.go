// Package ledger owns position lifecycle and profit-pool accounting. All
// mutations journal to storage first; in-memory state changes only after the
// write is durable.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mkessler/leapsbot/internal/models"
	"github.com/mkessler/leapsbot/internal/storage"
)

// ErrNotFound is returned when a position id is unknown to the ledger.
var ErrNotFound = errors.New("ledger: position not found")

// ErrInvalidTransition is returned for a disallowed status change.
var ErrInvalidTransition = errors.New("ledger: invalid status transition")

// Ledger tracks active positions and the profit pool. The engine loop is the
// only writer, but the dashboard reads concurrently, so reads copy under lock.
type Ledger struct {
	store storage.Interface
	log   *logrus.Entry

	mu        sync.RWMutex
	positions map[string]*models.Position // active only
	pool      models.ProfitPool
}

// New loads active positions and the pool from storage.
func New(store storage.Interface, log *logrus.Logger) (*Ledger, error) {
	active, err := store.ActivePositions()
	if err != nil {
		return nil, fmt.Errorf("loading active positions: %w", err)
	}
	pool, err := store.ProfitPool()
	if err != nil {
		return nil, fmt.Errorf("loading profit pool: %w", err)
	}
	if err := pool.CheckInvariant(); err != nil {
		return nil, err
	}

	positions := make(map[string]*models.Position, len(active))
	for i := range active {
		p := active[i]
		positions[p.ID] = &p
	}

	return &Ledger{
		store:     store,
		log:       log.WithField("component", "ledger"),
		positions: positions,
		pool:      pool,
	}, nil
}

// Open journals an entry fill and admits the new position.
func (l *Ledger) Open(contract models.OptionContract, quantity int, fillPrice float64,
	commission decimal.Decimal, ts time.Time) (*models.Position, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	pos := models.NewPosition(contract, quantity, fillPrice, ts)
	rec := models.NewTradeRecord(models.ActionOpen, pos.ID, contract.Symbol,
		fillPrice, quantity, commission, ts)

	if err := l.store.CommitOpen(pos, &rec); err != nil {
		return nil, fmt.Errorf("journaling open: %w", err)
	}
	l.positions[pos.ID] = pos

	l.log.WithFields(logrus.Fields{
		"position": pos.ID,
		"symbol":   contract.Symbol,
		"quantity": quantity,
		"price":    fillPrice,
	}).Info("position opened")
	return pos, nil
}

// MarkExitPending records that a close order is in flight with unknown
// outcome. The position stays active but is skipped by decision logic.
func (l *Ledger) MarkExitPending(id string) error {
	return l.setStatus(id, models.StatusExitPending)
}

// ReleaseExitPending returns a position to OPEN after reconciliation proved
// the close order never executed.
func (l *Ledger) ReleaseExitPending(id string) error {
	return l.setStatus(id, models.StatusOpen)
}

func (l *Ledger) setStatus(id string, next models.PositionStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !pos.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s on %s", ErrInvalidTransition, pos.Status, next, id)
	}
	if err := l.store.UpdatePositionStatus(id, next); err != nil {
		return err
	}
	pos.Status = next
	return nil
}

// Close journals a confirmed exit fill, computes realized P&L and credits the
// pool, all in one durable commit.
func (l *Ledger) Close(id string, fillPrice float64, commission decimal.Decimal, ts time.Time) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[id]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !pos.Status.CanTransitionTo(models.StatusClosed) {
		return decimal.Zero, fmt.Errorf("%w: %s -> CLOSED on %s", ErrInvalidTransition, pos.Status, id)
	}

	realized := models.RealizedPnL(pos.EntryPrice, fillPrice, pos.Quantity, commission)
	rec := models.NewTradeRecord(models.ActionClose, pos.ID, pos.Contract.Symbol,
		fillPrice, pos.Quantity, commission, ts)
	rec.RealizedPnL = decimal.NewNullDecimal(realized)

	pool := l.pool
	pool.RealizedPnL = pool.RealizedPnL.Add(realized)

	updated := *pos
	updated.Status = models.StatusClosed
	if err := l.store.CommitClose(&updated, &rec, pool); err != nil {
		return decimal.Zero, fmt.Errorf("journaling close: %w", err)
	}

	delete(l.positions, id)
	l.pool = pool

	l.log.WithFields(logrus.Fields{
		"position": id,
		"symbol":   pos.Contract.Symbol,
		"realized": realized.String(),
	}).Info("position closed")
	return realized, nil
}

// Roll retires one position and admits its replacement with both ledger legs
// sharing a roll id in a single durable commit.
func (l *Ledger) Roll(oldID string, closePrice float64, closeCommission decimal.Decimal,
	newContract models.OptionContract, quantity int, openPrice float64,
	openCommission decimal.Decimal, ts time.Time) (*models.Position, error) {

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[oldID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, oldID)
	}
	if !pos.Status.CanTransitionTo(models.StatusRolledOut) {
		return nil, fmt.Errorf("%w: %s -> ROLLED_OUT on %s", ErrInvalidTransition, pos.Status, oldID)
	}

	rollID := uuid.New().String()
	realized := models.RealizedPnL(pos.EntryPrice, closePrice, pos.Quantity, closeCommission)

	closeRec := models.NewTradeRecord(models.ActionRollClose, pos.ID, pos.Contract.Symbol,
		closePrice, pos.Quantity, closeCommission, ts)
	closeRec.RollID = rollID
	closeRec.RealizedPnL = decimal.NewNullDecimal(realized)

	newPos := models.NewPosition(newContract, quantity, openPrice, ts)
	openRec := models.NewTradeRecord(models.ActionRollOpen, newPos.ID, newContract.Symbol,
		openPrice, quantity, openCommission, ts)
	openRec.RollID = rollID

	pool := l.pool
	pool.RealizedPnL = pool.RealizedPnL.Add(realized)

	retired := *pos
	retired.Status = models.StatusRolledOut
	if err := l.store.CommitRoll(&retired, newPos, &closeRec, &openRec, pool); err != nil {
		return nil, fmt.Errorf("journaling roll: %w", err)
	}

	delete(l.positions, oldID)
	l.positions[newPos.ID] = newPos
	l.pool = pool

	l.log.WithFields(logrus.Fields{
		"roll_id":  rollID,
		"old":      oldID,
		"new":      newPos.ID,
		"realized": realized.String(),
	}).Info("position rolled")
	return newPos, nil
}

// RecordRollClose journals only the sell leg of a roll whose buy leg failed
// after the close had executed. The dangling leg is detected on restart and
// blocks automated trading until an operator reconciles.
func (l *Ledger) RecordRollClose(oldID string, closePrice float64,
	commission decimal.Decimal, ts time.Time) error {

	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[oldID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, oldID)
	}

	rollID := uuid.New().String()
	realized := models.RealizedPnL(pos.EntryPrice, closePrice, pos.Quantity, commission)

	closeRec := models.NewTradeRecord(models.ActionRollClose, pos.ID, pos.Contract.Symbol,
		closePrice, pos.Quantity, commission, ts)
	closeRec.RollID = rollID
	closeRec.RealizedPnL = decimal.NewNullDecimal(realized)

	pool := l.pool
	pool.RealizedPnL = pool.RealizedPnL.Add(realized)

	retired := *pos
	retired.Status = models.StatusRolledOut
	if err := l.store.CommitRollClose(&retired, &closeRec, pool); err != nil {
		return fmt.Errorf("journaling roll close leg: %w", err)
	}

	delete(l.positions, oldID)
	l.pool = pool

	l.log.WithFields(logrus.Fields{
		"roll_id":  rollID,
		"position": oldID,
	}).Error("roll buy leg failed after close executed, journaled dangling close leg")
	return nil
}

// RecordSatellite journals a satellite purchase against the executed notional
// and debits the pool.
func (l *Ledger) RecordSatellite(symbol string, executedNotional float64, shares int,
	avgPrice float64, commission decimal.Decimal, ts time.Time) error {

	l.mu.Lock()
	defer l.mu.Unlock()

	deployed := decimal.NewFromFloat(executedNotional)
	pool := l.pool
	pool.Deployed = pool.Deployed.Add(deployed)
	if err := pool.CheckInvariant(); err != nil {
		return err
	}

	rec := models.NewTradeRecord(models.ActionSatelliteBuy, "", symbol,
		avgPrice, shares, commission, ts)
	if err := l.store.CommitSatellite(&rec, pool); err != nil {
		return fmt.Errorf("journaling satellite buy: %w", err)
	}

	l.pool = pool
	l.log.WithFields(logrus.Fields{
		"symbol":   symbol,
		"notional": executedNotional,
	}).Info("recycled profit into satellite")
	return nil
}

// ActivePositions returns copies of OPEN and EXIT_PENDING positions in FIFO
// order: oldest entry first, id as tiebreak.
func (l *Ledger) ActivePositions() []models.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EntryTime.Equal(out[j].EntryTime) {
			return out[i].EntryTime.Before(out[j].EntryTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// OpenPositions returns only positions in OPEN status, FIFO ordered.
func (l *Ledger) OpenPositions() []models.Position {
	all := l.ActivePositions()
	out := all[:0]
	for _, p := range all {
		if p.Status == models.StatusOpen {
			out = append(out, p)
		}
	}
	return out
}

// ExitPendingPositions returns positions awaiting close-order reconciliation.
func (l *Ledger) ExitPendingPositions() []models.Position {
	all := l.ActivePositions()
	out := all[:0]
	for _, p := range all {
		if p.Status == models.StatusExitPending {
			out = append(out, p)
		}
	}
	return out
}

// ActiveCount returns the number of active positions, EXIT_PENDING included.
func (l *Ledger) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.positions)
}

// Pool returns the current profit pool.
func (l *Ledger) Pool() models.ProfitPool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.pool
}

// HasEnteredSince reports whether an entry was journaled at or after ts.
// Roll replacements count only when includeRolls is set.
func (l *Ledger) HasEnteredSince(ts time.Time, includeRolls bool) (bool, error) {
	return l.store.HasOpenActionSince(ts, includeRolls)
}

// DanglingRollIDs surfaces half-committed rolls for the startup gate.
func (l *Ledger) DanglingRollIDs() ([]string, error) {
	return l.store.DanglingRollIDs()
}

// Trades exposes recent ledger entries for reporting.
func (l *Ledger) Trades(limit int) ([]models.TradeRecord, error) {
	return l.store.Trades(limit)
}
