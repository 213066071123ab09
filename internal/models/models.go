// Package models provides the domain types for the LEAPS core-satellite engine:
// positions, the append-only trade ledger, and the profit pool.
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SharesPerContract is the standard US equity option multiplier.
const SharesPerContract = 100

// ErrConsistency marks a financial-accounting invariant breach. It is fatal:
// automated trading halts until an operator reconciles the books.
var ErrConsistency = errors.New("consistency violation")

// OptionRight is the side of an option contract.
type OptionRight string

const (
	// RightCall is a call option.
	RightCall OptionRight = "call"
	// RightPut is a put option.
	RightPut OptionRight = "put"
)

// OptionContract identifies one option contract plus the delta observed at entry.
type OptionContract struct {
	Symbol     string      `json:"symbol"` // OCC option symbol
	Underlying string      `json:"underlying"`
	Strike     float64     `json:"strike"`
	Expiration time.Time   `json:"expiration"`
	Right      OptionRight `json:"right"`
	EntryDelta float64     `json:"entry_delta"`
}

// PositionStatus is the lifecycle state of a position. Transitions are
// monotonic: a position never moves back from a terminal state.
type PositionStatus string

const (
	// StatusOpen is an active holding.
	StatusOpen PositionStatus = "OPEN"
	// StatusExitPending means a close order is in flight with unknown outcome.
	StatusExitPending PositionStatus = "EXIT_PENDING"
	// StatusClosed is terminal: the position was sold.
	StatusClosed PositionStatus = "CLOSED"
	// StatusRolledOut is terminal: the position was closed as the sell leg of a roll.
	StatusRolledOut PositionStatus = "ROLLED_OUT"
)

// validTransitions is the full status transition table. EXIT_PENDING -> OPEN is
// the unknown-outcome recovery path: a close order that turns out not to have
// executed releases the position back to active management.
var validTransitions = map[PositionStatus][]PositionStatus{
	StatusOpen:        {StatusExitPending, StatusClosed, StatusRolledOut},
	StatusExitPending: {StatusOpen, StatusClosed, StatusRolledOut},
	StatusClosed:      {},
	StatusRolledOut:   {},
}

// CanTransitionTo reports whether moving from s to next is allowed.
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s PositionStatus) Terminal() bool {
	return len(validTransitions[s]) == 0
}

// Valid reports whether s is one of the defined statuses.
func (s PositionStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusExitPending, StatusClosed, StatusRolledOut:
		return true
	default:
		return false
	}
}

// Position is one option holding. EntryTime, EntryPrice and Quantity are
// immutable after creation; Status is a derived cache of the trade ledger.
type Position struct {
	ID         string         `json:"id"`
	Contract   OptionContract `json:"contract"`
	Quantity   int            `json:"quantity"`
	EntryPrice float64        `json:"entry_price"` // per-share premium
	EntryTime  time.Time      `json:"entry_time"`
	Status     PositionStatus `json:"status"`
}

// NewPosition creates an OPEN position from a confirmed fill.
func NewPosition(contract OptionContract, quantity int, entryPrice float64, entryTime time.Time) *Position {
	return &Position{
		ID:         uuid.New().String(),
		Contract:   contract,
		Quantity:   quantity,
		EntryPrice: entryPrice,
		EntryTime:  entryTime.UTC(),
		Status:     StatusOpen,
	}
}

// AgeDays returns whole days held as of now.
func (p *Position) AgeDays(now time.Time) int {
	d := int(now.UTC().Sub(p.EntryTime.UTC()).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// UnrealizedPnL returns the mark-to-market gain at the given per-share price.
func (p *Position) UnrealizedPnL(currentPrice float64) float64 {
	return (currentPrice - p.EntryPrice) * float64(p.Quantity) * SharesPerContract
}

// GainPct returns the fractional gain over entry premium, e.g. 0.55 for +55%.
func (p *Position) GainPct(currentPrice float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (currentPrice - p.EntryPrice) / p.EntryPrice
}

// Active reports whether the position still holds contracts at the broker.
func (p *Position) Active() bool {
	return p.Status == StatusOpen || p.Status == StatusExitPending
}

// TradeAction is the type of a ledger entry.
type TradeAction string

const (
	// ActionOpen records a new position entry.
	ActionOpen TradeAction = "OPEN"
	// ActionClose records a position exit (profit target or force exit).
	ActionClose TradeAction = "CLOSE"
	// ActionRollClose records the sell leg of a roll.
	ActionRollClose TradeAction = "ROLL_CLOSE"
	// ActionRollOpen records the buy leg of a roll.
	ActionRollOpen TradeAction = "ROLL_OPEN"
	// ActionSatelliteBuy records a recycled-profit purchase of the satellite instrument.
	ActionSatelliteBuy TradeAction = "SATELLITE_BUY"
)

// closing reports whether the action realizes P&L.
func (a TradeAction) closing() bool {
	return a == ActionClose || a == ActionRollClose
}

// TradeRecord is one immutable, append-only ledger entry. The ledger is the
// sole source of truth for accounting; Position.Status is derived from it.
type TradeRecord struct {
	ID          string              `json:"id"`
	Timestamp   time.Time           `json:"timestamp"`
	Action      TradeAction         `json:"action"`
	PositionID  string              `json:"position_id,omitempty"` // empty for satellite buys
	RollID      string              `json:"roll_id,omitempty"`     // shared by both legs of one roll
	Symbol      string              `json:"symbol"`
	Price       float64             `json:"price"`
	Quantity    int                 `json:"quantity"`
	Commission  decimal.Decimal     `json:"commission"`
	RealizedPnL decimal.NullDecimal `json:"realized_pnl"` // set on CLOSE/ROLL_CLOSE
}

// NewTradeRecord builds a ledger entry with a fresh ID.
func NewTradeRecord(action TradeAction, positionID, symbol string, price float64, quantity int,
	commission decimal.Decimal, ts time.Time) TradeRecord {
	return TradeRecord{
		ID:         uuid.New().String(),
		Timestamp:  ts.UTC(),
		Action:     action,
		PositionID: positionID,
		Symbol:     symbol,
		Price:      price,
		Quantity:   quantity,
		Commission: commission,
	}
}

// RealizedPnL computes the exact realized profit for closing a position at the
// given per-share price: (price - entry) * qty * 100 - commission.
func RealizedPnL(entryPrice, closePrice float64, quantity int, commission decimal.Decimal) decimal.Decimal {
	gross := decimal.NewFromFloat(closePrice).
		Sub(decimal.NewFromFloat(entryPrice)).
		Mul(decimal.NewFromInt(int64(quantity))).
		Mul(decimal.NewFromInt(SharesPerContract))
	return gross.Sub(commission)
}

// Validate checks internal consistency of a record before it is journaled.
func (r *TradeRecord) Validate() error {
	switch r.Action {
	case ActionOpen, ActionClose, ActionRollClose, ActionRollOpen:
		if r.PositionID == "" {
			return fmt.Errorf("trade %s: action %s requires a position id", r.ID, r.Action)
		}
	case ActionSatelliteBuy:
		if r.PositionID != "" {
			return fmt.Errorf("trade %s: satellite buys carry no position id", r.ID)
		}
	default:
		return fmt.Errorf("trade %s: unknown action %q", r.ID, r.Action)
	}
	if r.Action.closing() && !r.RealizedPnL.Valid {
		return fmt.Errorf("trade %s: action %s requires realized pnl", r.ID, r.Action)
	}
	if !r.Action.closing() && r.RealizedPnL.Valid {
		return fmt.Errorf("trade %s: action %s must not carry realized pnl", r.ID, r.Action)
	}
	return nil
}

// ProfitPool is the singleton recycled-profit accounting record.
// Invariant: Deployed <= RealizedPnL at every observable instant.
type ProfitPool struct {
	RealizedPnL decimal.Decimal `json:"cumulative_realized_pnl"`
	Deployed    decimal.Decimal `json:"cumulative_deployed"`
}

// Available returns the realized profit not yet deployed into the satellite.
func (p ProfitPool) Available() decimal.Decimal {
	return p.RealizedPnL.Sub(p.Deployed)
}

// CheckInvariant returns ErrConsistency if the pool has deployed more capital
// than it has earned.
func (p ProfitPool) CheckInvariant() error {
	if p.Deployed.GreaterThan(p.RealizedPnL) {
		return fmt.Errorf("%w: deployed %s exceeds realized %s",
			ErrConsistency, p.Deployed.String(), p.RealizedPnL.String())
	}
	return nil
}
