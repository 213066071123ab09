// Package broker defines the brokerage contract consumed by the engine and
// the REST adapter implementing it.
package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mkessler/leapsbot/internal/models"
)

// Quote is a top-of-book snapshot for one instrument.
type Quote struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
}

// Mid returns the bid/ask midpoint.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Crossed reports an unusable market (bid above ask or a missing side).
func (q Quote) Crossed() bool {
	return q.Bid <= 0 || q.Ask <= 0 || q.Bid > q.Ask
}

// ContractCandidate is one option from a chain snapshot, Greeks included.
type ContractCandidate struct {
	Symbol     string             `json:"symbol"`
	Underlying string             `json:"underlying"`
	Strike     float64            `json:"strike"`
	Expiration time.Time          `json:"expiration"`
	Right      models.OptionRight `json:"right"`
	Delta      float64            `json:"delta"`
	Bid        float64            `json:"bid"`
	Ask        float64            `json:"ask"`
}

// Quote returns the candidate's own top-of-book.
func (c ContractCandidate) Quote() Quote {
	return Quote{Symbol: c.Symbol, Bid: c.Bid, Ask: c.Ask, Last: (c.Bid + c.Ask) / 2}
}

// Contract converts the candidate into the domain contract stored on a position.
func (c ContractCandidate) Contract() models.OptionContract {
	return models.OptionContract{
		Symbol:     c.Symbol,
		Underlying: c.Underlying,
		Strike:     c.Strike,
		Expiration: c.Expiration,
		Right:      c.Right,
		EntryDelta: c.Delta,
	}
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	// SideBuy opens or adds exposure.
	SideBuy OrderSide = "buy"
	// SideSell closes exposure.
	SideSell OrderSide = "sell"
)

// OrderKind distinguishes option limit orders from notional equity buys.
type OrderKind string

const (
	// KindOptionLimit is a limit order on an option contract.
	KindOptionLimit OrderKind = "option_limit"
	// KindEquityNotional is a dollar-sized market order on an equity.
	KindEquityNotional OrderKind = "equity_notional"
)

// OrderSpec describes one order to place.
type OrderSpec struct {
	Kind       OrderKind `json:"kind"`
	Symbol     string    `json:"symbol"` // OCC symbol or equity ticker
	Side       OrderSide `json:"side"`
	Quantity   int       `json:"quantity,omitempty"`    // contracts, option orders
	LimitPrice float64   `json:"limit_price,omitempty"` // per share, option orders
	Notional   float64   `json:"notional,omitempty"`    // dollars, equity orders
	Tag        string    `json:"tag,omitempty"`         // client order id
}

// OrderState is the terminal-or-not outcome of a placement.
type OrderState string

const (
	// OrderFilled means the order executed completely (options) or for some
	// executed notional (equity notional orders).
	OrderFilled OrderState = "filled"
	// OrderPending means the outcome is unknown within the bounded wait; the
	// caller must reconcile against broker positions before acting again.
	OrderPending OrderState = "pending"
	// OrderRejected means the broker refused the order.
	OrderRejected OrderState = "rejected"
)

// OrderResult reports the outcome of PlaceOrder.
type OrderResult struct {
	State            OrderState `json:"state"`
	AvgPrice         float64    `json:"avg_price"`
	FilledQuantity   int        `json:"filled_quantity"`
	ExecutedNotional float64    `json:"executed_notional"` // equity notional orders
	Commission       float64    `json:"commission"`
	Reason           string     `json:"reason,omitempty"` // rejections
}

// BrokerPosition is one holding reported by the broker, used for reconciliation.
type BrokerPosition struct {
	Symbol   string `json:"symbol"`
	Quantity int    `json:"quantity"`
}

// Broker is the narrow brokerage contract the engine consumes. Implementations
// must honor context cancellation on every call.
type Broker interface {
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetOptionQuote(ctx context.Context, optionSymbol string) (*Quote, error)
	// GetHistoricalClose returns the official close for the session on date
	// (date's calendar day in the exchange timezone).
	GetHistoricalClose(ctx context.Context, symbol string, date time.Time) (float64, error)
	// GetOptionChain returns call and put candidates expiring on or after
	// minExpiration, with model Greeks attached.
	GetOptionChain(ctx context.Context, underlying string, minExpiration time.Time) ([]ContractCandidate, error)
	PlaceOrder(ctx context.Context, spec OrderSpec) (*OrderResult, error)
	GetPositions(ctx context.Context) ([]BrokerPosition, error)
}

// ErrNoData is returned when the broker has no quote/bar for the request.
var ErrNoData = errors.New("broker: no data")

// IsTransient classifies an error as retryable-next-cycle: network trouble,
// rate limiting, or gateway-side 5xx. Permanent API rejections are not
// transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == 429 || apiErr.Status >= 500
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"deadline exceeded",
		"connection refused",
		"connection reset",
		"temporary failure",
		"rate limit",
		"network",
		"dns",
		"tcp",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
