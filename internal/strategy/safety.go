package strategy

import (
	"errors"
	"fmt"

	"github.com/mkessler/leapsbot/internal/broker"
	"github.com/mkessler/leapsbot/internal/config"
)

// ErrSpreadTooWide rejects a quote whose bid/ask spread exceeds the cap.
var ErrSpreadTooWide = errors.New("spread too wide")

// ErrNotionalTooLarge rejects an order above the per-contract premium cap.
var ErrNotionalTooLarge = errors.New("notional too large")

// CheckSafety approves or rejects one prospective order. It runs before every
// order-producing decision: entries, roll opens and satellite buys.
func CheckSafety(q broker.Quote, orderNotional float64, snap config.Snapshot) error {
	mid := q.Mid()
	if q.Crossed() || mid <= 0 {
		return fmt.Errorf("%w: unusable quote bid=%.2f ask=%.2f", ErrSpreadTooWide, q.Bid, q.Ask)
	}
	if spread := (q.Ask - q.Bid) / mid; spread > snap.MaxSpreadPct {
		return fmt.Errorf("%w: %.4f > %.4f on %s", ErrSpreadTooWide, spread, snap.MaxSpreadPct, q.Symbol)
	}
	if orderNotional > snap.MaxPremiumPerContract {
		return fmt.Errorf("%w: %.2f > %.2f on %s", ErrNotionalTooLarge, orderNotional, snap.MaxPremiumPerContract, q.Symbol)
	}
	return nil
}
