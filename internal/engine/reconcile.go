package engine

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mkessler/leapsbot/internal/broker"
	"github.com/mkessler/leapsbot/internal/config"
	"github.com/mkessler/leapsbot/internal/models"
)

// reconcile squares the ledger against actual broker holdings before any new
// decision. Two cases: EXIT_PENDING positions whose close order outcome was
// unknown, and broker fills from unacknowledged entry orders the ledger never
// admitted.
func (e *Engine) reconcile(ctx context.Context, snap config.Snapshot) error {
	pending := e.ledger.ExitPendingPositions()
	if len(pending) == 0 && !e.mayHaveUntrackedFills {
		return nil
	}

	held, err := e.broker.GetPositions(ctx)
	if err != nil {
		return err
	}
	heldQty := make(map[string]int, len(held))
	for _, h := range held {
		heldQty[h.Symbol] = h.Quantity
	}

	for _, pos := range pending {
		if err := e.reconcileExitPending(ctx, pos, heldQty); err != nil {
			return err
		}
	}

	if e.mayHaveUntrackedFills {
		if err := e.adoptUntracked(ctx, held, snap); err != nil {
			return err
		}
		e.mayHaveUntrackedFills = false
	}
	return nil
}

// reconcileExitPending resolves one unknown-outcome close: if the broker
// still holds the contracts, the order never executed and the position
// returns to OPEN; if the contracts are gone, the close is journaled at the
// current quote, the best available estimate of the unseen print.
func (e *Engine) reconcileExitPending(ctx context.Context, pos models.Position, heldQty map[string]int) error {
	if heldQty[pos.Contract.Symbol] > 0 {
		e.log.WithField("position", pos.ID).
			Info("pending close never executed, releasing position")
		return e.ledger.ReleaseExitPending(pos.ID)
	}

	quote, err := e.broker.GetOptionQuote(ctx, pos.Contract.Symbol)
	if err != nil {
		return err
	}
	e.log.WithField("position", pos.ID).
		Info("pending close confirmed executed, journaling")
	_, err = e.ledger.Close(pos.ID, quote.Mid(), decimal.Zero, e.now())
	return err
}

// adoptUntracked admits broker option holdings on the strategy underlying
// that the ledger does not know about. They can only come from an entry order
// whose acknowledgment timed out after it actually filled.
func (e *Engine) adoptUntracked(ctx context.Context, held []broker.BrokerPosition, snap config.Snapshot) error {
	known := make(map[string]bool)
	for _, p := range e.ledger.ActivePositions() {
		known[p.Contract.Symbol] = true
	}

	for _, h := range held {
		if h.Quantity <= 0 || known[h.Symbol] {
			continue
		}
		contract, err := models.ParseOCCSymbol(h.Symbol)
		if err != nil || !strings.EqualFold(contract.Underlying, snap.Underlying) {
			continue
		}
		if contract.Right != models.RightCall {
			continue
		}

		quote, err := e.broker.GetOptionQuote(ctx, h.Symbol)
		if err != nil {
			return err
		}

		e.log.WithFields(logrus.Fields{
			"symbol":   h.Symbol,
			"quantity": h.Quantity,
		}).Warn("adopting broker fill from unacknowledged order")
		if _, err := e.ledger.Open(contract, h.Quantity, quote.Mid(), decimal.Zero, e.now()); err != nil {
			return err
		}
	}
	return nil
}
