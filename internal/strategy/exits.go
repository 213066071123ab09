package strategy

import (
	"time"

	"github.com/mkessler/leapsbot/internal/config"
	"github.com/mkessler/leapsbot/internal/models"
)

// Decision is the per-position verdict of exit evaluation.
type Decision string

const (
	// DecisionHold keeps the position.
	DecisionHold Decision = "HOLD"
	// DecisionTakeProfit closes at the tiered profit target.
	DecisionTakeProfit Decision = "TAKE_PROFIT"
	// DecisionForceExit closes unconditionally on age.
	DecisionForceExit Decision = "FORCE_EXIT"
)

// EvaluateExit applies the age-stepped take-profit ladder. Positions held past
// the force-exit age close regardless of P&L. Within the ladder, the first
// tier whose bound covers the position's age sets the target; ages beyond the
// last bound but within the force window fall through to the last tier.
func EvaluateExit(pos *models.Position, currentPrice float64, now time.Time, snap config.Snapshot) Decision {
	age := pos.AgeDays(now)
	if age > snap.ForceExitDays {
		return DecisionForceExit
	}

	if len(snap.Tiers) == 0 {
		return DecisionHold
	}
	target := snap.Tiers[len(snap.Tiers)-1].TargetPct
	for _, tier := range snap.Tiers {
		if tier.MaxAgeDays >= age {
			target = tier.TargetPct
			break
		}
	}

	if pos.GainPct(currentPrice) >= target {
		return DecisionTakeProfit
	}
	return DecisionHold
}
