// Package strategy holds the pure decision logic: contract selection, exit
// evaluation, roll triggering, pre-trade safety checks and profit recycling.
// Everything here is side-effect free; the engine owns execution.
package strategy

import (
	"errors"
	"math"
	"time"

	"github.com/mkessler/leapsbot/internal/broker"
	"github.com/mkessler/leapsbot/internal/config"
	"github.com/mkessler/leapsbot/internal/models"
)

// ErrNoCandidate means the chain held no contract passing the filters. It is a
// rejection, not a fault: the cycle logs it and moves on.
var ErrNoCandidate = errors.New("strategy: no qualifying contract")

// SelectContract picks the call whose delta is nearest the target from
// contracts expiring strictly more than MinExpiryDays out. Exact delta ties go
// to the lower strike so selection is deterministic.
func SelectContract(chain []broker.ContractCandidate, now time.Time, snap config.Snapshot) (*broker.ContractCandidate, error) {
	cutoff := now.AddDate(0, 0, snap.MinExpiryDays)

	var best *broker.ContractCandidate
	var bestDist float64
	for i := range chain {
		c := &chain[i]
		if c.Right != models.RightCall {
			continue
		}
		if !c.Expiration.After(cutoff) {
			continue
		}
		if snap.DeltaTolerance > 0 && math.Abs(c.Delta-snap.TargetDelta) > snap.DeltaTolerance {
			continue
		}

		dist := math.Abs(c.Delta - snap.TargetDelta)
		switch {
		case best == nil, dist < bestDist:
			best, bestDist = c, dist
		case dist == bestDist && c.Strike < best.Strike:
			best = c
		}
	}

	if best == nil {
		return nil, ErrNoCandidate
	}
	return best, nil
}
