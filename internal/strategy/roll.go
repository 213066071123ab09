package strategy

import (
	"sort"
	"time"

	"github.com/mkessler/leapsbot/internal/broker"
	"github.com/mkessler/leapsbot/internal/config"
	"github.com/mkessler/leapsbot/internal/models"
)

// RollPlan names the position to retire and the replacement to buy. The
// engine executes both legs and journals them as one logical roll.
type RollPlan struct {
	OldPosition models.Position
	Replacement broker.ContractCandidate
}

// PlanRoll decides whether a down day at full capacity warrants rolling the
// oldest holding into a fresher strike. Both conditions must hold: the book is
// at max_positions and today's drop reached the trigger. Returns nil when no
// roll applies or no qualifying replacement exists (a roll never closes a
// position one-sided).
func PlanRoll(openPositions []models.Position, todaysDropPct float64,
	chain []broker.ContractCandidate, now time.Time, snap config.Snapshot) *RollPlan {

	if len(openPositions) < snap.MaxPositions {
		return nil
	}
	if todaysDropPct > -snap.RollTriggerPct {
		return nil
	}

	oldest := make([]models.Position, len(openPositions))
	copy(oldest, openPositions)
	sort.Slice(oldest, func(i, j int) bool {
		if !oldest[i].EntryTime.Equal(oldest[j].EntryTime) {
			return oldest[i].EntryTime.Before(oldest[j].EntryTime)
		}
		return oldest[i].ID < oldest[j].ID
	})

	replacement, err := SelectContract(chain, now, snap)
	if err != nil {
		return nil
	}

	return &RollPlan{OldPosition: oldest[0], Replacement: *replacement}
}
