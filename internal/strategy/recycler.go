package strategy

import (
	"github.com/shopspring/decimal"

	"github.com/mkessler/leapsbot/internal/config"
	"github.com/mkessler/leapsbot/internal/models"
	"github.com/mkessler/leapsbot/internal/util"
)

// SatelliteOrder is a request to deploy recycled profit into the satellite
// instrument. Notional is lot-floored; the fractional remainder stays in the
// pool for a later cycle.
type SatelliteOrder struct {
	Symbol   string
	Notional float64
}

// PlanSatelliteBuy checks whether undeployed realized profit has reached the
// recycling threshold and sizes the buy. Returns nil below threshold or when
// lot flooring leaves nothing to deploy.
func PlanSatelliteBuy(pool models.ProfitPool, snap config.Snapshot) *SatelliteOrder {
	available := pool.Available()
	if available.LessThan(decimal.NewFromFloat(snap.SatelliteThreshold)) {
		return nil
	}

	notional, _ := available.Float64()
	if snap.SatelliteLotSize > 0 {
		notional = util.FloorToLot(notional, snap.SatelliteLotSize)
	}
	if snap.SatelliteMaxNotional > 0 && notional > snap.SatelliteMaxNotional {
		notional = util.FloorToLot(snap.SatelliteMaxNotional, snap.SatelliteLotSize)
	}
	if notional <= 0 {
		return nil
	}
	return &SatelliteOrder{Symbol: snap.SatelliteSymbol, Notional: notional}
}
