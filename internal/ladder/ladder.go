// Package ladder computes the settlement ladder and projected-position
// calculator (C5): a pure function of a Position, recomputed on every
// PositionChanged, never stored independently of the Position itself.
package ladder

import (
	"github.com/shopspring/decimal"

	"ims-engine/pkg/types"
)

// Projection is the derived calculator output for one Position at a point
// in time. It carries its own CalculationStatus, distinct from the
// Position's, because a projection can be STALE even when the underlying
// Position row is VALID (an upstream event changed after this projection's
// calculationTimestamp).
type Projection struct {
	Key types.PositionKey

	NetSettlementToday  decimal.Decimal
	NetSettlement       decimal.Decimal
	ProjectedSettledQty decimal.Decimal
	ProjectedPosition   decimal.Decimal
	TotalDeliveries     decimal.Decimal
	TotalReceipts       decimal.Decimal

	Status types.CalculationStatus
}

// Compute derives a Projection from a Position. contributingStale reports
// whether any event contributing to this projection carried
// calculationStatus=STALE; when true the projection itself is STALE even
// though the arithmetic below is still performed on the best-known state.
func Compute(p types.Position, contributingStale bool) Projection {
	netToday := p.SD[0].Receipt.Sub(p.SD[0].Deliver)

	netSettlement := decimal.Zero
	totalDeliveries := decimal.Zero
	totalReceipts := decimal.Zero
	for _, b := range p.SD {
		netSettlement = netSettlement.Add(b.Receipt).Sub(b.Deliver)
		totalDeliveries = totalDeliveries.Add(b.Deliver)
		totalReceipts = totalReceipts.Add(b.Receipt)
	}

	status := types.StatusValid
	if p.CalculationStatus == types.StatusInvalid || p.CalculationStatus == types.StatusError {
		status = p.CalculationStatus
	} else if contributingStale {
		status = types.StatusStale
	}

	return Projection{
		Key:                 p.Key,
		NetSettlementToday:  netToday,
		NetSettlement:       netSettlement,
		ProjectedSettledQty: p.SettledQty.Add(netToday),
		ProjectedPosition:   p.SettledQty.Add(netSettlement),
		TotalDeliveries:     totalDeliveries,
		TotalReceipts:       totalReceipts,
		Status:              status,
	}
}
