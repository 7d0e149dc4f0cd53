// Package inventory implements the availability calculator (C6): a
// deterministic fold over positions and contracts for one
// (securityId, businessDate) producing FOR_LOAN, FOR_PLEDGE, LONG_SELL,
// SHORT_SELL, LOCATE, and OVERBORROW availability, with market-rule
// plugins applied as an ordered, copy-on-write pipeline.
package inventory

import (
	"time"

	"github.com/shopspring/decimal"

	"ims-engine/pkg/types"
)

// Inputs is the fold over contributing positions/contracts for one
// (securityId, businessDate) that the calculator reduces to an
// InventoryAvailability. Callers (internal/engine) are responsible for
// aggregating raw Position/Contract rows into this shape; the calculator
// itself performs no lookups, keeping it a pure function per spec.md §4.6.
type Inputs struct {
	Hypothecatable         decimal.Decimal
	RepoPledged            decimal.Decimal
	FinancingSwap          decimal.Decimal
	ExternalAvailabilities decimal.Decimal
	CrossBorder            decimal.Decimal
	SlabLendingOut         decimal.Decimal
	PayToHolds             decimal.Decimal
	ReservedClientAssets   decimal.Decimal
	CorporateActionLocked  decimal.Decimal
	Locates                decimal.Decimal
	Reservations           decimal.Decimal

	BorrowedLong decimal.Decimal // Taiwan: quantity flagged as borrowed

	SlabSettlementsToday decimal.Decimal // Japan: today's SLAB settlements, excluded past cutoff
	QuantoToday          decimal.Decimal // Japan: today's quanto contribution, shifted sd0->sd2

	ExistingBorrow decimal.Decimal // OVERBORROW
	RequiredBorrow decimal.Decimal // OVERBORROW
}

// Calculate folds Inputs into the InventoryAvailability for one
// calculationType, before any market rule is applied.
func Calculate(key types.InventoryKey, in Inputs, now time.Time) types.InventoryAvailability {
	avail := types.InventoryAvailability{
		Key:                  key,
		CalculationStatus:    types.StatusValid,
		CalculationTimestamp: now,
		Inclusions: types.InventoryComponents{
			Hypothecatable:         in.Hypothecatable,
			RepoPledged:            in.RepoPledged,
			FinancingSwap:          in.FinancingSwap,
			ExternalAvailabilities: in.ExternalAvailabilities,
			CrossBorder:            in.CrossBorder,
			Locates:                in.Locates,
		},
		Exclusions: types.InventoryComponents{
			SlabLendingOut:        in.SlabLendingOut,
			PayToHolds:            in.PayToHolds,
			ReservedClientAssets:  in.ReservedClientAssets,
			CorporateActionLocked: in.CorporateActionLocked,
			Reservations:          in.Reservations,
		},
	}

	switch key.CalculationType {
	case types.CalcForLoan:
		avail.Value = in.Hypothecatable.
			Add(in.RepoPledged).
			Add(in.FinancingSwap).
			Add(in.ExternalAvailabilities).
			Add(in.CrossBorder).
			Sub(in.SlabLendingOut).
			Sub(in.PayToHolds).
			Sub(in.ReservedClientAssets).
			Sub(in.CorporateActionLocked)

	case types.CalcForPledge:
		avail.Value = in.Hypothecatable.
			Sub(in.RepoPledged).
			Sub(in.CorporateActionLocked)

	case types.CalcLongSell:
		avail.Value = in.Hypothecatable.
			Add(in.Locates).
			Sub(in.Reservations)

	case types.CalcShortSell:
		avail.Value = in.Locates.
			Add(in.PayToHolds).
			Sub(in.Reservations)

	case types.CalcLocate:
		avail.Value = in.ExternalAvailabilities.Sub(in.Reservations)

	case types.CalcOverborrow:
		over := in.ExistingBorrow.Sub(in.RequiredBorrow)
		if over.IsNegative() {
			over = decimal.Zero
		}
		avail.Value = over

	default:
		avail.CalculationStatus = types.StatusError
	}

	return avail
}
