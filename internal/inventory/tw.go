package inventory

import "ims-engine/pkg/types"

// TWRule implements the Taiwan market-rule: borrowed shares are excluded
// from FOR_LOAN availability (spec.md §4.6).
type TWRule struct{}

func (TWRule) Code() string { return "TW" }

func (TWRule) Apply(raw types.InventoryAvailability, ctx RuleContext) types.InventoryAvailability {
	if raw.Key.CalculationType != types.CalcForLoan || ctx.BorrowedLong.IsZero() {
		return raw
	}
	out := raw
	out.Value = out.Value.Sub(ctx.BorrowedLong)
	out.ExcludedBorrowedShares = true
	return out
}
