package inventory

import "ims-engine/pkg/types"

// JPRule implements the Japan market-rule (spec.md §4.6): once the market
// cutoff for the business date has passed, SLAB settlements no longer
// contribute to today's availability, and quanto settlements' contribution
// is treated as landing at T+2 instead of T+0.
type JPRule struct{}

func (JPRule) Code() string { return "JP" }

func (JPRule) Apply(raw types.InventoryAvailability, ctx RuleContext) types.InventoryAvailability {
	out := raw

	if !ctx.MarketCutoff.IsZero() && !ctx.Now.Before(ctx.MarketCutoff) && !ctx.SlabSettlementsToday.IsZero() {
		out.Value = out.Value.Sub(ctx.SlabSettlementsToday)
		out.SettlementCutoffApplied = true
	}

	if !ctx.QuantoSettlementsToday.IsZero() {
		// The sd0→sd2 bucket shift itself already happened in the position
		// engine (internal/position's applyTradeEffect, for any trade whose
		// payload is flagged Quanto); QuantoSettlementsToday here is that
		// shifted quantity reported back for this flag, not a second
		// transform of out.Value.
		out.QuantoSettlementHandled = true
	}

	return out
}
