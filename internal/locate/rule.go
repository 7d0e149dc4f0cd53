package locate

import (
	"time"

	"github.com/shopspring/decimal"
)

// RuleContext is the pure evaluation context a Rule's Condition/Action see.
// Neither may perform I/O — every field here is pre-computed by the caller
// before Evaluate runs.
type RuleContext struct {
	Market              string
	SecurityID          string
	ClientID            string
	RequestedQty        decimal.Decimal
	AvailableQty        decimal.Decimal
	ClientLongPosition  decimal.Decimal
	HistoricalStats     map[string]float64
}

// Decision is what a Rule's Action produces.
type Decision struct {
	Approve       bool
	Reject        bool
	Reason        string
	Terminal      bool          // stops further rule evaluation
	ReservationTTL time.Duration // 0 means use the workflow default
}

// Rule is one auto-decision rule. Condition/Action are plain Go closures,
// a builder-style DSL without a bespoke expression syntax.
type Rule struct {
	Market        string
	RuleType      string
	Priority      int // higher evaluated first
	EffectiveFrom time.Time
	EffectiveTo   time.Time
	Active        bool

	Condition func(RuleContext) bool
	Action    func(RuleContext) Decision
}

func (r Rule) effectiveAt(now time.Time) bool {
	if !r.Active {
		return false
	}
	if !r.EffectiveFrom.IsZero() && now.Before(r.EffectiveFrom) {
		return false
	}
	if !r.EffectiveTo.IsZero() && now.After(r.EffectiveTo) {
		return false
	}
	return true
}

// AutoApprovalRule builds the common "approve if requested qty fits within
// availability at some safety ratio" rule, parameterized by a maximum
// quantity and a minimum inventory ratio.
func AutoApprovalRule(market string, priority int, maxQuantity decimal.Decimal, minInventoryRatio float64) Rule {
	ratio := decimal.NewFromFloat(minInventoryRatio)
	return Rule{
		Market:   market,
		RuleType: "AUTO_APPROVAL_THRESHOLD",
		Priority: priority,
		Active:   true,
		Condition: func(ctx RuleContext) bool {
			if ctx.RequestedQty.GreaterThan(maxQuantity) {
				return false
			}
			required := ctx.RequestedQty.Mul(ratio)
			return ctx.AvailableQty.GreaterThanOrEqual(required)
		},
		Action: func(RuleContext) Decision {
			return Decision{Approve: true, Terminal: true, Reason: "AUTO_APPROVAL_THRESHOLD"}
		},
	}
}

// InsufficientInventoryRule rejects outright when the requested quantity
// exceeds what's available at all, regardless of the approval ratio.
func InsufficientInventoryRule(market string, priority int) Rule {
	return Rule{
		Market:   market,
		RuleType: "INSUFFICIENT_INVENTORY",
		Priority: priority,
		Active:   true,
		Condition: func(ctx RuleContext) bool {
			return ctx.RequestedQty.GreaterThan(ctx.AvailableQty)
		},
		Action: func(RuleContext) Decision {
			return Decision{Reject: true, Terminal: true, Reason: "INSUFFICIENT_INVENTORY"}
		},
	}
}
