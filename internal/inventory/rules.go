package inventory

import (
	"time"

	"github.com/shopspring/decimal"

	"ims-engine/pkg/types"
)

// RuleContext is the read-only context a MarketRule sees. It never
// performs I/O: every field is pre-computed by the caller from the same
// Inputs used for Calculate.
type RuleContext struct {
	BusinessDate types.BusinessDate
	Now          time.Time

	BorrowedLong decimal.Decimal // Taiwan

	MarketCutoff           time.Time       // Japan: time-of-day cutoff for the business date
	SlabSettlementsToday   decimal.Decimal // Japan: contribution excluded past cutoff
	QuantoSettlementsToday decimal.Decimal // Japan: contribution moved from sd0 to sd2
}

// MarketRule adjusts a raw InventoryAvailability for one market's
// regulatory idiosyncrasies. Implementations must be pure: same
// (raw, ctx) always yields the same result, no I/O.
type MarketRule interface {
	Code() string
	Apply(raw types.InventoryAvailability, ctx RuleContext) types.InventoryAvailability
}

// Registry maps a market code to its ordered list of rules. It is
// copy-on-write per spec.md §5: Register returns a new Registry rather
// than mutating the receiver, so readers holding an old Registry never
// observe a partial update.
type Registry struct {
	rules map[string][]MarketRule
}

// NewRegistry builds an empty registry.
func NewRegistry() Registry {
	return Registry{rules: make(map[string][]MarketRule)}
}

// WithRule returns a new Registry with rule appended to market's ordered list.
func (r Registry) WithRule(market string, rule MarketRule) Registry {
	next := make(map[string][]MarketRule, len(r.rules)+1)
	for k, v := range r.rules {
		cp := make([]MarketRule, len(v))
		copy(cp, v)
		next[k] = cp
	}
	next[market] = append(next[market], rule)
	return Registry{rules: next}
}

// Apply runs market's ordered rule list over raw, each rule's output
// feeding the next. A market with no registered rules is a no-op.
func (r Registry) Apply(market string, raw types.InventoryAvailability, ctx RuleContext) types.InventoryAvailability {
	out := raw
	for _, rule := range r.rules[market] {
		out = rule.Apply(out, ctx)
	}
	return out
}
