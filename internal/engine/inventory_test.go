package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ims-engine/internal/inventory"
	"ims-engine/internal/ladder"
	"ims-engine/pkg/types"
)

func newJPBook(cutoffHour int) *inventoryBook {
	registry := inventory.NewRegistry().WithRule("JP", inventory.JPRule{})
	book := newInventoryBook(registry, cutoffHour)
	book.setMarket("SEC-JP-001", "JP")
	return book
}

// Before cutoff, SLAB settlements still contribute to FOR_LOAN availability.
func TestRecomputeJPRuleNoOpBeforeCutoff(t *testing.T) {
	book := newJPBook(15)
	bd := types.NewBusinessDate(2023, time.June, 15)

	book.applyPositionContribution(types.Position{
		Key:              types.PositionKey{BookID: "B1", SecurityID: "SEC-JP-001", BusinessDate: bd},
		IsHypothecatable: true,
	}, ladder.Projection{ProjectedPosition: decimal.NewFromInt(1000)})

	book.applyContractContribution(types.ContractPayload{
		ContractID: "C1", SecurityID: "SEC-JP-001", Qty: decimal.NewFromInt(400), Kind: "SLAB_SETTLEMENT",
	}, bd, 1)

	before := bd.AtHour(10)
	book.recompute("SEC-JP-001", bd, before)

	row, ok := book.get(types.InventoryKey{SecurityID: "SEC-JP-001", BusinessDate: bd, CalculationType: types.CalcForLoan})
	require.True(t, ok)
	require.True(t, row.Value.Equal(decimal.NewFromInt(1000)), "FOR_LOAN = %s", row.Value)
	require.False(t, row.SettlementCutoffApplied)
}

// Past cutoff, today's SLAB settlement contribution is excluded and the
// rule marks SettlementCutoffApplied, proving the JP rule actually fires
// through the assembled engine wiring rather than staying permanently dead.
func TestRecomputeJPRuleAppliesCutoffAndQuantoPastCutoff(t *testing.T) {
	book := newJPBook(15)
	bd := types.NewBusinessDate(2023, time.June, 15)

	book.applyPositionContribution(types.Position{
		Key:              types.PositionKey{BookID: "B1", SecurityID: "SEC-JP-001", BusinessDate: bd},
		IsHypothecatable: true,
		QuantoToday:      decimal.NewFromInt(200),
	}, ladder.Projection{ProjectedPosition: decimal.NewFromInt(1000)})

	book.applyContractContribution(types.ContractPayload{
		ContractID: "C1", SecurityID: "SEC-JP-001", Qty: decimal.NewFromInt(400), Kind: "SLAB_SETTLEMENT",
	}, bd, 1)

	after := bd.AtHour(16)
	book.recompute("SEC-JP-001", bd, after)

	row, ok := book.get(types.InventoryKey{SecurityID: "SEC-JP-001", BusinessDate: bd, CalculationType: types.CalcForLoan})
	require.True(t, ok)
	require.True(t, row.Value.Equal(decimal.NewFromInt(600)), "FOR_LOAN = %s", row.Value)
	require.True(t, row.SettlementCutoffApplied)
	require.True(t, row.QuantoSettlementHandled)
}
