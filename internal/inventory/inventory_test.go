package inventory

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ims-engine/pkg/types"
)

func key(ct types.CalculationType) types.InventoryKey {
	return types.InventoryKey{SecurityID: "SEC-EQ-007", BusinessDate: types.NewBusinessDate(2023, time.June, 15), CalculationType: ct}
}

// Scenario 5 from spec: Taiwan for-loan exclusion.
func TestTaiwanForLoanExcludesBorrowedShares(t *testing.T) {
	in := Inputs{
		Hypothecatable: decimal.NewFromInt(500),
		BorrowedLong:   decimal.NewFromInt(1000),
	}
	raw := Calculate(key(types.CalcForLoan), in, time.Now())

	reg := NewRegistry().WithRule("TW", TWRule{})
	out := reg.Apply("TW", raw, RuleContext{BorrowedLong: in.BorrowedLong})

	require.True(t, out.Value.Equal(decimal.NewFromInt(500)))
	require.True(t, out.ExcludedBorrowedShares)
}

func TestForLoanSumsInclusionsMinusExclusions(t *testing.T) {
	in := Inputs{
		Hypothecatable:         decimal.NewFromInt(100),
		RepoPledged:            decimal.NewFromInt(50),
		FinancingSwap:          decimal.NewFromInt(25),
		ExternalAvailabilities: decimal.NewFromInt(10),
		CrossBorder:            decimal.NewFromInt(5),
		SlabLendingOut:         decimal.NewFromInt(20),
		PayToHolds:             decimal.NewFromInt(5),
		ReservedClientAssets:   decimal.NewFromInt(5),
		CorporateActionLocked:  decimal.NewFromInt(5),
	}
	out := Calculate(key(types.CalcForLoan), in, time.Now())
	require.True(t, out.Value.Equal(decimal.NewFromInt(155)), "got %s", out.Value)
}

func TestShortSellNetsLocatesPayToHoldsMinusReservations(t *testing.T) {
	in := Inputs{
		Locates:      decimal.NewFromInt(500),
		PayToHolds:   decimal.NewFromInt(0),
		Reservations: decimal.NewFromInt(300),
	}
	out := Calculate(key(types.CalcShortSell), in, time.Now())
	require.True(t, out.Value.Equal(decimal.NewFromInt(200)))
}

func TestOverborrowFloorsAtZero(t *testing.T) {
	in := Inputs{ExistingBorrow: decimal.NewFromInt(100), RequiredBorrow: decimal.NewFromInt(500)}
	out := Calculate(key(types.CalcOverborrow), in, time.Now())
	require.True(t, out.Value.IsZero())
}

func TestJPRuleAppliesCutoffAndQuantoFlags(t *testing.T) {
	raw := Calculate(key(types.CalcForLoan), Inputs{Hypothecatable: decimal.NewFromInt(1000)}, time.Now())

	cutoff := time.Date(2023, 6, 15, 15, 0, 0, 0, time.UTC)
	ctx := RuleContext{
		Now:                    cutoff.Add(time.Minute),
		MarketCutoff:           cutoff,
		SlabSettlementsToday:   decimal.NewFromInt(100),
		QuantoSettlementsToday: decimal.NewFromInt(50),
	}

	reg := NewRegistry().WithRule("JP", JPRule{})
	out := reg.Apply("JP", raw, ctx)

	require.True(t, out.Value.Equal(decimal.NewFromInt(900)))
	require.True(t, out.SettlementCutoffApplied)
	require.True(t, out.QuantoSettlementHandled)
}

func TestJPRuleNoOpBeforeCutoff(t *testing.T) {
	raw := Calculate(key(types.CalcForLoan), Inputs{Hypothecatable: decimal.NewFromInt(1000)}, time.Now())

	cutoff := time.Date(2023, 6, 15, 15, 0, 0, 0, time.UTC)
	ctx := RuleContext{
		Now:                  cutoff.Add(-time.Minute),
		MarketCutoff:         cutoff,
		SlabSettlementsToday: decimal.NewFromInt(100),
	}

	reg := NewRegistry().WithRule("JP", JPRule{})
	out := reg.Apply("JP", raw, ctx)

	require.True(t, out.Value.Equal(decimal.NewFromInt(1000)))
	require.False(t, out.SettlementCutoffApplied)
}

func TestRegistryIsCopyOnWrite(t *testing.T) {
	base := NewRegistry()
	withTW := base.WithRule("TW", TWRule{})

	raw := Calculate(key(types.CalcForLoan), Inputs{Hypothecatable: decimal.NewFromInt(500)}, time.Now())

	// base still has no rules registered for TW.
	out := base.Apply("TW", raw, RuleContext{BorrowedLong: decimal.NewFromInt(1000)})
	require.True(t, out.Value.Equal(decimal.NewFromInt(500)))

	out2 := withTW.Apply("TW", raw, RuleContext{BorrowedLong: decimal.NewFromInt(1000)})
	require.True(t, out2.Value.Equal(decimal.NewFromInt(-500)))
}
