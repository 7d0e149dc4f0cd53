package ladder

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ims-engine/pkg/types"
)

func TestComputeScenario1SimpleBuyT2(t *testing.T) {
	p := types.Position{
		Key:        types.PositionKey{BookID: "EQUITY-01", SecurityID: "SEC-EQ-001", BusinessDate: types.NewBusinessDate(2023, time.June, 15)},
		SettledQty: decimal.Zero,
	}
	p.SD[2] = types.LadderBucket{Receipt: decimal.NewFromInt(1000), Deliver: decimal.Zero}

	proj := Compute(p, false)

	require.True(t, proj.ProjectedPosition.Equal(decimal.NewFromInt(1000)))
	require.True(t, proj.NetSettlementToday.IsZero())
	require.True(t, proj.NetSettlement.Equal(decimal.NewFromInt(1000)))
	require.Equal(t, types.StatusValid, proj.Status)
}

func TestComputePropagatesStaleFromContributingEvents(t *testing.T) {
	p := types.Position{CalculationStatus: types.StatusValid}
	proj := Compute(p, true)
	require.Equal(t, types.StatusStale, proj.Status)
}

func TestComputePreservesInvalidStatus(t *testing.T) {
	p := types.Position{CalculationStatus: types.StatusInvalid}
	proj := Compute(p, false)
	require.Equal(t, types.StatusInvalid, proj.Status)
}

func TestComputeTotalsSumAcrossLadder(t *testing.T) {
	p := types.Position{}
	p.SD[0] = types.LadderBucket{Deliver: decimal.NewFromInt(10)}
	p.SD[1] = types.LadderBucket{Receipt: decimal.NewFromInt(20)}
	p.SD[4] = types.LadderBucket{Deliver: decimal.NewFromInt(5), Receipt: decimal.NewFromInt(15)}

	proj := Compute(p, false)
	require.True(t, proj.TotalDeliveries.Equal(decimal.NewFromInt(15)))
	require.True(t, proj.TotalReceipts.Equal(decimal.NewFromInt(35)))
	require.True(t, proj.NetSettlement.Equal(decimal.NewFromInt(20)))
}
