package validate

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ims-engine/internal/limit"
	"ims-engine/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func req(orderType types.OrderType, qty int64) types.OrderValidationRequest {
	return types.OrderValidationRequest{
		OrderID:           "ORD-1",
		SecurityID:        "SEC-EQ-001",
		ClientID:          "CP-00001",
		AggregationUnitID: "AU-01",
		OrderType:         orderType,
		Quantity:          decimal.NewFromInt(qty),
		BusinessDate:      types.NewBusinessDate(2023, time.June, 15),
	}
}

func setupBooks(t *testing.T, clientShort, auShort decimal.Decimal) (*limit.Book, *limit.Book) {
	t.Helper()
	cb := limit.New(types.EntityClient)
	ab := limit.New(types.EntityAggregationUnit)

	bd := types.NewBusinessDate(2023, time.June, 15)
	cb.Upsert(types.Limit{Key: types.LimitKey{Kind: types.EntityClient, EntityID: "CP-00001", SecurityID: "SEC-EQ-001", BusinessDate: bd}, ShortSellLimit: clientShort})
	ab.Upsert(types.Limit{Key: types.LimitKey{Kind: types.EntityAggregationUnit, EntityID: "AU-01", SecurityID: "SEC-EQ-001", BusinessDate: bd}, ShortSellLimit: auShort})

	return cb, ab
}

// Scenario 3: approved, both limits decremented.
func TestValidateApprovesWithinBothLimits(t *testing.T) {
	cb, ab := setupBooks(t, decimal.NewFromInt(500), decimal.NewFromInt(10000))
	v := New(cb, ab, 256, 150*time.Millisecond, discardLogger())

	res := v.Validate(context.Background(), req(types.OrderShortSell, 300))

	require.Equal(t, types.ValidationApproved, res.Status)
	require.Len(t, res.ReservationIDs, 2)
	require.Less(t, res.ProcessingTime, 150*time.Millisecond)

	cl, _ := cb.Get(types.LimitKey{Kind: types.EntityClient, EntityID: "CP-00001", SecurityID: "SEC-EQ-001", BusinessDate: types.NewBusinessDate(2023, time.June, 15)})
	require.True(t, cl.ShortSellUsed.Equal(decimal.NewFromInt(300)))
}

// Scenario 4: rejected on client limit, no mutation on either side.
func TestValidateRejectsOnClientLimitAndReleasesAU(t *testing.T) {
	cb, ab := setupBooks(t, decimal.NewFromInt(200), decimal.NewFromInt(10000))
	v := New(cb, ab, 256, 150*time.Millisecond, discardLogger())

	res := v.Validate(context.Background(), req(types.OrderShortSell, 300))

	require.Equal(t, types.ValidationRejected, res.Status)
	require.Equal(t, types.ReasonInsufficientClientLimit, res.RejectionReason)
	require.Empty(t, res.ReservationIDs)

	auLimit, _ := ab.Get(types.LimitKey{Kind: types.EntityAggregationUnit, EntityID: "AU-01", SecurityID: "SEC-EQ-001", BusinessDate: types.NewBusinessDate(2023, time.June, 15)})
	require.True(t, auLimit.ShortSellUsed.IsZero(), "AU reservation must be released on client rejection")
}

func TestValidateRejectsOnAULimitBeforeTouchingClient(t *testing.T) {
	cb, ab := setupBooks(t, decimal.NewFromInt(10000), decimal.NewFromInt(100))
	v := New(cb, ab, 256, 150*time.Millisecond, discardLogger())

	res := v.Validate(context.Background(), req(types.OrderShortSell, 300))

	require.Equal(t, types.ValidationRejected, res.Status)
	require.Equal(t, types.ReasonInsufficientAULimit, res.RejectionReason)

	cl, _ := cb.Get(types.LimitKey{Kind: types.EntityClient, EntityID: "CP-00001", SecurityID: "SEC-EQ-001", BusinessDate: types.NewBusinessDate(2023, time.June, 15)})
	require.True(t, cl.ShortSellUsed.IsZero())
}

func TestValidateFailsFastWhenBulkheadExhausted(t *testing.T) {
	cb, ab := setupBooks(t, decimal.NewFromInt(500), decimal.NewFromInt(500))
	v := New(cb, ab, 1, 150*time.Millisecond, discardLogger())

	require.True(t, v.bulkhead.TryAcquire(1)) // simulate one in-flight validation holding the only slot

	res := v.Validate(context.Background(), req(types.OrderShortSell, 10))
	require.Equal(t, types.ValidationError, res.Status)
	require.Equal(t, types.ErrBusy, res.ErrorCode)
}

func TestValidateReturnsTimeoutOnExpiredContext(t *testing.T) {
	cb, ab := setupBooks(t, decimal.NewFromInt(500), decimal.NewFromInt(500))
	v := New(cb, ab, 256, 150*time.Millisecond, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	time.Sleep(time.Millisecond)

	res := v.Validate(ctx, req(types.OrderShortSell, 10))
	require.Equal(t, types.ValidationError, res.Status)
	require.Equal(t, types.ErrTimeout, res.ErrorCode)
}
