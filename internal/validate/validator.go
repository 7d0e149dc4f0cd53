// Package validate implements the short-sell validator (C8): a
// synchronous hot-path pipeline joining an order against the
// aggregation-unit and client limit books, reserving capacity atomically
// on approval, within a hard per-request deadline and a bulkhead capping
// concurrent in-flight validations.
package validate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"ims-engine/internal/limit"
	"ims-engine/pkg/types"
)

// Validator is constructed once per shard; its two limit books are the
// shard's own client and aggregation-unit rows, kept hot in memory per
// spec.md §4.8.
type Validator struct {
	clientBook *limit.Book
	auBook     *limit.Book
	bulkhead   *semaphore.Weighted
	deadline   time.Duration
	logger     *slog.Logger
}

// New builds a Validator. bulkheadCapacity bounds concurrent in-flight
// validations (default 256 per spec.md §5); deadline bounds end-to-end
// latency (default 150ms per spec.md §4.8).
func New(clientBook, auBook *limit.Book, bulkheadCapacity int64, deadline time.Duration, logger *slog.Logger) *Validator {
	return &Validator{
		clientBook: clientBook,
		auBook:     auBook,
		bulkhead:   semaphore.NewWeighted(bulkheadCapacity),
		deadline:   deadline,
		logger:     logger.With("component", "validate"),
	}
}

// Validate runs the hot-path pipeline: aggregation-unit reservation first
// (the broader resource), then client; on any failure, any earlier
// reservation is released before replying, so no partial reservation ever
// leaks (spec.md §4.8 failure semantics).
func (v *Validator) Validate(ctx context.Context, req types.OrderValidationRequest) types.OrderValidationResult {
	start := time.Now()

	if !v.bulkhead.TryAcquire(1) {
		return v.result(req, types.ValidationError, "", types.ErrBusy, nil, start)
	}
	defer v.bulkhead.Release(1)

	ctx, cancel := context.WithTimeout(ctx, v.deadline)
	defer cancel()

	auKey := types.LimitKey{Kind: types.EntityAggregationUnit, EntityID: req.AggregationUnitID, SecurityID: req.SecurityID, BusinessDate: req.BusinessDate}
	clientKey := types.LimitKey{Kind: types.EntityClient, EntityID: req.ClientID, SecurityID: req.SecurityID, BusinessDate: req.BusinessDate}

	if ctx.Err() != nil {
		return v.result(req, types.ValidationError, "", types.ErrTimeout, nil, start)
	}

	auReservation, _, err := v.auBook.Reserve(auKey, req.OrderType, req.Quantity)
	if err != nil {
		if errors.Is(err, limit.ErrInsufficientLimit) {
			return v.result(req, types.ValidationRejected, types.ReasonInsufficientAULimit, "", nil, start)
		}
		return v.result(req, types.ValidationError, "", types.ErrInternal, nil, start)
	}

	if ctx.Err() != nil {
		v.release(auReservation, req.OrderID)
		return v.result(req, types.ValidationError, "", types.ErrTimeout, nil, start)
	}

	clientReservation, _, err := v.clientBook.Reserve(clientKey, req.OrderType, req.Quantity)
	if err != nil {
		v.release(auReservation, req.OrderID)
		if errors.Is(err, limit.ErrInsufficientLimit) {
			return v.result(req, types.ValidationRejected, types.ReasonInsufficientClientLimit, "", nil, start)
		}
		return v.result(req, types.ValidationError, "", types.ErrInternal, nil, start)
	}

	if ctx.Err() != nil {
		v.release(auReservation, req.OrderID)
		v.releaseClient(clientReservation, req.OrderID)
		return v.result(req, types.ValidationError, "", types.ErrTimeout, nil, start)
	}

	return v.result(req, types.ValidationApproved, "", "", []string{auReservation, clientReservation}, start)
}

func (v *Validator) release(reservationID, orderID string) {
	if err := v.auBook.Release(reservationID); err != nil {
		v.logger.Error("failed to release AU reservation", "error", err, "order_id", orderID, "reservation_id", reservationID)
	}
}

func (v *Validator) releaseClient(reservationID, orderID string) {
	if err := v.clientBook.Release(reservationID); err != nil {
		v.logger.Error("failed to release client reservation", "error", err, "order_id", orderID, "reservation_id", reservationID)
	}
}

func (v *Validator) result(req types.OrderValidationRequest, status types.ValidationStatus, reason types.RejectionReason, code types.ErrorCode, reservationIDs []string, start time.Time) types.OrderValidationResult {
	return types.OrderValidationResult{
		OrderID:         req.OrderID,
		Status:          status,
		RejectionReason: reason,
		ErrorCode:       code,
		ReservationIDs:  reservationIDs,
		ProcessingTime:  time.Since(start),
	}
}
