// Package locate implements the locate approval workflow: a rule-driven
// auto-approve/auto-reject decision, a manual-review queue with timeout,
// and inventory reservation on approval with expiry, swept on a fixed
// ticker rather than a timer per pending locate.
package locate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ims-engine/pkg/types"
)

// Reserver is the inventory-side collaborator the workflow reserves
// against on approval. internal/inventory's LOCATE calculation type is the
// concrete backing; the interface keeps this package decoupled from it.
type Reserver interface {
	ReserveLocate(securityID string, qty decimal.Decimal) (reservationID string, err error)
	ReleaseLocate(reservationID string) error
}

// Events are callbacks fired as requests change state.
type Events struct {
	OnDecided func(types.LocateRequest)
}

type pendingReview struct {
	deadline time.Time
}

type activeReservation struct {
	locateID  string
	expiresAt time.Time
}

// Workflow owns the locate requests for the shard it runs on.
type Workflow struct {
	mu    sync.Mutex
	rules []Rule // ordered by priority desc; replaced wholesale (copy-on-write)

	requests map[string]*types.LocateRequest
	pending  map[string]pendingReview
	active   map[string]activeReservation // reservationId -> expiry

	reserver            Reserver
	manualReviewTimeout time.Duration
	defaultExpiry       time.Duration

	events Events
	logger *slog.Logger
}

// New builds a Workflow. manualReviewTimeout and defaultExpiry are the
// fallback durations (60 min, 24 h); a rule's Decision can override only
// the reservation expiry, via ReservationTTL.
func New(reserver Reserver, manualReviewTimeout, defaultExpiry time.Duration, events Events, logger *slog.Logger) *Workflow {
	return &Workflow{
		requests:            make(map[string]*types.LocateRequest),
		pending:             make(map[string]pendingReview),
		active:              make(map[string]activeReservation),
		reserver:            reserver,
		manualReviewTimeout: manualReviewTimeout,
		defaultExpiry:       defaultExpiry,
		events:              events,
		logger:              logger.With("component", "locate"),
	}
}

// SetRules replaces the rule table wholesale, sorted by descending
// priority. Readers in flight keep evaluating against the table they
// already read; the next Submit picks up the new one.
func (w *Workflow) SetRules(rules []Rule) {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	w.mu.Lock()
	w.rules = sorted
	w.mu.Unlock()
}

// Submit evaluates a locate request against the active rule table and
// returns its resulting state synchronously: decision, reservation id if
// approved, reason if rejected. If no rule decides, it queues for manual
// review and returns MANUAL_REVIEW.
func (w *Workflow) Submit(payload types.LocateRequestedPayload, market string, ctx RuleContext) types.LocateRequest {
	req := &types.LocateRequest{
		LocateID:         payload.LocateID,
		SecurityID:       payload.SecurityID,
		ClientID:         payload.ClientID,
		RequestorID:      payload.RequestorID,
		RequestedQty:     payload.RequestedQty,
		LocateType:       payload.LocateType,
		RequestTimestamp: payload.RequestTimestamp,
		State:            types.LocatePending,
	}

	w.mu.Lock()
	rules := w.rules
	w.requests[req.LocateID] = req
	w.mu.Unlock()

	now := time.Now()
	for _, rule := range rules {
		if rule.Market != market || !rule.effectiveAt(now) {
			continue
		}
		if !w.safeCondition(rule, ctx) {
			continue
		}
		decision := rule.Action(ctx)
		if decision.Approve {
			w.approve(req, decision)
			return *req
		}
		if decision.Reject {
			req.State = types.LocateAutoRejected
			req.RejectReason = decision.Reason
			w.emitDecided(*req)
			return *req
		}
		if decision.Terminal {
			break
		}
	}

	w.mu.Lock()
	w.pending[req.LocateID] = pendingReview{deadline: now.Add(w.manualReviewTimeout)}
	w.mu.Unlock()
	req.State = types.LocateManualReview
	w.emitDecided(*req)
	return *req
}

// safeCondition treats a panicking Condition as non-matching: log and
// continue evaluating the remaining rules rather than aborting.
func (w *Workflow) safeCondition(rule Rule, ctx RuleContext) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Warn("locate rule condition panicked, treating as non-matching",
				"market", rule.Market, "priority", rule.Priority, "panic", r)
			matched = false
		}
	}()
	return rule.Condition(ctx)
}

func (w *Workflow) approve(req *types.LocateRequest, decision Decision) {
	reservationID, err := w.reserver.ReserveLocate(req.SecurityID, req.RequestedQty)
	if err != nil {
		req.State = types.LocateAutoRejected
		req.RejectReason = "INSUFFICIENT_INVENTORY"
		w.emitDecided(*req)
		return
	}

	ttl := decision.ReservationTTL
	if ttl == 0 {
		ttl = w.defaultExpiry
	}
	expiresAt := time.Now().Add(ttl)

	req.State = types.LocateAutoApproved
	req.ReservationID = reservationID
	req.ExpiresAt = expiresAt

	w.mu.Lock()
	w.active[reservationID] = activeReservation{locateID: req.LocateID, expiresAt: expiresAt}
	w.mu.Unlock()

	w.emitDecided(*req)
}

// Decide records a manual-review outcome (MANUAL_APPROVED/MANUAL_REJECTED).
func (w *Workflow) Decide(locateID string, approved bool, reason string) error {
	w.mu.Lock()
	req, ok := w.requests[locateID]
	if !ok {
		w.mu.Unlock()
		return fmt.Errorf("locate: unknown request %q", locateID)
	}
	if req.State != types.LocateManualReview {
		w.mu.Unlock()
		return fmt.Errorf("locate: %q is not awaiting manual review (state=%s)", locateID, req.State)
	}
	delete(w.pending, locateID)
	w.mu.Unlock()

	if !approved {
		req.State = types.LocateManualRejected
		req.RejectReason = reason
		w.emitDecided(*req)
		return nil
	}

	reservationID, err := w.reserver.ReserveLocate(req.SecurityID, req.RequestedQty)
	if err != nil {
		req.State = types.LocateManualRejected
		req.RejectReason = "INSUFFICIENT_INVENTORY"
		w.emitDecided(*req)
		return nil
	}

	expiresAt := time.Now().Add(w.defaultExpiry)
	req.State = types.LocateManualApproved
	req.ReservationID = reservationID
	req.ExpiresAt = expiresAt

	w.mu.Lock()
	w.active[reservationID] = activeReservation{locateID: locateID, expiresAt: expiresAt}
	w.mu.Unlock()

	w.emitDecided(*req)
	return nil
}

// Run sweeps expired manual-review timeouts and expired reservations on a
// fixed tick until ctx is cancelled.
func (w *Workflow) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepExpiredReviews()
			w.sweepExpiredReservations()
		}
	}
}

func (w *Workflow) sweepExpiredReviews() {
	now := time.Now()

	w.mu.Lock()
	var timedOut []string
	for id, p := range w.pending {
		if now.After(p.deadline) {
			timedOut = append(timedOut, id)
		}
	}
	for _, id := range timedOut {
		delete(w.pending, id)
	}
	w.mu.Unlock()

	for _, id := range timedOut {
		w.mu.Lock()
		req, ok := w.requests[id]
		w.mu.Unlock()
		if !ok {
			continue
		}
		req.State = types.LocateAutoRejected
		req.RejectReason = "TIMEOUT"
		w.emitDecided(*req)
		w.logger.Warn("locate manual review timed out", "locate_id", id)
	}
}

func (w *Workflow) sweepExpiredReservations() {
	now := time.Now()

	w.mu.Lock()
	var expired []activeReservation
	for resID, a := range w.active {
		if now.After(a.expiresAt) {
			expired = append(expired, a)
			delete(w.active, resID)
		}
	}
	w.mu.Unlock()

	for _, a := range expired {
		w.mu.Lock()
		req, ok := w.requests[a.locateID]
		w.mu.Unlock()
		if !ok {
			continue
		}
		if err := w.reserver.ReleaseLocate(req.ReservationID); err != nil {
			w.logger.Error("failed to release expired locate reservation", "error", err, "locate_id", req.LocateID)
		}
		req.State = types.LocateExpired
		w.emitDecided(*req)
	}
}

// Get returns a point-in-time copy of a locate request.
func (w *Workflow) Get(locateID string) (types.LocateRequest, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	req, ok := w.requests[locateID]
	if !ok {
		return types.LocateRequest{}, false
	}
	return *req, true
}

func (w *Workflow) emitDecided(req types.LocateRequest) {
	if w.events.OnDecided != nil {
		w.events.OnDecided(req)
	}
}

// newReservationID is exposed so an in-package Reserver test double can
// mint ids the same way internal/limit does, without importing it.
func newReservationID() string {
	return uuid.Must(uuid.NewV7()).String()
}
