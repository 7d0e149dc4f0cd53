// Package position implements the per-shard position state machine (C4):
// applying trade, settlement, and snapshot events to the
// (bookId, securityId, businessDate) position tuple, enforcing the
// non-negative ladder invariant, and detecting drift on resync.
package position

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"ims-engine/internal/shard"
	"ims-engine/pkg/types"
)

// maxMagnitude bounds any single ladder/contractual field. A result
// exceeding it is treated as the spec's "arithmetic overflow" condition,
// which is fatal to the owning shard (decimal.Decimal has no native
// overflow, so this ceiling stands in for it).
var maxMagnitude = decimal.New(1, 18)

// driftTolerance is the maximum absolute difference between a resync
// snapshot's settledQty and the engine's own derived value before a
// PositionDrift event fires.
var driftTolerance = decimal.New(1, -8)

// Events are the callbacks the engine invokes as it mutates state. All are
// called synchronously from within the owning shard's goroutine; handlers
// must not block.
type Events struct {
	OnPositionChanged func(types.Position)
	OnPositionInvalid func(types.Position, string)
	OnPositionDrift    func(types.Position, decimal.Decimal)
}

// tradeRecord remembers a previously applied TradeCreated/TradeAmended
// payload so a later TradeAmended/TradeCancelled can reverse its exact
// effect, per spec.md §4.4 ("reverse the original effect using the stored
// lastEventId chain"). It is engine-local bookkeeping, not part of the
// durable Position row, and is rebuilt deterministically on replay.
type tradeRecord struct {
	key     types.PositionKey
	payload types.TradeCreatedPayload
}

// Engine owns the positions for the keys its shard is responsible for.
type Engine struct {
	mu        sync.RWMutex
	positions map[types.PositionKey]*types.Position
	trades    map[string]tradeRecord // eventId -> effect applied

	events Events
	logger *slog.Logger
}

// New constructs an empty position engine for one shard.
func New(events Events, logger *slog.Logger) *Engine {
	return &Engine{
		positions: make(map[types.PositionKey]*types.Position),
		trades:    make(map[string]tradeRecord),
		events:    events,
		logger:    logger.With("component", "position"),
	}
}

func (e *Engine) emitChanged(p types.Position) {
	if e.events.OnPositionChanged != nil {
		e.events.OnPositionChanged(p)
	}
}

func (e *Engine) emitInvalid(p types.Position, reason string) {
	if e.events.OnPositionInvalid != nil {
		e.events.OnPositionInvalid(p, reason)
	}
}

func (e *Engine) emitDrift(p types.Position, delta decimal.Decimal) {
	if e.events.OnPositionDrift != nil {
		e.events.OnPositionDrift(p, delta)
	}
}

// Get returns a point-in-time copy of the position for key, if present.
func (e *Engine) Get(key types.PositionKey) (types.Position, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.positions[key]
	if !ok {
		return types.Position{}, false
	}
	return p.Clone(), true
}

// All returns a point-in-time copy of every position row the engine holds,
// for checkpointing (internal/snapshotstore) or CLI inspection.
func (e *Engine) All() []types.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p.Clone())
	}
	return out
}

// LoadSnapshot installs a position row directly, bypassing idempotency and
// invariant checks — used by replay to seed state from a stored snapshot
// before resuming event application.
func (e *Engine) LoadSnapshot(p types.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := p.Clone()
	e.positions[p.Key] = &cp
}

// Apply processes one envelope routed to this shard. Handler errors
// wrapped in shard.ErrFatal must halt the shard; all others are logged and
// the engine continues per spec.md §4.4 / §7.
func (e *Engine) Apply(env types.Envelope) error {
	switch env.EventType {
	case types.EventTradeCreated:
		p, ok := env.Payload.(types.TradeCreatedPayload)
		if !ok {
			return fmt.Errorf("position: bad payload for TradeCreated")
		}
		return e.applyTradeCreated(env, p)
	case types.EventTradeAmended:
		p, ok := env.Payload.(types.TradeAmendedPayload)
		if !ok {
			return fmt.Errorf("position: bad payload for TradeAmended")
		}
		return e.applyTradeAmended(env, p)
	case types.EventTradeCancelled:
		p, ok := env.Payload.(types.TradeCancelledPayload)
		if !ok {
			return fmt.Errorf("position: bad payload for TradeCancelled")
		}
		return e.applyTradeCancelled(env, p)
	case types.EventSettlementAdvance:
		p, ok := env.Payload.(types.SettlementAdvancePayload)
		if !ok {
			return fmt.Errorf("position: bad payload for SettlementAdvance")
		}
		return e.applySettlementAdvance(env, p)
	case types.EventPositionSnapshot:
		p, ok := env.Payload.(types.PositionSnapshotPayload)
		if !ok {
			return fmt.Errorf("position: bad payload for PositionSnapshot")
		}
		return e.applyPositionSnapshot(env, p)
	default:
		e.logger.Warn("unknown event type for position engine, skipping", "event_type", env.EventType)
		return nil
	}
}

// getOrCreate returns the mutable row for key, creating an all-zero one if absent.
// Caller must hold e.mu.
func (e *Engine) getOrCreate(key types.PositionKey) *types.Position {
	p, ok := e.positions[key]
	if !ok {
		p = &types.Position{Key: key, CalculationStatus: types.StatusValid}
		p.ContractualQty = decimal.Zero
		p.SettledQty = decimal.Zero
		e.positions[key] = p
	}
	return p
}

// idempotent reports whether env has already been applied to pos and
// should be dropped as a no-op, per spec.md §4.4.
func idempotent(pos *types.Position, env types.Envelope) bool {
	if env.EventID != "" && env.EventID == pos.LastEventID {
		return true
	}
	if env.VendorSequence > 0 && env.VendorSequence <= pos.LastSequence {
		return true
	}
	return false
}

func (e *Engine) applyTradeCreated(env types.Envelope, payload types.TradeCreatedPayload) error {
	key := types.PositionKey{BookID: payload.BookID, SecurityID: payload.SecurityID, BusinessDate: env.BusinessDate}

	e.mu.Lock()
	pos := e.getOrCreate(key)
	if idempotent(pos, env) {
		e.mu.Unlock()
		return nil
	}

	working := pos.Clone()
	if err := applyTradeEffect(&working, payload, env.BusinessDate, 1); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %v", shard.ErrFatal, err)
	}

	invalid := checkInvariants(&working)
	e.finalize(pos, working, env)
	e.trades[env.EventID] = tradeRecord{key: key, payload: payload}
	e.mu.Unlock()

	if invalid != "" {
		e.emitInvalid(working, invalid)
	} else {
		e.emitChanged(working)
	}
	return nil
}

func (e *Engine) applyTradeAmended(env types.Envelope, payload types.TradeAmendedPayload) error {
	e.mu.Lock()
	orig, ok := e.trades[payload.OriginalEventID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("position: amend references unknown original event %q", payload.OriginalEventID)
	}
	pos := e.getOrCreate(orig.key)
	if idempotent(pos, env) {
		e.mu.Unlock()
		return nil
	}

	working := pos.Clone()
	if err := applyTradeEffect(&working, orig.payload, env.BusinessDate, -1); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %v", shard.ErrFatal, err)
	}
	if err := applyTradeEffect(&working, payload.New, env.BusinessDate, 1); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %v", shard.ErrFatal, err)
	}

	invalid := checkInvariants(&working)
	e.finalize(pos, working, env)
	e.trades[env.EventID] = tradeRecord{key: orig.key, payload: payload.New}
	if payload.OriginalEventID != env.EventID {
		delete(e.trades, payload.OriginalEventID)
	}
	e.mu.Unlock()

	if invalid != "" {
		e.emitInvalid(working, invalid)
	} else {
		e.emitChanged(working)
	}
	return nil
}

func (e *Engine) applyTradeCancelled(env types.Envelope, payload types.TradeCancelledPayload) error {
	e.mu.Lock()
	orig, ok := e.trades[payload.OriginalEventID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("position: cancel references unknown original event %q", payload.OriginalEventID)
	}
	pos := e.getOrCreate(orig.key)
	if idempotent(pos, env) {
		e.mu.Unlock()
		return nil
	}

	working := pos.Clone()
	if err := applyTradeEffect(&working, orig.payload, env.BusinessDate, -1); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %v", shard.ErrFatal, err)
	}

	invalid := checkInvariants(&working)
	e.finalize(pos, working, env)
	delete(e.trades, payload.OriginalEventID)
	e.mu.Unlock()

	if invalid != "" {
		e.emitInvalid(working, invalid)
	} else {
		e.emitChanged(working)
	}
	return nil
}

func (e *Engine) applySettlementAdvance(env types.Envelope, payload types.SettlementAdvancePayload) error {
	key := types.PositionKey{BookID: payload.BookID, SecurityID: payload.SecurityID, BusinessDate: env.BusinessDate}

	e.mu.Lock()
	pos := e.getOrCreate(key)
	if idempotent(pos, env) {
		e.mu.Unlock()
		return nil
	}

	working := pos.Clone()
	working.SettledQty = working.SettledQty.Add(working.SD[0].Receipt).Sub(working.SD[0].Deliver)
	for i := 0; i < types.LadderDepth-1; i++ {
		working.SD[i] = working.SD[i+1]
	}
	working.SD[types.LadderDepth-1] = working.BeyondLadder
	working.BeyondLadder = types.LadderBucket{Deliver: decimal.Zero, Receipt: decimal.Zero}

	invalid := checkInvariants(&working)
	e.finalize(pos, working, env)
	e.mu.Unlock()

	if invalid != "" {
		e.emitInvalid(working, invalid)
	} else {
		e.emitChanged(working)
	}
	return nil
}

func (e *Engine) applyPositionSnapshot(env types.Envelope, payload types.PositionSnapshotPayload) error {
	key := payload.Position.Key

	e.mu.Lock()
	pos := e.getOrCreate(key)
	if idempotent(pos, env) {
		e.mu.Unlock()
		return nil
	}

	previousSettled := pos.SettledQty
	working := payload.Position.Clone()
	working.Version = pos.Version
	working.LastEventID = pos.LastEventID
	working.LastSequence = pos.LastSequence
	e.finalize(pos, working, env)
	e.mu.Unlock()

	drift := previousSettled.Sub(working.SettledQty).Abs()
	if drift.GreaterThan(driftTolerance) {
		e.emitDrift(working, drift)
	}
	e.emitChanged(working)
	return nil
}

// finalize bumps version/lastEventId/lastSequence and commits working as
// the new row for pos's key. Caller must hold e.mu.
func (e *Engine) finalize(pos *types.Position, working types.Position, env types.Envelope) {
	working.Version = pos.Version + 1
	working.LastEventID = env.EventID
	if env.VendorSequence > pos.LastSequence {
		working.LastSequence = env.VendorSequence
	} else {
		working.LastSequence = pos.LastSequence
	}
	*pos = working
}

// applyTradeEffect mutates working in place for a trade of the given sign
// (+1 apply, -1 reverse), per spec.md §4.4's settlement-bucket placement
// rule. It returns an error only on magnitude overflow; negative-ladder
// invariant violations are caught separately by checkInvariants so the
// caller can mark the position INVALID instead of treating it as fatal.
func applyTradeEffect(working *types.Position, payload types.TradeCreatedPayload, businessDate types.BusinessDate, sign int) error {
	qty := payload.Qty
	if sign < 0 {
		qty = qty.Neg()
	}

	signedQty := qty
	if payload.Side == types.SELL {
		signedQty = qty.Neg()
	}

	working.ContractualQty = working.ContractualQty.Add(signedQty)
	if working.ContractualQty.Abs().GreaterThan(maxMagnitude) {
		return fmt.Errorf("contractualQty overflow for %s", working.Key)
	}

	d := businessDate.DaysUntil(payload.SettlementDate)

	// Quanto instruments settle at T+2 instead of T+0 (spec.md §4.6): the
	// contribution that would otherwise land in sd0 shifts to sd2.
	quantoShifted := payload.Quanto && d == 0
	if quantoShifted {
		d = 2
	}

	switch {
	case d < 0:
		// LateSettlement: settle immediately rather than via the ladder.
		working.SettledQty = working.SettledQty.Add(signedQty)
	case d <= types.LadderDepth-1:
		bucket := &working.SD[d]
		if payload.Side == types.BUY {
			bucket.Receipt = bucket.Receipt.Add(qty)
		} else {
			bucket.Deliver = bucket.Deliver.Add(qty)
		}
		if quantoShifted {
			working.QuantoToday = working.QuantoToday.Add(qty)
		}
	default:
		if payload.Side == types.BUY {
			working.BeyondLadder.Receipt = working.BeyondLadder.Receipt.Add(qty)
		} else {
			working.BeyondLadder.Deliver = working.BeyondLadder.Deliver.Add(qty)
		}
	}

	for i, b := range working.SD {
		if b.Receipt.Abs().GreaterThan(maxMagnitude) || b.Deliver.Abs().GreaterThan(maxMagnitude) {
			return fmt.Errorf("sd%d overflow for %s", i, working.Key)
		}
	}
	if working.SettledQty.Abs().GreaterThan(maxMagnitude) ||
		working.BeyondLadder.Receipt.Abs().GreaterThan(maxMagnitude) ||
		working.BeyondLadder.Deliver.Abs().GreaterThan(maxMagnitude) {
		return fmt.Errorf("ladder overflow for %s", working.Key)
	}
	return nil
}

// checkInvariants returns a non-empty reason if working violates the
// non-negative ladder invariant, which the caller surfaces as
// PositionInvalid rather than corrupting further state.
func checkInvariants(working *types.Position) string {
	for i, b := range working.SD {
		if b.Deliver.IsNegative() || b.Receipt.IsNegative() {
			working.CalculationStatus = types.StatusInvalid
			return fmt.Sprintf("negative sd%d bucket for %s", i, working.Key)
		}
	}
	if working.BeyondLadder.Deliver.IsNegative() || working.BeyondLadder.Receipt.IsNegative() {
		working.CalculationStatus = types.StatusInvalid
		return fmt.Sprintf("negative beyond-ladder bucket for %s", working.Key)
	}
	working.CalculationStatus = types.StatusValid
	return ""
}

// ProjectedNetPosition recomputes settledQty + Σ(sdN_receipt - sdN_deliver),
// the invariant spec.md §3 requires hold after every applied event. It is
// exported so tests (and internal/ladder) can assert it without duplicating
// the formula.
func ProjectedNetPosition(p types.Position) decimal.Decimal {
	net := p.SettledQty
	for _, b := range p.SD {
		net = net.Add(b.Receipt).Sub(b.Deliver)
	}
	return net
}
