// Package shard implements the shard dispatcher (C3): a stable hash of the
// sharding key onto a fixed, power-of-two number of shards, each running a
// single-threaded event loop with a bounded queue and a separate
// high-priority lane for synchronous validate/locate RPCs.
package shard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cespare/xxhash/v2"

	"ims-engine/pkg/types"
)

// ErrShardFull is returned by Submit when the bulk queue is at capacity and
// the event is not sheddable.
var ErrShardFull = errors.New("shard: queue at capacity")

// HashKey computes the stable 64-bit hash of a sharding key built from its
// component parts, joined in a fixed order. The same parts always hash to
// the same value across process restarts (xxhash has no per-process seed).
func HashKey(parts ...string) uint64 {
	return xxhash.Sum64String(strings.Join(parts, "|"))
}

// KeyForPosition builds the shard key for position/trade events: (bookId, securityId).
func KeyForPosition(bookID, securityID string) string {
	return bookID + "|" + securityID
}

// KeyForSecurity builds the shard key for inventory/reference-data events: securityId.
func KeyForSecurity(securityID string) string {
	return securityID
}

// KeyForLimit builds the shard key for limit events: (entityId, securityId).
func KeyForLimit(entityID, securityID string) string {
	return entityID + "|" + securityID
}

// sheddable reports whether an event type may be dropped under 100% backpressure.
// Market-data ticks are shed before position/trade events.
func sheddable(t types.EventType) bool {
	return t == types.EventMarketPriceTick
}

// Handler processes one envelope already routed to its owning shard. It
// must not block on external I/O; offload to an executor instead.
type Handler func(ctx context.Context, env types.Envelope) error

// Shard is a single-threaded cooperative event loop owning a disjoint
// subset of keys. All mutation of Position/Inventory/Limit/Locate state
// for keys this shard owns happens only inside Run's goroutine.
type Shard struct {
	ID int

	queue    chan types.Envelope
	priority chan types.Envelope
	handler  Handler
	logger   *slog.Logger

	capacity  int
	highWater float64
	onBackpressure func(id int, utilization float64)
}

// Option configures a Shard at construction time.
type Option func(*Shard)

// WithBackpressureHook registers a callback invoked (non-blocking, best
// effort) whenever Submit observes the queue crossing the high-water mark,
// so the ingest router can slow the adapters feeding this shard.
func WithBackpressureHook(fn func(id int, utilization float64)) Option {
	return func(s *Shard) { s.onBackpressure = fn }
}

// NewShard builds a shard with a bounded bulk queue and a small,
// separately-capacitied priority lane for validate/locate RPCs.
func NewShard(id, capacity int, highWater float64, handler Handler, logger *slog.Logger, opts ...Option) *Shard {
	s := &Shard{
		ID:        id,
		queue:     make(chan types.Envelope, capacity),
		priority:  make(chan types.Envelope, 1024),
		handler:   handler,
		logger:    logger.With("component", "shard", "shard_id", id),
		capacity:  capacity,
		highWater: highWater,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Utilization returns the bulk queue's current fill fraction in [0,1].
func (s *Shard) Utilization() float64 {
	return float64(len(s.queue)) / float64(s.capacity)
}

// Submit enqueues an envelope on the bulk lane. At 100% capacity, sheddable
// event types (market-data ticks) are dropped rather than blocking the
// caller; everything else returns ErrShardFull so the router can apply
// backpressure upstream.
func (s *Shard) Submit(env types.Envelope) error {
	select {
	case s.queue <- env:
		if u := s.Utilization(); u >= s.highWater && s.onBackpressure != nil {
			s.onBackpressure(s.ID, u)
		}
		return nil
	default:
		if sheddable(env.EventType) {
			s.logger.Warn("shedding event at full queue", "event_type", env.EventType, "event_id", env.EventID)
			return nil
		}
		return fmt.Errorf("%w: shard %d", ErrShardFull, s.ID)
	}
}

// SubmitPriority enqueues on the high-priority lane used by synchronous
// validate/locate RPCs, which bypasses the bulk queue entirely.
func (s *Shard) SubmitPriority(env types.Envelope) error {
	select {
	case s.priority <- env:
		return nil
	default:
		return fmt.Errorf("%w: shard %d priority lane", ErrShardFull, s.ID)
	}
}

// Run drains the shard's queues until ctx is cancelled, always preferring
// the priority lane so validate/locate RPCs are never queued behind bulk
// position traffic. It returns the first fatal handler error (e.g.
// arithmetic overflow); non-fatal handler errors are logged and the loop
// continues.
func (s *Shard) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-s.priority:
			if err := s.dispatch(ctx, env); err != nil {
				return err
			}
		default:
			select {
			case <-ctx.Done():
				return nil
			case env := <-s.priority:
				if err := s.dispatch(ctx, env); err != nil {
					return err
				}
			case env := <-s.queue:
				if err := s.dispatch(ctx, env); err != nil {
					return err
				}
			}
		}
	}
}

func (s *Shard) dispatch(ctx context.Context, env types.Envelope) error {
	if err := s.handler(ctx, env); err != nil {
		if errors.Is(err, ErrFatal) {
			s.logger.Error("fatal handler error, halting shard", "error", err, "event_id", env.EventID)
			return err
		}
		s.logger.Warn("handler error", "error", err, "event_id", env.EventID, "event_type", env.EventType)
	}
	return nil
}

// ErrFatal wraps a handler error to signal the shard loop must halt
// (spec.md §4.4: "arithmetic overflow is a fatal engine error — shard
// halts, alerts, does not drop data"). Handlers return fmt.Errorf("...: %w",
// ErrFatal) to trigger this.
var ErrFatal = errors.New("shard: fatal error")
