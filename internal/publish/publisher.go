// Package publish implements the fan-out publisher (C10): a bounded
// batch + flush-interval pipeline that guarantees at-least-once delivery
// with per-key ordering preserved, and idempotent consumer keys of
// (eventType, key, version) so a re-delivered batch is a safe no-op for a
// well-behaved consumer.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// EventType enumerates the downstream, derived event kinds the engine
// emits, distinct from the ingest-side types.EventType closed set: these
// never arrive from a vendor, only leave the engine.
type EventType string

const (
	PositionChanged  EventType = "PositionChanged"
	InventoryChanged EventType = "InventoryChanged"
	LimitChanged     EventType = "LimitChanged"
	LocateDecided    EventType = "LocateDecided"
	OrderValidated   EventType = "OrderValidated"
	PositionDrift    EventType = "PositionDrift"
	PositionInvalid  EventType = "PositionInvalid"
	GapDetected      EventType = "GapDetected"
)

// Event is one downstream-bound message. Version anchors it for the
// idempotent consumer key; a consumer that has already applied
// (Type, Key, Version) must treat redelivery as a no-op.
type Event struct {
	Type    EventType
	Key     string
	Version uint64
	Payload any
}

// ConsumerKey is the idempotent dedup key spec.md §4.10 requires.
func (e Event) ConsumerKey() string {
	return fmt.Sprintf("%s|%s|%d", e.Type, e.Key, e.Version)
}

// Sink is the downstream bus. Its wire protocol is out of scope (spec.md
// §1 treats the bus as opaque); Publish must be safe to call repeatedly
// with the same batch on retry.
type Sink interface {
	Publish(ctx context.Context, batch []Event) error
}

// Publisher batches events with a bounded queue and flushes on whichever
// of (batchSize, flushInterval) comes first, retrying failed flushes with
// exponential backoff so no batch is ever silently dropped.
type Publisher struct {
	sink          Sink
	batchSize     int
	flushInterval time.Duration
	backoffBase   time.Duration
	backoffCap    time.Duration

	queue  chan Event
	logger *slog.Logger
}

// New builds a Publisher that flushes at batchSize events or every
// flushInterval, whichever comes first. It applies no defaults of its own:
// callers pass both values.
func New(sink Sink, batchSize int, flushInterval time.Duration, bufferSize int, logger *slog.Logger) *Publisher {
	return &Publisher{
		sink:          sink,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		backoffBase:   time.Second,
		backoffCap:    30 * time.Second,
		queue:         make(chan Event, bufferSize),
		logger:        logger.With("component", "publish"),
	}
}

// Publish enqueues an event, blocking until ctx is done or room is
// available. It never silently drops: a full buffer is backpressure, not
// a shed point (unlike the shard's market-data shedding, publisher output
// has no sheddable tier).
func (p *Publisher) Publish(ctx context.Context, e Event) error {
	select {
	case p.queue <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue, batching by size or time, until ctx is cancelled.
// On cancellation it makes a best-effort final flush of whatever is
// buffered before returning.
func (p *Publisher) Run(ctx context.Context) {
	batch := make([]Event, 0, p.batchSize)
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.flushWithRetry(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case e := <-p.queue:
			batch = append(batch, e)
			if len(batch) >= p.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// flushWithRetry guarantees at-least-once delivery: it retries with
// exponential backoff (base 1s, cap 30s, jitter ±20%, mirroring the
// ingest router's transport backoff) until the sink accepts the batch or
// ctx is cancelled.
func (p *Publisher) flushWithRetry(ctx context.Context, batch []Event) {
	cp := make([]Event, len(batch))
	copy(cp, batch)

	backoff := p.backoffBase
	for attempt := 0; ; attempt++ {
		if err := p.sink.Publish(ctx, cp); err == nil {
			return
		} else if ctx.Err() != nil {
			p.logger.Warn("publisher shutting down with unflushed batch", "size", len(cp), "error", err)
			return
		} else {
			p.logger.Warn("publish batch failed, retrying", "attempt", attempt, "size", len(cp), "error", err)
		}

		jitter := 1 + (rand.Float64()*0.4 - 0.2)
		wait := time.Duration(float64(backoff) * jitter)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}

		backoff *= 2
		if backoff > p.backoffCap {
			backoff = p.backoffCap
		}
	}
}
