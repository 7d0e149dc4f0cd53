// Package ingest implements the ingest router (C2): the per-vendor adapter
// contract, dedup/reorder/conflict-resolution pipeline, and transport
// failure handling described in spec.md §4.2. The reconnect-with-backoff
// shape is grounded on the teacher's internal/exchange/ws.go Run loop
// (1s-to-30s exponential backoff around a blocking read).
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"ims-engine/internal/codec"
	"ims-engine/pkg/types"
)

// RawMessage is one unprocessed message pulled from a vendor adapter. The
// adapter's own wire protocol (WebSocket framing, REST pagination, ...) is
// out of scope here (spec.md §1 Non-goals); the router only needs bytes
// plus a commit offset.
type RawMessage struct {
	Source  string
	Payload []byte
	Offset  string
}

// Adapter is the per-vendor collaborator contract from spec.md §4.2: the
// router is agnostic to transport (file, push, poll).
type Adapter interface {
	Next(ctx context.Context) (RawMessage, error)
	Commit(offset string) error
	Subscribe(symbols []string) error
}

// Events are fired for conditions downstream consumers "surface but do not
// block on" per spec.md §4.2.
type Events struct {
	OnGapDetected func(GapEvent)
}

// Router normalizes, deduplicates, reorders, and (for reference data)
// conflict-resolves vendor messages before handing ordered envelopes
// downstream to the shard dispatcher.
type Router struct {
	dedup    *Dedup
	reorder  *ReorderBuffer
	resolver *ReferenceResolver

	deadLetter DeadLetter
	events     Events
	out        chan types.Envelope

	backoffBase   time.Duration
	backoffCap    time.Duration
	backoffJitter float64

	logger *slog.Logger
}

func NewRouter(
	dedup *Dedup,
	reorder *ReorderBuffer,
	resolver *ReferenceResolver,
	out chan types.Envelope,
	deadLetter DeadLetter,
	backoffBase, backoffCap time.Duration,
	backoffJitterPct float64,
	events Events,
	logger *slog.Logger,
) *Router {
	return &Router{
		dedup:         dedup,
		reorder:       reorder,
		resolver:      resolver,
		deadLetter:    deadLetter,
		events:        events,
		out:           out,
		backoffBase:   backoffBase,
		backoffCap:    backoffCap,
		backoffJitter: backoffJitterPct,
		logger:        logger.With("component", "ingest"),
	}
}

// Run drives one vendor adapter and a periodic reorder-buffer sweep until
// ctx is cancelled.
func (r *Router) Run(ctx context.Context, adapter Adapter, sweepInterval time.Duration) error {
	adapterDone := make(chan error, 1)
	go func() { adapterDone <- r.pull(ctx, adapter) }()

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-adapterDone:
			return err
		case <-ticker.C:
			r.sweep(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pull is the reconnect-with-backoff read loop (base 1s, cap 30s, jitter
// ±20% per spec.md §4.2).
func (r *Router) pull(ctx context.Context, adapter Adapter) error {
	backoff := r.backoffBase

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		raw, err := adapter.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("adapter transport error, backing off", "error", err, "backoff", backoff)

			select {
			case <-time.After(jitter(backoff, r.backoffJitter)):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > r.backoffCap {
				backoff = r.backoffCap
			}
			continue
		}

		backoff = r.backoffBase
		r.handle(ctx, raw)
		if err := adapter.Commit(raw.Offset); err != nil {
			r.logger.Error("adapter commit failed", "error", err, "offset", raw.Offset)
		}
	}
}

func (r *Router) handle(ctx context.Context, raw RawMessage) {
	env, err := codec.Decode(raw.Payload)
	if err != nil {
		r.deadLetter.Record(raw.Source, raw.Payload, fmt.Sprintf("DecodeFailed: %v", err))
		return
	}
	env.Source = raw.Source

	if r.dedup.Seen(env.Source, env.VendorSequence) {
		return
	}

	if env.EventType == types.EventReferenceDataUpsert {
		r.handleReferenceData(ctx, env)
		return
	}

	for _, e := range r.reorder.Admit(env, time.Now()) {
		r.emit(ctx, e)
	}
}

func (r *Router) handleReferenceData(ctx context.Context, env types.Envelope) {
	payload, ok := env.Payload.(types.ReferenceDataUpsertPayload)
	if !ok {
		r.deadLetter.Record(env.Source, nil, "DecodeFailed: unexpected reference payload type")
		return
	}
	changed := r.resolver.Merge(payload, env.Source, time.Now())
	if len(changed) == 0 {
		return // a lower-priority update lost the merge; dropped silently
	}
	env.Payload = types.ReferenceDataUpsertPayload{SecurityID: payload.SecurityID, Market: payload.Market, Fields: changed}
	r.emit(ctx, env)
}

// sweep releases reorder-held envelopes older than the max skew and reports
// the gaps it had to skip over.
func (r *Router) sweep(ctx context.Context) {
	ready, gaps := r.reorder.Sweep(time.Now())
	for _, e := range ready {
		r.emit(ctx, e)
	}
	for _, g := range gaps {
		r.logger.Warn("gap detected in reorder window", "source", g.Source, "key", g.Key, "from_seq", g.FromSeq, "to_seq", g.ToSeq)
		if r.events.OnGapDetected != nil {
			r.events.OnGapDetected(g)
		}
	}
}

// emit hands an ordered envelope to the shard dispatcher. The blocking send
// is the router's half of spec.md §4.3's backpressure signal: a shard
// running hot slows the whole adapter pull loop naturally.
func (r *Router) emit(ctx context.Context, env types.Envelope) {
	select {
	case r.out <- env:
	case <-ctx.Done():
	}
}

func jitter(base time.Duration, pct float64) time.Duration {
	if pct <= 0 {
		return base
	}
	factor := 1 + (rand.Float64()*2*pct - pct)
	return time.Duration(float64(base) * factor)
}
