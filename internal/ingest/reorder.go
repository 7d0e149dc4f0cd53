package ingest

import (
	"sync"
	"time"

	"ims-engine/pkg/types"
)

type partitionKey struct {
	source string
	key    string
}

type held struct {
	env     types.Envelope
	arrived time.Time
}

// GapEvent is raised when the reorder buffer gives up waiting for a missing
// vendorSequence and skips ahead, per spec.md §4.2's "older gaps are filled
// with explicit GapDetected markers that downstream consumers surface but do
// not block on."
type GapEvent struct {
	Source  string
	Key     string
	FromSeq int64
	ToSeq   int64
}

// ReorderBuffer holds out-of-order envelopes per (source, key) up to a
// maximum skew or window size (defaults 256 / 2s).
type ReorderBuffer struct {
	mu      sync.Mutex
	window  int
	maxSkew time.Duration
	next    map[partitionKey]int64
	pending map[partitionKey]map[int64]held
}

func NewReorderBuffer(window int, maxSkew time.Duration) *ReorderBuffer {
	return &ReorderBuffer{
		window:  window,
		maxSkew: maxSkew,
		next:    make(map[partitionKey]int64),
		pending: make(map[partitionKey]map[int64]held),
	}
}

// Admit returns the envelopes now ready for downstream delivery, in order.
// The first envelope seen for a partition establishes the baseline
// sequence; one arriving earlier than expected is held until Sweep releases
// it or its predecessors arrive.
func (b *ReorderBuffer) Admit(env types.Envelope, now time.Time) []types.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()

	pk := partitionKey{source: env.Source, key: env.Key}
	expected, known := b.next[pk]
	if !known {
		b.next[pk] = env.VendorSequence + 1
		return []types.Envelope{env}
	}

	if env.VendorSequence < expected {
		return nil // already-passed sequence; dedup should normally catch this first
	}

	if env.VendorSequence == expected {
		b.next[pk] = expected + 1
		return append([]types.Envelope{env}, b.drain(pk)...)
	}

	buf, ok := b.pending[pk]
	if !ok {
		buf = make(map[int64]held)
		b.pending[pk] = buf
	}
	buf[env.VendorSequence] = held{env: env, arrived: now}
	return nil
}

// drain releases contiguous held envelopes starting at the current
// expected sequence. Caller holds b.mu.
func (b *ReorderBuffer) drain(pk partitionKey) []types.Envelope {
	buf := b.pending[pk]
	var ready []types.Envelope
	for {
		expected := b.next[pk]
		h, ok := buf[expected]
		if !ok {
			break
		}
		ready = append(ready, h.env)
		delete(buf, expected)
		b.next[pk] = expected + 1
	}
	return ready
}

// Sweep releases any held envelope older than maxSkew (or a partition
// holding more than window envelopes) by declaring a gap over the missing
// sequence range, then draining whatever becomes contiguous as a result.
func (b *ReorderBuffer) Sweep(now time.Time) ([]types.Envelope, []GapEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ready []types.Envelope
	var gaps []GapEvent

	for pk, buf := range b.pending {
		if len(buf) == 0 {
			continue
		}

		oldestSeq := int64(-1)
		var oldestAt time.Time
		for seq, h := range buf {
			if oldestSeq == -1 || h.arrived.Before(oldestAt) {
				oldestSeq, oldestAt = seq, h.arrived
			}
		}

		if now.Sub(oldestAt) < b.maxSkew && len(buf) < b.window {
			continue
		}

		expected := b.next[pk]
		if oldestSeq > expected {
			gaps = append(gaps, GapEvent{Source: pk.source, Key: pk.key, FromSeq: expected, ToSeq: oldestSeq - 1})
		}
		b.next[pk] = oldestSeq
		ready = append(ready, b.drain(pk)...)
	}
	return ready, gaps
}
