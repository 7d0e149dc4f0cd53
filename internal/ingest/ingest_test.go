package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ims-engine/internal/codec"
	"ims-engine/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tradeEnv(source string, seq int64, key string) types.Envelope {
	return types.Envelope{
		EventID:        "EVT-" + key,
		EventType:      types.EventTradeCreated,
		Source:         source,
		BusinessDate:   types.NewBusinessDate(2023, time.June, 15),
		Key:            key,
		VendorSequence: seq,
		Payload: types.TradeCreatedPayload{
			BookID:         "BOOK1",
			SecurityID:     "SEC1",
			Side:           types.BUY,
			Qty:            decimal.NewFromInt(100),
			TradeDate:      types.NewBusinessDate(2023, time.June, 15),
			SettlementDate: types.NewBusinessDate(2023, time.June, 17),
		},
	}
}

func TestDedupDropsRepeatedSequence(t *testing.T) {
	d, err := NewDedup(128)
	require.NoError(t, err)

	require.False(t, d.Seen("REUTERS", 1))
	require.True(t, d.Seen("REUTERS", 1))
	require.False(t, d.Seen("REUTERS", 2))
	require.False(t, d.Seen("BLOOMBERG", 1)) // distinct source, not a dup
}

func TestReorderBufferReleasesInOrder(t *testing.T) {
	b := NewReorderBuffer(256, 2*time.Second)
	now := time.Now()

	e0 := tradeEnv("REUTERS", 0, "K1")
	e1 := tradeEnv("REUTERS", 1, "K1")
	e2 := tradeEnv("REUTERS", 2, "K1")

	require.Equal(t, []types.Envelope{e0}, b.Admit(e0, now))
	require.Empty(t, b.Admit(e2, now)) // held: sequence 1 missing
	ready := b.Admit(e1, now)
	require.Equal(t, []types.Envelope{e1, e2}, ready, "arrival of the missing sequence drains the held successor")
}

func TestReorderBufferSweepFillsGap(t *testing.T) {
	b := NewReorderBuffer(256, 50*time.Millisecond)
	start := time.Now()

	e0 := tradeEnv("REUTERS", 0, "K1")
	e2 := tradeEnv("REUTERS", 2, "K1")
	b.Admit(e0, start)
	b.Admit(e2, start)

	ready, gaps := b.Sweep(start.Add(time.Millisecond))
	require.Empty(t, ready)
	require.Empty(t, gaps)

	ready, gaps = b.Sweep(start.Add(100 * time.Millisecond))
	require.Equal(t, []types.Envelope{e2}, ready)
	require.Len(t, gaps, 1)
	require.Equal(t, int64(1), gaps[0].FromSeq)
	require.Equal(t, int64(1), gaps[0].ToSeq)
}

func refPayload(securityID string, fields map[string]string) types.ReferenceDataUpsertPayload {
	return types.ReferenceDataUpsertPayload{SecurityID: securityID, Market: "US", Fields: fields}
}

func TestReferenceResolverHigherPriorityWins(t *testing.T) {
	r := NewReferenceResolver([]string{"REUTERS", "BLOOMBERG", "MARKIT"}, 24*time.Hour)
	now := time.Now()

	changed := r.Merge(refPayload("SEC1", map[string]string{"cusip": "111111"}), "BLOOMBERG", now)
	require.Equal(t, map[string]string{"cusip": "111111"}, changed)

	changed = r.Merge(refPayload("SEC1", map[string]string{"cusip": "999999"}), "MARKIT", now)
	require.Empty(t, changed, "lower-priority source must not override a fresh higher-priority value")

	changed = r.Merge(refPayload("SEC1", map[string]string{"cusip": "222222"}), "REUTERS", now)
	require.Equal(t, map[string]string{"cusip": "222222"}, changed, "higher-priority source always wins")
}

func TestReferenceResolverStaleValueCanBeOverridden(t *testing.T) {
	r := NewReferenceResolver([]string{"REUTERS", "BLOOMBERG"}, time.Hour)
	base := time.Now()

	r.Merge(refPayload("SEC1", map[string]string{"cusip": "111111"}), "REUTERS", base)

	changed := r.Merge(refPayload("SEC1", map[string]string{"cusip": "222222"}), "BLOOMBERG", base.Add(2*time.Hour))
	require.Equal(t, map[string]string{"cusip": "222222"}, changed, "a stale higher-priority value yields to a fresher lower-priority one")
}

type queueAdapter struct {
	mu      sync.Mutex
	items   [][]byte
	failN   int
	calls   int
	commits []string
}

func (a *queueAdapter) Next(ctx context.Context) (RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.calls <= a.failN {
		return RawMessage{}, errors.New("transport error")
	}
	if len(a.items) == 0 {
		<-ctx.Done()
		return RawMessage{}, ctx.Err()
	}
	item := a.items[0]
	a.items = a.items[1:]
	return RawMessage{Source: "REUTERS", Payload: item, Offset: "off"}, nil
}

func (a *queueAdapter) Commit(offset string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commits = append(a.commits, offset)
	return nil
}

func (a *queueAdapter) Subscribe(symbols []string) error { return nil }

func TestRouterDecodesDedupsAndForwards(t *testing.T) {
	env := tradeEnv("REUTERS", 1, "K1")
	payload, err := codec.Encode(env)
	require.NoError(t, err)

	dedup, err := NewDedup(128)
	require.NoError(t, err)
	reorder := NewReorderBuffer(256, 2*time.Second)
	resolver := NewReferenceResolver([]string{"REUTERS"}, 24*time.Hour)
	out := make(chan types.Envelope, 4)
	deadLetter := NewLoggingDeadLetter(16, discardLogger())

	router := NewRouter(dedup, reorder, resolver, out, deadLetter, time.Millisecond, 10*time.Millisecond, 0.2, Events{}, discardLogger())
	adapter := &queueAdapter{items: [][]byte{payload}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Run(ctx, adapter, time.Hour)

	select {
	case got := <-out:
		require.Equal(t, env.EventID, got.EventID)
	case <-time.After(time.Second):
		t.Fatal("router did not forward the decoded envelope")
	}
}

func TestRouterDeadLettersUndecodableMessages(t *testing.T) {
	dedup, err := NewDedup(128)
	require.NoError(t, err)
	reorder := NewReorderBuffer(256, 2*time.Second)
	resolver := NewReferenceResolver([]string{"REUTERS"}, 24*time.Hour)
	out := make(chan types.Envelope, 4)
	deadLetter := NewLoggingDeadLetter(16, discardLogger())

	router := NewRouter(dedup, reorder, resolver, out, deadLetter, time.Millisecond, 10*time.Millisecond, 0.2, Events{}, discardLogger())
	adapter := &queueAdapter{items: [][]byte{[]byte("not-json")}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Run(ctx, adapter, time.Hour)

	require.Eventually(t, func() bool { return len(deadLetter.Entries()) == 1 }, time.Second, 5*time.Millisecond)
	require.Empty(t, out)
}

func TestRouterRetriesTransportErrorsWithBackoff(t *testing.T) {
	env := tradeEnv("REUTERS", 5, "K1")
	payload, err := codec.Encode(env)
	require.NoError(t, err)

	dedup, err := NewDedup(128)
	require.NoError(t, err)
	reorder := NewReorderBuffer(256, 2*time.Second)
	resolver := NewReferenceResolver([]string{"REUTERS"}, 24*time.Hour)
	out := make(chan types.Envelope, 4)
	deadLetter := NewLoggingDeadLetter(16, discardLogger())

	router := NewRouter(dedup, reorder, resolver, out, deadLetter, time.Millisecond, 5*time.Millisecond, 0.2, Events{}, discardLogger())
	adapter := &queueAdapter{failN: 2, items: [][]byte{payload}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Run(ctx, adapter, time.Hour)

	select {
	case got := <-out:
		require.Equal(t, env.EventID, got.EventID)
	case <-time.After(time.Second):
		t.Fatal("router did not recover after transport errors")
	}
}

func TestRouterSweepEmitsGapEvents(t *testing.T) {
	e0 := tradeEnv("REUTERS", 0, "K1")
	e2 := tradeEnv("REUTERS", 2, "K1")
	p0, _ := codec.Encode(e0)
	p2, _ := codec.Encode(e2)

	dedup, err := NewDedup(128)
	require.NoError(t, err)
	reorder := NewReorderBuffer(256, 20*time.Millisecond)
	resolver := NewReferenceResolver([]string{"REUTERS"}, 24*time.Hour)
	out := make(chan types.Envelope, 4)
	deadLetter := NewLoggingDeadLetter(16, discardLogger())

	var gaps []GapEvent
	var mu sync.Mutex
	events := Events{OnGapDetected: func(g GapEvent) {
		mu.Lock()
		gaps = append(gaps, g)
		mu.Unlock()
	}}

	router := NewRouter(dedup, reorder, resolver, out, deadLetter, time.Millisecond, 5*time.Millisecond, 0.2, events, discardLogger())
	adapter := &queueAdapter{items: [][]byte{p0, p2}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go router.Run(ctx, adapter, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gaps) == 1
	}, 2*time.Second, 5*time.Millisecond)
}
