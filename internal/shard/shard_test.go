package shard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ims-engine/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestHashKeyStable(t *testing.T) {
	a := HashKey("EQUITY-01", "SEC-EQ-001")
	b := HashKey("EQUITY-01", "SEC-EQ-001")
	require.Equal(t, a, b)

	c := HashKey("EQUITY-02", "SEC-EQ-001")
	require.NotEqual(t, a, c)
}

func TestKeyForPositionOrdersParts(t *testing.T) {
	require.Equal(t, "EQUITY-01|SEC-EQ-001", KeyForPosition("EQUITY-01", "SEC-EQ-001"))
}

func TestNewDispatcherRejectsNonPowerOfTwo(t *testing.T) {
	shards := make([]*Shard, 3)
	for i := range shards {
		shards[i] = NewShard(i, 8, 0.8, func(context.Context, types.Envelope) error { return nil }, discardLogger())
	}
	_, err := NewDispatcher(shards)
	require.Error(t, err)
}

func TestDispatcherRoutesSameKeyToSameShard(t *testing.T) {
	shards := make([]*Shard, 8)
	for i := range shards {
		shards[i] = NewShard(i, 64, 0.8, func(context.Context, types.Envelope) error { return nil }, discardLogger())
	}
	d, err := NewDispatcher(shards)
	require.NoError(t, err)

	idx1 := d.Index(KeyForPosition("EQUITY-01", "SEC-EQ-001"))
	idx2 := d.Index(KeyForPosition("EQUITY-01", "SEC-EQ-001"))
	require.Equal(t, idx1, idx2)
}

func TestShardProcessesInOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []string

	s := NewShard(0, 64, 0.8, func(_ context.Context, env types.Envelope) error {
		mu.Lock()
		seen = append(seen, env.EventID)
		mu.Unlock()
		return nil
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Submit(types.Envelope{EventID: fmt.Sprintf("evt-%d", i), EventType: types.EventTradeCreated}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 10
	}, time.Second, time.Millisecond)

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	for i, id := range seen {
		require.Equal(t, fmt.Sprintf("evt-%d", i), id)
	}
}

func TestShardShedsMarketDataAtCapacity(t *testing.T) {
	block := make(chan struct{})
	s := NewShard(0, 1, 0.8, func(ctx context.Context, env types.Envelope) error {
		<-block
		return nil
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	require.NoError(t, s.Submit(types.Envelope{EventID: "held", EventType: types.EventTradeCreated}))
	time.Sleep(10 * time.Millisecond) // let it be picked up into the handler, freeing the queue slot
	require.NoError(t, s.Submit(types.Envelope{EventID: "fills-queue", EventType: types.EventTradeCreated}))

	err := s.Submit(types.Envelope{EventID: "should-reject", EventType: types.EventTradeCreated})
	require.ErrorIs(t, err, ErrShardFull)

	err = s.Submit(types.Envelope{EventID: "should-shed", EventType: types.EventMarketPriceTick})
	require.NoError(t, err)

	close(block)
}

func TestSubmitPriorityBypassesBulkQueue(t *testing.T) {
	s := NewShard(0, 1, 0.8, func(context.Context, types.Envelope) error { return nil }, discardLogger())
	// fill the single bulk slot without a Run loop draining it
	require.NoError(t, s.Submit(types.Envelope{EventID: "b1", EventType: types.EventTradeCreated}))
	require.ErrorIs(t, s.Submit(types.Envelope{EventID: "b2", EventType: types.EventTradeCreated}), ErrShardFull)

	require.NoError(t, s.SubmitPriority(types.Envelope{EventID: "p1", EventType: types.EventOrderValidateRequested}))
}

func TestBackpressureHookFiresAtHighWater(t *testing.T) {
	var fired bool
	var mu sync.Mutex

	s := NewShard(0, 2, 0.5, func(ctx context.Context, env types.Envelope) error {
		<-ctx.Done()
		return nil
	}, discardLogger(), WithBackpressureHook(func(id int, u float64) {
		mu.Lock()
		fired = true
		mu.Unlock()
	}))

	require.NoError(t, s.Submit(types.Envelope{EventID: "1", EventType: types.EventTradeCreated}))

	mu.Lock()
	got := fired
	mu.Unlock()
	require.True(t, got)
}
