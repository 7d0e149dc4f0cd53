package snapshotstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ims-engine/pkg/types"
)

func memStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(memDBPath(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// memDBPath gives each test its own named in-memory database so parallel
// tests never collide on a shared :memory: handle.
func memDBPath(t *testing.T) string {
	return "file:" + t.Name() + "?mode=memory&cache=shared"
}

func sampleEnvelope(eventID string, seq int64) types.Envelope {
	return types.Envelope{
		EventID:        eventID,
		EventType:      types.EventTradeCreated,
		Source:         "REUTERS",
		BusinessDate:   types.NewBusinessDate(2023, time.June, 15),
		Key:            "BOOK1|SEC1",
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

func TestAppendAndReplayEventLog(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	for i := int64(0); i < 3; i++ {
		env := sampleEnvelope(fmt.Sprintf("EVT-%d", i), i)
		require.NoError(t, s.AppendEvent(ctx, 1, i, env, time.Now()))
	}

	var seen []int64
	err := s.ReplayFrom(ctx, 1, 0, func(seq int64, env types.Envelope) error {
		seen = append(seen, seq)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int64{0, 1, 2}, seen)
}

func TestReplayFromMidpointSkipsEarlierEvents(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		require.NoError(t, s.AppendEvent(ctx, 1, i, sampleEnvelope("EVT", i), time.Now()))
	}

	var seen []int64
	err := s.ReplayFrom(ctx, 1, 3, func(seq int64, env types.Envelope) error {
		seen = append(seen, seq)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int64{3, 4}, seen)
}

func TestAppendRejectsDuplicateSeq(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, 1, 0, sampleEnvelope("EVT", 0), time.Now()))
	err := s.AppendEvent(ctx, 1, 0, sampleEnvelope("EVT", 0), time.Now())
	require.Error(t, err)
}

func TestSnapshotSaveAndLoadLatest(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	_, ok, err := s.LoadLatestSnapshot(ctx, 1)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SaveSnapshot(ctx, 1, 100, 1, []byte("snap-v1"), time.Now()))
	require.NoError(t, s.SaveSnapshot(ctx, 1, 200, 1, []byte("snap-v2"), time.Now()))

	snap, ok, err := s.LoadLatestSnapshot(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(200), snap.Seq)
	require.Equal(t, []byte("snap-v2"), snap.Payload)
}

func TestSnapshotsAreIsolatedPerShard(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSnapshot(ctx, 1, 10, 1, []byte("shard1"), time.Now()))
	require.NoError(t, s.SaveSnapshot(ctx, 2, 20, 1, []byte("shard2"), time.Now()))

	snap1, _, _ := s.LoadLatestSnapshot(ctx, 1)
	snap2, _, _ := s.LoadLatestSnapshot(ctx, 2)
	require.Equal(t, int64(10), snap1.Seq)
	require.Equal(t, int64(20), snap2.Seq)
}
