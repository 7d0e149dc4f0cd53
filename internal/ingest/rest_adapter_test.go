package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ims-engine/internal/codec"
	"ims-engine/pkg/types"
)

func TestRestAdapterPollsAndEmitsReferenceUpdates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "SEC1", r.URL.Query().Get("securityIds"))
		rows := []vendorReferenceRow{
			{SecurityID: "SEC1", Market: "US", Fields: map[string]string{"cusip": "111111"}},
		}
		json.NewEncoder(w).Encode(rows)
	}))
	defer srv.Close()

	rl := NewVendorRateLimiters()
	adapter := NewRestAdapter("ULTUMUS", srv.URL, "/reference", 10*time.Millisecond, nil, rl, discardLogger())
	require.NoError(t, adapter.Subscribe([]string{"SEC1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg, err := adapter.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "ULTUMUS", msg.Source)

	env, err := codec.Decode(msg.Payload)
	require.NoError(t, err)
	require.Equal(t, types.EventReferenceDataUpsert, env.EventType)
	payload, ok := env.Payload.(types.ReferenceDataUpsertPayload)
	require.True(t, ok)
	require.Equal(t, "SEC1", payload.SecurityID)
	require.Equal(t, "111111", payload.Fields["cusip"])
}

func TestRestAdapterWithoutSubscriptionsNeverFetches(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		json.NewEncoder(w).Encode([]vendorReferenceRow{})
	}))
	defer srv.Close()

	rl := NewVendorRateLimiters()
	adapter := NewRestAdapter("RIMES", srv.URL, "/reference", 5*time.Millisecond, nil, rl, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := adapter.Next(ctx)
	require.Error(t, err)
	require.False(t, called, "adapter must not poll until a symbol is subscribed")
}

func TestRestAdapterDrainsMultipleRowsWithoutRepolling(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		rows := []vendorReferenceRow{
			{SecurityID: "SEC1", Market: "US", Fields: map[string]string{"cusip": "111"}},
			{SecurityID: "SEC2", Market: "US", Fields: map[string]string{"cusip": "222"}},
		}
		json.NewEncoder(w).Encode(rows)
	}))
	defer srv.Close()

	rl := NewVendorRateLimiters()
	adapter := NewRestAdapter("ULTUMUS", srv.URL, "/reference", time.Second, nil, rl, discardLogger())
	require.NoError(t, adapter.Subscribe([]string{"SEC1", "SEC2"}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first, err := adapter.Next(ctx)
	require.NoError(t, err)
	second, err := adapter.Next(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first.Offset, second.Offset)
	require.Equal(t, 1, calls, "both rows must be drained from a single poll")
}
