// ws_adapter.go implements a push-based ingest.Adapter for vendors that
// stream market-data and trade-confirmation ticks over a WebSocket (the
// Reuters/Bloomberg/MarkIT style feeds spec.md's ingest layer treats as
// just another Adapter). The connection lifecycle — dial, subscribe,
// ping to keep the read deadline alive, reconnect with exponential backoff
// on any read error — is internal/exchange/ws.go's WSFeed, generalized from
// Polymarket's two hardcoded channel shapes to one reconnecting feed per
// configured vendor.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"ims-engine/internal/codec"
	"ims-engine/pkg/types"
)

const (
	wsPingInterval     = 50 * time.Second
	wsReadTimeout      = 90 * time.Second
	wsMaxReconnectWait = 30 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsOutBufferSize    = 256
)

// vendorTick is the push-feed wire shape: a discriminated union keyed by
// eventType, mirroring the teacher's peek-then-unmarshal dispatch.
type vendorTick struct {
	EventType  string          `json:"eventType"`
	SecurityID string          `json:"securityId"`
	Market     string          `json:"market"`
	Price      decimal.Decimal `json:"price"`
	Fields     map[string]string `json:"fields"`
}

// WSAdapter maintains one reconnecting WebSocket connection to a vendor
// push feed and turns its ticks into RawMessage envelopes for the router.
type WSAdapter struct {
	vendor string
	url    string

	connMu sync.Mutex
	conn   *websocket.Conn

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	out       chan RawMessage
	startOnce sync.Once
	seq       int64

	logger *slog.Logger
}

// NewWSAdapter builds a push adapter for one vendor WebSocket endpoint.
func NewWSAdapter(vendor, url string, logger *slog.Logger) *WSAdapter {
	return &WSAdapter{
		vendor:     vendor,
		url:        url,
		subscribed: make(map[string]bool),
		out:        make(chan RawMessage, wsOutBufferSize),
		logger:     logger.With("component", "ingest.ws_adapter", "vendor", vendor),
	}
}

// Subscribe adds security IDs to track, re-sending the subscription if a
// connection is already live.
func (a *WSAdapter) Subscribe(symbols []string) error {
	a.subscribedMu.Lock()
	for _, s := range symbols {
		a.subscribed[s] = true
	}
	a.subscribedMu.Unlock()
	return a.writeJSON(map[string]any{"operation": "subscribe", "securityIds": symbols})
}

// Commit is a no-op: a push feed has no client-side offset to acknowledge.
func (a *WSAdapter) Commit(offset string) error { return nil }

// Next lazily starts the reconnect loop on first call, then blocks for the
// next dispatched tick or ctx cancellation.
func (a *WSAdapter) Next(ctx context.Context) (RawMessage, error) {
	a.startOnce.Do(func() { go a.run(ctx) })

	select {
	case msg, ok := <-a.out:
		if !ok {
			return RawMessage{}, fmt.Errorf("ws_adapter: %s: closed", a.vendor)
		}
		return msg, nil
	case <-ctx.Done():
		return RawMessage{}, ctx.Err()
	}
}

// run is the reconnect-with-backoff loop, identical in shape to the
// teacher's WSFeed.Run: 1s-to-30s exponential backoff around a blocking
// connect-and-read cycle.
func (a *WSAdapter) run(ctx context.Context) {
	backoff := time.Second
	for {
		err := a.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}

		a.logger.Warn("vendor websocket disconnected, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

func (a *WSAdapter) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
	defer func() {
		a.connMu.Lock()
		conn.Close()
		a.conn = nil
		a.connMu.Unlock()
	}()

	if err := a.resubscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	a.logger.Info("vendor websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go a.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		a.dispatch(ctx, msg)
	}
}

func (a *WSAdapter) resubscribe() error {
	a.subscribedMu.RLock()
	ids := make([]string, 0, len(a.subscribed))
	for id := range a.subscribed {
		ids = append(ids, id)
	}
	a.subscribedMu.RUnlock()
	if len(ids) == 0 {
		return nil
	}
	return a.writeJSON(map[string]any{"operation": "subscribe", "securityIds": ids})
}

func (a *WSAdapter) dispatch(ctx context.Context, data []byte) {
	var tick vendorTick
	if err := json.Unmarshal(data, &tick); err != nil {
		a.logger.Debug("ignoring non-json vendor message", "data", string(data))
		return
	}

	var env types.Envelope
	switch tick.EventType {
	case "price", "price_tick":
		env = a.priceEnvelope(tick)
	case "reference", "reference_update":
		env = a.referenceEnvelope(tick)
	case "heartbeat":
		return
	default:
		a.logger.Debug("unknown vendor event type", "type", tick.EventType)
		return
	}

	payload, err := codec.Encode(env)
	if err != nil {
		a.logger.Error("encode vendor tick", "error", err)
		return
	}
	msg := RawMessage{Source: a.vendor, Payload: payload, Offset: strconv.FormatInt(env.VendorSequence, 10)}

	select {
	case a.out <- msg:
	case <-ctx.Done():
	default:
		a.logger.Warn("adapter output buffer full, dropping tick", "security", tick.SecurityID)
	}
}

func (a *WSAdapter) priceEnvelope(tick vendorTick) types.Envelope {
	seq := atomic.AddInt64(&a.seq, 1)
	now := time.Now().UTC()
	return types.Envelope{
		EventID:         fmt.Sprintf("%s-%s-%d", a.vendor, tick.SecurityID, seq),
		EventType:       types.EventMarketPriceTick,
		Source:          a.vendor,
		IngestTimestamp: now,
		VendorSequence:  seq,
		Payload: types.MarketPriceTickPayload{
			SecurityID: tick.SecurityID,
			Price:      tick.Price,
			Timestamp:  now,
		},
	}
}

func (a *WSAdapter) referenceEnvelope(tick vendorTick) types.Envelope {
	seq := atomic.AddInt64(&a.seq, 1)
	return types.Envelope{
		EventID:         fmt.Sprintf("%s-%s-%d", a.vendor, tick.SecurityID, seq),
		EventType:       types.EventReferenceDataUpsert,
		Source:          a.vendor,
		IngestTimestamp: time.Now().UTC(),
		VendorSequence:  seq,
		Payload: types.ReferenceDataUpsertPayload{
			SecurityID: tick.SecurityID,
			Market:     tick.Market,
			Fields:     tick.Fields,
		},
	}
}

func (a *WSAdapter) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				a.logger.Warn("vendor ping failed", "error", err)
				return
			}
		}
	}
}

func (a *WSAdapter) writeJSON(v any) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn == nil {
		return nil // not connected yet; resubscribe() replays on connect
	}
	a.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return a.conn.WriteJSON(v)
}

func (a *WSAdapter) writeMessage(msgType int, data []byte) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("ws_adapter: %s: not connected", a.vendor)
	}
	a.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return a.conn.WriteMessage(msgType, data)
}
