// Package codec implements the canonical event envelope wire format: a
// schema-versioned JSON encoding of types.Envelope, with typed payload
// decoding dispatched by EventType and a deterministic idempotency token
// derived from (source, vendorSequence, eventId).
package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"ims-engine/pkg/types"
)

// SchemaVersion is the current wire schema version written by Encode.
// Decode accepts any version it has a registered payload set for.
const SchemaVersion = 1

// wireEnvelope mirrors types.Envelope but carries Payload as raw JSON so
// Decode can pick the typed Go struct by EventType before unmarshaling it.
// Only that struct's fields are kept: unknown fields inside the payload are
// dropped on decode and are not written back by a later Encode.
type wireEnvelope struct {
	EventID          string          `json:"eventId"`
	EventType        types.EventType `json:"eventType"`
	Source           string          `json:"source"`
	IngestTimestamp  int64           `json:"ingestTimestamp"` // unix nanos
	BusinessDate     string          `json:"businessDate"`
	Key              string          `json:"key"`
	VendorSequence   int64           `json:"vendorSequence"`
	IdempotencyToken string          `json:"idempotencyToken"`
	SchemaVersion    int             `json:"schemaVersion"`
	Payload          json.RawMessage `json:"payload"`
}

// payloadFactory returns a fresh pointer to the Go type EventType decodes into.
var payloadFactory = map[types.EventType]func() any{
	types.EventTradeCreated:            func() any { return &types.TradeCreatedPayload{} },
	types.EventTradeAmended:            func() any { return &types.TradeAmendedPayload{} },
	types.EventTradeCancelled:          func() any { return &types.TradeCancelledPayload{} },
	types.EventPositionSnapshot:        func() any { return &types.PositionSnapshotPayload{} },
	types.EventContractOpened:          func() any { return &types.ContractPayload{} },
	types.EventContractClosed:          func() any { return &types.ContractPayload{} },
	types.EventSettlementAdvance:       func() any { return &types.SettlementAdvancePayload{} },
	types.EventReferenceDataUpsert:     func() any { return &types.ReferenceDataUpsertPayload{} },
	types.EventMarketPriceTick:         func() any { return &types.MarketPriceTickPayload{} },
	types.EventLocateRequested:         func() any { return &types.LocateRequestedPayload{} },
	types.EventLocateDecided:           func() any { return &types.LocateDecidedPayload{} },
	types.EventOrderValidateRequested:  func() any { return &types.OrderValidateRequestedPayload{} },
	types.EventLimitOverride:           func() any { return &types.LimitOverridePayload{} },
}

// Encode serializes an envelope to its wire form. The payload is marshaled
// through its concrete type (or passed through if it is already a
// json.RawMessage, which callers use to forward an undecoded payload).
func Encode(env types.Envelope) ([]byte, error) {
	if env.SchemaVersion == 0 {
		env.SchemaVersion = SchemaVersion
	}

	var raw json.RawMessage
	switch p := env.Payload.(type) {
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("codec: marshal payload for %s: %w", env.EventType, err)
		}
		raw = b
	}

	w := wireEnvelope{
		EventID:          env.EventID,
		EventType:        env.EventType,
		Source:           env.Source,
		IngestTimestamp:  env.IngestTimestamp.UnixNano(),
		BusinessDate:     env.BusinessDate.String(),
		Key:              env.Key,
		VendorSequence:   env.VendorSequence,
		IdempotencyToken: env.IdempotencyToken,
		SchemaVersion:    env.SchemaVersion,
		Payload:          raw,
	}

	out, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal envelope %s: %w", env.EventID, err)
	}
	return out, nil
}

// Decode parses a wire-format envelope and dispatches its payload to the
// concrete Go type registered for EventType. Unknown event types return an
// error rather than silently truncating the event stream (spec: "unknown
// event types are logged and skipped" is enforced by the caller, not here).
func Decode(data []byte) (types.Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return types.Envelope{}, fmt.Errorf("codec: unmarshal envelope: %w", err)
	}

	bd, err := types.ParseBusinessDate(w.BusinessDate)
	if err != nil {
		return types.Envelope{}, fmt.Errorf("codec: parse businessDate: %w", err)
	}

	factory, ok := payloadFactory[w.EventType]
	if !ok {
		return types.Envelope{}, fmt.Errorf("codec: unknown event type %q", w.EventType)
	}
	payload := factory()
	if len(w.Payload) > 0 {
		if err := json.Unmarshal(w.Payload, payload); err != nil {
			return types.Envelope{}, fmt.Errorf("codec: unmarshal payload for %s: %w", w.EventType, err)
		}
	}

	return types.Envelope{
		EventID:          w.EventID,
		EventType:        w.EventType,
		Source:           w.Source,
		IngestTimestamp:  unixNanoToTime(w.IngestTimestamp),
		BusinessDate:     bd,
		Key:              w.Key,
		VendorSequence:   w.VendorSequence,
		IdempotencyToken: w.IdempotencyToken,
		SchemaVersion:    w.SchemaVersion,
		Payload:          derefPayload(payload),
	}, nil
}

// derefPayload unwraps the pointer the factory returns so callers type-assert
// on the value type (types.TradeCreatedPayload, not *types.TradeCreatedPayload).
func derefPayload(p any) any {
	switch v := p.(type) {
	case *types.TradeCreatedPayload:
		return *v
	case *types.TradeAmendedPayload:
		return *v
	case *types.TradeCancelledPayload:
		return *v
	case *types.PositionSnapshotPayload:
		return *v
	case *types.ContractPayload:
		return *v
	case *types.SettlementAdvancePayload:
		return *v
	case *types.ReferenceDataUpsertPayload:
		return *v
	case *types.MarketPriceTickPayload:
		return *v
	case *types.LocateRequestedPayload:
		return *v
	case *types.LocateDecidedPayload:
		return *v
	case *types.OrderValidateRequestedPayload:
		return *v
	case *types.LimitOverridePayload:
		return *v
	default:
		return p
	}
}

func unixNanoToTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// IdempotencyToken derives a deterministic token from (source, vendorSequence,
// eventId) so the same upstream event always maps to the same token,
// independent of ingest time: no two applications of the same token may
// change state.
func IdempotencyToken(source string, vendorSequence int64, eventID string) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d", vendorSequence)
	h.Write([]byte{0})
	h.Write([]byte(eventID))
	return hex.EncodeToString(h.Sum(nil))
}

// Equal compares two envelopes for equality over their stable fields only;
// comparison is over the typed payload, not the original wire bytes, so
// unknown payload fields never participate.
func Equal(a, b types.Envelope) bool {
	if a.EventID != b.EventID || a.EventType != b.EventType || a.Source != b.Source ||
		a.BusinessDate != b.BusinessDate || a.Key != b.Key || a.VendorSequence != b.VendorSequence ||
		a.IdempotencyToken != b.IdempotencyToken {
		return false
	}
	ab, err := json.Marshal(a.Payload)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b.Payload)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}
