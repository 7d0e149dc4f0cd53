package codec

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ims-engine/pkg/types"
)

func sampleEnvelope() types.Envelope {
	return types.Envelope{
		EventID:          "evt-1",
		EventType:        types.EventTradeCreated,
		Source:           "REUTERS",
		IngestTimestamp:  time.Date(2023, 6, 15, 10, 0, 0, 0, time.UTC),
		BusinessDate:     types.NewBusinessDate(2023, time.June, 15),
		Key:              "EQUITY-01|SEC-EQ-001",
		VendorSequence:   42,
		IdempotencyToken: IdempotencyToken("REUTERS", 42, "evt-1"),
		SchemaVersion:    SchemaVersion,
		Payload: types.TradeCreatedPayload{
			BookID:         "EQUITY-01",
			SecurityID:     "SEC-EQ-001",
			Side:           types.BUY,
			Qty:            decimal.NewFromInt(1000),
			TradeDate:      types.NewBusinessDate(2023, time.June, 15),
			SettlementDate: types.NewBusinessDate(2023, time.June, 17),
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env := sampleEnvelope()

	data, err := Encode(env)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)

	require.True(t, Equal(env, got), "round-tripped envelope should equal the original")

	payload, ok := got.Payload.(types.TradeCreatedPayload)
	require.True(t, ok)
	require.True(t, payload.Qty.Equal(decimal.NewFromInt(1000)))
	require.Equal(t, types.BUY, payload.Side)
}

func TestDecodeUnknownEventType(t *testing.T) {
	_, err := Decode([]byte(`{"eventType":"SomethingMade up","businessDate":"2023-06-15","payload":{}}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown event type")
}

func TestDecodeAcceptsUnknownPayloadFields(t *testing.T) {
	env := sampleEnvelope()
	data, err := Encode(env)
	require.NoError(t, err)

	// Simulate an upstream schema addition: inject an extra field into the
	// payload object (the last field of the wire envelope, so the encoded
	// bytes end in "}}"). Decode must not error even though the typed
	// struct has no matching field.
	injected := append([]byte(nil), data[:len(data)-2]...)
	injected = append(injected, []byte(`,"vendorExtension":"x"}}`)...)

	got, err := Decode(injected)
	require.NoError(t, err)
	require.Equal(t, env.EventID, got.EventID)
}

func TestIdempotencyTokenDeterministic(t *testing.T) {
	a := IdempotencyToken("REUTERS", 42, "evt-1")
	b := IdempotencyToken("REUTERS", 42, "evt-1")
	require.Equal(t, a, b)

	c := IdempotencyToken("BLOOMBERG", 42, "evt-1")
	require.NotEqual(t, a, c)
}

func TestEqualIgnoresNothingButUnknownPayloadFields(t *testing.T) {
	a := sampleEnvelope()
	b := sampleEnvelope()
	require.True(t, Equal(a, b))

	b.EventID = "evt-2"
	require.False(t, Equal(a, b))
}
