// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — event envelopes,
// position and inventory keys, enums, and wire payloads. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Business date
// ————————————————————————————————————————————————————————————————————————

// BusinessDate is the trading date a position is attributed to, distinct
// from wall-clock ingest time. It is always normalized to UTC midnight.
type BusinessDate struct {
	t time.Time
}

// NewBusinessDate normalizes y/m/d into a BusinessDate.
func NewBusinessDate(y int, m time.Month, d int) BusinessDate {
	return BusinessDate{t: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// ParseBusinessDate parses a "2006-01-02" string.
func ParseBusinessDate(s string) (BusinessDate, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return BusinessDate{}, fmt.Errorf("parse business date %q: %w", s, err)
	}
	return BusinessDate{t: t}, nil
}

// AddDays returns the business date d calendar days later (d may be negative).
func (b BusinessDate) AddDays(d int) BusinessDate {
	return BusinessDate{t: b.t.AddDate(0, 0, d)}
}

// DaysUntil returns the number of calendar days from b to other (other - b).
func (b BusinessDate) DaysUntil(other BusinessDate) int {
	return int(other.t.Sub(b.t).Hours() / 24)
}

// Before reports whether b is strictly earlier than other.
func (b BusinessDate) Before(other BusinessDate) bool { return b.t.Before(other.t) }

// IsZero reports whether b is the zero value.
func (b BusinessDate) IsZero() bool { return b.t.IsZero() }

// String renders as "2006-01-02".
func (b BusinessDate) String() string { return b.t.Format("2006-01-02") }

// AtHour returns the wall-clock instant at the given hour-of-day (0-23, UTC)
// on b, used to derive market-specific cutoff times (e.g. Japan's
// settlement cutoff, spec.md §4.6) from a business date plus a configured
// hour rather than a stored timestamp.
func (b BusinessDate) AtHour(hour int) time.Time {
	return b.t.Add(time.Duration(hour) * time.Hour)
}

// ————————————————————————————————————————————————————————————————————————
// Position identity
// ————————————————————————————————————————————————————————————————————————

// PositionKey identifies a unique position row: (bookId, securityId, businessDate).
type PositionKey struct {
	BookID       string
	SecurityID   string
	BusinessDate BusinessDate
}

// String renders a stable string form, used as a map key and log field.
func (k PositionKey) String() string {
	return k.BookID + "|" + k.SecurityID + "|" + k.BusinessDate.String()
}

// PositionType classifies the book a position belongs to.
type PositionType string

const (
	PositionTrading      PositionType = "TRADING"
	PositionFinancing    PositionType = "FINANCING"
	PositionClient       PositionType = "CLIENT"
	PositionProprietary  PositionType = "PROPRIETARY"
	PositionMarketMaking PositionType = "MARKET_MAKING"
	PositionHedging      PositionType = "HEDGING"
)

// CalculationStatus is the freshness/validity state of a derived projection.
type CalculationStatus string

const (
	StatusPending CalculationStatus = "PENDING"
	StatusValid   CalculationStatus = "VALID"
	StatusInvalid CalculationStatus = "INVALID"
	StatusError   CalculationStatus = "ERROR"
	StatusStale   CalculationStatus = "STALE"
)

// LadderBucket holds the deliver/receipt magnitudes for one settlement day.
// Both fields are non-negative invariants; direction is implied by the bucket.
type LadderBucket struct {
	Deliver decimal.Decimal
	Receipt decimal.Decimal
}

const LadderDepth = 5 // sd0..sd4

// Position is the per-(book, security, businessDate) state-machine row.
// It is the system of record the engine maintains; CalculatedPosition and
// SettlementLadder are pure projections derived from it, never stored
// independently (see internal/ladder).
type Position struct {
	Key PositionKey

	ContractualQty decimal.Decimal // signed
	SettledQty     decimal.Decimal // signed

	SD           [LadderDepth]LadderBucket
	BeyondLadder LadderBucket // d > 4, folded into sd4 on the next roll

	// QuantoToday is the magnitude of this businessDate's trades that were
	// shifted from the sd0 bucket to sd2 under Japan's quanto-settlement
	// convention (spec.md §4.6: "quanto settlements at T+2"). It is a
	// reporting aggregate only — the shift itself already lives in SD[2].
	QuantoToday decimal.Decimal

	PositionType      PositionType
	IsHypothecatable  bool
	IsReserved        bool
	CalculationStatus CalculationStatus

	Version      uint64
	LastEventID  string
	LastSequence int64 // per-source vendorSequence of the last applied event for that source
}

// Clone returns a copy safe to hand to a reader outside the owning shard
// (decimal.Decimal is itself immutable, so a shallow copy of the struct is
// sufficient).
func (p Position) Clone() Position { return p }

// ————————————————————————————————————————————————————————————————————————
// Inventory
// ————————————————————————————————————————————————————————————————————————

// CalculationType enumerates the kinds of derived inventory availability.
type CalculationType string

const (
	CalcForLoan    CalculationType = "FOR_LOAN"
	CalcForPledge  CalculationType = "FOR_PLEDGE"
	CalcLongSell   CalculationType = "LONG_SELL"
	CalcShortSell  CalculationType = "SHORT_SELL"
	CalcLocate     CalculationType = "LOCATE"
	CalcOverborrow CalculationType = "OVERBORROW"
)

// InventoryKey identifies an availability row.
type InventoryKey struct {
	SecurityID      string
	BusinessDate    BusinessDate
	CalculationType CalculationType
}

func (k InventoryKey) String() string {
	return k.SecurityID + "|" + k.BusinessDate.String() + "|" + string(k.CalculationType)
}

// InventoryAvailability is the derived availability for one (security,
// businessDate, calculationType). Market-specific fields are populated only
// when the relevant market rule fired.
type InventoryAvailability struct {
	Key   InventoryKey
	Value decimal.Decimal

	Inclusions InventoryComponents
	Exclusions InventoryComponents

	ExcludedBorrowedShares  bool // Taiwan
	SettlementCutoffApplied bool // Japan
	QuantoSettlementHandled bool // Japan

	CalculationStatus    CalculationStatus
	CalculationTimestamp time.Time
}

// InventoryComponents breaks the availability figure into its contributing
// buckets, for audit/debugging.
type InventoryComponents struct {
	Hypothecatable         decimal.Decimal
	RepoPledged            decimal.Decimal
	FinancingSwap          decimal.Decimal
	ExternalAvailabilities decimal.Decimal
	CrossBorder            decimal.Decimal
	SlabLendingOut         decimal.Decimal
	PayToHolds             decimal.Decimal
	ReservedClientAssets   decimal.Decimal
	CorporateActionLocked  decimal.Decimal
	Locates                decimal.Decimal
	Reservations           decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Limits
// ————————————————————————————————————————————————————————————————————————

// LimitEntityKind distinguishes client-level from aggregation-unit-level limits.
type LimitEntityKind string

const (
	EntityClient          LimitEntityKind = "CLIENT"
	EntityAggregationUnit LimitEntityKind = "AGGREGATION_UNIT"
)

// LimitKey identifies one limit row.
type LimitKey struct {
	Kind         LimitEntityKind
	EntityID     string // clientId or aggregationUnitId
	SecurityID   string
	BusinessDate BusinessDate
}

func (k LimitKey) String() string {
	return string(k.Kind) + "|" + k.EntityID + "|" + k.SecurityID + "|" + k.BusinessDate.String()
}

// LimitStatus is the lifecycle state of a limit row.
type LimitStatus string

const (
	LimitActive    LimitStatus = "ACTIVE"
	LimitSuspended LimitStatus = "SUSPENDED"
)

// Limit tracks long/short-sell limit and usage for one entity+security+date.
type Limit struct {
	Key LimitKey

	LongSellLimit  decimal.Decimal
	ShortSellLimit decimal.Decimal
	LongSellUsed   decimal.Decimal
	ShortSellUsed  decimal.Decimal

	Status  LimitStatus
	Version uint64
}

// OrderType distinguishes the two order-side checks the limit book enforces.
type OrderType string

const (
	OrderLongSell  OrderType = "LONG_SELL"
	OrderShortSell OrderType = "SHORT_SELL"
)

// ————————————————————————————————————————————————————————————————————————
// Locates
// ————————————————————————————————————————————————————————————————————————

// LocateType distinguishes the purpose of a locate request.
type LocateType string

const (
	LocateShortSell LocateType = "SHORT_SELL"
	LocatePledge    LocateType = "PLEDGE"
)

// LocateState is the lifecycle state of a LocateRequest.
type LocateState string

const (
	LocatePending        LocateState = "PENDING"
	LocateAutoApproved   LocateState = "AUTO_APPROVED"
	LocateAutoRejected   LocateState = "AUTO_REJECTED"
	LocateManualReview   LocateState = "MANUAL_REVIEW"
	LocateManualApproved LocateState = "MANUAL_APPROVED"
	LocateManualRejected LocateState = "MANUAL_REJECTED"
	LocateExpired        LocateState = "EXPIRED"
)

// LocateRequest is one locate authorization request and its lifecycle state.
type LocateRequest struct {
	LocateID         string
	SecurityID       string
	ClientID         string
	RequestorID      string
	RequestedQty     decimal.Decimal
	LocateType       LocateType
	RequestTimestamp time.Time

	State         LocateState
	ReservationID string
	ExpiresAt     time.Time
	RejectReason  string
}

// ————————————————————————————————————————————————————————————————————————
// Order validation
// ————————————————————————————————————————————————————————————————————————

// ValidationStatus is the outcome of a short-sell validation request.
type ValidationStatus string

const (
	ValidationPending  ValidationStatus = "PENDING"
	ValidationApproved ValidationStatus = "APPROVED"
	ValidationRejected ValidationStatus = "REJECTED"
	ValidationError    ValidationStatus = "ERROR"
)

// RejectionReason is a closed set of order-rejection codes.
type RejectionReason string

const (
	ReasonInsufficientClientLimit RejectionReason = "INSUFFICIENT_CLIENT_LIMIT"
	ReasonInsufficientAULimit     RejectionReason = "INSUFFICIENT_AU_LIMIT"
	ReasonUnknownSecurity         RejectionReason = "UNKNOWN_SECURITY"
	ReasonInactiveClient          RejectionReason = "INACTIVE_CLIENT"
	ReasonMarketClosed            RejectionReason = "MARKET_CLOSED"
)

// ErrorCode is a closed set of hot-path error taxonomy codes.
type ErrorCode string

const (
	ErrTimeout  ErrorCode = "TIMEOUT"
	ErrBusy     ErrorCode = "BUSY"
	ErrInternal ErrorCode = "INTERNAL"
)

// OrderValidationRequest is the synchronous order-validation entry.
type OrderValidationRequest struct {
	OrderID           string
	SecurityID        string
	ClientID          string
	AggregationUnitID string
	OrderType         OrderType
	Quantity          decimal.Decimal
	BusinessDate      BusinessDate
}

// OrderValidationResult is the synchronous validateOrder reply.
type OrderValidationResult struct {
	ValidationID    string
	OrderID         string
	Status          ValidationStatus
	RejectionReason RejectionReason
	ErrorCode       ErrorCode
	ReservationIDs  []string
	ProcessingTime  time.Duration
}

// ————————————————————————————————————————————————————————————————————————
// Event envelope (C1)
// ————————————————————————————————————————————————————————————————————————

// EventType is the closed set of canonical event types the codec accepts.
type EventType string

const (
	EventTradeCreated           EventType = "TradeCreated"
	EventTradeAmended           EventType = "TradeAmended"
	EventTradeCancelled         EventType = "TradeCancelled"
	EventPositionSnapshot       EventType = "PositionSnapshot"
	EventContractOpened        EventType = "ContractOpened"
	EventContractClosed        EventType = "ContractClosed"
	EventSettlementAdvance     EventType = "SettlementAdvance"
	EventReferenceDataUpsert   EventType = "ReferenceDataUpsert"
	EventMarketPriceTick       EventType = "MarketPriceTick"
	EventLocateRequested       EventType = "LocateRequested"
	EventLocateDecided         EventType = "LocateDecided"
	EventOrderValidateRequested EventType = "OrderValidateRequested"
	EventLimitOverride         EventType = "LimitOverride"
)

// Side is the direction of a trade: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Envelope is the canonical, schema-versioned event wrapper every ingested
// or internally generated event travels in. The codec decodes Payload into
// its typed struct, so unknown payload fields are dropped and never
// participate in equality.
type Envelope struct {
	EventID          string
	EventType        EventType
	Source           string // vendor name or internal service
	IngestTimestamp  time.Time
	BusinessDate     BusinessDate
	Key              string // sharding key, computed by internal/shard
	VendorSequence   int64
	IdempotencyToken string
	SchemaVersion    int
	Payload          any
}

// TradeCreatedPayload is the payload for EventTradeCreated.
type TradeCreatedPayload struct {
	BookID         string
	SecurityID     string
	Side           Side
	Qty            decimal.Decimal
	TradeDate      BusinessDate
	SettlementDate BusinessDate

	// Quanto marks a trade on a Japanese quanto instrument: its ladder
	// contribution settles at T+2 instead of T+0 (spec.md §4.6). The flag
	// is carried on the payload as delivered; nothing in internal/ingest
	// derives it from reference data. The position engine stays
	// market-agnostic — it only reacts to the flag.
	Quanto bool
}

// TradeAmendedPayload is the payload for EventTradeAmended.
type TradeAmendedPayload struct {
	OriginalEventID string
	New             TradeCreatedPayload
}

// TradeCancelledPayload is the payload for EventTradeCancelled.
type TradeCancelledPayload struct {
	OriginalEventID string
	BookID          string
	SecurityID      string
}

// PositionSnapshotPayload overwrites a position wholesale, used for resyncs.
type PositionSnapshotPayload struct {
	Position Position
}

// SettlementAdvancePayload rolls the settlement ladder for a business date.
type SettlementAdvancePayload struct {
	BookID       string
	SecurityID   string
	BusinessDate BusinessDate
}

// ContractPayload is the payload for EventContractOpened/EventContractClosed.
type ContractPayload struct {
	ContractID string
	SecurityID string
	Qty        decimal.Decimal
	// Kind selects which inventory bucket this contract contributes to:
	// "REPO_PLEDGE", "FINANCING_SWAP", "CROSS_BORDER", "SLAB_LOAN" (ongoing
	// lending-out, always excluded), "PAY_TO_HOLD", "CORPORATE_ACTION", or
	// "SLAB_SETTLEMENT" (today's SLAB settlement, excluded only after
	// Japan's cutoff per spec.md §4.6); anything else is treated as an
	// external availability.
	Kind     string
	Borrowed bool // true if this contract represents a borrowed position (Taiwan rule)
}

// ReferenceDataUpsertPayload carries a field-level reference-data update from
// one vendor source, subject to cross-vendor priority merge.
type ReferenceDataUpsertPayload struct {
	SecurityID string
	Market     string
	Fields     map[string]string
}

// MarketPriceTickPayload is a vendor price tick (consumed by the calculator
// only insofar as it can flip hypothecation-affecting reference flags; the
// engine does not price positions).
type MarketPriceTickPayload struct {
	SecurityID string
	Price      decimal.Decimal
	Timestamp  time.Time
}

// LocateRequestedPayload is the payload for EventLocateRequested.
type LocateRequestedPayload struct {
	LocateID         string
	SecurityID       string
	ClientID         string
	RequestorID      string
	RequestedQty     decimal.Decimal
	LocateType       LocateType
	RequestTimestamp time.Time
}

// LocateDecidedPayload is emitted once a LocateRequest reaches a terminal or
// manual-review state.
type LocateDecidedPayload struct {
	LocateID      string
	State         LocateState
	ReservationID string
	Reason        string
}

// OrderValidateRequestedPayload mirrors OrderValidationRequest for envelope
// transport on the synchronous high-priority lane.
type OrderValidateRequestedPayload struct {
	Request OrderValidationRequest
}

// LimitOverridePayload is an operator-issued override of a limit row.
type LimitOverridePayload struct {
	Key            LimitKey
	LongSellLimit  decimal.Decimal
	ShortSellLimit decimal.Decimal
}
