// Package limit implements the limit book (C7): client and
// aggregation-unit limit tables sharded by (entityId, securityId), with
// atomic check/reserve/release/commit operations serialized under the
// book's mutex; Reserve and Release bump the row's version.
package limit

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ims-engine/pkg/types"
)

// ErrInsufficientLimit is returned by Reserve when used+qty would exceed limit.
var ErrInsufficientLimit = errors.New("limit: insufficient limit")

// ErrUnknownReservation is returned by Release/Commit for an id never reserved.
var ErrUnknownReservation = errors.New("limit: unknown reservation")

// ErrVersionConflict names a stale-version conflict. No Book method returns
// it: the methods take no caller-supplied version to compare, and all
// mutation is serialized under the book's mutex.
var ErrVersionConflict = errors.New("limit: version conflict")

type reservation struct {
	key       types.LimitKey
	orderType types.OrderType
	qty       decimal.Decimal
}

// Book owns every Limit row for the entity kind (client or
// aggregation-unit) its shard is responsible for.
type Book struct {
	kind types.LimitEntityKind

	mu           sync.Mutex
	limits       map[types.LimitKey]*types.Limit
	reservations map[string]reservation
}

// New constructs an empty limit book for one entity kind.
func New(kind types.LimitEntityKind) *Book {
	return &Book{
		kind:         kind,
		limits:       make(map[types.LimitKey]*types.Limit),
		reservations: make(map[string]reservation),
	}
}

// Upsert installs or replaces a limit row wholesale (operator override /
// initial load). It does not go through the version-checked mutation path.
func (b *Book) Upsert(l types.Limit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := l
	b.limits[l.Key] = &cp
}

// Get returns a point-in-time copy of a limit row.
func (b *Book) Get(key types.LimitKey) (types.Limit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.limits[key]
	if !ok {
		return types.Limit{}, false
	}
	return *l, true
}

// CheckResult is the read-only outcome of Check.
type CheckResult struct {
	OK        bool
	Remaining decimal.Decimal
}

// Check reports whether qty fits within the remaining limit for
// (entityId, securityId, orderType), without mutating state.
func (b *Book) Check(key types.LimitKey, orderType types.OrderType, qty decimal.Decimal) CheckResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.limits[key]
	if !ok {
		return CheckResult{OK: false, Remaining: decimal.Zero}
	}

	limitVal, used := limitAndUsed(l, orderType)
	remaining := limitVal.Sub(used)
	return CheckResult{OK: remaining.GreaterThanOrEqual(qty), Remaining: remaining}
}

// Reserve attempts to atomically increment used by qty under the book's
// mutex, bumping the row's version. On success it records the reservation and
// returns a newly generated reservation id; on insufficient limit it
// returns ErrInsufficientLimit and mutates nothing.
func (b *Book) Reserve(key types.LimitKey, orderType types.OrderType, qty decimal.Decimal) (string, decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.limits[key]
	if !ok {
		return "", decimal.Zero, fmt.Errorf("limit: no row for %s", key)
	}

	limitVal, used := limitAndUsed(l, orderType)
	newUsed := used.Add(qty)
	if newUsed.GreaterThan(limitVal) {
		return "", decimal.Zero, ErrInsufficientLimit
	}

	setUsed(l, orderType, newUsed)
	l.Version++

	id := uuid.Must(uuid.NewV7()).String()
	b.reservations[id] = reservation{key: key, orderType: orderType, qty: qty}

	return id, newUsed, nil
}

// Release reverses a reservation's effect on used and bumps version,
// without finalizing it. Used when a later stage of the validation
// pipeline fails and an earlier reservation must be compensated.
func (b *Book) Release(reservationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.reservations[reservationID]
	if !ok {
		return ErrUnknownReservation
	}
	l, ok := b.limits[r.key]
	if !ok {
		return fmt.Errorf("limit: no row for %s", r.key)
	}

	_, used := limitAndUsed(l, r.orderType)
	setUsed(l, r.orderType, used.Sub(r.qty))
	l.Version++

	delete(b.reservations, reservationID)
	return nil
}

// Commit finalizes a reservation: the used increment stands, but the
// reservation record is dropped so it can no longer be released.
func (b *Book) Commit(reservationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.reservations[reservationID]; !ok {
		return ErrUnknownReservation
	}
	delete(b.reservations, reservationID)
	return nil
}

func limitAndUsed(l *types.Limit, orderType types.OrderType) (limit, used decimal.Decimal) {
	if orderType == types.OrderShortSell {
		return l.ShortSellLimit, l.ShortSellUsed
	}
	return l.LongSellLimit, l.LongSellUsed
}

func setUsed(l *types.Limit, orderType types.OrderType, used decimal.Decimal) {
	if orderType == types.OrderShortSell {
		l.ShortSellUsed = used
	} else {
		l.LongSellUsed = used
	}
}
