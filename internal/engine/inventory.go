package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ims-engine/internal/inventory"
	"ims-engine/internal/ladder"
	"ims-engine/internal/locate"
	"ims-engine/pkg/types"
)

// aggKey identifies the (securityId, businessDate) bucket inventory
// contributions accumulate into. Inventory shards on securityId alone
// (shard.KeyForSecurity), while positions shard on (bookId, securityId)
// (shard.KeyForPosition) — a position contribution routinely crosses shard
// boundaries to reach its owning inventory row. Rather than sharing mutable
// state across goroutines, the engine folds each PositionChanged/contract
// event into an engine-local message dispatched through the dispatcher to
// the shard that owns the security, where it lands here.
type aggKey struct {
	securityID   string
	businessDate types.BusinessDate
}

func (k aggKey) String() string { return k.securityID + "|" + k.businessDate.String() }

type positionContribution struct {
	hypothecatable       decimal.Decimal
	reservedClientAssets decimal.Decimal
	quantoToday          decimal.Decimal
}

type contractContribution struct {
	repoPledged            decimal.Decimal
	financingSwap          decimal.Decimal
	externalAvailabilities decimal.Decimal
	crossBorder            decimal.Decimal
	slabLendingOut         decimal.Decimal
	slabSettlementToday    decimal.Decimal
	payToHolds             decimal.Decimal
	corporateActionLocked  decimal.Decimal
	borrowedLong           decimal.Decimal
}

type reservationEntry struct {
	securityID string
	qty        decimal.Decimal
}

// inventoryBook is the per-shard accumulator backing the inventory
// availability calculator (C6). It holds every contributing
// position/contract row for the securities this shard owns, folds them into
// inventory.Inputs, and applies the market-rule registry, per spec.md §4.6.
//
// Locate/validator reservations are tracked per security only, not per
// business date: neither Reserver nor the validator's hot path carries a
// business date, so a reservation is treated as reducing availability for
// every business date this shard has seen contributions for that security —
// the same simplification spec.md's own InventoryKey makes by omitting a
// client dimension from availability rows.
type inventoryBook struct {
	mu sync.Mutex

	registry     inventory.Registry
	jpCutoffHour int // hour-of-day (UTC) Japan's settlement cutoff falls at, per businessDate
	markets      map[string]string // securityId -> market code, from ReferenceDataUpsert

	positionContrib map[aggKey]map[types.PositionKey]positionContribution
	contractContrib map[aggKey]map[string]contractContribution // contractId -> contribution
	knownDates      map[string][]types.BusinessDate             // securityId -> business dates seen

	reservations     map[string]reservationEntry // reservationId -> entry
	reservedBySecurity map[string]decimal.Decimal

	rows map[types.InventoryKey]types.InventoryAvailability
}

func newInventoryBook(registry inventory.Registry, jpCutoffHour int) *inventoryBook {
	return &inventoryBook{
		registry:           registry,
		jpCutoffHour:       jpCutoffHour,
		markets:            make(map[string]string),
		positionContrib:    make(map[aggKey]map[types.PositionKey]positionContribution),
		contractContrib:    make(map[aggKey]map[string]contractContribution),
		knownDates:         make(map[string][]types.BusinessDate),
		reservations:       make(map[string]reservationEntry),
		reservedBySecurity: make(map[string]decimal.Decimal),
		rows:               make(map[types.InventoryKey]types.InventoryAvailability),
	}
}

func (b *inventoryBook) rememberDate(securityID string, businessDate types.BusinessDate) {
	for _, d := range b.knownDates[securityID] {
		if d == businessDate {
			return
		}
	}
	b.knownDates[securityID] = append(b.knownDates[securityID], businessDate)
}

// setMarket records the market code a security trades in, driving which
// market-rule pipeline Apply runs for it.
func (b *inventoryBook) setMarket(securityID, market string) {
	if market == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markets[securityID] = market
}

// marketFor returns the market code previously recorded for securityID via
// setMarket, or "" if none has arrived yet (Registry.Apply on an
// unregistered market is a no-op, never an error).
func (b *inventoryBook) marketFor(securityID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.markets[securityID]
}

// applyPositionContribution folds one position's projected state into the
// inventory accumulator for its security. A long, hypothecatable projected
// position contributes to FOR_LOAN/FOR_PLEDGE/LONG_SELL availability; a
// client-reserved one is excluded instead (spec.md §4.6's
// reservedClientAssets exclusion bucket).
func (b *inventoryBook) applyPositionContribution(p types.Position, proj ladder.Projection) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := aggKey{securityID: p.Key.SecurityID, businessDate: p.Key.BusinessDate}
	b.rememberDate(p.Key.SecurityID, p.Key.BusinessDate)

	bucket, ok := b.positionContrib[key]
	if !ok {
		bucket = make(map[types.PositionKey]positionContribution)
		b.positionContrib[key] = bucket
	}

	var c positionContribution
	if p.IsHypothecatable && proj.ProjectedPosition.IsPositive() {
		c.hypothecatable = proj.ProjectedPosition
	}
	if p.IsReserved && proj.ProjectedPosition.IsPositive() {
		c.reservedClientAssets = proj.ProjectedPosition
	}
	c.quantoToday = p.QuantoToday
	bucket[p.Key] = c
}

// applyContractContribution folds a contract open (sign +1) or close
// (sign -1) into the bucket its Kind maps to.
func (b *inventoryBook) applyContractContribution(payload types.ContractPayload, businessDate types.BusinessDate, sign int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := aggKey{securityID: payload.SecurityID, businessDate: businessDate}
	b.rememberDate(payload.SecurityID, businessDate)

	bucket, ok := b.contractContrib[key]
	if !ok {
		bucket = make(map[string]contractContribution)
		b.contractContrib[key] = bucket
	}

	if sign < 0 {
		delete(bucket, payload.ContractID)
		return
	}

	var c contractContribution
	qty := payload.Qty
	switch payload.Kind {
	case "REPO_PLEDGE":
		c.repoPledged = qty
	case "FINANCING_SWAP":
		c.financingSwap = qty
	case "CROSS_BORDER":
		c.crossBorder = qty
	case "SLAB_LOAN":
		c.slabLendingOut = qty
	case "SLAB_SETTLEMENT":
		c.slabSettlementToday = qty
	case "PAY_TO_HOLD":
		c.payToHolds = qty
	case "CORPORATE_ACTION":
		c.corporateActionLocked = qty
	default:
		c.externalAvailabilities = qty
	}
	if payload.Borrowed {
		c.borrowedLong = qty
	}
	bucket[payload.ContractID] = c
}

// fold reduces the accumulated contributions for (securityId, businessDate)
// into inventory.Inputs. Caller must hold b.mu.
func (b *inventoryBook) fold(key aggKey) inventory.Inputs {
	var in inventory.Inputs

	for _, c := range b.positionContrib[key] {
		in.Hypothecatable = in.Hypothecatable.Add(c.hypothecatable)
		in.ReservedClientAssets = in.ReservedClientAssets.Add(c.reservedClientAssets)
		in.QuantoToday = in.QuantoToday.Add(c.quantoToday)
	}
	for _, c := range b.contractContrib[key] {
		in.RepoPledged = in.RepoPledged.Add(c.repoPledged)
		in.FinancingSwap = in.FinancingSwap.Add(c.financingSwap)
		in.CrossBorder = in.CrossBorder.Add(c.crossBorder)
		in.ExternalAvailabilities = in.ExternalAvailabilities.Add(c.externalAvailabilities)
		in.SlabLendingOut = in.SlabLendingOut.Add(c.slabLendingOut)
		in.SlabSettlementsToday = in.SlabSettlementsToday.Add(c.slabSettlementToday)
		in.PayToHolds = in.PayToHolds.Add(c.payToHolds)
		in.CorporateActionLocked = in.CorporateActionLocked.Add(c.corporateActionLocked)
		in.BorrowedLong = in.BorrowedLong.Add(c.borrowedLong)
	}

	in.Reservations = b.reservedBySecurity[key.securityID]
	in.Locates = in.ExternalAvailabilities // locate-reserved external availability doubles as the LOCATE source pool

	return in
}

var calcTypes = []types.CalculationType{
	types.CalcForLoan, types.CalcForPledge, types.CalcLongSell,
	types.CalcShortSell, types.CalcLocate, types.CalcOverborrow,
}

// recompute recalculates every CalculationType for (securityId, businessDate)
// and returns the rows whose Value actually changed since the last
// recompute, for the caller to publish as InventoryChanged.
func (b *inventoryBook) recompute(securityID string, businessDate types.BusinessDate, now time.Time) []types.InventoryAvailability {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := aggKey{securityID: securityID, businessDate: businessDate}
	in := b.fold(key)
	market := b.markets[securityID]

	ctx := inventory.RuleContext{
		BusinessDate:           businessDate,
		Now:                    now,
		BorrowedLong:           in.BorrowedLong,
		MarketCutoff:           businessDate.AtHour(b.jpCutoffHour),
		SlabSettlementsToday:   in.SlabSettlementsToday,
		QuantoSettlementsToday: in.QuantoToday,
	}

	var changed []types.InventoryAvailability
	for _, ct := range calcTypes {
		invKey := types.InventoryKey{SecurityID: securityID, BusinessDate: businessDate, CalculationType: ct}
		raw := inventory.Calculate(invKey, in, now)
		applied := b.registry.Apply(market, raw, ctx)

		if prev, ok := b.rows[invKey]; !ok || !prev.Value.Equal(applied.Value) {
			b.rows[invKey] = applied
			changed = append(changed, applied)
		} else {
			b.rows[invKey] = applied
		}
	}
	return changed
}

// get returns a point-in-time copy of the latest computed row for key.
func (b *inventoryBook) get(key types.InventoryKey) (types.InventoryAvailability, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row, ok := b.rows[key]
	return row, ok
}

// locateRuleContext builds the read-only context a locate.Rule evaluates
// against for securityID, drawn from the LOCATE calculation's latest
// computed availability.
func (b *inventoryBook) locateRuleContext(securityID string, businessDate types.BusinessDate) locate.RuleContext {
	b.mu.Lock()
	defer b.mu.Unlock()
	row := b.rows[types.InventoryKey{SecurityID: securityID, BusinessDate: businessDate, CalculationType: types.CalcLocate}]
	return locate.RuleContext{
		SecurityID:   securityID,
		AvailableQty: row.Value,
	}
}

// inventoryReserver adapts inventoryBook to locate.Reserver: approving a
// locate reserves against the security's accumulated external-availability
// pool, recomputing every business date the book has seen contributions for
// so the reservation is reflected everywhere that security's availability
// is published.
type inventoryReserver struct {
	book *inventoryBook
}

func (r *inventoryReserver) ReserveLocate(securityID string, qty decimal.Decimal) (string, error) {
	b := r.book
	b.mu.Lock()
	id := newReservationID()
	b.reservations[id] = reservationEntry{securityID: securityID, qty: qty}
	b.reservedBySecurity[securityID] = b.reservedBySecurity[securityID].Add(qty)
	dates := append([]types.BusinessDate(nil), b.knownDates[securityID]...)
	b.mu.Unlock()

	for _, d := range dates {
		b.recompute(securityID, d, time.Now())
	}
	return id, nil
}

func (r *inventoryReserver) ReleaseLocate(reservationID string) error {
	b := r.book
	b.mu.Lock()
	entry, ok := b.reservations[reservationID]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("engine: unknown locate reservation %q", reservationID)
	}
	delete(b.reservations, reservationID)
	b.reservedBySecurity[entry.securityID] = b.reservedBySecurity[entry.securityID].Sub(entry.qty)
	dates := append([]types.BusinessDate(nil), b.knownDates[entry.securityID]...)
	b.mu.Unlock()

	for _, d := range dates {
		b.recompute(entry.securityID, d, time.Now())
	}
	return nil
}

// newReservationID mirrors internal/limit's reservation-id minting scheme
// (UUIDv7, time-ordered so reservation ids sort chronologically).
func newReservationID() string {
	return uuid.Must(uuid.NewV7()).String()
}
