// Package engine is the central orchestrator of the inventory management
// engine. It wires together every component of the core:
//
//  1. The ingest router normalizes vendor messages into envelopes (C1/C2).
//  2. The shard dispatcher routes envelopes to their owning shard by stable
//     hash, preserving per-key order (C3).
//  3. Each shard runs a position engine, a settlement-ladder projector, an
//     inventory accumulator, two limit books, a short-sell validator, and a
//     locate workflow (C4-C9), all mutated only from that shard's goroutine.
//  4. The publisher fans out derived events to the downstream bus (C10).
//
// Lifecycle mirrors the teacher's engine.go: New() → Start() → [runs until
// cancelled] → Stop(). Where the teacher started one strategy goroutine per
// traded market, this engine starts one event loop per shard.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"ims-engine/internal/config"
	"ims-engine/internal/inventory"
	"ims-engine/internal/ladder"
	"ims-engine/internal/limit"
	"ims-engine/internal/locate"
	"ims-engine/internal/position"
	"ims-engine/internal/publish"
	"ims-engine/internal/shard"
	"ims-engine/internal/snapshotstore"
	"ims-engine/internal/validate"
	"ims-engine/pkg/types"
)

// eventPositionContribution is an engine-local message type, never
// produced by a vendor and never journaled: it carries one position's
// contribution across the shard boundary between the (bookId, securityId)
// shard that owns the Position and the securityId shard that owns its
// InventoryAvailability rows (spec.md §4.3's "cross-shard effects are
// messages, never a shared mutable structure"). It reuses types.EventType's
// underlying string type without adding to the codec's closed, wire-visible
// set.
const eventPositionContribution types.EventType = "internal.PositionContribution"

type positionContributionPayload struct {
	Position   types.Position
	Projection ladder.Projection
}

// Engine owns every shard and the cross-cutting collaborators (store,
// publisher, market-rule registry, health monitor) shared read-only across
// them.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	shards     []*shardState
	dispatcher *shard.Dispatcher
	store      *snapshotstore.Store
	publisher  *publish.Publisher
	monitor    *Monitor
	cron       *cron.Cron

	registry inventory.Registry

	cancel context.CancelFunc
	group  *errgroup.Group
}

// shardState bundles the collaborators owned exclusively by one shard's
// event loop, per spec.md §3 ("each Position, InventoryAvailability, Limit,
// and LocateRequest is owned exclusively by exactly one shard").
type shardState struct {
	id int

	positions *position.Engine
	inventory *inventoryBook
	clients   *limit.Book
	aus       *limit.Book
	validator *validate.Validator
	locate    *locate.Workflow

	seq int64 // next event-log sequence number for this shard
}

// New builds an Engine from config but does not start any goroutines.
// sink is the downstream bus C10 publishes to; store persists the
// append-only event log and snapshot manifests (spec.md §4.4, §6).
func New(cfg config.Config, sink publish.Sink, store *snapshotstore.Store, registry inventory.Registry, rules []locate.Rule, logger *slog.Logger) (*Engine, error) {
	e := &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		store:     store,
		publisher: publish.New(sink, cfg.Validation.BatchSize, 5*time.Millisecond, cfg.Shard.QueueDepth, logger),
		registry:  registry,
		monitor:   NewMonitor(logger),
	}

	shards := make([]*shard.Shard, cfg.Shard.Count)
	e.shards = make([]*shardState, cfg.Shard.Count)

	for i := 0; i < cfg.Shard.Count; i++ {
		ss := e.newShardState(i, rules)
		e.shards[i] = ss
	}

	for i := 0; i < cfg.Shard.Count; i++ {
		id := i
		shards[i] = shard.NewShard(id, cfg.Shard.QueueDepth, cfg.Shard.BackpressureHighWater, e.handlerFor(e.shards[id]), logger,
			shard.WithBackpressureHook(func(shardID int, utilization float64) {
				logger.Warn("shard queue crossed high-water mark", "shard_id", shardID, "utilization", utilization)
			}),
		)
	}

	dispatcher, err := shard.NewDispatcher(shards)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e.dispatcher = dispatcher

	return e, nil
}

func (e *Engine) newShardState(id int, rules []locate.Rule) *shardState {
	ss := &shardState{
		id:        id,
		clients:   limit.New(types.EntityClient),
		aus:       limit.New(types.EntityAggregationUnit),
		inventory: newInventoryBook(e.registry, e.cfg.Market.JPCutoffHour),
	}

	ss.positions = position.New(position.Events{
		OnPositionChanged: func(p types.Position) { e.onPositionChanged(ss, p) },
		OnPositionInvalid: func(p types.Position, reason string) { e.onPositionInvalid(ss, p, reason) },
		OnPositionDrift:   func(p types.Position, delta decimal.Decimal) { e.onPositionDrift(ss, p, delta) },
	}, e.logger)

	ss.validator = validate.New(ss.clients, ss.aus, int64(e.cfg.Validation.Bulkhead),
		time.Duration(e.cfg.Validation.DeadlineMs)*time.Millisecond, e.logger)

	ss.locate = locate.New(
		&inventoryReserver{book: ss.inventory},
		e.cfg.Locate.ManualReviewTimeout,
		time.Duration(e.cfg.Locate.ExpiryHours)*time.Hour,
		locate.Events{OnDecided: func(req types.LocateRequest) { e.onLocateDecided(req) }},
		e.logger,
	)
	ss.locate.SetRules(rules)

	return ss
}

// handlerFor returns the shard.Handler bound to ss, dispatching each
// envelope to the collaborator that owns its event type. It is the single
// entry point through which all state-mutating envelopes for this shard's
// keys flow, keeping every mutation on this shard's goroutine.
func (e *Engine) handlerFor(ss *shardState) shard.Handler {
	return func(ctx context.Context, env types.Envelope) error {
		if env.EventType != eventPositionContribution && e.store != nil {
			ss.seq++
			if err := e.store.AppendEvent(ctx, ss.id, ss.seq, env, time.Now()); err != nil {
				e.logger.Error("failed to journal event", "error", err, "shard_id", ss.id, "event_id", env.EventID)
			}
			if every := e.cfg.Snapshot.EveryEvents; every > 0 && ss.seq%int64(every) == 0 {
				e.checkpointShard(ctx, ss)
			}
		}

		switch env.EventType {
		case types.EventTradeCreated, types.EventTradeAmended, types.EventTradeCancelled,
			types.EventSettlementAdvance, types.EventPositionSnapshot:
			return ss.positions.Apply(env)

		case eventPositionContribution:
			payload, ok := env.Payload.(positionContributionPayload)
			if !ok {
				return fmt.Errorf("engine: bad payload for position contribution message")
			}
			ss.inventory.applyPositionContribution(payload.Position, payload.Projection)
			e.recomputeAndPublish(ss, payload.Position.Key.SecurityID, payload.Position.Key.BusinessDate)
			return nil

		case types.EventContractOpened:
			payload, ok := env.Payload.(types.ContractPayload)
			if !ok {
				return fmt.Errorf("engine: bad payload for ContractOpened")
			}
			ss.inventory.applyContractContribution(payload, env.BusinessDate, 1)
			e.recomputeAndPublish(ss, payload.SecurityID, env.BusinessDate)
			return nil

		case types.EventContractClosed:
			payload, ok := env.Payload.(types.ContractPayload)
			if !ok {
				return fmt.Errorf("engine: bad payload for ContractClosed")
			}
			ss.inventory.applyContractContribution(payload, env.BusinessDate, -1)
			e.recomputeAndPublish(ss, payload.SecurityID, env.BusinessDate)
			return nil

		case types.EventReferenceDataUpsert:
			payload, ok := env.Payload.(types.ReferenceDataUpsertPayload)
			if !ok {
				return fmt.Errorf("engine: bad payload for ReferenceDataUpsert")
			}
			ss.inventory.setMarket(payload.SecurityID, payload.Market)
			return nil

		case types.EventLocateRequested:
			payload, ok := env.Payload.(types.LocateRequestedPayload)
			if !ok {
				return fmt.Errorf("engine: bad payload for LocateRequested")
			}
			ruleCtx := ss.inventory.locateRuleContext(payload.SecurityID, env.BusinessDate)
			ss.locate.Submit(payload, ss.inventory.marketFor(payload.SecurityID), ruleCtx)
			return nil

		default:
			e.logger.Warn("unknown event type, skipping", "event_type", env.EventType, "event_id", env.EventID)
			return nil
		}
	}
}

// ValidateOrder is the synchronous validateOrder entry point (spec.md §6),
// called directly against the owning shard's validator — bypassing the
// bulk queue entirely, per spec.md §4.3's high-priority lane.
func (e *Engine) ValidateOrder(ctx context.Context, req types.OrderValidationRequest) types.OrderValidationResult {
	ss := e.shardFor(shard.KeyForLimit(req.AggregationUnitID, req.SecurityID))
	return ss.validator.Validate(ctx, req)
}

// RequestLocate is the synchronous requestLocate entry point (spec.md §6).
func (e *Engine) RequestLocate(payload types.LocateRequestedPayload, market string, businessDate types.BusinessDate) types.LocateRequest {
	ss := e.shardFor(shard.KeyForSecurity(payload.SecurityID))
	ruleCtx := ss.inventory.locateRuleContext(payload.SecurityID, businessDate)
	return ss.locate.Submit(payload, market, ruleCtx)
}

// QueryPosition is the read-only queryPosition RPC (spec.md §6), used by the
// `engine inspect position` CLI command.
func (e *Engine) QueryPosition(key types.PositionKey) (types.Position, bool) {
	ss := e.shardFor(shard.KeyForPosition(key.BookID, key.SecurityID))
	return ss.positions.Get(key)
}

// QueryInventory is the read-only queryInventory RPC (spec.md §6).
func (e *Engine) QueryInventory(key types.InventoryKey) (types.InventoryAvailability, bool) {
	ss := e.shardFor(shard.KeyForSecurity(key.SecurityID))
	return ss.inventory.get(key)
}

// QueryLimit is the read-only queryLimit RPC (spec.md §6).
func (e *Engine) QueryLimit(key types.LimitKey) (types.Limit, bool) {
	ss := e.shardFor(shard.KeyForLimit(key.EntityID, key.SecurityID))
	if key.Kind == types.EntityClient {
		return ss.clients.Get(key)
	}
	return ss.aus.Get(key)
}

// ClientLimitBook and AULimitBook expose the per-shard limit books for
// operator overrides and bootstrap seeding: the caller calls Upsert on the
// returned book directly (Book methods are mutex-guarded). handlerFor has
// no case for EventLimitOverride, so such an envelope routed to a shard is
// logged as an unknown event type and skipped.
func (e *Engine) ClientLimitBook(key types.LimitKey) *limit.Book {
	return e.shardFor(shard.KeyForLimit(key.EntityID, key.SecurityID)).clients
}

func (e *Engine) AULimitBook(key types.LimitKey) *limit.Book {
	return e.shardFor(shard.KeyForLimit(key.EntityID, key.SecurityID)).aus
}

func (e *Engine) shardFor(key string) *shardState {
	return e.shards[e.dispatcher.Index(key)]
}

// onPositionChanged recomputes the settlement ladder (C5), publishes
// PositionChanged, and dispatches this position's contribution to the
// security-owning shard's inventory accumulator (C6) as an explicit
// cross-shard message — never by calling into another shard's state
// directly.
func (e *Engine) onPositionChanged(ss *shardState, p types.Position) {
	proj := ladder.Compute(p, false)

	e.publish(publish.Event{
		Type:    publish.PositionChanged,
		Key:     p.Key.String(),
		Version: p.Version,
		Payload: struct {
			Position   types.Position
			Projection ladder.Projection
		}{p, proj},
	})

	msg := types.Envelope{
		EventType:    eventPositionContribution,
		Key:          shard.KeyForSecurity(p.Key.SecurityID),
		BusinessDate: p.Key.BusinessDate,
		Payload:      positionContributionPayload{Position: p, Projection: proj},
	}
	if err := e.dispatcher.Route(msg); err != nil {
		e.logger.Error("failed to route position contribution", "error", err, "key", p.Key.String())
	}
}

func (e *Engine) onPositionInvalid(ss *shardState, p types.Position, reason string) {
	e.monitor.RecordInvalid(p.Key.String(), reason)
	e.publish(publish.Event{Type: publish.PositionInvalid, Key: p.Key.String(), Version: p.Version, Payload: reason})
}

func (e *Engine) onPositionDrift(ss *shardState, p types.Position, delta decimal.Decimal) {
	e.monitor.RecordDrift(p.Key.String(), delta)
	e.publish(publish.Event{Type: publish.PositionDrift, Key: p.Key.String(), Version: p.Version, Payload: delta.String()})
}

func (e *Engine) onLocateDecided(req types.LocateRequest) {
	e.publish(publish.Event{Type: publish.LocateDecided, Key: req.LocateID, Payload: req})
}

// recomputeAndPublish recalculates every CalculationType for
// (securityID, businessDate) and publishes InventoryChanged for each row
// whose value actually moved.
func (e *Engine) recomputeAndPublish(ss *shardState, securityID string, businessDate types.BusinessDate) {
	for _, changed := range ss.inventory.recompute(securityID, businessDate, time.Now()) {
		e.publish(publish.Event{
			Type:    publish.InventoryChanged,
			Key:     changed.Key.String(),
			Payload: changed,
		})
	}
}

func (e *Engine) publish(evt publish.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.publisher.Publish(ctx, evt); err != nil {
		e.logger.Error("failed to enqueue publish event", "error", err, "event_type", evt.Type, "key", evt.Key)
	}
}

// Start launches every shard loop, the publisher, the locate expiry
// sweepers, the health monitor, and the periodic snapshot scheduler,
// returning once all are running. It returns an error if replay from the
// snapshot store fails or the snapshot schedule cannot be registered;
// shard loops that later halt fatally surface through the errgroup, whose
// first error Stop returns.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	e.group = g

	if e.store != nil {
		if err := e.recoverFromStore(gctx); err != nil {
			cancel()
			return fmt.Errorf("engine: recover: %w", err)
		}
	}

	for _, sh := range e.dispatcher.Shards() {
		sh := sh
		g.Go(func() error { return sh.Run(gctx) })
	}

	g.Go(func() error { e.publisher.Run(gctx); return nil })
	g.Go(func() error { e.monitor.Run(gctx); return nil })

	for _, ss := range e.shards {
		ss := ss
		g.Go(func() error { ss.locate.Run(gctx); return nil })
	}

	e.cron = cron.New()
	spec := fmt.Sprintf("@every %s", e.cfg.Snapshot.EveryPeriod)
	if _, err := e.cron.AddFunc(spec, func() { e.checkpoint(gctx) }); err != nil {
		cancel()
		return fmt.Errorf("engine: schedule snapshot cron: %w", err)
	}
	e.cron.Start()

	e.logger.Info("engine started", "shards", e.cfg.Shard.Count)
	return nil
}

// Stop cancels every shard loop and the publisher, waits for them to exit,
// and takes a final checkpoint.
func (e *Engine) Stop() error {
	if e.cron != nil {
		stopCtx := e.cron.Stop()
		<-stopCtx.Done()
	}
	if e.cancel != nil {
		e.cancel()
	}
	var err error
	if e.group != nil {
		err = e.group.Wait()
	}
	e.checkpoint(context.Background())
	if e.store != nil {
		if cerr := e.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	e.logger.Info("engine stopped")
	return err
}

// shardSnapshot is the opaque payload persisted by SaveSnapshot/loaded by
// LoadLatestSnapshot — a JSON encoding of everything needed to resume a
// shard without replaying its whole event log (spec.md §4.4, §6: the
// snapshot format must be "self-describing... and forward-compatible").
type shardSnapshot struct {
	Positions []types.Position
}

const snapshotSchemaVersion = 1

func (e *Engine) checkpoint(ctx context.Context) {
	if e.store == nil {
		return
	}
	for _, ss := range e.shards {
		e.checkpointShard(ctx, ss)
	}
}

// checkpointShard snapshots one shard, shared by the cron-driven full
// checkpoint and the per-shard event-count trigger in handlerFor.
func (e *Engine) checkpointShard(ctx context.Context, ss *shardState) {
	snap := shardSnapshot{Positions: ss.positions.All()}
	payload, err := json.Marshal(snap)
	if err != nil {
		e.logger.Error("failed to marshal snapshot", "error", err, "shard_id", ss.id)
		return
	}
	if err := e.store.SaveSnapshot(ctx, ss.id, ss.seq, snapshotSchemaVersion, payload, time.Now()); err != nil {
		e.logger.Error("failed to save snapshot", "error", err, "shard_id", ss.id)
	}
}

// recoverFromStore loads each shard's latest snapshot (if any) and replays
// its event log from that point, per spec.md §4.4: "replay must be
// deterministic: given the same log prefix, the state is bit-identical."
// Inventory contributions are not themselves snapshotted; replaying the
// position/contract events that feed them regenerates the same accumulator
// state deterministically.
func (e *Engine) recoverFromStore(ctx context.Context) error {
	for _, ss := range e.shards {
		snap, ok, err := e.store.LoadLatestSnapshot(ctx, ss.id)
		if err != nil {
			return fmt.Errorf("shard %d: %w", ss.id, err)
		}
		fromSeq := int64(0)
		if ok {
			var loaded shardSnapshot
			if err := json.Unmarshal(snap.Payload, &loaded); err != nil {
				return fmt.Errorf("shard %d: unmarshal snapshot: %w", ss.id, err)
			}
			for _, p := range loaded.Positions {
				ss.positions.LoadSnapshot(p)
			}
			ss.seq = snap.Seq
			fromSeq = snap.Seq + 1
		}

		replaySeq := ss.seq
		if err := e.store.ReplayFrom(ctx, ss.id, fromSeq, func(seq int64, env types.Envelope) error {
			replaySeq = seq
			return applyReplayed(ss, env)
		}); err != nil {
			return fmt.Errorf("shard %d: replay: %w", ss.id, err)
		}
		ss.seq = replaySeq
	}
	return nil
}

// applyReplayed re-applies one journaled envelope without re-journaling or
// re-dispatching cross-shard messages, used by Engine.recoverFromStore and
// the `engine replay` CLI command. Position contributions feeding inventory
// are recomputed locally against the replaying shard's own inventoryBook,
// since a standalone replay of one shard has no running dispatcher to route
// the cross-shard message through.
func applyReplayed(ss *shardState, env types.Envelope) error {
	switch env.EventType {
	case types.EventTradeCreated, types.EventTradeAmended, types.EventTradeCancelled,
		types.EventSettlementAdvance, types.EventPositionSnapshot:
		return ss.positions.Apply(env)
	case types.EventContractOpened:
		payload, ok := env.Payload.(types.ContractPayload)
		if !ok {
			return fmt.Errorf("engine: bad payload for ContractOpened")
		}
		ss.inventory.applyContractContribution(payload, env.BusinessDate, 1)
		return nil
	case types.EventContractClosed:
		payload, ok := env.Payload.(types.ContractPayload)
		if !ok {
			return fmt.Errorf("engine: bad payload for ContractClosed")
		}
		ss.inventory.applyContractContribution(payload, env.BusinessDate, -1)
		return nil
	case types.EventReferenceDataUpsert:
		payload, ok := env.Payload.(types.ReferenceDataUpsertPayload)
		if !ok {
			return fmt.Errorf("engine: bad payload for ReferenceDataUpsert")
		}
		ss.inventory.setMarket(payload.SecurityID, payload.Market)
		return nil
	default:
		return nil
	}
}

// Dispatcher exposes the shard dispatcher so the ingest router can route
// normalized envelopes without the engine needing to re-derive shard keys.
func (e *Engine) Dispatcher() *shard.Dispatcher { return e.dispatcher }

// Monitor exposes the health monitor so an operator surface can drain its
// signal channel.
func (e *Engine) Monitor() *Monitor { return e.monitor }
