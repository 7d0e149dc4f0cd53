package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// driftAlert is the latest drift reading for one position key.
type driftAlert struct {
	delta     decimal.Decimal
	timestamp time.Time
}

// HealthSignal tells an operator a shard-level condition needs attention.
// Unlike the teacher's kill switch, a signal here never cancels anything —
// the spec's invariant for a fatal engine error is that the shard halts and
// waits for a human, not that trading is automatically unwound.
type HealthSignal struct {
	Key     string
	Kind    string // "INVALID" | "DRIFT"
	Reason  string
	Raised  time.Time
}

// Monitor watches for the conditions spec.md §4.4/§7 call out as requiring
// operator attention — position invariant violations and resync drift —
// and raises alerts on a cooldown so a flapping position does not spam the
// log forever. Its shape (rolling anchors, a cooldown window, a signal
// channel the owner drains) is adapted from the teacher's risk.Manager, with
// PnL/exposure limits replaced by the invariant conditions this engine
// actually has: it never tracks P&L or exposure, per spec.md's Non-goals.
type Monitor struct {
	logger *slog.Logger

	mu            sync.Mutex
	invalidCount  map[string]int
	driftAnchors  map[string]driftAlert
	cooldownUntil map[string]time.Time

	cooldown time.Duration
	signalCh chan HealthSignal
}

// NewMonitor builds a Monitor with a 30s per-key alert cooldown, the same
// order of magnitude as the teacher's CooldownAfterKill default.
func NewMonitor(logger *slog.Logger) *Monitor {
	return &Monitor{
		logger:        logger.With("component", "engine.monitor"),
		invalidCount:  make(map[string]int),
		driftAnchors:  make(map[string]driftAlert),
		cooldownUntil: make(map[string]time.Time),
		cooldown:      30 * time.Second,
		signalCh:      make(chan HealthSignal, 64),
	}
}

// Signals returns the channel an operator surface (CLI, log shipper) can
// drain for raised health signals.
func (m *Monitor) Signals() <-chan HealthSignal { return m.signalCh }

// RecordInvalid tallies a PositionInvalid occurrence for key and raises a
// signal once per cooldown window.
func (m *Monitor) RecordInvalid(key, reason string) {
	m.mu.Lock()
	m.invalidCount[key]++
	raise := m.readyToRaise(key)
	m.mu.Unlock()

	if raise {
		m.emit(HealthSignal{Key: key, Kind: "INVALID", Reason: reason, Raised: time.Now()})
	}
}

// RecordDrift tallies a PositionDrift occurrence for key and raises a signal
// once per cooldown window.
func (m *Monitor) RecordDrift(key string, delta decimal.Decimal) {
	m.mu.Lock()
	m.driftAnchors[key] = driftAlert{delta: delta, timestamp: time.Now()}
	raise := m.readyToRaise(key)
	m.mu.Unlock()

	if raise {
		m.emit(HealthSignal{Key: key, Kind: "DRIFT", Reason: "settledQty drift " + delta.String(), Raised: time.Now()})
	}
}

// readyToRaise reports whether key's cooldown has elapsed, resetting it if
// so. Caller must hold m.mu.
func (m *Monitor) readyToRaise(key string) bool {
	now := time.Now()
	if until, ok := m.cooldownUntil[key]; ok && now.Before(until) {
		return false
	}
	m.cooldownUntil[key] = now.Add(m.cooldown)
	return true
}

func (m *Monitor) emit(sig HealthSignal) {
	m.logger.Error("health signal raised", "key", sig.Key, "kind", sig.Kind, "reason", sig.Reason)
	select {
	case m.signalCh <- sig:
	default:
		// Drop the stale head to make room — the latest signal for a
		// flapping key is always more actionable than a queued old one.
		select {
		case <-m.signalCh:
		default:
		}
		select {
		case m.signalCh <- sig:
		default:
		}
	}
}

// Run logs a health summary (the number of INVALID and drifting keys) once
// a minute, whenever either count is non-zero, until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.logSummary()
		}
	}
}

func (m *Monitor) logSummary() {
	m.mu.Lock()
	invalid := len(m.invalidCount)
	drifting := len(m.driftAnchors)
	m.mu.Unlock()
	if invalid == 0 && drifting == 0 {
		return
	}
	m.logger.Warn("health summary", "invalid_keys", invalid, "drifting_keys", drifting)
}
