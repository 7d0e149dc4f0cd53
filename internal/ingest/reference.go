package ingest

import (
	"sync"
	"time"

	"ims-engine/pkg/types"
)

type fieldValue struct {
	value    string
	priority int
	seenAt   time.Time
}

// ReferenceResolver merges field-level reference-data updates across vendor
// sources by priority (spec.md §4.2, default
// REUTERS > BLOOMBERG > MARKIT > ULTUMUS > RIMES): a lower-priority source's
// value for a field is accepted only if the current higher-priority value
// has gone stale.
type ReferenceResolver struct {
	mu              sync.Mutex
	rank            map[string]int // source -> priority rank, lower is higher priority
	stalenessWindow time.Duration
	fields          map[string]map[string]fieldValue // securityId -> field -> winning value
}

func NewReferenceResolver(priority []string, stalenessWindow time.Duration) *ReferenceResolver {
	rank := make(map[string]int, len(priority))
	for i, s := range priority {
		rank[s] = i
	}
	return &ReferenceResolver{
		rank:            rank,
		stalenessWindow: stalenessWindow,
		fields:          make(map[string]map[string]fieldValue),
	}
}

// Merge applies an incoming upsert and returns the subset of fields that
// actually won the merge (empty if every field lost to a fresher,
// higher-priority value).
func (r *ReferenceResolver) Merge(payload types.ReferenceDataUpsertPayload, source string, now time.Time) map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rank, known := r.rank[source]
	if !known {
		rank = len(r.rank) // unranked sources are lowest priority
	}

	sec, ok := r.fields[payload.SecurityID]
	if !ok {
		sec = make(map[string]fieldValue)
		r.fields[payload.SecurityID] = sec
	}

	changed := make(map[string]string)
	for field, value := range payload.Fields {
		current, exists := sec[field]
		if !exists {
			sec[field] = fieldValue{value: value, priority: rank, seenAt: now}
			changed[field] = value
			continue
		}

		stale := now.Sub(current.seenAt) > r.stalenessWindow
		if rank <= current.priority || stale {
			sec[field] = fieldValue{value: value, priority: rank, seenAt: now}
			changed[field] = value
		}
	}
	return changed
}
