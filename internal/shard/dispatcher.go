package shard

import (
	"fmt"

	"ims-engine/pkg/types"
)

// Dispatcher owns a fixed, power-of-two set of shards and routes envelopes
// to the shard owning their key. Shard count is fixed at boot; there is no
// rebalancing.
type Dispatcher struct {
	shards []*Shard
	mask   uint64
}

// NewDispatcher validates that len(shards) is a power of two and indexes
// them 0..n-1 by position in the slice.
func NewDispatcher(shards []*Shard) (*Dispatcher, error) {
	n := len(shards)
	if n == 0 || n&(n-1) != 0 {
		return nil, fmt.Errorf("shard: count must be a power of two, got %d", n)
	}
	return &Dispatcher{shards: shards, mask: uint64(n - 1)}, nil
}

// Index returns the shard index a key hashes to.
func (d *Dispatcher) Index(key string) int {
	return int(HashKey(key) & d.mask)
}

// Shard returns the shard owning a given key.
func (d *Dispatcher) Shard(key string) *Shard {
	return d.shards[d.Index(key)]
}

// Shards returns all shards, in index order.
func (d *Dispatcher) Shards() []*Shard { return d.shards }

// Route enqueues an envelope onto the bulk lane of the shard its Key hashes to.
func (d *Dispatcher) Route(env types.Envelope) error {
	return d.Shard(env.Key).Submit(env)
}

// RoutePriority enqueues an envelope onto the high-priority lane of the
// shard its Key hashes to, used by the synchronous validate/locate RPCs.
func (d *Dispatcher) RoutePriority(env types.Envelope) error {
	return d.Shard(env.Key).SubmitPriority(env)
}
