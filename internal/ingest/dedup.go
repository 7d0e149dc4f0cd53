package ingest

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Dedup is the bounded LRU keyed by (source, vendorSequence) from spec.md
// §4.2 (default window 10^6 entries). An event whose key is already present
// is dropped and acknowledged by the caller.
type Dedup struct {
	cache *lru.Cache[string, struct{}]
}

func NewDedup(window int) (*Dedup, error) {
	cache, err := lru.New[string, struct{}](window)
	if err != nil {
		return nil, fmt.Errorf("ingest: new dedup cache: %w", err)
	}
	return &Dedup{cache: cache}, nil
}

// Seen records (source, vendorSequence) and reports whether it was already
// present before this call.
func (d *Dedup) Seen(source string, vendorSequence int64) bool {
	key := dedupKey(source, vendorSequence)
	if d.cache.Contains(key) {
		return true
	}
	d.cache.Add(key, struct{}{})
	return false
}

func dedupKey(source string, vendorSequence int64) string {
	return fmt.Sprintf("%s|%d", source, vendorSequence)
}
