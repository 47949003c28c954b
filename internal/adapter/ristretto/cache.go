// Package ristretto keeps an in-process cache of processed event ids so
// redeliveries can be deduplicated without a database round trip.
package ristretto

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// SeenCache remembers event ids that reached a terminal processed state.
// It is a fast path in front of the durable inbox table: a miss means
// nothing, a hit means the delivery can be acked without handling.
type SeenCache struct {
	c   *ristretto.Cache[string, struct{}]
	ttl time.Duration
}

// New creates a cache bounded to maxCostMB megabytes of event ids.
// Entries expire after ttl, matching the inbox retention sweep.
func New(maxCostMB int, ttl time.Duration) (*SeenCache, error) {
	maxCost := int64(maxCostMB) * 1024 * 1024
	c, err := ristretto.NewCache(&ristretto.Config[string, struct{}]{
		NumCounters: maxCost / 100 * 10, // ~10x expected items
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &SeenCache{c: c, ttl: ttl}, nil
}

// Seen reports whether the event id is known processed.
func (s *SeenCache) Seen(eventID string) bool {
	_, found := s.c.Get(eventID)
	return found
}

// Mark records the event id as processed. The cost is the key length,
// which approximates the entry's memory footprint.
func (s *SeenCache) Mark(eventID string) {
	s.c.SetWithTTL(eventID, struct{}{}, int64(len(eventID)), s.ttl)
}

// Close shuts down the cache and releases resources.
func (s *SeenCache) Close() {
	s.c.Close()
}
