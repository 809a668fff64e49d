package history

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// LiveStates remembers the latest state seen per datapoint so relog
// timers can re-read a value the pipeline never accepted.
type LiveStates interface {
	Set(id string, st State)
	Get(id string) (State, bool)
}

// StateCache is a LiveStates backed by an expiring in-memory cache.
type StateCache struct {
	c *cache.Cache
}

// NewStateCache creates a cache whose entries expire after ttl.
// A ttl of zero keeps entries until overwritten.
func NewStateCache(ttl time.Duration) *StateCache {
	if ttl <= 0 {
		return &StateCache{c: cache.New(cache.NoExpiration, 0)}
	}
	return &StateCache{c: cache.New(ttl, 2*ttl)}
}

// Set stores the latest state of id.
func (s *StateCache) Set(id string, st State) {
	s.c.SetDefault(id, st)
}

// Get returns the latest state of id.
func (s *StateCache) Get(id string) (State, bool) {
	v, ok := s.c.Get(id)
	if !ok {
		return State{}, false
	}
	st, ok := v.(State)
	return st, ok
}

// Len returns the number of cached states, including expired ones not yet evicted.
func (s *StateCache) Len() int {
	return s.c.ItemCount()
}
