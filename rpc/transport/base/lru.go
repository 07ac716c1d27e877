package base

import (
	"github.com/hashicorp/golang-lru/simplelru"
	"math"
)

// EvictionPool keeps entries in least recently inserted order and asks an
// eviction policy, oldest first, which entry may be dropped when room is
// needed. Entries that refuse stay in place.
//
// EvictionPool is not safe for concurrent use; the server guards it with its
// pool lock.
type EvictionPool[T comparable] struct {
	lru            *simplelru.LRU
	max            int
	policy         func(entry T) bool
	evictionNeeded bool
}

// NewEvictionPool creates a pool holding at most maxSize entries (maxSize <= 0
// is unbounded). policy is called during Evict and returns true if the entry
// agreed to be evicted.
func NewEvictionPool[T comparable](maxSize int, policy func(entry T) bool) *EvictionPool[T] {
	size := maxSize
	if size <= 0 {
		size = math.MaxInt32
	}
	// size is positive, so NewLRU cannot fail
	lru, _ := simplelru.NewLRU(size, nil)
	return &EvictionPool[T]{
		lru:    lru,
		max:    maxSize,
		policy: policy,
	}
}

// Insert adds entry as most recent one (or refreshes it if present). It
// returns false if the pool is full and entry is not yet contained.
func (p *EvictionPool[T]) Insert(entry T) bool {
	if !p.lru.Contains(entry) && p.Full() {
		return false
	}
	p.lru.Add(entry, struct{}{})
	return true
}

// Remove deletes entry and reports whether it was present
func (p *EvictionPool[T]) Remove(entry T) bool {
	return p.lru.Remove(entry)
}

// Contains reports whether entry is in the pool
func (p *EvictionPool[T]) Contains(entry T) bool {
	return p.lru.Contains(entry)
}

// Len returns the number of entries
func (p *EvictionPool[T]) Len() int {
	return p.lru.Len()
}

// Full reports whether the maximum size is reached
func (p *EvictionPool[T]) Full() bool {
	return p.max > 0 && p.lru.Len() >= p.max
}

// Entries returns all entries, oldest first
func (p *EvictionPool[T]) Entries() []T {
	keys := p.lru.Keys()
	entries := make([]T, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, k.(T))
	}
	return entries
}

// Evict walks the entries from oldest to newest and removes the first one
// the policy accepts. If none accepts, Evict returns false and remembers
// that an eviction is still needed.
func (p *EvictionPool[T]) Evict() bool {
	for _, k := range p.lru.Keys() {
		if p.policy(k.(T)) {
			p.lru.Remove(k)
			p.evictionNeeded = false
			return true
		}
	}
	p.evictionNeeded = true
	return false
}

// EvictionNeeded reports whether the last Evict found no evictable entry
func (p *EvictionPool[T]) EvictionNeeded() bool {
	return p.evictionNeeded
}
