// Package state holds per-sensor detector state.
//
// A Store is a sharded map guarded by one mutex per shard. Update runs a
// read-modify-write for a single key under that key's shard lock, so
// concurrent evaluations for the same sensor are serialised while different
// sensors proceed in parallel. By default entries live for the lifetime of
// the store; MaxEntries and IdleTTL opt into eviction. MaxEntries bounds the
// whole store, not each shard.
package state

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// DefaultShards is used when Options.Shards is not positive.
const DefaultShards = 16

// Options tune a Store.
type Options struct {
	// Shards is the number of independently locked partitions.
	Shards int
	// MaxEntries bounds the number of tracked keys across all shards. Least
	// recently updated keys are evicted first. Zero disables the bound.
	MaxEntries int
	// IdleTTL drops keys that have not been updated for longer than this.
	// Zero disables expiry.
	IdleTTL time.Duration
	// Now overrides the clock used for IdleTTL.
	Now func() time.Time
}

// Store maps keys to values of type V.
type Store[V any] struct {
	shards  []*shard[V]
	ttl     time.Duration
	now     func() time.Time
	evicted atomic.Uint64

	// recency orders every key when MaxEntries is set. It is only touched
	// with no shard lock held.
	maxEntries int
	recencyMu  sync.Mutex
	recency    *simplelru.LRU[string, struct{}]
}

type shard[V any] struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type entry[V any] struct {
	key      string
	value    V
	lastSeen time.Time
}

// New constructs a Store.
func New[V any](opts Options) *Store[V] {
	shards := opts.Shards
	if shards <= 0 {
		shards = DefaultShards
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Store[V]{
		shards: make([]*shard[V], shards),
		ttl:    opts.IdleTTL,
		now:    now,
	}
	for i := range s.shards {
		s.shards[i] = &shard[V]{
			entries: make(map[string]*list.Element),
			order:   list.New(),
		}
	}
	if opts.MaxEntries > 0 {
		// NewLRU only fails for a non-positive size.
		s.recency, _ = simplelru.NewLRU[string, struct{}](opts.MaxEntries, nil)
		s.maxEntries = opts.MaxEntries
	}
	return s
}

// Update passes the current value for key (zero value and found=false when
// absent or expired) to fn while holding the key's lock. When fn returns
// store=true the returned value replaces the entry.
func (s *Store[V]) Update(key string, fn func(current V, found bool) (next V, store bool)) {
	stored, expired := s.update(key, fn)
	switch {
	case stored:
		s.touch(key)
	case expired:
		s.forget(key)
	}
}

func (s *Store[V]) update(key string, fn func(current V, found bool) (V, bool)) (stored, expired bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	elem, found := sh.entries[key]
	if found && s.expired(elem.Value.(*entry[V]), now) {
		sh.remove(elem)
		s.evicted.Add(1)
		found, expired = false, true
	}

	var current V
	if found {
		current = elem.Value.(*entry[V]).value
	}

	next, store := fn(current, found)
	if !store {
		return false, expired
	}

	if found {
		e := elem.Value.(*entry[V])
		e.value = next
		e.lastSeen = now
		sh.order.MoveToFront(elem)
		return true, expired
	}
	sh.entries[key] = sh.order.PushFront(&entry[V]{key: key, value: next, lastSeen: now})
	return true, expired
}

// touch marks key as most recently used and, when the store is full, evicts
// the least recently used keys to make room for it. A key re-stored while it
// is being evicted may lose its state; the bound still holds.
func (s *Store[V]) touch(key string) {
	if s.recency == nil {
		return
	}

	var victims []string
	s.recencyMu.Lock()
	if !s.recency.Contains(key) {
		for s.recency.Len() >= s.maxEntries {
			victim, _, ok := s.recency.RemoveOldest()
			if !ok {
				break
			}
			victims = append(victims, victim)
		}
	}
	s.recency.Add(key, struct{}{})
	s.recencyMu.Unlock()

	for _, victim := range victims {
		if s.drop(victim) {
			s.evicted.Add(1)
		}
	}
}

func (s *Store[V]) forget(keys ...string) {
	if s.recency == nil || len(keys) == 0 {
		return
	}
	s.recencyMu.Lock()
	defer s.recencyMu.Unlock()
	for _, k := range keys {
		s.recency.Remove(k)
	}
}

func (s *Store[V]) drop(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	elem, ok := sh.entries[key]
	if !ok {
		return false
	}
	sh.remove(elem)
	return true
}

// Get returns the value for key without refreshing its recency.
func (s *Store[V]) Get(key string) (V, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	var zero V
	elem, ok := sh.entries[key]
	if !ok {
		return zero, false
	}
	e := elem.Value.(*entry[V])
	if s.expired(e, s.now()) {
		return zero, false
	}
	return e.value, true
}

// Len reports the number of tracked keys, including expired keys not yet swept.
func (s *Store[V]) Len() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return total
}

// Sweep drops expired keys and returns how many were removed.
func (s *Store[V]) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	var removed []string
	now := s.now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for elem := sh.order.Back(); elem != nil; {
			prev := elem.Prev()
			e := elem.Value.(*entry[V])
			if !s.expired(e, now) {
				break
			}
			sh.remove(elem)
			removed = append(removed, e.key)
			elem = prev
		}
		sh.mu.Unlock()
	}
	s.forget(removed...)
	s.evicted.Add(uint64(len(removed)))
	return len(removed)
}

// Evicted reports how many keys were dropped by capacity or expiry.
func (s *Store[V]) Evicted() uint64 {
	return s.evicted.Load()
}

func (s *Store[V]) shardFor(key string) *shard[V] {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

func (s *Store[V]) expired(e *entry[V], now time.Time) bool {
	return s.ttl > 0 && now.Sub(e.lastSeen) > s.ttl
}

func (sh *shard[V]) remove(elem *list.Element) {
	e := elem.Value.(*entry[V])
	delete(sh.entries, e.key)
	sh.order.Remove(elem)
}
