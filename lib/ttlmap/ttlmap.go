package ttlmap

import (
	"sync"
	"time"

	"github.com/ValentinKolb/dLink/lib/clock"
)

// entry is a stored value and the unix nanosecond it expires at
type entry[V any] struct {
	value     V
	expiresAt int64
}

// Map is an associative container whose entries expire a TTL after they
// were last written. The TTL is the map default or the one given to
// SetWithTTL. Expired entries are invisible to every accessor and are removed
// as a side effect of the access. Cleanup sweeps all expired entries
// proactively.
//
// The clock passed to New is the only time source. Visibility and sweeps both
// compare unix nanoseconds of that clock.
//
// Thread-safety: all methods are safe for concurrent use.
type Map[K comparable, V comparable] struct {
	mu          sync.Mutex
	ttl         time.Duration
	clock       clock.Clock
	entries     map[K]*entry[V]
	expiry      *expiryHeap[K]
	lastCleanup time.Time
}

// New creates an empty map with the given ttl. A nil clock falls back to clock.Real().
func New[K comparable, V comparable](ttl time.Duration, clk clock.Clock) *Map[K, V] {
	if clk == nil {
		clk = clock.Real()
	}
	return &Map[K, V]{
		ttl:         ttl,
		clock:       clk,
		entries:     make(map[K]*entry[V]),
		expiry:      newExpiryHeap[K](),
		lastCleanup: clk.Now(),
	}
}

// TTL returns the configured time-to-live
func (m *Map[K, V]) TTL() time.Duration { return m.ttl }

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// Get returns the value stored under key. ok is false if the key is missing or expired.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key, m.clock.Now())
	if !ok {
		return value, false
	}
	return e.value, true
}

// Set stores value under key and restarts the key's TTL. Set also sweeps the
// whole map when more than half a TTL has passed since the last sweep.
func (m *Map[K, V]) Set(key K, value V) {
	m.SetWithTTL(key, value, m.ttl)
}

// SetWithTTL is Set with a per entry ttl, ttl <= 0 uses the map default
func (m *Map[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.ttl
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if now.Sub(m.lastCleanup) > m.ttl/2 {
		m.sweep(now)
	}

	expiresAt := now.UnixNano() + int64(ttl)
	m.entries[key] = &entry[V]{value: value, expiresAt: expiresAt}
	m.expiry.AddItem(key, expiresAt)
}

// Remove deletes key and returns the value it held, if it was live
func (m *Map[K, V]) Remove(key K) (value V, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key, m.clock.Now())
	if !ok {
		return value, false
	}
	m.delete(key)
	return e.value, true
}

// ContainsKey reports whether key holds a live entry
func (m *Map[K, V]) ContainsKey(key K) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.live(key, m.clock.Now())
	return ok
}

// ContainsValue reports whether any live entry holds value
func (m *Map[K, V]) ContainsValue(value V) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweep(m.clock.Now())
	for _, e := range m.entries {
		if e.value == value {
			return true
		}
	}
	return false
}

// Size returns the number of live entries
func (m *Map[K, V]) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweep(m.clock.Now())
	return len(m.entries)
}

// IsEmpty reports whether the map has no live entries
func (m *Map[K, V]) IsEmpty() bool {
	return m.Size() == 0
}

// Range calls fn for every live entry until fn returns false. The entries are
// snapshotted first, so fn may call back into the map.
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	m.mu.Lock()
	m.sweep(m.clock.Now())
	keys := make([]K, 0, len(m.entries))
	values := make([]V, 0, len(m.entries))
	for k, e := range m.entries {
		keys = append(keys, k)
		values = append(values, e.value)
	}
	m.mu.Unlock()

	for i := range keys {
		if !fn(keys[i], values[i]) {
			return
		}
	}
}

// Keys returns the keys of all live entries in no particular order
func (m *Map[K, V]) Keys() []K {
	var keys []K
	m.Range(func(key K, _ V) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// Cleanup removes every expired entry and returns how many were removed
func (m *Map[K, V]) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sweep(m.clock.Now())
}

// Clear removes all entries
func (m *Map[K, V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.entries)
	m.expiry.Reset()
}

// --------------------------------------------------------------------------
// Helper Methods (callers hold m.mu)
// --------------------------------------------------------------------------

func (m *Map[K, V]) expired(e *entry[V], now time.Time) bool {
	return now.UnixNano() >= e.expiresAt
}

// live returns the entry for key, evicting it if it has expired
func (m *Map[K, V]) live(key K, now time.Time) (*entry[V], bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if m.expired(e, now) {
		m.delete(key)
		return nil, false
	}
	return e, true
}

func (m *Map[K, V]) delete(key K) {
	delete(m.entries, key)
	m.expiry.RemoveByKey(key)
}

// sweep pops expired keys from the top of the expiry heap
func (m *Map[K, V]) sweep(now time.Time) int {
	m.lastCleanup = now
	limit := now.UnixNano()

	removed := 0
	for {
		oldest, ok := m.expiry.Peek()
		if !ok || oldest.Priority > limit {
			return removed
		}
		m.expiry.PopMin()
		delete(m.entries, oldest.Key)
		removed++
	}
}
