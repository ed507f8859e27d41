package ttlmap

import (
	"sort"
	"testing"
	"time"

	"github.com/ValentinKolb/dLink/lib/clock"
	"github.com/google/go-cmp/cmp"
)

const testTTL = 100 * time.Millisecond

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestMap() (*Map[string, int], *clock.FakeClock) {
	fake := clock.Fake(epoch)
	return New[string, int](testTTL, fake), fake
}

// accessors maps an accessor name to a check reporting whether "a" is visible
var accessors = map[string]func(m *Map[string, int]) bool{
	"Get": func(m *Map[string, int]) bool {
		_, ok := m.Get("a")
		return ok
	},
	"ContainsKey":   func(m *Map[string, int]) bool { return m.ContainsKey("a") },
	"ContainsValue": func(m *Map[string, int]) bool { return m.ContainsValue(1) },
	"Size":          func(m *Map[string, int]) bool { return m.Size() == 1 },
	"IsEmpty":       func(m *Map[string, int]) bool { return !m.IsEmpty() },
	"Range": func(m *Map[string, int]) bool {
		seen := false
		m.Range(func(k string, v int) bool {
			seen = seen || k == "a"
			return true
		})
		return seen
	},
}

func TestExpiryBoundaryPerAccessor(t *testing.T) {
	for name, visible := range accessors {
		t.Run(name, func(t *testing.T) {
			m, fake := newTestMap()
			m.Set("a", 1)

			if !visible(m) {
				t.Fatal("entry not visible at insertion time")
			}

			fake.Advance(testTTL - time.Nanosecond)
			if !visible(m) {
				t.Fatal("entry not visible at T+TTL-1")
			}

			fake.Advance(time.Nanosecond)
			if visible(m) {
				t.Fatal("entry still visible at T+TTL")
			}

			// the access physically removed the entry
			if len(m.entries) != 0 || m.expiry.Len() != 0 {
				t.Errorf("expired entry not removed: entries=%d heap=%d", len(m.entries), m.expiry.Len())
			}
		})
	}
}

func TestSetRestartsTTL(t *testing.T) {
	m, fake := newTestMap()
	m.Set("a", 1)

	fake.Advance(testTTL - time.Millisecond)
	m.Set("a", 2)

	fake.Advance(testTTL - time.Millisecond)
	v, ok := m.Get("a")
	if !ok || v != 2 {
		t.Errorf("Get() = %d, %v, want 2, true", v, ok)
	}
}

func TestRemove(t *testing.T) {
	m, fake := newTestMap()
	m.Set("a", 1)
	m.Set("b", 2)

	v, ok := m.Remove("a")
	if !ok || v != 1 {
		t.Errorf("Remove(a) = %d, %v", v, ok)
	}
	if _, ok := m.Remove("a"); ok {
		t.Error("second Remove(a) reported ok")
	}

	fake.Advance(testTTL)
	if _, ok := m.Remove("b"); ok {
		t.Error("Remove() returned an expired entry")
	}
}

func TestCleanup(t *testing.T) {
	m, fake := newTestMap()
	m.Set("old-1", 1)
	m.Set("old-2", 2)

	fake.Advance(testTTL / 2)
	m.Set("young", 3)

	fake.Advance(testTTL / 2)
	if removed := m.Cleanup(); removed != 2 {
		t.Errorf("Cleanup() removed %d entries, want 2", removed)
	}

	keys := m.Keys()
	sort.Strings(keys)
	if diff := cmp.Diff([]string{"young"}, keys); diff != "" {
		t.Errorf("Keys() (-want +got):\n%s", diff)
	}
}

func TestSetSweepsProactively(t *testing.T) {
	m, fake := newTestMap()
	m.Set("stale", 1)

	fake.Advance(testTTL + time.Millisecond)
	m.Set("fresh", 2)

	// the stale entry is gone from storage without any accessor touching it
	if _, exists := m.entries["stale"]; exists {
		t.Error("Set() did not sweep the expired entry")
	}
}

func TestClear(t *testing.T) {
	m, _ := newTestMap()
	m.Set("a", 1)
	m.Set("b", 2)
	m.Clear()

	if !m.IsEmpty() {
		t.Errorf("Size() = %d after Clear()", m.Size())
	}
	if m.expiry.Len() != 0 {
		t.Errorf("expiry heap holds %d keys after Clear()", m.expiry.Len())
	}
}

func TestRangeCanReenter(t *testing.T) {
	m, _ := newTestMap()
	m.Set("a", 1)
	m.Set("b", 2)

	m.Range(func(k string, _ int) bool {
		m.Remove(k)
		return true
	})
	if !m.IsEmpty() {
		t.Errorf("Size() = %d, want 0", m.Size())
	}
}

func TestSetWithTTL(t *testing.T) {
	m, fake := newTestMap()
	m.SetWithTTL("long", 1, 3*testTTL)
	m.Set("short", 2)

	fake.Advance(testTTL)
	if removed := m.Cleanup(); removed != 1 {
		t.Errorf("Cleanup() removed %d entries, want 1", removed)
	}
	if _, ok := m.Get("long"); !ok {
		t.Fatal("entry with a longer ttl expired with the default ttl")
	}

	fake.Advance(2*testTTL - time.Nanosecond)
	if !m.ContainsKey("long") {
		t.Fatal("entry not visible just before its own ttl")
	}
	fake.Advance(time.Nanosecond)
	if m.ContainsKey("long") {
		t.Error("entry visible at its own ttl")
	}
}

func TestSweepAndAccessorsAgreeOnBoundary(t *testing.T) {
	m, fake := newTestMap()
	m.Set("a", 1)

	fake.Advance(testTTL - time.Nanosecond)
	if removed := m.Cleanup(); removed != 0 {
		t.Fatalf("Cleanup() at T+TTL-1 removed %d entries", removed)
	}
	if !m.ContainsKey("a") {
		t.Fatal("entry not visible at T+TTL-1")
	}

	fake.Advance(time.Nanosecond)
	if removed := m.Cleanup(); removed != 1 {
		t.Errorf("Cleanup() at T+TTL removed %d entries, want 1", removed)
	}
}
