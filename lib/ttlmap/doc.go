// Package ttlmap provides a generic key-value map whose entries expire a
// time-to-live after they were written. The TTL is a map wide default that
// SetWithTTL overrides per entry.
//
// Expiration is lazy plus proactive: every accessor first evicts what it
// touches if the entry is expired, and Cleanup (or a Set arriving more than
// half a TTL after the last sweep) removes all expired entries at once. An
// entry written at T is visible up to T+TTL-1 and gone from T+TTL on.
//
// Key Components:
//
//   - Map: the mutex-guarded container. All time is read from an injected
//     clock.Clock so tests can move time deterministically.
//
//   - expiryHeap: a min-heap over expiry times indexed by key. Sweeps pop
//     from its top, so a cleanup costs O(expired * log n) instead of a scan.
//
// The RPC engine uses a Map to correlate in-flight calls by request id. There
// the TTL is a safety net against leaked entries, the call deadlines
// themselves are driven by explicit timers. Every call entry is stored with a
// TTL that outlives its deadline.
package ttlmap
