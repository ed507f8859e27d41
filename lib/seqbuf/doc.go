// Package seqbuf provides a bounded, byte-accounted buffer of recently sent
// packets, each tagged with a strictly increasing sequence number.
//
// Sessions record every reliable outbound packet here. When the remote side
// acknowledges a sequence the buffer is pruned with PopToSequence, and after a
// channel resume everything still buffered is replayed in order.
//
// Key Components:
//
//   - Item: a payload plus its sequence number. Items handed out by the buffer
//     are always deep copies.
//
//   - Buffer: the ordered store. Queue/QueueWith assign sequence numbers,
//     Dequeue and PopToSequence remove from the oldest end and Trim enforces a
//     byte budget.
//
// Limits:
//
//	MaxItems bounds the item count on every Queue, evicting oldest first.
//	Trim(maxBytes) is a soft byte budget: it removes oldest items while the
//	total exceeds maxBytes+ExtraCapacity but never removes the newest item, so
//	a single packet larger than the budget is still retained.
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Sequence assignment is atomic
//	with the enqueue, so concurrent producers never observe gaps or reuse.
//
// Usage:
//
//	buf := seqbuf.New(seqbuf.Config{MaxItems: 1024})
//	item := buf.Queue(encoded)
//	// ... the peer acknowledges up to item.Sequence
//	buf.PopToSequence(item.Sequence)
package seqbuf
