package seqbuf

import "sync"

// Item is one buffered payload tagged with its sequence number
type Item struct {
	Sequence uint64 // assigned by the buffer, strictly increasing
	Payload  []byte // owned by the buffer, never handed out without copying
}

// Size returns the payload length in bytes
func (i Item) Size() int { return len(i.Payload) }

// clone returns a deep copy of the item
func (i Item) clone() Item {
	payload := make([]byte, len(i.Payload))
	copy(payload, i.Payload)
	return Item{Sequence: i.Sequence, Payload: payload}
}

// Config holds the limits of a Buffer
type Config struct {
	MaxItems      int    // count bound enforced on Queue, <= 0 means unbounded
	ExtraCapacity int    // slack in bytes added to every Trim budget
	FirstSequence uint64 // the first queued item gets FirstSequence+1
}

// Buffer is a bounded, byte-accounted store of recently sent items ordered by
// sequence number.
//
// Thread-safety: every method is a critical section guarded by one mutex, so
// sequence assignment is atomic with the enqueue.
type Buffer struct {
	mu        sync.Mutex
	config    Config
	items     []Item // ordered oldest first, items[head:] are live
	head      int
	lastSeq   uint64
	totalSize int
}

// New creates an empty buffer
func New(config Config) *Buffer {
	return &Buffer{
		config:  config,
		lastSeq: config.FirstSequence,
	}
}

// --------------------------------------------------------------------------
// Mutating operations
// --------------------------------------------------------------------------

// Queue copies payload into the buffer under the next sequence number. When
// the buffer already holds MaxItems items the oldest ones are evicted first.
func (b *Buffer) Queue(payload []byte) Item {
	item, _ := b.QueueWith(func(uint64) ([]byte, error) { return payload, nil })
	return item
}

// QueueWith assigns the next sequence number and calls build with it to
// produce the payload. Callers use it to embed the sequence into the encoded
// bytes. If build fails nothing changes and the sequence is not consumed.
// The returned item is a copy.
func (b *Buffer) QueueWith(build func(seq uint64) ([]byte, error)) (Item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	seq := b.lastSeq + 1
	payload, err := build(seq)
	if err != nil {
		return Item{}, err
	}

	if b.config.MaxItems > 0 {
		for b.len() >= b.config.MaxItems {
			b.popFront()
		}
	}

	item := Item{Sequence: seq, Payload: append([]byte(nil), payload...)}
	b.items = append(b.items, item)
	b.totalSize += len(item.Payload)
	b.lastSeq = seq

	return item.clone(), nil
}

// Dequeue removes and returns the oldest item. ok is false if the buffer is empty.
func (b *Buffer) Dequeue() (item Item, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.len() == 0 {
		return Item{}, false
	}
	return b.popFront(), true
}

// Trim drops the oldest items while the byte size exceeds maxBytes plus the
// configured ExtraCapacity. The newest item is always kept, even when it alone
// is over budget. It returns the number of dropped items.
func (b *Buffer) Trim(maxBytes int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	budget := maxBytes + b.config.ExtraCapacity
	dropped := 0
	for b.len() > 1 && b.totalSize > budget {
		b.popFront()
		dropped++
	}
	return dropped
}

// PopToSequence removes every item with a sequence <= seq and returns them in
// order. Items above seq are untouched.
func (b *Buffer) PopToSequence(seq uint64) []Item {
	b.mu.Lock()
	defer b.mu.Unlock()

	var popped []Item
	for b.len() > 0 && b.items[b.head].Sequence <= seq {
		popped = append(popped, b.popFront())
	}
	return popped
}

// Clear removes all items. The sequence counter keeps running.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = nil
	b.head = 0
	b.totalSize = 0
}

// --------------------------------------------------------------------------
// Read-only operations
// --------------------------------------------------------------------------

// GetAll returns a snapshot of all items in sequence order
func (b *Buffer) GetAll() []Item {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := make([]Item, 0, b.len())
	for _, item := range b.items[b.head:] {
		snapshot = append(snapshot, item.clone())
	}
	return snapshot
}

// Size returns the number of buffered items
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.len()
}

// ByteSize returns the sum of all payload lengths
func (b *Buffer) ByteSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalSize
}

// LastSequence returns the most recently assigned sequence number
func (b *Buffer) LastSequence() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeq
}

// --------------------------------------------------------------------------
// Helper Methods (callers hold b.mu)
// --------------------------------------------------------------------------

func (b *Buffer) len() int { return len(b.items) - b.head }

// popFront removes the oldest item and compacts the backing slice once half
// of it is dead
func (b *Buffer) popFront() Item {
	item := b.items[b.head]
	b.items[b.head] = Item{}
	b.head++
	b.totalSize -= len(item.Payload)

	if b.head == len(b.items) {
		b.items = b.items[:0]
		b.head = 0
	} else if b.head > 32 && b.head*2 >= len(b.items) {
		n := copy(b.items, b.items[b.head:])
		clear(b.items[n:])
		b.items = b.items[:n]
		b.head = 0
	}
	return item
}
