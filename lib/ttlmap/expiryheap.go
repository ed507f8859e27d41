package ttlmap

import (
	"container/heap"
	"fmt"
)

// The expiry heap combines a binary min-heap with a key index. The heap
// orders keys by their expiry time so the next entry to expire is always at
// the top, the index gives O(1) key lookups and O(log n) removal when an entry
// is deleted or re-stamped before it expires.
//
//   - Push, Pop, AddItem, RemoveByKey: O(log n)
//   - Peek, Contains: O(1)
//
// Not thread-safe, the owning Map serializes all access.

// heapItem is one key scheduled for expiry
type heapItem[K comparable] struct {
	Key      K     // key in the owning map
	Priority int64 // expiry time in unix nanoseconds
	index    int   // position in the heap, maintained by container/heap
}

func (i *heapItem[K]) String() string {
	return fmt.Sprintf("{Key: %v, Priority: %d}", i.Key, i.Priority)
}

// expiryHeap implements heap.Interface plus key based access
type expiryHeap[K comparable] struct {
	items    []*heapItem[K]
	itemsMap map[K]*heapItem[K]
}

func newExpiryHeap[K comparable]() *expiryHeap[K] {
	return &expiryHeap[K]{
		items:    make([]*heapItem[K], 0),
		itemsMap: make(map[K]*heapItem[K]),
	}
}

// --------------------------------------------------------------------------
// heap.Interface
// --------------------------------------------------------------------------

func (h *expiryHeap[K]) Len() int { return len(h.items) }

func (h *expiryHeap[K]) Less(i, j int) bool {
	return h.items[i].Priority < h.items[j].Priority
}

func (h *expiryHeap[K]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *expiryHeap[K]) Push(x any) {
	item := x.(*heapItem[K])
	item.index = len(h.items)
	h.items = append(h.items, item)
	h.itemsMap[item.Key] = item
}

func (h *expiryHeap[K]) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	h.items = old[:n-1]
	delete(h.itemsMap, item.Key)
	return item
}

// --------------------------------------------------------------------------
// Key based access
// --------------------------------------------------------------------------

// AddItem schedules key with the given priority, or moves it if it is already scheduled
func (h *expiryHeap[K]) AddItem(key K, priority int64) {
	if item, exists := h.itemsMap[key]; exists {
		item.Priority = priority
		heap.Fix(h, item.index)
		return
	}
	heap.Push(h, &heapItem[K]{Key: key, Priority: priority})
}

// RemoveByKey unschedules key and returns its priority
func (h *expiryHeap[K]) RemoveByKey(key K) (int64, bool) {
	item, exists := h.itemsMap[key]
	if !exists {
		return 0, false
	}
	heap.Remove(h, item.index)
	return item.Priority, true
}

// Peek returns the item expiring first without removing it
func (h *expiryHeap[K]) Peek() (*heapItem[K], bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return h.items[0], true
}

// PopMin removes and returns the item expiring first
func (h *expiryHeap[K]) PopMin() (*heapItem[K], bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return heap.Pop(h).(*heapItem[K]), true
}

// Contains reports whether key is scheduled
func (h *expiryHeap[K]) Contains(key K) bool {
	_, exists := h.itemsMap[key]
	return exists
}

// Reset drops every scheduled key
func (h *expiryHeap[K]) Reset() {
	h.items = h.items[:0]
	clear(h.itemsMap)
}
