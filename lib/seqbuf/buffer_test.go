package seqbuf

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// filledBuffer queues payloads of sizes 1..n into a fresh buffer
func filledBuffer(config Config, n int) *Buffer {
	b := New(config)
	for size := 1; size <= n; size++ {
		b.Queue(make([]byte, size))
	}
	return b
}

func sequences(items []Item) []uint64 {
	out := make([]uint64, 0, len(items))
	for _, item := range items {
		out = append(out, item.Sequence)
	}
	return out
}

func TestScenarioTrimAndPop(t *testing.T) {
	config := Config{MaxItems: 5, ExtraCapacity: 5}

	b := filledBuffer(config, 5)
	if b.ByteSize() != 15 || b.Size() != 5 {
		t.Fatalf("after queue: byteSize=%d size=%d, want 15/5", b.ByteSize(), b.Size())
	}

	b.Trim(9)
	if b.ByteSize() != 14 || b.Size() != 4 {
		t.Errorf("after trim(9): byteSize=%d size=%d, want 14/4", b.ByteSize(), b.Size())
	}
	if diff := cmp.Diff([]uint64{2, 3, 4, 5}, sequences(b.GetAll())); diff != "" {
		t.Errorf("sequences after trim (-want +got):\n%s", diff)
	}

	fresh := filledBuffer(config, 5)
	popped := fresh.PopToSequence(3)
	if fresh.ByteSize() != 9 || fresh.Size() != 2 {
		t.Errorf("after popToSequence(3): byteSize=%d size=%d, want 9/2", fresh.ByteSize(), fresh.Size())
	}
	if diff := cmp.Diff([]uint64{1, 2, 3}, sequences(popped)); diff != "" {
		t.Errorf("popped sequences (-want +got):\n%s", diff)
	}
}

func TestSequencesStrictlyIncreasing(t *testing.T) {
	b := New(Config{})
	var last uint64
	for i := 0; i < 100; i++ {
		item := b.Queue([]byte{byte(i)})
		if item.Sequence != last+1 {
			t.Fatalf("item %d got sequence %d, want %d", i, item.Sequence, last+1)
		}
		last = item.Sequence
	}

	b.Clear()
	if b.Size() != 0 || b.ByteSize() != 0 {
		t.Fatalf("Clear() left size=%d bytes=%d", b.Size(), b.ByteSize())
	}
	if item := b.Queue([]byte("x")); item.Sequence != 101 {
		t.Errorf("sequence after Clear() = %d, want 101", item.Sequence)
	}
}

func TestFirstSequence(t *testing.T) {
	b := New(Config{FirstSequence: 41})
	if item := b.Queue([]byte("a")); item.Sequence != 42 {
		t.Errorf("first sequence = %d, want 42", item.Sequence)
	}
	if b.LastSequence() != 42 {
		t.Errorf("LastSequence() = %d, want 42", b.LastSequence())
	}
}

func TestMaxItemsEvictsOldest(t *testing.T) {
	b := filledBuffer(Config{MaxItems: 3}, 5)

	if b.Size() != 3 {
		t.Fatalf("Size() = %d, want 3", b.Size())
	}
	if b.ByteSize() != 3+4+5 {
		t.Errorf("ByteSize() = %d, want 12", b.ByteSize())
	}
	if diff := cmp.Diff([]uint64{3, 4, 5}, sequences(b.GetAll())); diff != "" {
		t.Errorf("sequences (-want +got):\n%s", diff)
	}
}

func TestTrimKeepsNewestItem(t *testing.T) {
	b := New(Config{})
	b.Queue(make([]byte, 10))
	b.Queue(make([]byte, 100))

	before := b.ByteSize()
	dropped := b.Trim(5)

	if dropped != 1 {
		t.Errorf("Trim() dropped %d items, want 1", dropped)
	}
	if b.Size() != 1 || b.ByteSize() != 100 {
		t.Errorf("after trim: size=%d bytes=%d, want 1/100", b.Size(), b.ByteSize())
	}
	if b.ByteSize() > before {
		t.Error("Trim() increased the byte size")
	}

	// a trim with a generous budget is a no-op
	if dropped := b.Trim(1000); dropped != 0 {
		t.Errorf("Trim(1000) dropped %d items", dropped)
	}
}

func TestTrimSmallestSuffix(t *testing.T) {
	tests := []struct {
		budget    int
		wantBytes int
		wantSize  int
	}{
		{budget: 15, wantBytes: 15, wantSize: 5},
		{budget: 14, wantBytes: 14, wantSize: 4},
		{budget: 10, wantBytes: 9, wantSize: 2},
		{budget: 5, wantBytes: 5, wantSize: 1},
		{budget: 0, wantBytes: 5, wantSize: 1},
	}

	for _, tt := range tests {
		b := filledBuffer(Config{}, 5)
		b.Trim(tt.budget)
		if b.ByteSize() != tt.wantBytes || b.Size() != tt.wantSize {
			t.Errorf("Trim(%d): bytes=%d size=%d, want %d/%d",
				tt.budget, b.ByteSize(), b.Size(), tt.wantBytes, tt.wantSize)
		}
	}
}

func TestDequeue(t *testing.T) {
	b := New(Config{})
	if _, ok := b.Dequeue(); ok {
		t.Fatal("Dequeue() on empty buffer returned ok")
	}

	b.Queue([]byte("first"))
	b.Queue([]byte("second"))

	item, ok := b.Dequeue()
	if !ok || string(item.Payload) != "first" || item.Sequence != 1 {
		t.Errorf("Dequeue() = %+v, %v", item, ok)
	}
	if b.ByteSize() != len("second") {
		t.Errorf("ByteSize() = %d, want %d", b.ByteSize(), len("second"))
	}
}

func TestPopToSequenceBounds(t *testing.T) {
	b := filledBuffer(Config{}, 4)

	if popped := b.PopToSequence(0); len(popped) != 0 {
		t.Errorf("PopToSequence(0) popped %d items", len(popped))
	}
	if popped := b.PopToSequence(99); len(popped) != 4 {
		t.Errorf("PopToSequence(99) popped %d items, want 4", len(popped))
	}
	if b.Size() != 0 || b.ByteSize() != 0 {
		t.Errorf("buffer not empty: size=%d bytes=%d", b.Size(), b.ByteSize())
	}
}

func TestNoAliasing(t *testing.T) {
	b := New(Config{})
	payload := []byte("abc")
	b.Queue(payload)
	payload[0] = 'x'

	snapshot := b.GetAll()
	if string(snapshot[0].Payload) != "abc" {
		t.Fatalf("buffer aliases the queued slice: %q", snapshot[0].Payload)
	}

	snapshot[0].Payload[0] = 'y'
	if again := b.GetAll(); string(again[0].Payload) != "abc" {
		t.Errorf("snapshot aliases internal storage: %q", again[0].Payload)
	}
}

func TestQueueWithBuildError(t *testing.T) {
	b := New(Config{})
	b.Queue([]byte("a"))

	boom := errors.New("boom")
	if _, err := b.QueueWith(func(uint64) ([]byte, error) { return nil, boom }); !errors.Is(err, boom) {
		t.Fatalf("QueueWith() error = %v, want boom", err)
	}
	if b.Size() != 1 {
		t.Errorf("failed build mutated the buffer: size=%d", b.Size())
	}

	item, err := b.QueueWith(func(seq uint64) ([]byte, error) { return []byte{byte(seq)}, nil })
	if err != nil {
		t.Fatal(err)
	}
	if item.Sequence != 2 || item.Payload[0] != 2 {
		t.Errorf("QueueWith() = %+v, want sequence 2 embedded", item)
	}
}

func TestCompactionKeepsOrder(t *testing.T) {
	b := New(Config{})
	for i := 0; i < 200; i++ {
		b.Queue([]byte{byte(i)})
	}
	for i := 0; i < 150; i++ {
		if _, ok := b.Dequeue(); !ok {
			t.Fatal("unexpected empty buffer")
		}
	}

	all := b.GetAll()
	if len(all) != 50 {
		t.Fatalf("len(GetAll()) = %d, want 50", len(all))
	}
	for i, item := range all {
		if item.Sequence != uint64(151+i) {
			t.Fatalf("item %d has sequence %d, want %d", i, item.Sequence, 151+i)
		}
	}
}

func TestConcurrentQueue(t *testing.T) {
	b := New(Config{})
	const producers, perProducer = 8, 250

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				b.Queue([]byte{1})
			}
		}()
	}
	wg.Wait()

	all := b.GetAll()
	if len(all) != producers*perProducer {
		t.Fatalf("len(GetAll()) = %d, want %d", len(all), producers*perProducer)
	}
	for i := 1; i < len(all); i++ {
		if all[i].Sequence != all[i-1].Sequence+1 {
			t.Fatalf("gap between %d and %d", all[i-1].Sequence, all[i].Sequence)
		}
	}
	if b.ByteSize() != producers*perProducer {
		t.Errorf("ByteSize() = %d, want %d", b.ByteSize(), producers*perProducer)
	}
}
