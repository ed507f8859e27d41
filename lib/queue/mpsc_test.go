package queue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestBasicOperations pushes and consumes in order from a single producer
func TestBasicOperations(t *testing.T) {
	q := New[int]()
	defer q.Close()

	for i := 0; i < 10; i++ {
		if !q.Push(i) {
			t.Fatalf("Failed to push item %d", i)
		}
	}

	for i := 0; i < 10; i++ {
		select {
		case val := <-q.Recv():
			if val != i {
				t.Errorf("Expected %d, got %d", i, val)
			}
		case <-time.After(time.Second):
			t.Fatalf("Timeout waiting for item %d", i)
		}
	}

	select {
	case val := <-q.Recv():
		t.Errorf("Queue should be empty, but got %d", val)
	case <-time.After(10 * time.Millisecond):
	}
}

// TestConcurrentProducers checks that nothing is lost or duplicated and that
// per-producer order is preserved
func TestConcurrentProducers(t *testing.T) {
	q := New[[2]int]()
	defer q.Close()

	const numProducers = 8
	const itemsPerProducer = 1000

	var wg sync.WaitGroup
	for p := 0; p < numProducers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < itemsPerProducer; i++ {
				q.Push([2]int{p, i})
			}
		}(p)
	}

	next := make([]int, numProducers)
	for received := 0; received < numProducers*itemsPerProducer; received++ {
		select {
		case val := <-q.Recv():
			producer, index := val[0], val[1]
			if index != next[producer] {
				t.Fatalf("producer %d: got item %d, want %d", producer, index, next[producer])
			}
			next[producer]++
		case <-time.After(5 * time.Second):
			t.Fatalf("Timeout after %d items", received)
		}
	}
	wg.Wait()
}

// TestCloseDrains verifies queued items survive Close and Recv is closed afterwards
func TestCloseDrains(t *testing.T) {
	q := New[string]()
	q.Push("a")
	q.Push("b")
	q.Close()

	if q.Push("c") {
		t.Error("Push after Close should fail")
	}
	if !q.IsClosed() {
		t.Error("IsClosed() = false after Close")
	}

	var got []string
	for v := range q.Recv() {
		got = append(got, v)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("drained %v, want [a b]", got)
	}
	q.Wait()
}

func TestLen(t *testing.T) {
	q := New[int]()
	defer q.Close()

	// the drain goroutine holds at most one value while blocked on the channel
	for i := 0; i < 5; i++ {
		q.Push(i)
	}
	time.Sleep(20 * time.Millisecond)
	if n := q.Len(); n < 4 || n > 5 {
		t.Errorf("Len() = %d, want 4 or 5", n)
	}

	for i := 0; i < 5; i++ {
		<-q.Recv()
	}
}

// TestCloseDuringPush checks that every value a Push accepted is delivered
// even when Close races with the producers
func TestCloseDuringPush(t *testing.T) {
	for round := 0; round < 50; round++ {
		q := New[int]()

		var accepted atomic.Int64
		var wg sync.WaitGroup
		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; q.Push(i); i++ {
					accepted.Add(1)
				}
			}()
		}

		received := make(chan int64)
		go func() {
			var n int64
			for range q.Recv() {
				n++
			}
			received <- n
		}()

		time.Sleep(time.Millisecond)
		q.Close()
		wg.Wait()

		select {
		case n := <-received:
			if n != accepted.Load() {
				t.Fatalf("round %d: received %d values, %d were accepted", round, n, accepted.Load())
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("round %d: Recv was not closed", round)
		}
		q.Wait()
	}
}

func TestLenTracksPushAndReceive(t *testing.T) {
	q := New[int]()
	defer q.Close()

	if n := q.Len(); n != 0 {
		t.Fatalf("Len() = %d on an empty queue", n)
	}
	for i := 0; i < 100; i++ {
		q.Push(i)
	}
	for i := 0; i < 100; i++ {
		<-q.Recv()
	}
	if n := q.Len(); n != 0 {
		t.Errorf("Len() = %d after receiving everything, want 0", n)
	}
}
