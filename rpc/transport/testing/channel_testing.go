package testing

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dLink/rpc/transport"
)

// PairFactory creates two connected channels that have not been started yet
type PairFactory func(t *testing.T) (a, b transport.IChannel)

// deliveryTimeout bounds every wait in the suite
const deliveryTimeout = 10 * time.Second

// RunChannelTests runs the conformance suite for a channel implementation
func RunChannelTests(t *testing.T, name string, factory PairFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("OrderedDelivery", func(t *testing.T) {
			testOrderedDelivery(t, factory)
		})

		t.Run("BothDirections", func(t *testing.T) {
			testBothDirections(t, factory)
		})

		t.Run("MaxMessageSize", func(t *testing.T) {
			testMaxMessageSize(t, factory)
		})

		t.Run("ConcurrentSend", func(t *testing.T) {
			testConcurrentSend(t, factory)
		})

		t.Run("StartTwice", func(t *testing.T) {
			testStartTwice(t, factory)
		})

		t.Run("CloseNotifiesRemote", func(t *testing.T) {
			testCloseNotifiesRemote(t, factory)
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Collector records what a started channel delivers
type Collector struct {
	Messages chan []byte
	Closed   chan error
}

// StartCollector starts ch and returns the collector receiving its callbacks
func StartCollector(t testing.TB, ch transport.IChannel) *Collector {
	t.Helper()
	c := &Collector{
		Messages: make(chan []byte, 1024),
		Closed:   make(chan error, 1),
	}
	err := ch.Start(
		func(data []byte) { c.Messages <- data },
		func(err error) { c.Closed <- err },
	)
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	return c
}

// Next waits for the next message
func (c *Collector) Next(t testing.TB) []byte {
	t.Helper()
	select {
	case data := <-c.Messages:
		return data
	case err := <-c.Closed:
		t.Fatalf("channel closed while waiting for a message: %v", err)
	case <-time.After(deliveryTimeout):
		t.Fatal("timeout waiting for a message")
	}
	return nil
}

func numbered(i int, size int) []byte {
	msg := make([]byte, size)
	binary.BigEndian.PutUint32(msg, uint32(i))
	for j := 4; j < size; j++ {
		msg[j] = byte(i + j)
	}
	return msg
}

func closeBoth(a, b transport.IChannel) {
	_ = a.Close()
	_ = b.Close()
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testOrderedDelivery(t *testing.T, factory PairFactory) {
	a, b := factory(t)
	defer closeBoth(a, b)

	StartCollector(t, a)
	rx := StartCollector(t, b)

	const count = 200
	for i := 0; i < count; i++ {
		if err := a.Send(numbered(i, 64)); err != nil {
			t.Fatalf("Send(%d) failed: %v", i, err)
		}
	}

	for i := 0; i < count; i++ {
		got := rx.Next(t)
		if !bytes.Equal(got, numbered(i, 64)) {
			t.Fatalf("message %d: got %x", i, got[:4])
		}
	}
}

func testBothDirections(t *testing.T, factory PairFactory) {
	a, b := factory(t)
	defer closeBoth(a, b)

	rxA := StartCollector(t, a)
	rxB := StartCollector(t, b)

	if err := a.Send([]byte("ping")); err != nil {
		t.Fatalf("a.Send failed: %v", err)
	}
	if got := rxB.Next(t); string(got) != "ping" {
		t.Fatalf("b received %q, want ping", got)
	}

	if err := b.Send([]byte("pong")); err != nil {
		t.Fatalf("b.Send failed: %v", err)
	}
	if got := rxA.Next(t); string(got) != "pong" {
		t.Fatalf("a received %q, want pong", got)
	}
}

func testMaxMessageSize(t *testing.T, factory PairFactory) {
	a, b := factory(t)
	defer closeBoth(a, b)

	StartCollector(t, a)
	rx := StartCollector(t, b)

	limit := a.MaxMessageSize()
	if limit <= 0 {
		t.Fatalf("MaxMessageSize() = %d", limit)
	}

	if err := a.Send(make([]byte, limit+1)); !errors.Is(err, transport.ErrMessageTooLarge) {
		t.Errorf("Send(limit+1) = %v, want ErrMessageTooLarge", err)
	}

	largest := numbered(7, limit)
	if err := a.Send(largest); err != nil {
		t.Fatalf("Send(limit) failed: %v", err)
	}
	if got := rx.Next(t); !bytes.Equal(got, largest) {
		t.Errorf("largest message corrupted: got %d bytes", len(got))
	}
}

func testConcurrentSend(t *testing.T, factory PairFactory) {
	a, b := factory(t)
	defer closeBoth(a, b)

	StartCollector(t, a)
	rx := StartCollector(t, b)

	const senders = 8
	const perSender = 50

	var wg sync.WaitGroup
	errs := make(chan error, senders)
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				if err := a.Send([]byte(fmt.Sprintf("%d/%d", s, i))); err != nil {
					errs <- err
					return
				}
			}
		}(s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Send failed: %v", err)
	}

	next := make([]int, senders)
	for n := 0; n < senders*perSender; n++ {
		var s, i int
		msg := rx.Next(t)
		if _, err := fmt.Sscanf(string(msg), "%d/%d", &s, &i); err != nil {
			t.Fatalf("corrupted message %q", msg)
		}
		if i != next[s] {
			t.Fatalf("sender %d: got message %d, want %d", s, i, next[s])
		}
		next[s]++
	}
}

func testStartTwice(t *testing.T, factory PairFactory) {
	a, b := factory(t)
	defer closeBoth(a, b)

	StartCollector(t, a)
	StartCollector(t, b)

	err := a.Start(func([]byte) {}, func(error) {})
	if !errors.Is(err, transport.ErrAlreadyStarted) {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}
}

func testCloseNotifiesRemote(t *testing.T, factory PairFactory) {
	a, b := factory(t)
	defer closeBoth(a, b)

	local := StartCollector(t, a)
	remote := StartCollector(t, b)

	if err := a.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	// closing twice is fine
	_ = a.Close()

	for name, c := range map[string]*Collector{"local": local, "remote": remote} {
		select {
		case <-c.Closed:
		case <-time.After(deliveryTimeout):
			t.Fatalf("%s side was not notified about the close", name)
		}
	}

	if err := a.Send([]byte("late")); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send() after Close = %v, want ErrClosed", err)
	}
}
