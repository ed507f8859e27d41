package clock

import "time"

// --------------------------------------------------------------------------
// Interface Definitions
// --------------------------------------------------------------------------

// Clock is the single time source of the messaging stack. Production code
// uses Real(), tests use Fake() and move time forward explicitly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d has elapsed.
	// If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer can cancel the call.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// --------------------------------------------------------------------------
// Timer and Ticker handles
// --------------------------------------------------------------------------

// Timer is a cancellable scheduled callback
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the Timer from firing. It returns true if the call stopped
// the timer and false if the timer already fired or was stopped before.
func (t *Timer) Stop() bool {
	if t == nil || t.stopFunc == nil {
		return false
	}
	return t.stopFunc()
}

// Ticker delivers periodic ticks on C. The channel has capacity 1, ticks are
// dropped if the consumer falls behind.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() {
	if t != nil && t.stopFunc != nil {
		t.stopFunc()
	}
}
