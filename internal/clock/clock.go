// Package clock provides an injectable time source so that debounce and
// polling timers can be driven deterministically in tests.
//
// Production code uses Real(). Tests use Fake(), whose timers only fire when
// Advance is called.
package clock

import "time"

// Clock abstracts the time operations used by the sync engine.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer can cancel
	// the pending call.
	AfterFunc(d time.Duration, f func()) Timer

	// NewTicker delivers ticks on C every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop cancels the call. Returns false if it already fired or was stopped.
	Stop() bool
	// Reset re-arms the call to fire d from now.
	Reset(d time.Duration) bool
}

// Ticker delivers periodic ticks. C has capacity 1; slow consumers drop ticks.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
