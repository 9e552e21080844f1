// Package presence tracks per-actor online and typing state of a ticket and
// flushes debounced transitions to the local projection and the persistence
// store.
package presence

import (
	"sync"
	"time"

	"github.com/raphaelgruber/chatsync/internal/clock"
)

// DebouncedFlag is a boolean that turns on immediately when armed and turns
// off once it has not been re-armed for a full window. Each transition is
// flushed exactly once.
//
// The flush callback runs while the flag's lock is held and must not call
// back into the flag.
type DebouncedFlag struct {
	mu     sync.Mutex
	clock  clock.Clock
	window time.Duration
	flush  func(bool)

	on    bool
	timer clock.Timer
	// gen invalidates timer callbacks that lost a race with Arm or Flush.
	gen     uint64
	stopped bool
}

// NewDebouncedFlag creates an idle flag.
func NewDebouncedFlag(clk clock.Clock, window time.Duration, flush func(bool)) *DebouncedFlag {
	if clk == nil {
		clk = clock.Real()
	}
	return &DebouncedFlag{clock: clk, window: window, flush: flush}
}

// Arm turns the flag on (flushing true on the idle to active edge) and
// restarts the silence window.
func (f *DebouncedFlag) Arm() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		return
	}
	if !f.on {
		f.on = true
		f.flush(true)
	}
	f.cancelLocked()
	gen := f.gen
	f.timer = f.clock.AfterFunc(f.window, func() { f.expire(gen) })
}

func (f *DebouncedFlag) expire(gen uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if gen != f.gen || !f.on {
		return
	}
	f.on = false
	f.flush(false)
}

// Flush forces the flag off now, cancelling the pending window. It flushes
// false only if the flag was on.
func (f *DebouncedFlag) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelLocked()
	if f.on {
		f.on = false
		f.flush(false)
	}
}

// Stop forces the flag off and ignores any later Arm.
func (f *DebouncedFlag) Stop() {
	f.Flush()
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
}

// Active reports whether the flag is currently on.
func (f *DebouncedFlag) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.on
}

func (f *DebouncedFlag) cancelLocked() {
	f.gen++
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}
