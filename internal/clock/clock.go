// Package clock abstracts timers and the current time so the connection
// manager's retry and keepalive scheduling can be driven deterministically
// in tests. Production code injects Real(); tests inject NewFake().
package clock

import "time"

// Clock is the time capability handed to components that schedule work.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d has
	// elapsed. A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc runs f in its own goroutine once d has elapsed. The
	// returned Timer cancels the pending call via Stop; its C is nil.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker delivers ticks on C every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Timer is a single scheduled event. C is nil for AfterFunc timers.
type Timer struct {
	C <-chan time.Time

	stop  func() bool
	reset func(time.Duration) bool
}

// Stop cancels the timer. It reports whether the call prevented the timer
// from firing.
func (t *Timer) Stop() bool {
	return t.stop()
}

// Reset re-arms the timer to fire after d. It reports whether the timer
// was still active.
func (t *Timer) Reset(d time.Duration) bool {
	return t.reset(d)
}

// Ticker delivers a tick on C every interval. C has capacity 1; ticks a
// slow consumer misses are dropped, matching time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop turns the ticker off. It does not close C.
func (t *Ticker) Stop() {
	t.stop()
}

// Reset changes the interval and restarts the tick cycle.
func (t *Ticker) Reset(d time.Duration) {
	t.reset(d)
}

// Real returns a Clock backed by the time package.
func Real() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop, reset: t.Reset}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop, reset: func(d time.Duration) { t.Reset(d) }}
}

func (realClock) Sleep(d time.Duration) {
	time.Sleep(d)
}
