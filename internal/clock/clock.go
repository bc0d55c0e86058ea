package clock

import "time"

// Clock is the time source used by the sync core. Production code uses
// Real(); tests inject a Fake to drive debounce and backoff timers.
type Clock interface {
	Now() time.Time

	// After returns a channel that receives once d has elapsed.
	// A non-positive d fires immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer cancels
	// the call if stopped first.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a cancelable scheduled call
type Timer struct {
	stopFunc func() bool
}

// Stop prevents the call from running. It returns false if the call
// already ran or was already stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Real returns a Clock backed by the time package
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stopFunc: t.Stop}
}
