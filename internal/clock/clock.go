// Package clock abstracts time so lease deadlines and retry backoff can be
// driven by a virtual clock in tests.
//
// Production code uses Real(). Tests use Fake(t0) and move time forward with
// Advance; tickers and After channels fire as the fake time passes their
// deadlines.
package clock

import "time"

// Clock is the subset of the time package the controller depends on.
type Clock interface {
	Now() time.Time
	// After returns a channel that receives once d has elapsed. If d <= 0 the
	// channel is ready immediately.
	After(d time.Duration) <-chan time.Time
	// NewTicker panics if d <= 0, like time.NewTicker.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers periodic ticks on C. C has capacity 1; ticks are dropped
// when the reader falls behind.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns the ticker off. It does not close C.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}
