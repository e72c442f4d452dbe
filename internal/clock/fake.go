package clock

import (
	"sync"
	"time"
)

// Fake is a manually advanced Clock. Sleep returns immediately but
// records the requested duration so tests can assert on pacing without
// real delays.
type Fake struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
}

var _ Clock = (*Fake)(nil)

// NewFake returns a Fake positioned at the given start time.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	f.mu.Lock()
	f.slept += d
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Advance moves the fake time forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Slept reports the total duration passed to Sleep so far.
func (f *Fake) Slept() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slept
}
