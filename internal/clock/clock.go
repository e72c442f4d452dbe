// Package clock abstracts wall-clock operations so that time-dependent
// components (rate limiting windows, stream pacing) can be tested
// deterministically. Production code injects Real(); tests inject a
// *Fake and advance it by hand.
package clock

import "time"

// Clock is the minimal surface the service needs from the time package.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
