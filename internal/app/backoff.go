package app

import "time"

const (
	backoffBase  = 5 * time.Second
	backoffCap   = 60 * time.Second
	backoffReset = 5 * time.Minute
)

// backoff tracks reconnect delays for one failing component. The delay
// doubles per consecutive failure up to a cap, and falls back to the
// base once the component has stayed healthy long enough.
type backoff struct {
	failures int
	healthy  time.Time
}

// Next returns the delay to wait before the upcoming attempt and
// records the failure that triggered it.
func (b *backoff) Next() time.Duration {
	b.failures++
	d := backoffBase
	for i := 1; i < b.failures; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// Started marks the component as running. The failure count is not
// cleared yet; only sustained health does that.
func (b *backoff) Started(now time.Time) {
	b.healthy = now
}

// Observe resets the failure count once the component has been healthy
// for the reset window.
func (b *backoff) Observe(now time.Time) {
	if b.failures > 0 && !b.healthy.IsZero() && now.Sub(b.healthy) >= backoffReset {
		b.failures = 0
	}
}

// Stopped clears the health mark after the component exits.
func (b *backoff) Stopped() {
	b.healthy = time.Time{}
}
