package security

import "time"

// Clock supplies the current time. It is injectable so that expiry behavior
// can be tested without sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock, backed by time.Now.
type SystemClock struct{}

// Now returns the current system time.
func (SystemClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// IsExpired reports whether expiresAt has passed according to clock, with a
// grace period for clock skew between cooperating systems. A zero expiresAt
// never expires. The grace period extends the usable lifetime, so validators
// default it to zero and only raise it when NTP drift is a real concern.
func IsExpired(clock Clock, expiresAt time.Time, skew time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return clock.Now().After(expiresAt.Add(skew))
}
