package security

import (
	"testing"
	"time"
)

func TestIsExpired(t *testing.T) {
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	clock := ClockFunc(func() time.Time { return base })

	tests := []struct {
		name      string
		expiresAt time.Time
		skew      time.Duration
		want      bool
	}{
		{name: "future deadline", expiresAt: base.Add(time.Minute), want: false},
		{name: "past deadline", expiresAt: base.Add(-time.Minute), want: true},
		{name: "zero deadline never expires", expiresAt: time.Time{}, want: false},
		{name: "past deadline inside skew", expiresAt: base.Add(-3 * time.Second), skew: 5 * time.Second, want: false},
		{name: "past deadline beyond skew", expiresAt: base.Add(-6 * time.Second), skew: 5 * time.Second, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpired(clock, tt.expiresAt, tt.skew); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}
