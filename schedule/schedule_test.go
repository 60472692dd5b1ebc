package schedule

import (
	"testing"
	"time"
)

func TestNextDelay(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		ts := now.Add(d)
		return &ts
	}
	tests := []struct {
		name string
		last *time.Time
		want time.Duration
	}{
		{"nothing emitted", nil, 30 * time.Second},
		{"just emitted", at(0), 150 * time.Second},
		{"emitted a minute ago", at(-time.Minute), 90 * time.Second},
		{"target inside floor", at(-130 * time.Second), 30 * time.Second},
		{"target exactly now", at(-150 * time.Second), 30 * time.Second},
		{"ten minutes ago", at(-10 * time.Minute), 30 * time.Second},
		{"clock skew ahead", at(time.Minute), 210 * time.Second},
	}
	var s Scheduler
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.NextDelay(tt.last, now)
			if got != tt.want {
				t.Fatalf("NextDelay = %s, want %s", got, tt.want)
			}
			if got <= 0 {
				t.Fatalf("delay must be positive, got %s", got)
			}
		})
	}
}

func TestCustomTimings(t *testing.T) {
	s := Scheduler{Period: time.Minute, Floor: 5 * time.Second}
	now := time.Unix(1000, 0)
	last := now.Add(-58 * time.Second)
	if got := s.NextDelay(&last, now); got != 5*time.Second {
		t.Fatalf("expected floor of 5s, got %s", got)
	}
	if s.FloorDelay() != 5*time.Second {
		t.Fatalf("unexpected floor %s", s.FloorDelay())
	}
	if Default().FloorDelay() != FloorDelay {
		t.Fatalf("default floor should be %s", FloorDelay)
	}
}
