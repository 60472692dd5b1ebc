// Package schedule computes how long the engine waits between status polls.
package schedule

import "time"

const (
	SamplingPeriod = 150 * time.Second // EasyView sensors report every 2.5 minutes
	FloorDelay     = 30 * time.Second  // minimum gap between two polls
)

// Scheduler paces polling to the sensor's sampling period. The zero value uses
// SamplingPeriod and FloorDelay.
type Scheduler struct {
	Period time.Duration
	Floor  time.Duration
}

// Default returns a Scheduler with the vendor's nominal timings.
func Default() Scheduler {
	return Scheduler{Period: SamplingPeriod, Floor: FloorDelay}
}

// NextDelay returns the wait before the next poll: one sampling period after the
// last emitted reading, but never less than the floor. A nil last means nothing has
// been emitted yet.
func (s Scheduler) NextDelay(last *time.Time, now time.Time) time.Duration {
	floor := s.floor()
	if last == nil {
		return floor
	}
	delay := last.Add(s.period()).Sub(now)
	if delay < floor {
		return floor
	}
	return delay
}

// FloorDelay returns the configured floor.
func (s Scheduler) FloorDelay() time.Duration {
	return s.floor()
}

func (s Scheduler) period() time.Duration {
	if s.Period <= 0 {
		return SamplingPeriod
	}
	return s.Period
}

func (s Scheduler) floor() time.Duration {
	if s.Floor <= 0 {
		return FloorDelay
	}
	return s.Floor
}
