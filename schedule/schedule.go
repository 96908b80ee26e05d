// Package schedule decides how long the scan loop waits between passes.
package schedule

import (
	"sync"
	"time"
)

// Policy holds the time-of-day interval rules.
// Hours are local to Location; a window with Start > End wraps past midnight.
type Policy struct {
	Location         *time.Location
	Interval         time.Duration // Regular wait between passes
	LowHoursInterval time.Duration // Wait between passes inside the low-activity window
	LowHoursStart    int           // First hour of the window, 0-23
	LowHoursEnd      int           // First hour after the window, 0-23
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		Location:         time.UTC,
		Interval:         60 * time.Second,
		LowHoursInterval: 30 * time.Minute,
		LowHoursStart:    23,
		LowHoursEnd:      6,
	}
}

// InLowHours reports whether hour falls in the low-activity window.
func (p Policy) InLowHours(hour int) bool {
	if p.LowHoursStart <= p.LowHoursEnd {
		return p.LowHoursStart <= hour && hour < p.LowHoursEnd
	}
	return hour >= p.LowHoursStart || hour < p.LowHoursEnd
}

// Next returns the wait before the pass following one that ran at now.
//
// Inside the low window the low-hours interval applies, except during the window's last hour:
// there the wait is cut to the time left until the top of the next hour, but never below Interval,
// so the first active-hours pass is not delayed by a long low-hours sleep.
func (p Policy) Next(now time.Time) time.Duration {
	if p.Location != nil {
		now = now.In(p.Location)
	}
	hour := now.Hour()
	if !p.InLowHours(hour) {
		return p.Interval
	}

	if !p.InLowHours((hour + 1) % 24) {
		remaining := time.Duration((59-now.Minute())*60+(60-now.Second())) * time.Second
		if remaining < p.LowHoursInterval {
			return max(remaining, p.Interval)
		}
	}
	return p.LowHoursInterval
}

// Scheduler serves the current policy and lets it be replaced while the scan loop runs.
type Scheduler struct {
	policy Policy
	mu     sync.RWMutex
}

// New creates a scheduler with the given policy.
func New(p Policy) *Scheduler {
	return &Scheduler{policy: p}
}

// Next returns the wait after a pass that ran at now, according to the current policy.
func (s *Scheduler) Next(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy.Next(now)
}

// Policy returns the current policy.
func (s *Scheduler) Policy() Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// Apply replaces the policy.
func (s *Scheduler) Apply(p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
}
