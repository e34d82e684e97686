package geo

import "time"

const (
	defaultMaxFailures = 3
	defaultCoolDown    = 30 * time.Minute
)

// sourceState tracks one source's health and request quota. All access
// goes through the Locator lock.
type sourceState struct {
	src    Source
	limit  int
	window time.Duration

	healthy        bool
	failures       int
	unhealthySince time.Time

	windowStart time.Time
	used        int
}

func newSourceState(src Source) *sourceState {
	st := &sourceState{src: src, healthy: true}
	if rl, ok := src.(RateLimited); ok {
		st.limit, st.window = rl.RateLimit()
	}
	return st
}

func (s *sourceState) underLimitAt(now time.Time) bool {
	if s.limit <= 0 || s.window <= 0 {
		return true
	}
	if s.windowStart.IsZero() || now.Sub(s.windowStart) >= s.window {
		s.windowStart = now
		s.used = 0
	}
	return s.used < s.limit
}

func (s *sourceState) takeAt(now time.Time) {
	if s.limit <= 0 || s.window <= 0 {
		return
	}
	if s.windowStart.IsZero() || now.Sub(s.windowStart) >= s.window {
		s.windowStart = now
		s.used = 0
	}
	s.used++
}

func (s *sourceState) recordFailureAt(now time.Time, maxFailures int) bool {
	s.failures++
	if s.healthy && s.failures >= maxFailures {
		s.healthy = false
		s.unhealthySince = now
		return true
	}
	return false
}

func (s *sourceState) recordSuccess() {
	s.failures = 0
	s.healthy = true
	s.unhealthySince = time.Time{}
}

// coolDownAt marks the source healthy again once it has been benched for
// coolDown.
func (s *sourceState) coolDownAt(now time.Time, coolDown time.Duration) bool {
	if s.healthy || now.Sub(s.unhealthySince) < coolDown {
		return false
	}
	s.recordSuccess()
	return true
}
