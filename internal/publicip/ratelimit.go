package publicip

import (
	"sync"
	"time"
)

// window counts calls over the trailing minute.
type window struct {
	mu        sync.Mutex
	callTimes []int64
}

func (w *window) prune(now int64) {
	cutoff := now - 60
	valid := w.callTimes[:0]
	for _, t := range w.callTimes {
		if t > cutoff {
			valid = append(valid, t)
		}
	}
	w.callTimes = valid
}

// Available reports whether the strategy may run now. A zero RateLimit
// means unlimited.
func (s *Strategy) Available() bool {
	if s.RateLimit <= 0 {
		return true
	}
	s.calls.mu.Lock()
	defer s.calls.mu.Unlock()
	s.calls.prune(time.Now().Unix())
	return len(s.calls.callTimes) < s.RateLimit
}

// RecordCall records a call timestamp.
func (s *Strategy) RecordCall() {
	s.calls.mu.Lock()
	defer s.calls.mu.Unlock()
	now := time.Now().Unix()
	s.calls.prune(now)
	s.calls.callTimes = append(s.calls.callTimes, now)
}

// UsedLastMinute returns how many calls were made in the last minute.
func (s *Strategy) UsedLastMinute() int {
	s.calls.mu.Lock()
	defer s.calls.mu.Unlock()
	s.calls.prune(time.Now().Unix())
	return len(s.calls.callTimes)
}
