package state

import (
	"log/slog"
	"time"
)

// sweepLoop periodically purges expired tokens until Stop is called.
func (s *Store) sweepLoop() {
	for {
		select {
		case <-s.sweepTicker.C:
			s.cleanup()
		case <-s.stopSweep:
			return
		}
	}
}

// cleanup removes every token older than maxAge.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	expiredCount := 0

	for state, created := range s.entries {
		if now.Sub(created) > s.maxAge {
			delete(s.entries, state)
			expiredCount++
		}
	}

	if expiredCount > 0 {
		slog.Debug("purged expired OAuth state tokens", "count", expiredCount, "remaining", len(s.entries))
	}
}
