// Package state keeps the short-lived CSRF state tokens that bind an OAuth2
// authorization redirect to its callback.
package state

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultMaxAge is how long an unused state token stays valid.
	DefaultMaxAge = 30 * time.Minute

	// DefaultSweepInterval is how often expired tokens are purged.
	DefaultSweepInterval = 10 * time.Minute
)

// Store holds state tokens in memory with TTL-based cleanup.
// It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[string]time.Time // state -> created at
	maxAge  time.Duration

	sweepTicker *time.Ticker
	stopSweep   chan struct{}
	stopOnce    sync.Once
}

// NewStore creates a store and starts its background sweep goroutine.
func NewStore(maxAge, sweepInterval time.Duration) *Store {
	s := &Store{
		entries:     make(map[string]time.Time),
		maxAge:      maxAge,
		sweepTicker: time.NewTicker(sweepInterval),
		stopSweep:   make(chan struct{}),
	}

	go s.sweepLoop()

	return s
}

// NewDefaultStore creates a store with a 30 minute lifetime and a
// 10 minute sweep interval.
func NewDefaultStore() *Store {
	return NewStore(DefaultMaxAge, DefaultSweepInterval)
}

// Stop stops the sweep goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		s.sweepTicker.Stop()
		close(s.stopSweep)
	})
}

// Create generates and records a new state token (64 hex characters).
func (s *Store) Create() (string, error) {
	state, err := generateState()
	if err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}

	s.mu.Lock()
	s.entries[state] = time.Now()
	s.mu.Unlock()

	return state, nil
}

// Consume reports whether state was issued by Create and has not been used
// or expired. A token is accepted at most once.
func (s *Store) Consume(state string) bool {
	if state == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	created, ok := s.entries[state]
	if !ok {
		return false
	}
	delete(s.entries, state)

	return time.Since(created) <= s.maxAge
}

// Count returns the number of stored tokens, including expired ones not
// yet swept.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// generateState returns 32 random bytes hex-encoded.
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
