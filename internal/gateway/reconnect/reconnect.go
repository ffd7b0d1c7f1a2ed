// Package reconnect decides when and how the duplex connection is
// re-established after an unexpected loss.
package reconnect

import (
	"sync"
	"time"
)

// Policy tunes the linear-capped backoff. Each failed attempt waits
// min(Base*attempt, Cap); after MaxAttempts the manager reports exhaustion
// so the caller escalates to a full supervised restart instead of retrying
// forever. The gateway's own startup time is bounded, so unbounded
// exponential growth buys nothing here.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// Manager tracks attempt state and the ignore-next-close latch.
type Manager struct {
	policy Policy

	mu       sync.Mutex
	attempts int
	suppress bool
}

// New creates a Manager with the given policy.
func New(policy Policy) *Manager {
	if policy.Base <= 0 {
		policy.Base = time.Second
	}
	if policy.Cap < policy.Base {
		policy.Cap = policy.Base
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 5
	}
	return &Manager{policy: policy}
}

// Next registers a new attempt and returns its backoff delay. The second
// return is false when the attempt budget is exhausted; no delay is valid
// then and the caller escalates.
func (m *Manager) Next() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempts >= m.policy.MaxAttempts {
		return 0, false
	}
	m.attempts++
	return m.Delay(m.attempts), true
}

// Delay computes the backoff for the given 1-based attempt number.
func (m *Manager) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := m.policy.Base * time.Duration(attempt)
	if d > m.policy.Cap {
		d = m.policy.Cap
	}
	return d
}

// Reset clears the attempt counter. Called on every successful
// authentication.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
}

// Attempts returns the number of attempts consumed since the last reset.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// SuppressNext arms the one-shot latch: the next observed connection close
// is caller-initiated and must not trigger reconnection.
func (m *Manager) SuppressNext() {
	m.mu.Lock()
	m.suppress = true
	m.mu.Unlock()
}

// ConsumeSuppression reports and clears the latch.
func (m *Manager) ConsumeSuppression() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	was := m.suppress
	m.suppress = false
	return was
}
