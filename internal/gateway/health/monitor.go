// Package health evaluates gateway liveness on an interval and triggers
// supervised auto-restart after consecutive failures.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/common/logger"
)

// CheckFunc is the composite liveness predicate: process alive AND duplex
// connection open AND authenticated.
type CheckFunc func() bool

// RestartFunc performs the supervised stop+start sequence.
type RestartFunc func(ctx context.Context) error

// Monitor runs the periodic check while the session is authenticated.
type Monitor struct {
	interval  time.Duration
	threshold int
	settle    time.Duration
	check     CheckFunc
	restart   RestartFunc
	logger    *logger.Logger

	mu       sync.Mutex
	failures int
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Monitor. threshold is the number of consecutive failing
// checks that triggers an auto-restart.
func New(interval time.Duration, threshold int, settle time.Duration, check CheckFunc, restart RestartFunc, log *logger.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if threshold <= 0 {
		threshold = 3
	}
	return &Monitor{
		interval:  interval,
		threshold: threshold,
		settle:    settle,
		check:     check,
		restart:   restart,
		logger:    log.WithFields(zap.String("component", "health-monitor")),
	}
}

// Start begins monitoring. Idempotent while already running. Call only once
// the session is authenticated; an open-but-unauthenticated connection must
// never be treated as healthy.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.failures = 0
	m.done = make(chan struct{})
	go m.run(ctx)
}

// Stop halts monitoring and waits for the loop to exit. Safe to call when
// not running.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// ResetFailures zeroes the consecutive-failure counter. Called on fresh
// (re)authentication.
func (m *Monitor) ResetFailures() {
	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()
}

// Failures returns the current consecutive-failure count.
func (m *Monitor) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Running reports whether the monitor loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.check() {
				m.mu.Lock()
				m.failures = 0
				m.mu.Unlock()
				continue
			}

			m.mu.Lock()
			m.failures++
			failures := m.failures
			m.mu.Unlock()
			m.logger.Warn("health check failed", zap.Int("consecutive", failures), zap.Int("threshold", m.threshold))

			if failures < m.threshold {
				continue
			}

			// Pause the ticker while the restart runs so the restart
			// window itself doesn't count as more failures.
			ticker.Stop()
			m.logger.Error("health threshold reached, triggering auto-restart")

			restartCtx, cancelRestart := context.WithTimeout(ctx, 2*time.Minute)
			err := m.restart(restartCtx)
			cancelRestart()
			if err != nil {
				// Re-arm regardless: a transient restart failure must
				// not permanently disable self-healing.
				m.logger.Error("auto-restart failed, monitoring re-armed", zap.Error(err))
			} else {
				m.logger.Info("auto-restart complete")
			}

			m.mu.Lock()
			m.failures = 0
			m.mu.Unlock()

			if m.settle > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(m.settle):
				}
			}
			ticker.Reset(m.interval)
		}
	}
}
