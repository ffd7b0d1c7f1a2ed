//go:build !windows

package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/relaydesk/internal/common/logger"
)

type exitRecord struct {
	code        int
	intentional bool
}

type testCallbacks struct {
	mu     sync.Mutex
	output strings.Builder
	exits  []exitRecord
}

func (c *testCallbacks) callbacks() Callbacks {
	return Callbacks{
		OnOutput: func(stream string, chunk []byte) {
			c.mu.Lock()
			c.output.Write(chunk)
			c.mu.Unlock()
		},
		OnExit: func(code int, intentional bool) {
			c.mu.Lock()
			c.exits = append(c.exits, exitRecord{code, intentional})
			c.mu.Unlock()
		},
	}
}

func (c *testCallbacks) outputString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output.String()
}

func (c *testCallbacks) exitRecords() []exitRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]exitRecord, len(c.exits))
	copy(out, c.exits)
	return out
}

func shConfig(script string) Config {
	return Config{
		Binary:       "/bin/sh",
		Subcommand:   "-c",
		Args:         []string{script},
		ReadyMarkers: []string{"listening on"},
	}
}

func TestStartWaitReadyStop(t *testing.T) {
	cb := &testCallbacks{}
	s := New(logger.Default(), cb.callbacks())
	ctx := context.Background()

	err := s.Start(ctx, shConfig(`echo "listening on 127.0.0.1:18789"; sleep 30`))
	require.NoError(t, err)
	require.True(t, s.Running())
	require.NotZero(t, s.Pid())

	require.NoError(t, s.WaitReady(ctx, 5*time.Second))

	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.Running())
	assert.Zero(t, s.Pid())

	require.Eventually(t, func() bool { return len(cb.exitRecords()) == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.True(t, cb.exitRecords()[0].intentional)
	assert.Contains(t, cb.outputString(), "listening on")
}

func TestStartWhileRunningFails(t *testing.T) {
	cb := &testCallbacks{}
	s := New(logger.Default(), cb.callbacks())
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, shConfig(`sleep 30`)))
	defer s.Stop(ctx)

	err := s.Start(ctx, shConfig(`sleep 30`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestSpawnFailure(t *testing.T) {
	cb := &testCallbacks{}
	s := New(logger.Default(), cb.callbacks())

	err := s.Start(context.Background(), Config{Binary: "/nonexistent/definitely-absent-binary"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSpawn), "expected ErrSpawn, got %v", err)
	assert.False(t, s.Running())
}

func TestCrashDuringStartup(t *testing.T) {
	cb := &testCallbacks{}
	s := New(logger.Default(), cb.callbacks())
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, shConfig(`exit 3`)))
	err := s.WaitReady(ctx, 5*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProcessExited), "expected ErrProcessExited, got %v", err)
	assert.Equal(t, 3, s.ExitCode())

	require.Eventually(t, func() bool { return len(cb.exitRecords()) == 1 },
		2*time.Second, 10*time.Millisecond)
	rec := cb.exitRecords()[0]
	assert.Equal(t, 3, rec.code)
	assert.False(t, rec.intentional)
}

func TestPortConflictDetected(t *testing.T) {
	cb := &testCallbacks{}
	s := New(logger.Default(), cb.callbacks())
	ctx := context.Background()

	// No delay between the stderr write and the exit: the conflict scan
	// must win against the process teardown.
	require.NoError(t, s.Start(ctx, shConfig(`echo "bind: address already in use" >&2; exit 1`)))
	err := s.WaitReady(ctx, 5*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPortConflict), "expected ErrPortConflict, got %v", err)
}

func TestWaitReadyTimeoutAssumesStarted(t *testing.T) {
	cb := &testCallbacks{}
	s := New(logger.Default(), cb.callbacks())
	ctx := context.Background()

	// No readiness marker is ever printed; a process still alive at the
	// timeout counts as started.
	require.NoError(t, s.Start(ctx, shConfig(`sleep 30`)))
	defer s.Stop(ctx)

	require.NoError(t, s.WaitReady(ctx, 100*time.Millisecond))
}

func TestStderrIsRelayedToo(t *testing.T) {
	cb := &testCallbacks{}
	s := New(logger.Default(), cb.callbacks())
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, shConfig(`echo "to stderr" >&2; sleep 30`)))
	defer s.Stop(ctx)

	require.Eventually(t, func() bool {
		return strings.Contains(cb.outputString(), "to stderr")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopWhenNotRunning(t *testing.T) {
	s := New(logger.Default(), Callbacks{})
	require.NoError(t, s.Stop(context.Background()))
}

func TestEnvPassedToProcess(t *testing.T) {
	cb := &testCallbacks{}
	s := New(logger.Default(), cb.callbacks())
	ctx := context.Background()

	cfg := shConfig(`echo "marker=$TEST_SUPERVISOR_MARKER"; sleep 30`)
	cfg.Env = map[string]string{"TEST_SUPERVISOR_MARKER": "present"}
	require.NoError(t, s.Start(ctx, cfg))
	defer s.Stop(ctx)

	require.Eventually(t, func() bool {
		return strings.Contains(cb.outputString(), "marker=present")
	}, 2*time.Second, 10*time.Millisecond)
}
