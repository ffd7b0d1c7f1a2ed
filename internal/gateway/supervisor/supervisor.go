// Package supervisor owns the lifecycle of the external gateway process:
// spawn, readiness detection, forced termination, and cleanup of orphaned
// instances left behind by prior runs.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/common/logger"
)

// Errors surfaced by the supervisor.
var (
	// ErrSpawn means the gateway binary is missing or could not be
	// launched. Fatal, not retried here.
	ErrSpawn = errors.New("gateway spawn failed")

	// ErrPortConflict means the gateway's stderr reported its listen port
	// as taken. The caller runs an orphan-cleanup pass and retries once.
	ErrPortConflict = errors.New("gateway port conflict")

	// ErrProcessExited means the gateway exited while it was expected to
	// be running.
	ErrProcessExited = errors.New("gateway process exited")
)

var portConflictMarkers = []string{"address already in use", "eaddrinuse", "bind:"}

// Config describes how to launch and observe the gateway process.
type Config struct {
	Binary        string
	Subcommand    string
	Args          []string
	Env           map[string]string
	Workdir       string
	ReadyMarkers  []string
	ReadyTimeout  time.Duration
	OrphanPattern string
	StopGrace     time.Duration // wait for exit confirmation after the kill
}

// Callbacks receive process output and exit notifications. OnOutput is called
// in stream read order; OnExit fires exactly once per started process with
// the exit code and whether the exit was caller-initiated.
type Callbacks struct {
	OnOutput func(stream string, chunk []byte)
	OnExit   func(code int, intentional bool)
}

// Supervisor manages at most one gateway process at a time.
type Supervisor struct {
	logger *logger.Logger
	cb     Callbacks

	mu       sync.Mutex
	cmd      *exec.Cmd
	running  bool
	stopping bool
	exited   chan struct{}
	exitCode int
	streamWG *sync.WaitGroup
	stopWait time.Duration

	ready        chan struct{}
	readyOnce    *sync.Once
	readyScan    []byte
	portConflict atomic.Bool
}

// New creates a Supervisor.
func New(log *logger.Logger, cb Callbacks) *Supervisor {
	return &Supervisor{
		logger: log.WithFields(zap.String("component", "supervisor")),
		cb:     cb,
	}
}

// Start scans for and kills orphaned gateway instances, spawns the process,
// and begins streaming its output. It returns once the process is spawned;
// use WaitReady to block until the readiness signal.
func (s *Supervisor) Start(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("gateway already running (pid %d)", s.cmd.Process.Pid)
	}

	if cfg.OrphanPattern != "" {
		s.KillOrphans(cfg.OrphanPattern)
	}

	args := make([]string, 0, 1+len(cfg.Args))
	if cfg.Subcommand != "" {
		args = append(args, cfg.Subcommand)
	}
	args = append(args, cfg.Args...)

	workdir := cfg.Workdir
	if workdir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			workdir = home
		}
	}

	// exec.Command rather than CommandContext: shutdown is driven by Stop,
	// not by context cancellation, so the kill path stays in one place.
	cmd := exec.Command(cfg.Binary, args...)
	cmd.Dir = workdir
	cmd.Env = mergeEnv(cfg.Env)
	cmd.SysProcAttr = buildSysProcAttr()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: attach stdout: %v", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: attach stderr: %v", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	s.cmd = cmd
	s.running = true
	s.stopping = false
	s.exited = make(chan struct{})
	s.ready = make(chan struct{})
	s.readyOnce = &sync.Once{}
	s.readyScan = nil
	s.portConflict.Store(false)
	s.stopWait = cfg.StopGrace
	if s.stopWait <= 0 {
		s.stopWait = 5 * time.Second
	}

	s.logger.Info("gateway process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("binary", cfg.Binary),
		zap.String("subcommand", cfg.Subcommand))

	wg := &sync.WaitGroup{}
	wg.Add(2)
	s.streamWG = wg
	go s.readStream(wg, "stdout", stdout, cfg.ReadyMarkers)
	go s.readStream(wg, "stderr", stderr, nil)
	go s.monitorExit()

	return nil
}

// WaitReady blocks until a readiness marker is observed in stdout, the
// process exits, or the timeout elapses. A process still alive at the
// timeout is treated as implicitly ready; this is a heuristic fallback, not
// a guarantee, so it is logged at warn level.
func (s *Supervisor) WaitReady(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	ready, exited := s.ready, s.exited
	s.mu.Unlock()
	if ready == nil {
		return fmt.Errorf("%w: not started", ErrProcessExited)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ready:
		return nil
	case <-exited:
		if s.portConflict.Load() {
			return fmt.Errorf("%w: exit code %d", ErrPortConflict, s.ExitCode())
		}
		return fmt.Errorf("%w during startup: exit code %d", ErrProcessExited, s.ExitCode())
	case <-timer.C:
		if !s.Running() {
			return fmt.Errorf("%w during startup", ErrProcessExited)
		}
		s.logger.Warn("no readiness signal observed, assuming gateway started",
			zap.Duration("timeout", timeout))
		return nil
	}
}

// Stop forcibly terminates the gateway process tree. The wrapped service has
// no clean-shutdown path, so no graceful signal is attempted. Safe to call
// when nothing is running.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running || s.cmd == nil || s.cmd.Process == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	pid := s.cmd.Process.Pid
	exited := s.exited
	grace := s.stopWait
	s.mu.Unlock()

	s.logger.Info("killing gateway process tree", zap.Int("pid", pid))
	killTree(pid)

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway did not exit after kill: %w", ctx.Err())
	case <-time.After(grace):
		return fmt.Errorf("gateway did not exit within %s of kill", grace)
	}
}

// KillOrphans terminates previously running gateway instances whose command
// line matches pattern, excluding this process and its current child.
func (s *Supervisor) KillOrphans(pattern string) {
	self := os.Getpid()
	child := 0
	if s.cmd != nil && s.cmd.Process != nil {
		child = s.cmd.Process.Pid
	}
	killed := killOrphans(s.logger, pattern, self, child)
	if killed > 0 {
		s.logger.Info("killed orphaned gateway instances",
			zap.Int("count", killed),
			zap.String("pattern", pattern))
	}
}

// Running reports whether the process is alive.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Pid returns the process id, or zero when nothing is running.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// ExitCode returns the last observed exit code.
func (s *Supervisor) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

func (s *Supervisor) readStream(wg *sync.WaitGroup, stream string, reader io.ReadCloser, readyMarkers []string) {
	defer wg.Done()
	defer func() { _ = reader.Close() }()
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if stream == "stdout" && len(readyMarkers) > 0 {
				s.scanReadiness(chunk, readyMarkers)
			}
			if stream == "stderr" {
				s.scanPortConflict(chunk)
			}
			if s.cb.OnOutput != nil {
				s.cb.OnOutput(stream, chunk)
			}
		}
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("gateway output read error", zap.Error(err))
			}
			return
		}
	}
}

// scanReadiness accumulates stdout until a readiness marker appears. The
// scan buffer is capped; markers appearing later than 64KB into the output
// would be meaningless anyway.
func (s *Supervisor) scanReadiness(chunk []byte, markers []string) {
	s.mu.Lock()
	ready, once := s.ready, s.readyOnce
	select {
	case <-ready:
		s.mu.Unlock()
		return
	default:
	}
	if len(s.readyScan) < 64*1024 {
		s.readyScan = append(s.readyScan, chunk...)
	}
	window := strings.ToLower(string(s.readyScan))
	s.mu.Unlock()

	for _, marker := range markers {
		if strings.Contains(window, strings.ToLower(marker)) {
			once.Do(func() {
				s.logger.Info("gateway readiness signal observed", zap.String("marker", marker))
				close(ready)
			})
			return
		}
	}
}

func (s *Supervisor) scanPortConflict(chunk []byte) {
	lower := strings.ToLower(string(chunk))
	for _, marker := range portConflictMarkers {
		if strings.Contains(lower, marker) {
			s.portConflict.Store(true)
			return
		}
	}
}

func (s *Supervisor) monitorExit() {
	err := s.cmd.Wait()

	// cmd.Wait does not wait for the pipe reader goroutines. WaitReady
	// reads the port-conflict flag the moment exited closes, so the stderr
	// scan has to land first.
	s.mu.Lock()
	wg := s.streamWG
	s.mu.Unlock()
	wg.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
	}

	s.mu.Lock()
	s.running = false
	s.exitCode = code
	stopping := s.stopping
	exited := s.exited
	s.mu.Unlock()

	if stopping {
		s.logger.Info("gateway process stopped", zap.Int("exit_code", code))
	} else if code != 0 {
		s.logger.Error("gateway process exited unexpectedly", zap.Int("exit_code", code))
	} else {
		s.logger.Warn("gateway process exited", zap.Int("exit_code", code))
	}

	close(exited)
	if s.cb.OnExit != nil {
		s.cb.OnExit(code, stopping)
	}
}

// mergeEnv merges overrides into the parent environment, overrides winning.
func mergeEnv(env map[string]string) []string {
	base := make(map[string]string, len(env)+64)
	for _, entry := range os.Environ() {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			base[entry[:eq]] = entry[eq+1:]
		}
	}
	for k, v := range env {
		base[k] = v
	}
	merged := make([]string, 0, len(base))
	for k, v := range base {
		merged = append(merged, k+"="+v)
	}
	return merged
}
