// Package gateway composes process supervision, the duplex protocol client,
// reconnection, and health monitoring behind a single facade. The facade owns
// every lifecycle state transition; callers observe state through Status and
// registered listeners and never drive the underlying components directly.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/common/config"
	"github.com/relaydesk/relaydesk/internal/common/constants"
	"github.com/relaydesk/relaydesk/internal/common/logger"
	"github.com/relaydesk/relaydesk/internal/gateway/health"
	"github.com/relaydesk/relaydesk/internal/gateway/identity"
	"github.com/relaydesk/relaydesk/internal/gateway/logrelay"
	"github.com/relaydesk/relaydesk/internal/gateway/protoclient"
	"github.com/relaydesk/relaydesk/internal/gateway/reconnect"
	"github.com/relaydesk/relaydesk/internal/gateway/supervisor"
	"github.com/relaydesk/relaydesk/internal/history"
	"github.com/relaydesk/relaydesk/pkg/protocol"
)

const logHistorySize = 500

// Internal events consumed by the facade's run loop. Component callbacks post
// these instead of mutating facade state from their own goroutines.
type (
	procExitedEvent struct {
		code        int
		intentional bool
	}
	connClosedEvent struct {
		gen uint64
		err error
	}
	stateChangedEvent struct {
		status Status
	}
)

// Options configures a Gateway.
type Options struct {
	Config   *config.Config
	Provider config.Provider
	History  *history.Store // optional; nil disables persistence
	Logger   *logger.Logger

	// ClientName and ClientVersion identify this build during the protocol
	// handshake.
	ClientName    string
	ClientVersion string
}

// Gateway supervises the external gateway process and maintains one
// authenticated protocol session against it.
type Gateway struct {
	cfg      *config.Config
	provider config.Provider
	hist     *history.Store
	logger   *logger.Logger

	clientName    string
	clientVersion string

	sup     *supervisor.Supervisor
	relay   *logrelay.Relay
	recon   *reconnect.Manager
	monitor *health.Monitor

	mu           sync.Mutex
	state        State
	client       *protoclient.Client
	gen          uint64 // connection generation, identifies stale close notifications
	reconnecting bool

	// stopIntent marks an explicit caller Stop so an auto-restart that is
	// already in flight cannot re-arm the monitor behind it.
	stopIntent atomic.Bool

	events    chan any
	kick      chan struct{}
	stopCh    chan struct{}
	closeOnce sync.Once
	loopDone  chan struct{}

	cbMu      sync.RWMutex
	statusFns []func(Status)
	logFns    []func(logrelay.Record)
	msgFns    []func(ChatMessage)
	eventFns  []func(Event)
}

// New builds a Gateway and starts its run loop. The gateway process itself is
// not launched until Start is called. Callers must Close the gateway when done.
func New(opts Options) *Gateway {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	g := &Gateway{
		cfg:           opts.Config,
		provider:      opts.Provider,
		hist:          opts.History,
		logger:        log,
		clientName:    opts.ClientName,
		clientVersion: opts.ClientVersion,
		state:         StateStopped,
		events:        make(chan any, 64),
		kick:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		loopDone:      make(chan struct{}),
	}
	if g.clientName == "" {
		g.clientName = "relaydesk"
	}
	if g.clientVersion == "" {
		g.clientVersion = "dev"
	}

	g.relay = logrelay.New(log, logHistorySize, g.emitLog)
	g.sup = supervisor.New(log, supervisor.Callbacks{
		OnOutput: g.relay.Consume,
		OnExit: func(code int, intentional bool) {
			g.post(procExitedEvent{code: code, intentional: intentional})
		},
	})
	g.recon = reconnect.New(reconnect.Policy{
		Base:        opts.Config.Reconnect.BaseDelay(),
		Cap:         opts.Config.Reconnect.Cap(),
		MaxAttempts: opts.Config.Reconnect.MaxAttempts,
	})
	g.monitor = health.New(
		opts.Config.Health.IntervalDuration(),
		opts.Config.Health.FailureThreshold,
		opts.Config.Health.SettleDelayDuration(),
		g.healthCheck,
		g.healthRestart,
		log,
	)

	go g.loop()
	return g
}

// Start launches the gateway process, waits for readiness, and completes the
// protocol handshake. It is a no-op when the gateway is already active. A
// readiness failure caused by a port conflict triggers one orphan cleanup and
// relaunch before giving up.
func (g *Gateway) Start(ctx context.Context) error {
	g.stopIntent.Store(false)
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.state {
	case StateRunning, StateStarting, StateDegraded:
		return nil
	}
	return g.startLocked(ctx)
}

func (g *Gateway) startLocked(ctx context.Context) error {
	g.setStateLocked(StateStarting)

	if err := g.spawnLocked(ctx); err != nil {
		g.setStateLocked(StateError)
		return err
	}
	if err := g.connectLocked(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = g.sup.Stop(stopCtx)
		cancel()
		g.setStateLocked(StateError)
		return err
	}

	g.setStateLocked(StateRunning)
	g.recon.Reset()
	g.monitor.ResetFailures()
	if !g.stopIntent.Load() {
		g.monitor.Start()
	}
	return nil
}

func (g *Gateway) spawnLocked(ctx context.Context) error {
	cfg := g.supervisorConfig()
	if err := g.sup.Start(ctx, cfg); err != nil {
		return err
	}
	err := g.sup.WaitReady(ctx, g.cfg.Supervisor.ReadyTimeoutDuration())
	if errors.Is(err, supervisor.ErrPortConflict) {
		// A leftover process from a previous run is holding the port. Clean
		// it up and relaunch once; a second conflict is a real error.
		g.logger.Warn("gateway port conflict, cleaning up orphans and relaunching",
			zap.String("pattern", g.cfg.Supervisor.OrphanPattern))
		g.sup.KillOrphans(g.cfg.Supervisor.OrphanPattern)
		time.Sleep(constants.OrphanKillSettleDelay)
		if err := g.sup.Start(ctx, cfg); err != nil {
			return err
		}
		err = g.sup.WaitReady(ctx, g.cfg.Supervisor.ReadyTimeoutDuration())
	}
	return err
}

// connectLocked dials a fresh protocol connection, replacing any previous one.
// The token is read from the provider at call time so rotations between
// attempts are picked up.
func (g *Gateway) connectLocked(ctx context.Context) error {
	if g.client != nil {
		g.recon.SuppressNext()
		_ = g.client.Close()
		g.client = nil
	}

	g.gen++
	gen := g.gen

	opts := protoclient.Options{
		URL:              fmt.Sprintf("ws://%s:%d%s", g.cfg.Gateway.Host, g.provider.Port(), g.cfg.Gateway.WSPath),
		Token:            g.provider.Token(),
		DeviceID:         identity.DeviceID(g.cfg.Gateway.IdentityFile),
		ClientName:       g.clientName,
		ClientVersion:    g.clientVersion,
		MinProtocol:      g.cfg.Protocol.MinProtocol,
		MaxProtocol:      g.cfg.Protocol.MaxProtocol,
		Role:             g.cfg.Protocol.Role,
		Scopes:           g.cfg.Protocol.Scopes,
		Caps:             g.cfg.Protocol.Caps,
		RequestTimeout:   g.cfg.Protocol.RequestTimeoutDuration(),
		HandshakeTimeout: g.cfg.Protocol.HandshakeTimeoutDuration(),
	}
	handlers := protoclient.Handlers{
		OnChat:          g.onChat,
		OnPairing:       g.onPairing,
		OnChannelStatus: g.onChannelStatus,
		OnEvent:         g.onGenericEvent,
		OnClose: func(err error) {
			g.post(connClosedEvent{gen: gen, err: err})
		},
	}

	client, err := protoclient.Dial(ctx, opts, handlers, g.logger)
	if err != nil {
		return err
	}
	// A latch armed for a close that reported nil was never consumed; it
	// must not outlive the session it was armed for.
	g.recon.ConsumeSuppression()
	g.client = client
	return nil
}

// Stop tears down the protocol connection and the gateway process. It is safe
// to call when nothing is running.
func (g *Gateway) Stop(ctx context.Context) error {
	// Intent is recorded before the monitor is stopped: an auto-restart
	// already past its own monitor.Stop would otherwise re-arm a fresh
	// monitor loop that outlives this Stop and later resurrects the
	// gateway.
	g.stopIntent.Store(true)
	// The monitor is stopped before taking the facade lock so an in-flight
	// auto-restart can finish instead of deadlocking against us.
	g.monitor.Stop()
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stopLocked(ctx)
}

func (g *Gateway) stopLocked(ctx context.Context) error {
	if g.client != nil {
		g.recon.SuppressNext()
		_ = g.client.Close()
		g.client = nil
	}
	var err error
	if g.sup.Running() {
		err = g.sup.Stop(ctx)
	}
	g.relay.Flush()
	g.setStateLocked(StateStopped)
	return err
}

// Restart performs a full stop, settle delay, start cycle.
func (g *Gateway) Restart(ctx context.Context) error {
	g.logger.Info("restarting gateway")
	g.stopIntent.Store(false)
	g.monitor.Stop()
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.stopLocked(ctx); err != nil {
		g.logger.WithError(err).Warn("stop during restart reported an error")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(constants.RestartSettleDelay):
	}
	return g.startLocked(ctx)
}

// Close stops the gateway and shuts down the run loop. The Gateway is
// unusable afterwards.
func (g *Gateway) Close(ctx context.Context) error {
	err := g.Stop(ctx)
	g.closeOnce.Do(func() { close(g.stopCh) })
	<-g.loopDone
	return err
}

// SendRequest issues a request over the active session and returns the
// response payload. ErrNotAuthenticated is returned when no authenticated
// session exists.
func (g *Gateway) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	g.mu.Lock()
	client := g.client
	g.mu.Unlock()
	if client == nil || !client.Authenticated() {
		return nil, protoclient.ErrNotAuthenticated
	}
	return client.Request(ctx, method, params)
}

// Status returns a point-in-time snapshot.
func (g *Gateway) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statusLocked()
}

// Logs returns up to limit recent gateway log records, oldest first.
func (g *Gateway) Logs(limit int) []logrelay.Record {
	return g.relay.History(limit)
}

// OnStatus registers a listener for state changes.
func (g *Gateway) OnStatus(fn func(Status)) {
	g.cbMu.Lock()
	defer g.cbMu.Unlock()
	g.statusFns = append(g.statusFns, fn)
}

// OnLog registers a listener for gateway process log records.
func (g *Gateway) OnLog(fn func(logrelay.Record)) {
	g.cbMu.Lock()
	defer g.cbMu.Unlock()
	g.logFns = append(g.logFns, fn)
}

// OnMessage registers a listener for chat messages, deltas included.
func (g *Gateway) OnMessage(fn func(ChatMessage)) {
	g.cbMu.Lock()
	defer g.cbMu.Unlock()
	g.msgFns = append(g.msgFns, fn)
}

// OnEvent registers a listener for gateway events that are not chat content.
func (g *Gateway) OnEvent(fn func(Event)) {
	g.cbMu.Lock()
	defer g.cbMu.Unlock()
	g.eventFns = append(g.eventFns, fn)
}

func (g *Gateway) statusLocked() Status {
	return Status{
		State:     g.state,
		Connected: g.client != nil && g.client.Authenticated(),
		PID:       g.sup.Pid(),
	}
}

// setStateLocked performs the transition and queues the notification for the
// run loop so listeners never run under the facade lock.
func (g *Gateway) setStateLocked(s State) {
	if g.state == s {
		return
	}
	g.logger.Info("gateway state changed",
		zap.String("from", string(g.state)), zap.String("to", string(s)))
	g.state = s
	g.post(stateChangedEvent{status: g.statusLocked()})
}

func (g *Gateway) post(ev any) {
	select {
	case g.events <- ev:
	case <-g.stopCh:
	}
}

func (g *Gateway) loop() {
	defer close(g.loopDone)

	var rotated <-chan struct{}
	if rn, ok := g.provider.(interface{ Rotated() <-chan struct{} }); ok {
		rotated = rn.Rotated()
	}

	for {
		select {
		case <-g.stopCh:
			return
		case <-rotated:
			g.handleTokenRotated()
		case ev := <-g.events:
			switch e := ev.(type) {
			case stateChangedEvent:
				g.emitStatus(e.status)
			case procExitedEvent:
				g.handleProcExited(e)
			case connClosedEvent:
				g.handleConnClosed(e)
			}
		}
	}
}

// handleProcExited reacts to the gateway process dying on its own.
// Caller-initiated exits are part of a Stop or Restart whose state handling
// happens in that caller.
func (g *Gateway) handleProcExited(ev procExitedEvent) {
	if ev.intentional {
		return
	}
	g.mu.Lock()
	if g.sup.Running() {
		// A newer process is already up; this exit belongs to its
		// predecessor.
		g.mu.Unlock()
		return
	}
	if g.client != nil {
		g.recon.SuppressNext()
		_ = g.client.Close()
		g.client = nil
	}
	// Surface any trailing partial output; crash diagnostics tend to be
	// the last unterminated line.
	g.relay.Flush()
	g.setStateLocked(StateStopped)
	g.mu.Unlock()

	if ev.code != 0 {
		g.logger.Error("gateway process crashed", zap.Int("exitCode", ev.code))
	} else {
		g.logger.Warn("gateway process exited unexpectedly")
	}
	g.monitor.Stop()
}

// handleConnClosed reacts to the protocol connection dropping while the
// process is still alive and starts the reconnection loop.
func (g *Gateway) handleConnClosed(ev connClosedEvent) {
	g.mu.Lock()
	if ev.gen != g.gen {
		g.mu.Unlock()
		return
	}
	if ev.err == nil || g.recon.ConsumeSuppression() {
		// A nil cause means this side called Close; whoever closed it
		// owns the state transition. Server-initiated closes, graceful
		// or not, carry a cause and fall through to reconnection.
		g.mu.Unlock()
		return
	}
	g.client = nil
	if !g.sup.Running() || g.state != StateRunning {
		g.mu.Unlock()
		return
	}
	g.setStateLocked(StateDegraded)
	g.reconnecting = true
	g.mu.Unlock()

	g.logger.Warn("gateway connection dropped, reconnecting", zap.Error(ev.err))
	go g.reconnectLoop()
}

func (g *Gateway) handleTokenRotated() {
	g.logger.Info("gateway auth token rotated")
	g.mu.Lock()
	degraded := g.state == StateDegraded
	g.mu.Unlock()
	if degraded {
		// Retry right away with the fresh token instead of waiting out the
		// current backoff delay.
		select {
		case g.kick <- struct{}{}:
		default:
		}
	}
}

// reconnectLoop re-dials with linear-capped backoff until the session is
// reestablished, the gateway stops, or attempts are exhausted. Exhaustion
// escalates to a full process restart.
func (g *Gateway) reconnectLoop() {
	defer func() {
		g.mu.Lock()
		g.reconnecting = false
		g.mu.Unlock()
	}()

	for {
		delay, ok := g.recon.Next()
		if !ok {
			g.logger.Error("reconnect attempts exhausted, escalating to process restart",
				zap.Int("attempts", g.recon.Attempts()))
			g.recon.Reset()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			if err := g.Restart(ctx); err != nil {
				g.logger.WithError(err).Error("escalated restart failed")
			}
			cancel()
			return
		}

		g.logger.Info("scheduling reconnect attempt",
			zap.Int("attempt", g.recon.Attempts()), zap.Duration("delay", delay))
		select {
		case <-g.stopCh:
			return
		case <-g.kick:
		case <-time.After(delay):
		}

		g.mu.Lock()
		if g.state != StateDegraded {
			g.mu.Unlock()
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), constants.HandshakeTimeout+constants.SpawnTimeout)
		err := g.connectLocked(ctx)
		cancel()
		if err == nil {
			g.setStateLocked(StateRunning)
			g.recon.Reset()
			g.monitor.ResetFailures()
			g.mu.Unlock()
			g.logger.Info("gateway connection reestablished")
			return
		}
		if errors.Is(err, protoclient.ErrHandshakeRejected) {
			g.setStateLocked(StateError)
			g.mu.Unlock()
			g.logger.WithError(err).Error("gateway rejected credentials, aborting reconnect")
			return
		}
		g.mu.Unlock()
		g.logger.WithError(err).Warn("reconnect attempt failed")
	}
}

// healthCheck is the composite liveness probe: the process must be running
// and the session authenticated. Transport recovery in progress counts as
// healthy so the reconnection loop and the monitor don't fight over it.
func (g *Gateway) healthCheck() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reconnecting {
		return true
	}
	return g.sup.Running() && g.client != nil && g.client.Authenticated()
}

// healthRestart is the monitor's recovery action: full teardown and relaunch.
func (g *Gateway) healthRestart(ctx context.Context) error {
	if g.stopIntent.Load() {
		return errors.New("gateway stop requested, skipping auto-restart")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.client != nil {
		g.recon.SuppressNext()
		_ = g.client.Close()
		g.client = nil
	}
	if g.sup.Running() {
		if err := g.sup.Stop(ctx); err != nil {
			g.logger.WithError(err).Warn("stop before auto-restart reported an error")
		}
	}
	select {
	case <-ctx.Done():
		g.setStateLocked(StateStopped)
		return ctx.Err()
	case <-time.After(constants.RestartSettleDelay):
	}
	return g.startLocked(ctx)
}

func (g *Gateway) supervisorConfig() supervisor.Config {
	return supervisor.Config{
		Binary:        g.cfg.Gateway.Binary,
		Subcommand:    g.cfg.Gateway.Subcommand,
		Args:          g.cfg.Gateway.Args,
		Env:           map[string]string{"RELAYDESK_SUPERVISED": "1"},
		Workdir:       g.cfg.Gateway.Workdir,
		ReadyMarkers:  g.cfg.Supervisor.ReadyMarkers,
		ReadyTimeout:  g.cfg.Supervisor.ReadyTimeoutDuration(),
		OrphanPattern: g.cfg.Supervisor.OrphanPattern,
		StopGrace:     g.cfg.Supervisor.StopGraceDuration(),
	}
}

// onChat forwards every chat event to listeners as it arrives; deltas are
// never buffered. Final messages are additionally persisted to history.
func (g *Gateway) onChat(p protocol.ChatPayload) {
	msg := ChatMessage{
		MessageID: p.MessageID,
		Role:      p.Role,
		Text:      p.Text,
		Final:     p.State == protocol.ChatStateFinal,
		Timestamp: p.Timestamp,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	g.emitMessage(msg)

	if msg.Final && g.hist != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.hist.Append(ctx, msg.MessageID, msg.Role, msg.Text); err != nil {
			g.logger.WithError(err).Warn("failed to persist chat message")
		}
	}
}

func (g *Gateway) onPairing(p protocol.PairingPayload) {
	g.logger.Info("channel pairing code received",
		zap.String("channel", p.Channel), zap.String("code", p.Code))
	payload, _ := json.Marshal(p)
	g.emitEvent(Event{Name: protocol.EventPairingCode, Payload: payload})
}

func (g *Gateway) onChannelStatus(p protocol.ChannelStatusPayload) {
	g.logger.Info("channel status changed",
		zap.String("channel", p.Channel), zap.String("status", p.Status))
	payload, _ := json.Marshal(p)
	g.emitEvent(Event{Name: protocol.EventChannelStatus, Payload: payload})
}

func (g *Gateway) onGenericEvent(name string, payload json.RawMessage) {
	g.emitEvent(Event{Name: name, Payload: payload})
}

func (g *Gateway) emitStatus(st Status) {
	g.cbMu.RLock()
	fns := make([]func(Status), len(g.statusFns))
	copy(fns, g.statusFns)
	g.cbMu.RUnlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (g *Gateway) emitLog(rec logrelay.Record) {
	g.cbMu.RLock()
	fns := make([]func(logrelay.Record), len(g.logFns))
	copy(fns, g.logFns)
	g.cbMu.RUnlock()
	for _, fn := range fns {
		fn(rec)
	}
}

func (g *Gateway) emitMessage(msg ChatMessage) {
	g.cbMu.RLock()
	fns := make([]func(ChatMessage), len(g.msgFns))
	copy(fns, g.msgFns)
	g.cbMu.RUnlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (g *Gateway) emitEvent(ev Event) {
	g.cbMu.RLock()
	fns := make([]func(Event), len(g.eventFns))
	copy(fns, g.eventFns)
	g.cbMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
