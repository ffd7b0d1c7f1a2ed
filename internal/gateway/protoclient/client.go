// Package protoclient owns the single persistent duplex connection to the
// gateway: the challenge/response handshake, request framing and
// correlation, and dispatch of server-initiated events.
package protoclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/common/logger"
	"github.com/relaydesk/relaydesk/pkg/protocol"
)

// Errors surfaced by the protocol client.
var (
	// ErrHandshakeRejected means the gateway refused the connect request.
	// Credentials are presumed invalid, so callers must not auto-retry.
	ErrHandshakeRejected = errors.New("gateway rejected handshake")

	// ErrRequestTimeout means no matching response arrived before the
	// request deadline. Non-fatal; the pending entry is cleaned up.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrTransportDropped means the connection closed while a request or
	// the handshake was in flight.
	ErrTransportDropped = errors.New("gateway transport dropped")

	// ErrNotAuthenticated means a request was attempted before the
	// handshake completed.
	ErrNotAuthenticated = errors.New("gateway connection not authenticated")
)

// State is the handshake state machine position.
type State int32

const (
	StateConnecting State = iota
	StateAwaitingChallenge
	StateAuthenticating
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingChallenge:
		return "awaiting-challenge"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Options configures a connection attempt. Token is read fresh per attempt
// because the gateway can rotate it during its own startup.
type Options struct {
	URL              string
	Token            string
	DeviceID         string
	ClientName       string
	ClientVersion    string
	MinProtocol      int
	MaxProtocol      int
	Role             string
	Scopes           []string
	Caps             []string
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
}

// Handlers route decoded server events. A nil semantic handler degrades to
// OnEvent, and unrecognized event names always reach OnEvent so new event
// types are forwarded rather than dropped. OnClose fires exactly once with
// nil on an intentional Close and the transport error otherwise.
type Handlers struct {
	OnChat          func(protocol.ChatPayload)
	OnPairing       func(protocol.PairingPayload)
	OnChannelStatus func(protocol.ChannelStatusPayload)
	OnTick          func()
	OnEvent         func(name string, payload json.RawMessage)
	OnClose         func(err error)
}

// Client is one authenticated duplex connection. All outbound traffic passes
// through its send path so id generation and pending bookkeeping stay
// consistent.
type Client struct {
	opts     Options
	handlers Handlers
	logger   *logger.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Frame

	state atomic.Int32
	seq   atomic.Uint64

	// connectID is written and read only by the readLoop goroutine.
	connectID string

	handshake chan error
	closeOnce sync.Once
	closed    chan struct{}
	intent    atomic.Bool
}

// Dial opens the WebSocket connection and completes the challenge/response
// handshake. It blocks until the gateway accepts or rejects the connect
// request, the handshake times out, or ctx is cancelled. On any failure the
// connection is torn down before returning.
func Dial(ctx context.Context, opts Options, handlers Handlers, log *logger.Logger) (*Client, error) {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}

	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransportDropped, opts.URL, err)
	}

	c := &Client{
		opts:      opts,
		handlers:  handlers,
		logger:    log.WithFields(zap.String("component", "protocol-client")),
		conn:      conn,
		pending:   make(map[string]chan *protocol.Frame),
		handshake: make(chan error, 1),
		closed:    make(chan struct{}),
	}
	// The socket being open does not mean the gateway is ready; wait for
	// its challenge before sending credentials.
	c.state.Store(int32(StateAwaitingChallenge))

	go c.readLoop()

	timer := time.NewTimer(opts.HandshakeTimeout)
	defer timer.Stop()

	select {
	case err := <-c.handshake:
		if err != nil {
			c.teardown(err)
			return nil, err
		}
		c.logger.Info("gateway handshake complete", zap.String("url", opts.URL))
		return c, nil
	case <-timer.C:
		err := fmt.Errorf("%w: handshake timed out after %s", ErrTransportDropped, opts.HandshakeTimeout)
		c.teardown(err)
		return nil, err
	case <-ctx.Done():
		c.teardown(ctx.Err())
		return nil, ctx.Err()
	}
}

// Request sends a correlated request and blocks until the matching response
// arrives, the request deadline passes, or the connection is lost, whichever
// comes first. The pending entry never outlives the call.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.State() != StateAuthenticated {
		return nil, ErrNotAuthenticated
	}

	id := c.nextID()
	frame, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	ch := make(chan *protocol.Frame, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.writeFrame(frame); err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("%w: write failed: %v", ErrTransportDropped, err)
	}
	c.logger.Debug("sent request", zap.String("method", method), zap.String("id", id))

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrTransportDropped
		}
		if !resp.OK {
			return nil, fmt.Errorf("gateway error for %s: %s", method, resp.Error.String())
		}
		return resp.Payload, nil
	case <-timer.C:
		c.removePending(id)
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, method, c.opts.RequestTimeout)
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	case <-c.closed:
		c.removePending(id)
		return nil, ErrTransportDropped
	}
}

// Close tears the connection down intentionally. OnClose fires with nil.
func (c *Client) Close() error {
	c.intent.Store(true)
	c.teardown(nil)
	return nil
}

// State returns the current handshake state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Authenticated reports whether the handshake has completed successfully.
// An open-but-unauthenticated connection is never healthy.
func (c *Client) Authenticated() bool {
	return c.State() == StateAuthenticated
}

// PendingCount returns the number of in-flight requests.
func (c *Client) PendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// nextID generates a process-unique request id: monotonic counter plus
// timestamp.
func (c *Client) nextID() string {
	return fmt.Sprintf("%d-%d", c.seq.Add(1), time.Now().UnixMilli())
}

func (c *Client) writeFrame(f *protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(f)
}

func (c *Client) removePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) readLoop() {
	for {
		var frame protocol.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			switch {
			case c.intent.Load():
				c.teardown(nil)
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				// A clean close frame from the peer still ends the
				// session without this side asking for it. Only a local
				// Close reports a nil cause.
				c.teardown(fmt.Errorf("%w: peer closed connection", ErrTransportDropped))
			default:
				c.teardown(fmt.Errorf("%w: %v", ErrTransportDropped, err))
			}
			return
		}

		switch frame.Kind {
		case protocol.KindResponse:
			c.handleResponse(&frame)
		case protocol.KindEvent:
			c.handleEvent(&frame)
		default:
			c.logger.Debug("ignoring unexpected frame kind", zap.String("kind", string(frame.Kind)))
		}
	}
}

func (c *Client) handleResponse(frame *protocol.Frame) {
	if frame.ID == c.connectID && c.State() == StateAuthenticating {
		if frame.OK {
			c.state.Store(int32(StateAuthenticated))
			c.handshake <- nil
		} else {
			c.handshake <- fmt.Errorf("%w: %s", ErrHandshakeRejected, frame.Error.String())
		}
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[frame.ID]
	delete(c.pending, frame.ID)
	c.pendingMu.Unlock()
	if !ok {
		// Unmatched responses (late arrivals after timeout) are discarded.
		c.logger.Debug("discarding unmatched response", zap.String("id", frame.ID))
		return
	}
	ch <- frame
}

func (c *Client) handleEvent(frame *protocol.Frame) {
	if frame.Name == protocol.EventChallenge && c.State() == StateAwaitingChallenge {
		c.state.Store(int32(StateAuthenticating))
		if err := c.sendConnect(); err != nil {
			c.handshake <- fmt.Errorf("%w: connect send failed: %v", ErrTransportDropped, err)
		}
		return
	}

	switch frame.Name {
	case protocol.EventChat:
		// Peek the discriminator before committing to a full decode.
		state := gjson.GetBytes(frame.Payload, "state").String()
		if c.handlers.OnChat != nil && (state == protocol.ChatStateDelta || state == protocol.ChatStateFinal) {
			var chat protocol.ChatPayload
			if err := frame.ParsePayload(&chat); err == nil {
				c.handlers.OnChat(chat)
				return
			}
		}
	case protocol.EventPairingCode:
		if c.handlers.OnPairing != nil {
			var p protocol.PairingPayload
			if err := frame.ParsePayload(&p); err == nil {
				c.handlers.OnPairing(p)
				return
			}
		}
	case protocol.EventChannelStatus:
		if c.handlers.OnChannelStatus != nil {
			var cs protocol.ChannelStatusPayload
			if err := frame.ParsePayload(&cs); err == nil {
				c.handlers.OnChannelStatus(cs)
				return
			}
		}
	case protocol.EventTick:
		if c.handlers.OnTick != nil {
			c.handlers.OnTick()
			return
		}
	}

	// Unrecognized names and undecodable payloads are forwarded generically
	// so new event types degrade gracefully instead of being lost.
	if c.handlers.OnEvent != nil {
		c.handlers.OnEvent(frame.Name, frame.Payload)
	}
}

// sendConnect sends the single authenticate-and-negotiate request. Called
// only from the readLoop goroutine, on receipt of the challenge.
func (c *Client) sendConnect() error {
	params := protocol.ConnectParams{
		MinProtocol: c.opts.MinProtocol,
		MaxProtocol: c.opts.MaxProtocol,
		Client: protocol.ClientInfo{
			Name:     c.opts.ClientName,
			Version:  c.opts.ClientVersion,
			Platform: runtime.GOOS,
			DeviceID: c.opts.DeviceID,
		},
		Role:   c.opts.Role,
		Scopes: c.opts.Scopes,
		Caps:   c.opts.Caps,
		Auth:   protocol.AuthParams{Token: c.opts.Token},
	}

	id := c.nextID()
	frame, err := protocol.NewRequest(id, protocol.MethodConnect, params)
	if err != nil {
		return err
	}
	c.connectID = id
	return c.writeFrame(frame)
}

// teardown closes the socket once, fails all pending requests, and notifies
// OnClose. Listener removal plus close here is what lets a reconnect attempt
// create a fresh connection without duplicate event delivery.
func (c *Client) teardown(cause error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		_ = c.conn.Close()
		close(c.closed)

		// Unblock a Dial still waiting on the handshake.
		handshakeErr := cause
		if handshakeErr == nil {
			handshakeErr = ErrTransportDropped
		}
		select {
		case c.handshake <- handshakeErr:
		default:
		}

		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()

		if cause != nil {
			c.logger.Warn("gateway connection closed", zap.Error(cause))
		}
		if c.handlers.OnClose != nil {
			c.handlers.OnClose(cause)
		}
	})
}
