// Package connection implements the noex client engine: one WebSocket
// connection with request/response correlation, push subscription routing,
// automatic reconnection and session replay.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/noex-io/noex.go/pkg/codec"
	"github.com/noex-io/noex.go/pkg/logger"
	"github.com/noex-io/noex.go/pkg/metrics"
	"github.com/noex-io/noex.go/pkg/proto"
)

// State is the lifecycle state of a Connection.
type State int

const (
	// StateDisconnected is both the initial state and the terminal state
	// after Close, a fatal failure, or retry exhaustion.
	StateDisconnected State = iota
	// StateConnecting covers the first Connect: dialing plus waiting for the
	// welcome frame.
	StateConnecting
	// StateConnected means a welcome has been received on the current
	// physical connection and requests can be sent.
	StateConnected
	// StateReconnecting means the connection dropped unexpectedly and the
	// reconnection controller is running.
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// validTransitions is the connection lifecycle. Anything else is a bug.
var validTransitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateDisconnected},
	StateConnecting:   {StateConnected, StateReconnecting, StateDisconnected},
	StateConnected:    {StateReconnecting, StateDisconnected},
	StateReconnecting: {StateConnected, StateReconnecting, StateDisconnected},
}

// welcomeResult resolves the handshake wait: the welcome frame, or the
// transport failure that preempted it.
type welcomeResult struct {
	welcome proto.Welcome
	err     error
}

// Connection is the client engine. All exported methods are safe for
// concurrent use.
type Connection struct {
	cfg     *Config
	logger  logger.Logger
	metrics *metrics.Metrics
	codec   codec.Codec
	dialer  Dialer
	retryer Retryer

	events  *emitter
	pending *correlator
	subs    *subscriptionRegistry
	session *sessionState

	// mu guards the lifecycle fields below. The correlator, registry and
	// session carry their own locks; never hold mu while calling into them
	// with user callbacks on the stack.
	mu        sync.Mutex
	state     State
	transport Transport
	welcome   *proto.Welcome
	welcomeCh chan welcomeResult
	closed    bool
	// suppressReconnect marks a server-initiated teardown (session revoked)
	// so the subsequent close frame does not start the reconnect loop.
	suppressReconnect bool
	reconnecting      bool
	// handshakeDrop holds the close error of a transport that died after its
	// welcome was already buffered; afterWelcome picks it up instead of
	// committing to the connected state.
	handshakeDrop error

	// closeCh is closed exactly once, by Close. It aborts reconnect delays
	// and handshake waits.
	closeCh chan struct{}
}

// New creates a disconnected Connection from cfg. Call Connect to go live.
func New(cfg *Config) *Connection {
	cfg = cfg.withDefaults()

	c := &Connection{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		codec:   cfg.Codec,
		dialer:  cfg.Dialer,
		retryer: cfg.Retryer,
		state:   StateDisconnected,
		closeCh: make(chan struct{}),
	}
	c.events = newEmitter(cfg.Logger)
	c.pending = newCorrelator(cfg.Logger)
	c.subs = newSubscriptionRegistry(cfg.Logger, cfg.Metrics)
	c.session = newSessionState(cfg.Auth, cfg.Logger)
	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether requests can currently be sent.
func (c *Connection) IsConnected() bool {
	return c.State() == StateConnected
}

// Welcome returns the welcome info of the current physical connection.
func (c *Connection) Welcome() (proto.Welcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.welcome == nil {
		return proto.Welcome{}, false
	}
	return *c.welcome, true
}

// Session returns the authenticated session on the current connection, if
// any.
func (c *Connection) Session() (Session, bool) {
	return c.session.session()
}

// Codec returns the wire codec in use.
func (c *Connection) Codec() codec.Codec {
	return c.codec
}

// On registers an event handler and returns its removal func.
func (c *Connection) On(event Event, h EventHandler) UnsubscribeFunc {
	return c.events.on(event, h)
}

// setState transitions the lifecycle, logging a bug on an invalid edge. It
// must be called with mu held.
func (c *Connection) setStateLocked(next State) {
	if c.state == next {
		return
	}
	valid := false
	for _, s := range validTransitions[c.state] {
		if s == next {
			valid = true
			break
		}
	}
	if !valid {
		c.logger.Error("BUG: invalid state transition", "from", c.state.String(), "to", next.String())
	}
	c.logger.Debug("state transition", "from", c.state.String(), "to", next.String())
	c.state = next
}

func (c *Connection) setState(next State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(next)
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Connect dials the endpoint and waits for the welcome frame, then performs
// the automatic login if the server requires one. On a handshake that opened
// a transport but never produced a welcome, the connection enters
// reconnection (when enabled) while Connect still returns the error. A
// transport that dies right after delivering its welcome is treated like any
// later drop: Connect returns the welcome and reconnection takes over.
func (c *Connection) Connect(ctx context.Context) (proto.Welcome, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return proto.Welcome{}, ErrClosed
	}
	if c.cfg.URL == "" {
		c.mu.Unlock()
		return proto.Welcome{}, ErrNoURL
	}
	if c.state != StateDisconnected {
		st := c.state
		c.mu.Unlock()
		return proto.Welcome{}, fmt.Errorf("connect while %s", st)
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	welcome, opened, err := c.establish(ctx)
	if err != nil {
		if opened && c.cfg.Reconnect.Enabled && !c.isClosed() {
			c.enterReconnecting(err)
		} else {
			c.setState(StateDisconnected)
		}
		return proto.Welcome{}, err
	}

	c.afterWelcome(ctx, welcome, false)
	return welcome, nil
}

// establish dials and waits for the welcome, both bounded by ConnectTimeout.
// opened reports whether a transport was actually opened, which decides
// whether a failure is fatal or a reconnectable drop.
func (c *Connection) establish(parent context.Context) (proto.Welcome, bool, error) {
	ctx, cancel := context.WithTimeout(parent, c.cfg.ConnectTimeout)
	defer cancel()

	t, err := c.dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		return proto.Welcome{}, false, fmt.Errorf("dialing %s: %w", c.cfg.URL, err)
	}

	welcomeCh := make(chan welcomeResult, 1)
	c.mu.Lock()
	c.transport = t
	c.welcomeCh = welcomeCh
	c.welcome = nil
	c.handshakeDrop = nil
	c.mu.Unlock()

	go c.readLoop(t)

	select {
	case res := <-welcomeCh:
		if res.err != nil {
			return proto.Welcome{}, true, res.err
		}
		c.mu.Lock()
		c.welcomeCh = nil
		c.welcome = &res.welcome
		c.mu.Unlock()
		return res.welcome, true, nil

	case <-ctx.Done():
		c.dropTransport(t)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
			return proto.Welcome{}, true, fmt.Errorf("no welcome within %v: %w", c.cfg.ConnectTimeout, ErrConnectTimeout)
		}
		return proto.Welcome{}, true, ctx.Err()

	case <-c.closeCh:
		c.dropTransport(t)
		return proto.Welcome{}, true, ErrClosed
	}
}

// dropTransport detaches and closes t if it is still the current transport.
func (c *Connection) dropTransport(t Transport) {
	c.mu.Lock()
	if c.transport == t {
		c.transport = nil
		c.welcomeCh = nil
	}
	c.mu.Unlock()
	//nolint:errcheck // already tearing down
	t.Close()
}

// afterWelcome finishes bringing a connection up: state, login, subscription
// replay, events. It reports whether the connection was committed. The
// transport can die between delivering the welcome and this point; the read
// loop has already rejected pending requests then, and the state is settled
// here, except when the reconnect loop is the caller and keeps retrying.
func (c *Connection) afterWelcome(ctx context.Context, welcome proto.Welcome, isReconnect bool) bool {
	c.mu.Lock()
	if c.closed {
		t := c.transport
		c.transport = nil
		c.mu.Unlock()
		if t != nil {
			//nolint:errcheck
			t.Close()
		}
		return false
	}
	if c.transport == nil {
		cause := c.handshakeDrop
		c.handshakeDrop = nil
		c.mu.Unlock()
		if cause == nil {
			// the read loop already took the normal teardown path and is
			// settling the state itself
			return false
		}
		c.logger.Warn("connection lost right after welcome", "error", cause)
		if !isReconnect {
			if c.cfg.Reconnect.Enabled {
				c.enterReconnecting(cause)
			} else {
				c.setState(StateDisconnected)
				c.events.emit(EventDisconnected, cause.Error())
			}
		}
		return false
	}
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	c.metrics.SetConnected(true)
	c.retryer.Reset()
	c.logger.Info("connected", "url", c.cfg.URL, "serverVersion", welcome.Version, "reconnect", isReconnect)

	if welcome.RequiresAuth && c.session.loginConfigured() {
		if err := c.session.login(ctx, c.Send, c.codec); err != nil {
			c.logger.Error("automatic login failed", "error", err)
			c.events.emit(EventError, fmt.Errorf("automatic login: %w", err))
		}
	}

	if isReconnect {
		c.resubscribeAll(ctx)
	}

	c.events.emit(EventConnected, nil)
	if isReconnect {
		c.events.emit(EventReconnected, nil)
	}
	c.events.emit(EventWelcome, welcome)
	return true
}

// readLoop owns all reads on one physical transport. It exits on the first
// read error and hands the teardown to handleTransportClosed.
func (c *Connection) readLoop(t Transport) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			c.handleTransportClosed(t, err)
			return
		}
		c.handleFrame(t, data)
	}
}

func (c *Connection) handleFrame(t Transport, data []byte) {
	frame, err := proto.Decode(c.codec, data)
	if err != nil {
		c.protocolError(err)
		return
	}

	switch frame.Classify() {
	case proto.KindResponse:
		if rpcErr := frame.Err(); rpcErr != nil {
			c.pending.resolve(*frame.ID, nil, rpcErr)
		} else {
			c.pending.resolve(*frame.ID, frame.Data, nil)
		}

	case proto.KindPush:
		c.subs.dispatch(frame.SubscriptionID, frame.Channel, frame.Data)

	case proto.KindWelcome:
		c.deliverWelcome(frame.Welcome())

	case proto.KindPing:
		if c.cfg.Heartbeat {
			c.writePong(t, *frame.Timestamp)
		}

	case proto.KindSessionRevoked:
		reason := frame.RevokedReason()
		c.session.revoke(reason)
		c.mu.Lock()
		c.suppressReconnect = true
		c.mu.Unlock()
		c.events.emit(EventSessionRevoked, reason)

	case proto.KindMalformed:
		c.protocolError(fmt.Errorf("malformed %s frame", frame.Type))

	case proto.KindUnknown:
		c.logger.Debug("ignoring unknown frame", "type", string(frame.Type), "event", frame.Event)
	}
}

func (c *Connection) deliverWelcome(w proto.Welcome) {
	c.mu.Lock()
	ch := c.welcomeCh
	c.mu.Unlock()

	if ch == nil {
		c.logger.Debug("ignoring welcome outside handshake")
		return
	}
	select {
	case ch <- welcomeResult{welcome: w}:
	default:
	}
}

func (c *Connection) writePong(t Transport, timestamp float64) {
	data, err := c.codec.Marshal(proto.NewPong(timestamp))
	if err != nil {
		c.logger.Error("encoding pong", "error", err)
		return
	}
	if err := t.WriteMessage(data); err != nil {
		c.logger.Debug("writing pong", "error", err)
	}
}

// protocolError reports an unparseable or malformed frame. The session
// survives: one bad frame never tears the connection down.
func (c *Connection) protocolError(err error) {
	c.logger.Warn("protocol error", "error", err)
	c.events.emit(EventError, fmt.Errorf("protocol error: %w", err))
}

// handleTransportClosed runs once per physical transport, on its read loop
// goroutine, when the transport dies for any reason.
func (c *Connection) handleTransportClosed(t Transport, cause error) {
	c.mu.Lock()
	if c.transport != t {
		// a newer transport took over, or Close already detached this one
		c.mu.Unlock()
		return
	}
	c.transport = nil
	welcomeCh := c.welcomeCh
	c.welcomeCh = nil
	closed := c.closed
	suppress := c.suppressReconnect
	c.suppressReconnect = false
	c.mu.Unlock()

	c.metrics.SetConnected(false)
	c.pending.failAll(ErrDisconnected)
	c.session.reset()

	if welcomeCh != nil {
		// the handshake waiter owns the state transition. When the welcome is
		// already buffered the waiter will see success, so the close error is
		// stashed for afterWelcome to pick up instead of being dropped.
		select {
		case welcomeCh <- welcomeResult{err: fmt.Errorf("connection closed during handshake: %w", cause)}:
		default:
			c.mu.Lock()
			c.handshakeDrop = cause
			c.mu.Unlock()
		}
		return
	}

	if closed {
		return
	}

	c.logger.Warn("connection lost", "error", cause)

	if suppress || !c.cfg.Reconnect.Enabled {
		c.setState(StateDisconnected)
		c.events.emit(EventDisconnected, cause.Error())
		return
	}

	c.enterReconnecting(cause)
}

// Send issues one request and blocks until its response, the deadline, or a
// disconnect. The deadline is the earlier of ctx and RequestTimeout.
func (c *Connection) Send(ctx context.Context, operation string, payload map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.state != StateConnected || c.transport == nil {
		st := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("cannot send %s while %s: %w", operation, st, ErrDisconnected)
	}
	t := c.transport
	c.mu.Unlock()

	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	req, err := c.pending.register(operation)
	if err != nil {
		return nil, err
	}
	c.metrics.RequestStarted()

	data, err := c.codec.Marshal(proto.NewRequest(req.id, operation, payload))
	if err != nil {
		c.pending.remove(req.id)
		c.metrics.RequestFinished(metrics.OutcomeServerError)
		return nil, fmt.Errorf("encoding %s request: %w", operation, err)
	}

	c.logger.Debug("sending request", "operation", operation, "id", req.id)

	if err := t.WriteMessage(data); err != nil {
		c.pending.remove(req.id)
		c.metrics.RequestFinished(metrics.OutcomeDisconnected)
		return nil, fmt.Errorf("writing %s request (%v): %w", operation, err, ErrDisconnected)
	}

	select {
	case res := <-req.ch:
		if res.err != nil {
			if errors.Is(res.err, ErrDisconnected) {
				c.metrics.RequestFinished(metrics.OutcomeDisconnected)
			} else {
				c.metrics.RequestFinished(metrics.OutcomeServerError)
			}
			return nil, fmt.Errorf("%s: %w", operation, res.err)
		}
		c.metrics.RequestFinished(metrics.OutcomeOK)
		return res.data, nil

	case <-ctx.Done():
		c.pending.remove(req.id)
		c.metrics.RequestFinished(metrics.OutcomeTimeout)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s request: %w", operation, ErrTimeout)
		}
		return nil, ctx.Err()
	}
}

// Close shuts the connection down for good. Before it returns: any pending
// reconnect delay is aborted, every pending request fails with
// ErrDisconnected, the subscription registry is cleared and the transport is
// closed. A closed Connection cannot be reused.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.closed = true
	t := c.transport
	c.transport = nil
	c.welcomeCh = nil
	c.welcome = nil
	c.setStateLocked(StateDisconnected)
	close(c.closeCh)
	c.mu.Unlock()

	c.pending.failAll(ErrDisconnected)
	c.subs.clear()
	c.session.reset()
	c.metrics.SetConnected(false)

	var err error
	if t != nil {
		err = t.Close()
	}

	c.logger.Info("connection closed")
	c.events.emit(EventDisconnected, "client closed")
	return err
}
