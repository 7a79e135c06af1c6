package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noex-io/noex.go/pkg/proto"
)

// fakeTransport is a scripted in-memory Transport. Frames queued with
// deliver show up in ReadMessage; writes are recorded and handed to onWrite
// so tests can answer them.
type fakeTransport struct {
	mu      sync.Mutex
	writes  []map[string]any
	onWrite func(t *fakeTransport, frame map[string]any)

	inbox chan []byte
	done  chan struct{}
	once  sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbox: make(chan []byte, 32),
		done:  make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-t.inbox:
		return data, nil
	case <-t.done:
		return nil, errors.New("transport closed")
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	select {
	case <-t.done:
		return errors.New("transport closed")
	default:
	}

	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}

	t.mu.Lock()
	t.writes = append(t.writes, frame)
	cb := t.onWrite
	t.mu.Unlock()

	if cb != nil {
		cb(t, frame)
	}
	return nil
}

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *fakeTransport) deliver(frame map[string]any) {
	data, err := json.Marshal(frame)
	if err != nil {
		panic(err)
	}
	t.inbox <- data
}

func (t *fakeTransport) deliverWelcome(requiresAuth bool) {
	t.deliver(map[string]any{
		"type":         "welcome",
		"version":      "9.9.9-test",
		"serverTime":   1700000000000,
		"requiresAuth": requiresAuth,
	})
}

// wrote reports whether any recorded write satisfies pred.
func (t *fakeTransport) wrote(pred func(frame map[string]any) bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, frame := range t.writes {
		if pred(frame) {
			return true
		}
	}
	return false
}

func (t *fakeTransport) writtenOps() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ops := make([]string, 0, len(t.writes))
	for _, frame := range t.writes {
		op, _ := frame["type"].(string)
		ops = append(ops, op)
	}
	return ops
}

// responder answers requests the way the real server would, with per-server
// subscription id prefixes so tests can tell connections apart.
type responder struct {
	prefix string

	mu      sync.Mutex
	subs    int
	swallow map[string]bool
}

func newResponder(prefix string) *responder {
	return &responder{prefix: prefix, swallow: make(map[string]bool)}
}

func (r *responder) swallowOp(operation string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.swallow[operation] = true
}

func (r *responder) handle(t *fakeTransport, frame map[string]any) {
	op, _ := frame["type"].(string)
	if op == "pong" {
		return
	}

	idf, ok := frame["id"].(float64)
	if !ok {
		return
	}
	id := uint64(idf)

	r.mu.Lock()
	swallowed := r.swallow[op]
	r.mu.Unlock()
	if swallowed {
		return
	}

	switch {
	case op == "auth.login" || op == "identity.login":
		t.deliver(map[string]any{
			"type": "result", "id": id,
			"data": map[string]any{"token": "issued-token", "userId": "alice", "roles": []string{"trader"}},
		})
	case strings.HasSuffix(op, ".subscribe"):
		r.mu.Lock()
		r.subs++
		subID := fmt.Sprintf("%s-%d", r.prefix, r.subs)
		r.mu.Unlock()
		t.deliver(map[string]any{
			"type": "result", "id": id,
			"data": map[string]any{"subscriptionId": subID},
		})
	case strings.HasSuffix(op, ".unsubscribe"):
		t.deliver(map[string]any{"type": "result", "id": id})
	default:
		t.deliver(map[string]any{
			"type": "result", "id": id,
			"data": map[string]any{"echo": op},
		})
	}
}

// scriptDialer hands out transports (or errors) per dial attempt, 1-based.
type scriptDialer struct {
	mu     sync.Mutex
	dials  int
	script func(attempt int) (Transport, error)
}

func (d *scriptDialer) Dial(_ context.Context, _ string) (Transport, error) {
	d.mu.Lock()
	d.dials++
	attempt := d.dials
	script := d.script
	d.mu.Unlock()
	return script(attempt)
}

func (d *scriptDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// eventRecorder collects emitted events for ordering assertions.
type eventRecorder struct {
	mu       sync.Mutex
	names    []Event
	payloads map[Event][]any
}

func recordEvents(c *Connection, events ...Event) *eventRecorder {
	r := &eventRecorder{payloads: make(map[Event][]any)}
	for _, ev := range events {
		ev := ev
		c.On(ev, func(payload any) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.names = append(r.names, ev)
			r.payloads[ev] = append(r.payloads[ev], payload)
		})
	}
	return r
}

func (r *eventRecorder) list() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.names...)
}

func (r *eventRecorder) count(ev Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads[ev])
}

func (r *eventRecorder) payloadsOf(ev Event) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.payloads[ev]...)
}

func testConfig(dialer Dialer, mutate func(*Config)) *Config {
	cfg := NewConfig("ws://test.invalid/ws")
	cfg.Dialer = dialer
	cfg.RequestTimeout = time.Second
	cfg.ConnectTimeout = time.Second
	cfg.Reconnect = ReconnectConfig{
		Enabled:      true,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   1.5,
	}
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

// single returns a dialer whose every attempt yields the same transport
// factory result.
func single(t *fakeTransport) *scriptDialer {
	return &scriptDialer{script: func(int) (Transport, error) { return t, nil }}
}

func connected(t *testing.T, mutate func(*Config)) (*Connection, *fakeTransport, *responder) {
	t.Helper()

	tr := newFakeTransport()
	resp := newResponder("sub")
	tr.onWrite = resp.handle
	tr.deliverWelcome(false)

	c := New(testConfig(single(tr), mutate))
	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		//nolint:errcheck
		c.Close(context.Background())
	})
	return c, tr, resp
}

func TestConnectDeliversWelcome(t *testing.T) {
	tr := newFakeTransport()
	tr.deliverWelcome(false)

	c := New(testConfig(single(tr), nil))
	rec := recordEvents(c, EventConnected, EventWelcome)

	welcome, err := c.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "9.9.9-test", welcome.Version)
	assert.Equal(t, int64(1700000000000), welcome.ServerTime)
	assert.Equal(t, StateConnected, c.State())
	assert.True(t, c.IsConnected())

	got, ok := c.Welcome()
	require.True(t, ok)
	assert.Equal(t, welcome, got)

	require.Eventually(t, func() bool { return rec.count(EventWelcome) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Event{EventConnected, EventWelcome}, rec.list())

	require.NoError(t, c.Close(context.Background()))
}

func TestConnectDialFailureIsFatal(t *testing.T) {
	dialer := &scriptDialer{script: func(int) (Transport, error) {
		return nil, errors.New("connection refused")
	}}

	c := New(testConfig(dialer, nil))
	_, err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, c.State())

	// a dial failure on the initial connect never starts the reconnect loop
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
}

func TestConnectWelcomeTimeout(t *testing.T) {
	tr := newFakeTransport() // never sends a welcome

	c := New(testConfig(single(tr), func(cfg *Config) {
		cfg.ConnectTimeout = 50 * time.Millisecond
		cfg.Reconnect.Enabled = false
	}))

	_, err := c.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.Equal(t, StateDisconnected, c.State())
}

// brittleTransport hands out its queued frames in order, then fails every
// read, so the welcome and the transport death arrive back to back.
type brittleTransport struct {
	mu     sync.Mutex
	frames [][]byte
}

func brittleWelcome() *brittleTransport {
	data, err := json.Marshal(map[string]any{
		"type": "welcome", "version": "9.9.9-test", "serverTime": 1700000000000, "requiresAuth": false,
	})
	if err != nil {
		panic(err)
	}
	return &brittleTransport{frames: [][]byte{data}}
}

func (t *brittleTransport) ReadMessage() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.frames) == 0 {
		return nil, errors.New("connection reset by peer")
	}
	data := t.frames[0]
	t.frames = t.frames[1:]
	return data, nil
}

func (t *brittleTransport) WriteMessage([]byte) error { return nil }

func (t *brittleTransport) Close() error { return nil }

func TestDropRightAfterWelcomeTriggersReconnect(t *testing.T) {
	tr2 := newFakeTransport()
	resp := newResponder("b")
	tr2.onWrite = resp.handle
	tr2.deliverWelcome(false)

	dialer := &scriptDialer{script: func(attempt int) (Transport, error) {
		if attempt == 1 {
			return brittleWelcome(), nil
		}
		return tr2, nil
	}}

	c := New(testConfig(dialer, nil))
	rec := recordEvents(c, EventReconnecting, EventReconnected)

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	defer c.Close(context.Background()) //nolint:errcheck

	// the engine must notice the dead transport and come back on a fresh one
	// rather than sit in connected with no read loop
	require.Eventually(t, func() bool { return rec.count(EventReconnected) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StateConnected, c.State())
	assert.GreaterOrEqual(t, dialer.dialCount(), 2)
	assert.GreaterOrEqual(t, rec.count(EventReconnecting), 1)

	_, err = c.Send(context.Background(), "orders.list", nil)
	assert.NoError(t, err)
}

func TestDropRightAfterWelcomeWithoutReconnect(t *testing.T) {
	dialer := &scriptDialer{script: func(int) (Transport, error) {
		return brittleWelcome(), nil
	}}

	c := New(testConfig(dialer, func(cfg *Config) {
		cfg.Reconnect.Enabled = false
	}))
	rec := recordEvents(c, EventDisconnected)

	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return rec.count(EventDisconnected) == 1 }, time.Second, time.Millisecond)

	// no further dials once the state settled
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, dialer.dialCount())
	assert.Equal(t, 1, rec.count(EventDisconnected))
}

func TestConnectWhileConnected(t *testing.T) {
	c, _, _ := connected(t, nil)

	_, err := c.Connect(context.Background())
	assert.Error(t, err)
}

func TestSendAndReceive(t *testing.T) {
	c, _, _ := connected(t, nil)

	data, err := c.Send(context.Background(), "orders.list", map[string]any{"status": "open"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":"orders.list"}`, string(data))
}

func TestSendServerError(t *testing.T) {
	c, tr, _ := connected(t, nil)

	tr.mu.Lock()
	tr.onWrite = func(t *fakeTransport, frame map[string]any) {
		id := uint64(frame["id"].(float64))
		t.deliver(map[string]any{
			"type": "error", "id": id,
			"code": "NOT_FOUND", "message": "no such order",
		})
	}
	tr.mu.Unlock()

	_, err := c.Send(context.Background(), "orders.get", map[string]any{"orderId": "o-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, &proto.RPCError{Code: "NOT_FOUND"})

	var rpcErr *proto.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "no such order", rpcErr.Message)

	// the connection survives a server error
	assert.Equal(t, StateConnected, c.State())
}

func TestSendTimeout(t *testing.T) {
	c, _, resp := connected(t, func(cfg *Config) {
		cfg.RequestTimeout = 50 * time.Millisecond
	})
	resp.swallowOp("slow.op")

	start := time.Now()
	_, err := c.Send(context.Background(), "slow.op", nil)
	elapsed := time.Since(start)
	assert.ErrorIs(t, err, ErrTimeout)
	// the deadline fires at ~50ms, neither early nor open-ended
	assert.GreaterOrEqual(t, elapsed, 45*time.Millisecond)
	assert.Less(t, elapsed, time.Second)

	// the timed-out request must not linger in the pending table
	assert.Zero(t, c.pending.count())
	assert.Equal(t, StateConnected, c.State())
}

func TestSendWhileDisconnected(t *testing.T) {
	tr := newFakeTransport()
	c := New(testConfig(single(tr), nil))

	_, err := c.Send(context.Background(), "orders.list", nil)
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestPendingRequestsFailOnDisconnect(t *testing.T) {
	c, tr, resp := connected(t, func(cfg *Config) {
		cfg.Reconnect.Enabled = false
	})
	resp.swallowOp("slow.op")

	rec := recordEvents(c, EventDisconnected)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "slow.op", nil)
		errCh <- err
	}()

	// wait until the request is in flight, then sever the connection
	require.Eventually(t, func() bool { return c.pending.count() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("pending request not rejected on disconnect")
	}

	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return rec.count(EventDisconnected) == 1 }, time.Second, time.Millisecond)
}

func TestHeartbeat(t *testing.T) {
	_, tr, _ := connected(t, nil)

	tr.deliver(map[string]any{"type": "ping", "timestamp": 1700000000123.0})

	require.Eventually(t, func() bool {
		return tr.wrote(func(frame map[string]any) bool {
			return frame["type"] == "pong" && frame["timestamp"] == 1700000000123.0
		})
	}, time.Second, time.Millisecond)
}

func TestHeartbeatDisabled(t *testing.T) {
	_, tr, _ := connected(t, func(cfg *Config) {
		cfg.Heartbeat = false
	})

	tr.deliver(map[string]any{"type": "ping", "timestamp": 1.0})

	time.Sleep(50 * time.Millisecond)
	assert.False(t, tr.wrote(func(frame map[string]any) bool {
		return frame["type"] == "pong"
	}))
}

func TestMalformedFrameDoesNotKillSession(t *testing.T) {
	c, tr, _ := connected(t, nil)
	rec := recordEvents(c, EventError)

	tr.inbox <- []byte(`this is not a frame`)
	tr.deliver(map[string]any{"type": "result"}) // response without id

	require.Eventually(t, func() bool { return rec.count(EventError) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, StateConnected, c.State())

	// the session still works
	_, err := c.Send(context.Background(), "orders.list", nil)
	assert.NoError(t, err)
}

func TestSubscribePushUnsubscribe(t *testing.T) {
	c, tr, _ := connected(t, nil)

	var mu sync.Mutex
	var updates []string
	handle, err := c.Subscribe(context.Background(), "market.subscribe",
		map[string]any{"symbol": "NOK/USD"},
		func(channel string, data json.RawMessage) {
			mu.Lock()
			defer mu.Unlock()
			updates = append(updates, channel+":"+string(data))
		})
	require.NoError(t, err)

	tr.deliver(map[string]any{
		"type": "push", "subscriptionId": "sub-1", "channel": "subscription", "data": map[string]any{"price": 42},
	})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, `subscription:{"price":42}`, updates[0])
	mu.Unlock()

	require.NoError(t, c.Unsubscribe(handle))
	assert.ErrorIs(t, c.Unsubscribe(handle), ErrSubscriptionNotFound)

	// no delivery after unsubscribe, even for a racing push
	tr.deliver(map[string]any{
		"type": "push", "subscriptionId": "sub-1", "channel": "subscription", "data": map[string]any{"price": 43},
	})

	// the server-side cancellation goes out in the background
	require.Eventually(t, func() bool {
		return tr.wrote(func(frame map[string]any) bool {
			return frame["type"] == "market.unsubscribe" && frame["subscriptionId"] == "sub-1"
		})
	}, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Len(t, updates, 1)
	mu.Unlock()
}

func TestSubscribeAckInitialData(t *testing.T) {
	c, tr, _ := connected(t, nil)

	tr.mu.Lock()
	tr.onWrite = func(t *fakeTransport, frame map[string]any) {
		id := uint64(frame["id"].(float64))
		t.deliver(map[string]any{
			"type": "result", "id": id,
			"data": map[string]any{"subscriptionId": "sub-9", "data": map[string]any{"snapshot": true}},
		})
	}
	tr.mu.Unlock()

	var mu sync.Mutex
	var got []string
	_, err := c.Subscribe(context.Background(), "market.subscribe", nil,
		func(channel string, data json.RawMessage) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, channel+":"+string(data))
		})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, `subscription:{"snapshot":true}`, got[0])
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	tr1 := newFakeTransport()
	resp1 := newResponder("a")
	tr1.onWrite = resp1.handle
	tr1.deliverWelcome(false)

	tr2 := newFakeTransport()
	resp2 := newResponder("b")
	tr2.onWrite = resp2.handle
	tr2.deliverWelcome(false)

	dialer := &scriptDialer{script: func(attempt int) (Transport, error) {
		switch attempt {
		case 1:
			return tr1, nil
		case 2:
			return nil, errors.New("still down")
		default:
			return tr2, nil
		}
	}}

	c := New(testConfig(dialer, nil))
	rec := recordEvents(c, EventConnected, EventReconnecting, EventReconnected, EventError)

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	defer c.Close(context.Background()) //nolint:errcheck

	var mu sync.Mutex
	var updates []string
	_, err = c.Subscribe(context.Background(), "market.subscribe",
		map[string]any{"symbol": "NOK/USD"},
		func(_ string, data json.RawMessage) {
			mu.Lock()
			defer mu.Unlock()
			updates = append(updates, string(data))
		})
	require.NoError(t, err)

	// sever the first connection and wait for the engine to come back
	require.NoError(t, tr1.Close())
	require.Eventually(t, func() bool { return rec.count(EventReconnected) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StateConnected, c.State())

	// the first reconnect attempt failed, the second succeeded
	assert.Equal(t, []any{1, 2}, rec.payloadsOf(EventReconnecting))
	assert.GreaterOrEqual(t, rec.count(EventError), 1)
	assert.Equal(t, 2, rec.count(EventConnected))

	// the subscription was replayed with a fresh server id on the new
	// connection; pushes on the new id reach the original callback
	assert.True(t, tr2.wrote(func(frame map[string]any) bool {
		return frame["type"] == "market.subscribe" && frame["symbol"] == "NOK/USD"
	}))

	tr2.deliver(map[string]any{
		"type": "push", "subscriptionId": "b-1", "channel": "subscription", "data": map[string]any{"price": 44},
	})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) == 1
	}, time.Second, time.Millisecond)
}

func TestReconnectRepeatsLoginBeforeSubscriptions(t *testing.T) {
	tr1 := newFakeTransport()
	resp1 := newResponder("a")
	tr1.onWrite = resp1.handle
	tr1.deliverWelcome(true)

	tr2 := newFakeTransport()
	resp2 := newResponder("b")
	tr2.onWrite = resp2.handle
	tr2.deliverWelcome(true)

	dialer := &scriptDialer{script: func(attempt int) (Transport, error) {
		if attempt == 1 {
			return tr1, nil
		}
		return tr2, nil
	}}

	c := New(testConfig(dialer, func(cfg *Config) {
		cfg.Auth = &AuthConfig{Username: "alice", Password: "s3cret"}
	}))
	rec := recordEvents(c, EventReconnected)

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	defer c.Close(context.Background()) //nolint:errcheck

	_, err = c.Subscribe(context.Background(), "market.subscribe", nil, func(string, json.RawMessage) {})
	require.NoError(t, err)

	require.NoError(t, tr1.Close())
	require.Eventually(t, func() bool { return rec.count(EventReconnected) == 1 }, time.Second, time.Millisecond)

	// the session is replayed on the new connection before anything else:
	// first the cached token from the credential login, then the resync
	ops := tr2.writtenOps()
	require.NotEmpty(t, ops)
	assert.Equal(t, "auth.login", ops[0])
	assert.Contains(t, ops, "market.subscribe")

	sess, ok := c.Session()
	require.True(t, ok)
	assert.Equal(t, "alice", sess.UserID)
}

func TestReconnectGivesUpAfterMaxRetries(t *testing.T) {
	tr1 := newFakeTransport()
	tr1.deliverWelcome(false)

	dialer := &scriptDialer{script: func(attempt int) (Transport, error) {
		if attempt == 1 {
			return tr1, nil
		}
		return nil, errors.New("still down")
	}}

	c := New(testConfig(dialer, func(cfg *Config) {
		cfg.Reconnect.MaxRetries = 2
	}))
	rec := recordEvents(c, EventReconnecting, EventDisconnected, EventError)

	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	require.NoError(t, tr1.Close())
	require.Eventually(t, func() bool { return rec.count(EventDisconnected) == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, StateDisconnected, c.State())
	// exactly two attempts were made, each reported individually
	assert.Equal(t, []any{1, 2}, rec.payloadsOf(EventReconnecting))
	assert.Equal(t, 3, dialer.dialCount())

	payloads := rec.payloadsOf(EventError)
	require.NotEmpty(t, payloads)
	last, ok := payloads[len(payloads)-1].(error)
	require.True(t, ok)
	assert.ErrorIs(t, last, ErrMaxRetries)
}

func TestCloseAbortsReconnectDelay(t *testing.T) {
	tr1 := newFakeTransport()
	tr1.deliverWelcome(false)

	c := New(testConfig(single(tr1), func(cfg *Config) {
		cfg.Reconnect.InitialDelay = time.Minute
		cfg.Reconnect.MaxDelay = time.Minute
		cfg.Reconnect.JitterMax = 0
	}))

	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	require.NoError(t, tr1.Close())
	require.Eventually(t, func() bool { return c.State() == StateReconnecting }, time.Second, time.Millisecond)

	start := time.Now()
	require.NoError(t, c.Close(context.Background()))
	assert.Less(t, time.Since(start), time.Second, "Close must not wait out the reconnect delay")
	assert.Equal(t, StateDisconnected, c.State())

	assert.ErrorIs(t, c.Close(context.Background()), ErrClosed)
	_, err = c.Send(context.Background(), "orders.list", nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSessionRevokedSuppressesReconnect(t *testing.T) {
	c, tr, _ := connected(t, func(cfg *Config) {
		cfg.Auth = &AuthConfig{Token: "tok"}
	})
	rec := recordEvents(c, EventSessionRevoked, EventDisconnected)

	tr.deliver(map[string]any{"type": "system", "event": "session_revoked", "reason": "admin action"})
	require.Eventually(t, func() bool { return rec.count(EventSessionRevoked) == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, []any{"admin action"}, rec.payloadsOf(EventSessionRevoked))
	// the connection itself survives the notice
	assert.Equal(t, StateConnected, c.State())
	_, ok := c.Session()
	assert.False(t, ok)

	// when the server follows up by closing, the engine does not fight it
	require.NoError(t, tr.Close())
	require.Eventually(t, func() bool { return c.State() == StateDisconnected }, time.Second, time.Millisecond)
	assert.Equal(t, 1, rec.count(EventDisconnected))
}

func TestAutoLoginOnConnect(t *testing.T) {
	tr := newFakeTransport()
	resp := newResponder("sub")
	tr.onWrite = resp.handle
	tr.deliverWelcome(true)

	c := New(testConfig(single(tr), func(cfg *Config) {
		cfg.Auth = &AuthConfig{Username: "alice", Password: "s3cret"}
	}))

	_, err := c.Connect(context.Background())
	require.NoError(t, err)
	defer c.Close(context.Background()) //nolint:errcheck

	sess, ok := c.Session()
	require.True(t, ok)
	assert.Equal(t, "alice", sess.UserID)
	assert.Equal(t, []string{"trader"}, sess.Roles)

	assert.Equal(t, []string{"identity.login"}, tr.writtenOps())
}

func TestAutoLoginSkippedWhenNotRequired(t *testing.T) {
	c, tr, _ := connected(t, func(cfg *Config) {
		cfg.Auth = &AuthConfig{Token: "tok"}
	})

	_, ok := c.Session()
	assert.False(t, ok)
	assert.Empty(t, tr.writtenOps())
}
