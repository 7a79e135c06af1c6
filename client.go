package noex

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/noex-io/noex.go/pkg/codec"
	"github.com/noex-io/noex.go/pkg/connection"
	"github.com/noex-io/noex.go/pkg/logger"
	"github.com/noex-io/noex.go/pkg/metrics"
	"github.com/noex-io/noex.go/pkg/proto"
)

// Client is the high-level noex client. Construct one with New, bring it
// live with Connect, and tear it down with Close. All methods are safe for
// concurrent use.
type Client struct {
	conn *connection.Connection
}

// Option configures the Client.
type Option func(*connection.Config)

// WithAuthToken enables automatic token login whenever the server requires
// authentication.
func WithAuthToken(token string) Option {
	return func(cfg *connection.Config) {
		cfg.Auth = &connection.AuthConfig{Token: token}
	}
}

// WithCredentials enables automatic username/password login. The token the
// server hands back is cached and replayed on reconnect, so the password
// crosses the wire at most once per token lifetime.
func WithCredentials(username, password string) Option {
	return func(cfg *connection.Config) {
		cfg.Auth = &connection.AuthConfig{Username: username, Password: password}
	}
}

// WithReconnect replaces the reconnection policy.
func WithReconnect(rc connection.ReconnectConfig) Option {
	return func(cfg *connection.Config) {
		cfg.Reconnect = rc
	}
}

// WithoutReconnect disables automatic reconnection; any unexpected closure
// goes straight to the disconnected state.
func WithoutReconnect() Option {
	return func(cfg *connection.Config) {
		cfg.Reconnect.Enabled = false
	}
}

// WithRequestTimeout sets the default per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(cfg *connection.Config) {
		cfg.RequestTimeout = d
	}
}

// WithConnectTimeout bounds dialing plus waiting for the welcome frame.
func WithConnectTimeout(d time.Duration) Option {
	return func(cfg *connection.Config) {
		cfg.ConnectTimeout = d
	}
}

// WithLogger routes engine logs to l.
func WithLogger(l logger.Logger) Option {
	return func(cfg *connection.Config) {
		cfg.Logger = l
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(cfg *connection.Config) {
		cfg.Metrics = m
	}
}

// WithCodec replaces the wire codec. JSON by default.
func WithCodec(cd codec.Codec) Option {
	return func(cfg *connection.Config) {
		cfg.Codec = cd
	}
}

// WithHeartbeat controls whether server pings are answered. On by default.
func WithHeartbeat(enabled bool) Option {
	return func(cfg *connection.Config) {
		cfg.Heartbeat = enabled
	}
}

// WithRetryer replaces the backoff strategy derived from the reconnect
// configuration.
func WithRetryer(r connection.Retryer) Option {
	return func(cfg *connection.Config) {
		cfg.Retryer = r
	}
}

// WithDialer replaces the transport factory. Mostly a test seam.
func WithDialer(d connection.Dialer) Option {
	return func(cfg *connection.Config) {
		cfg.Dialer = d
	}
}

// New creates a disconnected Client for the given WebSocket endpoint.
func New(url string, opts ...Option) *Client {
	cfg := connection.NewConfig(url)
	for _, opt := range opts {
		opt(cfg)
	}
	return &Client{conn: connection.New(cfg)}
}

// Connect dials the server and waits for its welcome. When the welcome
// reports requiresAuth and auth is configured, the login happens before
// Connect returns.
func (c *Client) Connect(ctx context.Context) (proto.Welcome, error) {
	return c.conn.Connect(ctx)
}

// Close shuts the client down for good. Pending requests fail with
// ErrDisconnected, subscriptions are dropped, and any reconnection in
// progress is aborted before Close returns.
func (c *Client) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// Invoke sends one request and returns the raw response data. The deadline
// is the earlier of ctx and the configured request timeout.
func (c *Client) Invoke(ctx context.Context, operation string, payload map[string]any) (json.RawMessage, error) {
	return c.conn.Send(ctx, operation, payload)
}

// Invoke sends one request and decodes the response data into T.
func Invoke[T any](ctx context.Context, c *Client, operation string, payload map[string]any) (T, error) {
	var out T
	data, err := c.conn.Send(ctx, operation, payload)
	if err != nil {
		return out, err
	}
	if len(data) == 0 {
		return out, nil
	}
	if err := c.conn.Codec().Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decoding %s response: %w", operation, err)
	}
	return out, nil
}

// Subscribe issues the subscribe operation and routes matching push updates
// to cb until Unsubscribe. The returned handle stays valid across
// reconnects.
func (c *Client) Subscribe(ctx context.Context, operation string, payload map[string]any, cb connection.PushCallback) (connection.Handle, error) {
	return c.conn.Subscribe(ctx, operation, payload, cb)
}

// Unsubscribe stops delivery to the subscription's callback immediately and
// cancels it server-side in the background.
func (c *Client) Unsubscribe(handle connection.Handle) error {
	return c.conn.Unsubscribe(handle)
}

// On registers a lifecycle event handler and returns its removal func.
func (c *Client) On(event connection.Event, h connection.EventHandler) connection.UnsubscribeFunc {
	return c.conn.On(event, h)
}

// State returns the connection lifecycle state.
func (c *Client) State() connection.State {
	return c.conn.State()
}

// IsConnected reports whether requests can currently be sent.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Session returns the authenticated session on the current connection, if
// any.
func (c *Client) Session() (connection.Session, bool) {
	return c.conn.Session()
}

// Welcome returns the welcome info of the current physical connection.
func (c *Client) Welcome() (proto.Welcome, bool) {
	return c.conn.Welcome()
}
