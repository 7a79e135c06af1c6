package connection

import (
	"time"

	"github.com/noex-io/noex.go/pkg/codec"
	"github.com/noex-io/noex.go/pkg/logger"
	"github.com/noex-io/noex.go/pkg/metrics"
)

// AuthConfig selects the automatic login performed after every successful
// welcome that reports requiresAuth. Token takes precedence over
// credentials when both are set.
type AuthConfig struct {
	// Token is sent via auth.login.
	Token string

	// Username and Password are sent via identity.login. The token returned
	// by a successful credential login is cached and replayed on reconnect.
	Username string
	Password string
}

func (a *AuthConfig) configured() bool {
	return a != nil && (a.Token != "" || a.Username != "")
}

// ReconnectConfig controls the reconnection controller.
type ReconnectConfig struct {
	// Enabled turns automatic reconnection on. When false, any unexpected
	// closure goes straight to StateDisconnected.
	Enabled bool

	// MaxRetries bounds the number of reconnection attempts. 0 means
	// unbounded; the loop still polls for explicit disconnect before every
	// delay.
	MaxRetries int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// JitterMax is the upper bound of the uniform random jitter added to
	// every delay.
	JitterMax time.Duration
}

// Config is the connection configuration. NewConfig applies the defaults;
// the zero value of optional fields keeps them.
type Config struct {
	// URL is the WebSocket endpoint, e.g. "ws://localhost:8000/ws".
	URL string

	// Auth, when configured, enables automatic login after every welcome.
	Auth *AuthConfig

	// Reconnect controls the reconnection controller.
	Reconnect ReconnectConfig

	// RequestTimeout is the default per-request deadline. A context with an
	// earlier deadline takes precedence.
	RequestTimeout time.Duration

	// ConnectTimeout bounds dialing plus waiting for the welcome frame.
	ConnectTimeout time.Duration

	// Heartbeat answers server pings transparently. Disabling it leaves
	// pings unanswered, which usually makes the server drop the session.
	Heartbeat bool

	// Logger defaults to a no-op logger.
	Logger logger.Logger

	// Codec defaults to the JSON codec. The noex protocol is JSON; this is
	// a seam for tests.
	Codec codec.Codec

	// Metrics is optional Prometheus instrumentation. Nil records nothing.
	Metrics *metrics.Metrics

	// Retryer overrides the backoff strategy derived from Reconnect.
	Retryer Retryer

	// Dialer overrides the transport factory. Tests use this to inject
	// scripted transports; the default dials gorilla WebSockets.
	Dialer Dialer
}

// NewConfig returns a Config for the given endpoint with protocol defaults:
// reconnect enabled with unbounded retries, 10s request timeout, 5s connect
// timeout, heartbeat on.
func NewConfig(url string) *Config {
	return &Config{
		URL: url,
		Reconnect: ReconnectConfig{
			Enabled:      true,
			InitialDelay: DefaultReconnectInitialDelay,
			MaxDelay:     DefaultReconnectMaxDelay,
			Multiplier:   DefaultReconnectMultiplier,
			JitterMax:    DefaultReconnectJitterMax,
		},
		RequestTimeout: DefaultRequestTimeout,
		ConnectTimeout: DefaultConnectTimeout,
		Heartbeat:      true,
	}
}

// withDefaults fills the optional collaborators so the engine never
// nil-checks them.
func (c *Config) withDefaults() *Config {
	out := *c
	if out.Logger == nil {
		out.Logger = logger.Nop{}
	}
	if out.Codec == nil {
		out.Codec = codec.New()
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.Dialer == nil {
		out.Dialer = &WebSocketDialer{}
	}
	if out.Retryer == nil {
		out.Retryer = retryerFromConfig(out.Reconnect)
	}
	return &out
}

func retryerFromConfig(rc ReconnectConfig) Retryer {
	r := &ExponentialBackoffRetryer{
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.Multiplier,
		MaxRetries:   rc.MaxRetries,
		JitterMax:    rc.JitterMax,
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = DefaultReconnectInitialDelay
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = DefaultReconnectMaxDelay
	}
	if r.Multiplier <= 0 {
		r.Multiplier = DefaultReconnectMultiplier
	}
	return r
}
