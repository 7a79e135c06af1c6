package connection

import (
	"errors"
	"time"
)

const (
	// DefaultRequestTimeout bounds how long Send waits for a correlated
	// response after the request was written.
	DefaultRequestTimeout = 10 * time.Second
	// DefaultConnectTimeout bounds dialing plus waiting for the welcome
	// frame on a new physical connection.
	DefaultConnectTimeout = 5 * time.Second

	// Reconnect backoff defaults.
	DefaultReconnectInitialDelay = 1 * time.Second
	DefaultReconnectMaxDelay     = 30 * time.Second
	DefaultReconnectMultiplier   = 2.0
	DefaultReconnectJitterMax    = 500 * time.Millisecond

	// CloseMessageCode is the close code sent on explicit disconnect.
	CloseMessageCode = 1000
)

var (
	// ErrTimeout is returned when a request's deadline elapsed with no
	// response.
	ErrTimeout = errors.New("request timed out")

	// ErrDisconnected is returned when a request is outstanding, or
	// attempted, while no usable connection exists.
	ErrDisconnected = errors.New("not connected")

	// ErrClosed is returned once the connection was explicitly closed.
	// A closed connection cannot be reused.
	ErrClosed = errors.New("connection closed")

	// ErrConnectTimeout is returned when the welcome frame did not arrive
	// within the connect timeout.
	ErrConnectTimeout = errors.New("timeout waiting for welcome")

	// ErrAuthFailed wraps login failures reported by the server. The
	// underlying proto.RPCError stays reachable through errors.As.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrMaxRetries is reported when the reconnection controller exhausts
	// its attempt bound.
	ErrMaxRetries = errors.New("max reconnect attempts reached")

	// ErrIDInUse indicates a correlation id collision. The id counter makes
	// this unreachable in practice; it is kept as a defensive invariant.
	ErrIDInUse = errors.New("correlation id already in use")

	// ErrNoURL is returned by Connect when the config has no endpoint.
	ErrNoURL = errors.New("url not set")

	// ErrSubscriptionNotFound is returned when unsubscribing an unknown or
	// already removed handle.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)
