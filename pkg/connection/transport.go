package connection

import (
	"context"
	"sync"

	gorilla "github.com/gorilla/websocket"
)

// Transport is one physical connection to the server. The state machine is
// its sole owner: it is replaced, never mutated, on every reconnect, and
// other components only ever receive it as a short-lived read-only handle.
type Transport interface {
	// ReadMessage blocks until the next frame or a transport failure.
	ReadMessage() ([]byte, error)
	// WriteMessage writes one frame. Safe for concurrent use.
	WriteMessage(data []byte) error
	// Close tears the physical connection down. Safe to call more than
	// once; any blocked ReadMessage returns an error afterwards.
	Close() error
}

// Dialer opens physical connections. TLS termination is the transport's
// responsibility; wss URLs are handled by the underlying dialer.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// DefaultDialer is the gorilla dialer used by WebSocketDialer unless
// overridden. It is the default gorilla dialer with compression enabled.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
}

// WebSocketDialer dials gorilla WebSocket transports.
type WebSocketDialer struct {
	// Dialer overrides DefaultDialer when set.
	Dialer *gorilla.Dialer
}

func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = DefaultDialer
	}

	conn, res, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	return &webSocketTransport{conn: conn}, nil
}

type webSocketTransport struct {
	conn *gorilla.Conn

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func (t *webSocketTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *webSocketTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(gorilla.TextMessage, data)
}

// Close sends a best-effort close message so the server learns about the
// shutdown in a timely manner, then closes the underlying connection to
// release local resources either way.
func (t *webSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		//nolint:errcheck // the connection is closed regardless
		t.conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(CloseMessageCode, ""))
		t.writeMu.Unlock()

		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
