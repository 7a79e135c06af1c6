package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/noex-io/noex.go/pkg/codec"
	"github.com/noex-io/noex.go/pkg/logger"
)

// Session is a snapshot of the authenticated identity on the current
// connection.
type Session struct {
	UserID string
	Roles  []string
	// ExpiresAt is the token expiry in Unix milliseconds, 0 when the server
	// reported none.
	ExpiresAt int64
}

// loginResult is the response data of auth.login and identity.login.
type loginResult struct {
	Token     string   `json:"token,omitempty"`
	UserID    string   `json:"userId,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	ExpiresAt *int64   `json:"expiresAt,omitempty"`
}

type sendFunc func(ctx context.Context, operation string, payload map[string]any) (json.RawMessage, error)

// sessionState tracks authentication across physical connections. A token
// obtained from a credential login is cached here and replayed on reconnect,
// so credentials are sent over the wire at most once per token lifetime.
type sessionState struct {
	mu            sync.Mutex
	auth          *AuthConfig
	cachedToken   string
	authenticated bool
	current       *Session

	logger logger.Logger
}

func newSessionState(auth *AuthConfig, log logger.Logger) *sessionState {
	return &sessionState{auth: auth, logger: log}
}

func (s *sessionState) loginConfigured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth.configured() || s.cachedToken != ""
}

// login authenticates the fresh connection. Preference order: the cached
// token from a previous login, the configured token, the configured
// credentials. A stale cached token falls through to the configured
// mechanism instead of failing the whole login.
func (s *sessionState) login(ctx context.Context, send sendFunc, u codec.Unmarshaler) error {
	s.mu.Lock()
	cached := s.cachedToken
	auth := s.auth
	s.mu.Unlock()

	if cached != "" {
		data, err := send(ctx, "auth.login", map[string]any{"token": cached})
		if err == nil {
			return s.apply(u, data, cached)
		}
		s.logger.Warn("cached token rejected, falling back to configured auth", "error", err)
		s.mu.Lock()
		s.cachedToken = ""
		s.mu.Unlock()
	}

	switch {
	case auth == nil:
		return nil
	case auth.Token != "":
		data, err := send(ctx, "auth.login", map[string]any{"token": auth.Token})
		if err != nil {
			return fmt.Errorf("token login: %w: %w", ErrAuthFailed, err)
		}
		return s.apply(u, data, auth.Token)
	case auth.Username != "":
		data, err := send(ctx, "identity.login", map[string]any{
			"username": auth.Username,
			"password": auth.Password,
		})
		if err != nil {
			return fmt.Errorf("credential login: %w: %w", ErrAuthFailed, err)
		}
		return s.apply(u, data, "")
	}
	return nil
}

// apply records the server's view of the session. fallbackToken is cached
// when the server did not hand back a fresh token.
func (s *sessionState) apply(u codec.Unmarshaler, data json.RawMessage, fallbackToken string) error {
	var res loginResult
	if len(data) > 0 {
		if err := u.Unmarshal(data, &res); err != nil {
			return fmt.Errorf("decoding login result: %w", err)
		}
	}

	token := res.Token
	if token == "" {
		token = fallbackToken
	}

	sess := &Session{UserID: res.UserID, Roles: res.Roles}
	if res.ExpiresAt != nil {
		sess.ExpiresAt = *res.ExpiresAt
	}

	s.mu.Lock()
	s.cachedToken = token
	s.authenticated = true
	s.current = sess
	s.mu.Unlock()

	s.logger.Info("session established", "userId", res.UserID, "roles", res.Roles)
	return nil
}

// revoke invalidates the session and the cached token. The connection stays
// up; authenticated calls fail server-side until a fresh login succeeds.
func (s *sessionState) revoke(reason string) {
	s.mu.Lock()
	s.authenticated = false
	s.current = nil
	s.cachedToken = ""
	s.mu.Unlock()

	s.logger.Warn("session revoked by server", "reason", reason)
}

// reset clears the per-connection authenticated flag but keeps the cached
// token for replay on the next connection.
func (s *sessionState) reset() {
	s.mu.Lock()
	s.authenticated = false
	s.current = nil
	s.mu.Unlock()
}

func (s *sessionState) session() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authenticated || s.current == nil {
		return Session{}, false
	}
	return *s.current, true
}

func (s *sessionState) isAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}
