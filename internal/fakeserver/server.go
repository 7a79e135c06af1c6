// Package fakeserver provides an in-process fake noex WebSocket server for
// testing. It speaks the noex JSON frame protocol: welcome on open,
// integer-correlated request/response pairs, push subscriptions, ping/pong
// heartbeats and session_revoked notices.
//
// Failure injection is configurable per stub and globally: response delays,
// dropped connections, WebSocket closes and garbage frames. Tests drive
// server-initiated behavior through Push, SendPing, RevokeSessions and
// DropConnections.
package fakeserver

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/lxzan/gws"
)

// FailureType selects the failure to inject while handling a request.
type FailureType string

const (
	// FailureNone disables injection.
	FailureNone FailureType = "none"
	// FailureRequestDelay sleeps before processing the request.
	FailureRequestDelay FailureType = "request_delay"
	// FailureSwallowRequest reads the request and never answers it.
	FailureSwallowRequest FailureType = "swallow_request"
	// FailureInvalidFrame answers with bytes that are not a JSON frame.
	FailureInvalidFrame FailureType = "invalid_frame"
	// FailureWebSocketClose closes the WebSocket with a configurable code.
	FailureWebSocketClose FailureType = "websocket_close"
	// FailureDropConnection severs the TCP connection without a close frame.
	FailureDropConnection FailureType = "drop_connection"
)

// FailureConfig defines how and when to inject one failure.
type FailureConfig struct {
	Type FailureType
	// Probability of triggering, 0.0 to 1.0.
	Probability float64
	// Delay for FailureRequestDelay.
	Delay time.Duration
	// CloseCode and CloseReason for FailureWebSocketClose.
	CloseCode   uint16
	CloseReason string
}

// RequestMatcher selects the requests a stub handles.
type RequestMatcher struct {
	// Operation is the request "type" to match.
	Operation string
	// Matcher optionally narrows the match on the full request object.
	Matcher func(req map[string]any) bool
}

// StubResponse is a canned answer for matching requests.
type StubResponse struct {
	Matcher RequestMatcher
	// Result is the data of a result frame (mutually exclusive with Error).
	Result any
	// Error makes the server answer with an error frame.
	Error *ErrorSpec
	// Failures are injected before answering.
	Failures []FailureConfig
}

// ErrorSpec is the code/message pair of an error frame.
type ErrorSpec struct {
	Code    string
	Message string
	Details any
}

// SimpleStub answers operation with a result frame carrying result.
func SimpleStub(operation string, result any) StubResponse {
	return StubResponse{
		Matcher: RequestMatcher{Operation: operation},
		Result:  result,
	}
}

// ErrorStub answers operation with an error frame.
func ErrorStub(operation, code, message string) StubResponse {
	return StubResponse{
		Matcher: RequestMatcher{Operation: operation},
		Error:   &ErrorSpec{Code: code, Message: message},
	}
}

// session is the per-connection authenticated state.
type session struct {
	userID string
	roles  []string
	token  string
}

// subscriptionRecord tracks one active subscription on one connection.
type subscriptionRecord struct {
	id        string
	operation string
	conn      *gws.Conn
}

// Server is the fake noex server.
type Server struct {
	addr     string
	listener net.Listener
	server   *gws.Server

	mu             sync.RWMutex
	stubs          []StubResponse
	globalFailures []FailureConfig
	connections    map[*gws.Conn]bool
	sessions       map[*gws.Conn]*session
	subscriptions  map[string]*subscriptionRecord
	unsubscribed   []string

	// RequiresAuth is reported in every welcome frame.
	RequiresAuth bool
	// ValidTokens are accepted by auth.login. When empty, every token is
	// accepted.
	ValidTokens map[string]bool
	// Users maps username to password for identity.login.
	Users map[string]string
	// IssuedToken is the token handed out by successful logins.
	IssuedToken string
	// WithholdWelcome suppresses the welcome frame, leaving clients hanging
	// in their handshake.
	WithholdWelcome bool
	// WelcomeDelay postpones the welcome frame.
	WelcomeDelay time.Duration
	// Version is reported in the welcome frame.
	Version string

	subCounter int
	ctx        context.Context
	cancel     context.CancelFunc
}

// Handler implements gws.Handler for the fake server.
type Handler struct {
	server *Server
}

// NewServer creates a fake noex server. Use "127.0.0.1:0" for a random port.
func NewServer(addr string) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		addr:          addr,
		connections:   make(map[*gws.Conn]bool),
		sessions:      make(map[*gws.Conn]*session),
		subscriptions: make(map[string]*subscriptionRecord),
		IssuedToken:   "fake-token",
		Version:       "1.0.0-fake",
		ctx:           ctx,
		cancel:        cancel,
	}

	handler := &Handler{server: s}
	s.server = gws.NewServer(handler, &gws.ServerOption{})
	s.server.OnError = func(_ net.Conn, err error) {
		if !errors.Is(err, net.ErrClosed) && !isClosedNetworkError(err) {
			log.Printf("fakeserver: %v", err)
		}
	}

	return s
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	go func() {
		if err := s.server.RunListener(listener); err != nil {
			if !errors.Is(err, net.ErrClosed) && !isClosedNetworkError(err) {
				log.Printf("fakeserver: %v", err)
			}
		}
	}()

	return nil
}

// Stop shuts the server down and severs every connection.
func (s *Server) Stop() error {
	s.cancel()
	s.DropConnections()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// Address returns the bound address, useful with a random port.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL returns the ws:// endpoint clients should dial.
func (s *Server) URL() string {
	return "ws://" + s.Address()
}

// AddStub registers a canned response. Stubs match in registration order and
// take precedence over the built-in handlers.
func (s *Server) AddStub(stub StubResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stubs = append(s.stubs, stub)
}

// SetGlobalFailures applies failure configurations to every request.
func (s *Server) SetGlobalFailures(failures []FailureConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalFailures = failures
}

// ConnectionCount reports the live connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Unsubscribed returns the subscription ids the server was asked to cancel.
func (s *Server) Unsubscribed() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.unsubscribed...)
}

// SubscriptionIDs returns the ids of the currently active subscriptions.
func (s *Server) SubscriptionIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.subscriptions))
	for id := range s.subscriptions {
		ids = append(ids, id)
	}
	return ids
}

// Push delivers a push frame on the given subscription. channel is
// "subscription" or "event".
func (s *Server) Push(subscriptionID, channel string, data any) error {
	s.mu.RLock()
	rec, ok := s.subscriptions[subscriptionID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("fakeserver: no subscription %s", subscriptionID)
	}

	return writeFrame(rec.conn, map[string]any{
		"type":           "push",
		"subscriptionId": subscriptionID,
		"channel":        channel,
		"data":           data,
	})
}

// SendPing sends a ping frame to every connection and returns how many were
// sent.
func (s *Server) SendPing() int {
	s.mu.RLock()
	conns := make([]*gws.Conn, 0, len(s.connections))
	for conn := range s.connections {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()

	ts := float64(time.Now().UnixMilli())
	for _, conn := range conns {
		//nolint:errcheck
		writeFrame(conn, map[string]any{"type": "ping", "timestamp": ts})
	}
	return len(conns)
}

// RevokeSessions sends a session_revoked notice to every connection, then
// closes them the way the real server does after a revocation.
func (s *Server) RevokeSessions(reason string) {
	s.mu.Lock()
	conns := make([]*gws.Conn, 0, len(s.connections))
	for conn := range s.connections {
		conns = append(conns, conn)
	}
	for conn := range s.sessions {
		delete(s.sessions, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		//nolint:errcheck
		writeFrame(conn, map[string]any{
			"type":   "system",
			"event":  "session_revoked",
			"reason": reason,
		})
		conn.WriteClose(1000, []byte("session revoked"))
	}
}

// DropConnections severs every connection without a close frame, simulating
// a network failure.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*gws.Conn, 0, len(s.connections))
	for conn := range s.connections {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		//nolint:errcheck
		conn.NetConn().Close()
	}
}

func (h *Handler) OnOpen(socket *gws.Conn) {
	h.server.mu.Lock()
	h.server.connections[socket] = true
	withhold := h.server.WithholdWelcome
	delay := h.server.WelcomeDelay
	version := h.server.Version
	requiresAuth := h.server.RequiresAuth
	h.server.mu.Unlock()

	if withhold {
		return
	}

	welcome := map[string]any{
		"type":         "welcome",
		"version":      version,
		"serverTime":   time.Now().UnixMilli(),
		"requiresAuth": requiresAuth,
	}

	if delay > 0 {
		go func() {
			time.Sleep(delay)
			//nolint:errcheck
			writeFrame(socket, welcome)
		}()
		return
	}

	//nolint:errcheck
	writeFrame(socket, welcome)
}

func (h *Handler) OnClose(socket *gws.Conn, _ error) {
	h.server.mu.Lock()
	delete(h.server.connections, socket)
	delete(h.server.sessions, socket)
	for id, rec := range h.server.subscriptions {
		if rec.conn == socket {
			delete(h.server.subscriptions, id)
		}
	}
	h.server.mu.Unlock()
}

func (h *Handler) OnPing(socket *gws.Conn, payload []byte) {
	//nolint:errcheck
	socket.WritePong(payload)
}

func (h *Handler) OnPong(_ *gws.Conn, _ []byte) {}

func (h *Handler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	h.server.mu.RLock()
	globalFailures := append([]FailureConfig(nil), h.server.globalFailures...)
	h.server.mu.RUnlock()

	for _, failure := range globalFailures {
		if triggered(failure.Probability) && h.applyFailure(socket, failure) {
			return
		}
	}

	var req map[string]any
	if err := json.Unmarshal(message.Bytes(), &req); err != nil {
		// a request that is not JSON cannot be correlated, drop it
		return
	}

	operation, _ := req["type"].(string)
	id, hasID := requestID(req)

	if operation == "pong" {
		// heartbeat replies carry no id and need no answer
		return
	}
	if !hasID {
		return
	}

	h.server.mu.RLock()
	var stub *StubResponse
	for i := range h.server.stubs {
		candidate := &h.server.stubs[i]
		if candidate.Matcher.Operation != operation {
			continue
		}
		if candidate.Matcher.Matcher == nil || candidate.Matcher.Matcher(req) {
			stub = candidate
			break
		}
	}
	h.server.mu.RUnlock()

	if stub != nil {
		for _, failure := range stub.Failures {
			if triggered(failure.Probability) && h.applyFailure(socket, failure) {
				return
			}
		}
		if stub.Error != nil {
			h.sendError(socket, id, stub.Error)
			return
		}
		h.sendResult(socket, id, stub.Result)
		return
	}

	switch {
	case operation == "auth.login":
		h.handleTokenLogin(socket, id, req)
	case operation == "identity.login":
		h.handleCredentialLogin(socket, id, req)
	case strings.HasSuffix(operation, ".subscribe"):
		h.handleSubscribe(socket, id, operation)
	case strings.HasSuffix(operation, ".unsubscribe"):
		h.handleUnsubscribe(socket, id, req)
	default:
		h.sendResult(socket, id, map[string]any{"echo": operation})
	}
}

func (h *Handler) handleTokenLogin(socket *gws.Conn, id uint64, req map[string]any) {
	token, _ := req["token"].(string)
	if token == "" {
		h.sendError(socket, id, &ErrorSpec{Code: "AUTH_FAILED", Message: "missing token"})
		return
	}

	h.server.mu.Lock()
	valid := len(h.server.ValidTokens) == 0 || h.server.ValidTokens[token]
	if valid {
		h.server.sessions[socket] = &session{userID: "user-" + token, roles: []string{"user"}, token: token}
	}
	h.server.mu.Unlock()

	if !valid {
		h.sendError(socket, id, &ErrorSpec{Code: "AUTH_FAILED", Message: "invalid token"})
		return
	}

	h.sendResult(socket, id, map[string]any{
		"token":  token,
		"userId": "user-" + token,
		"roles":  []string{"user"},
	})
}

func (h *Handler) handleCredentialLogin(socket *gws.Conn, id uint64, req map[string]any) {
	username, _ := req["username"].(string)
	password, _ := req["password"].(string)

	h.server.mu.Lock()
	expected, known := h.server.Users[username]
	token := h.server.IssuedToken
	if known && expected == password {
		h.server.sessions[socket] = &session{userID: username, roles: []string{"user"}, token: token}
		if h.server.ValidTokens == nil {
			h.server.ValidTokens = make(map[string]bool)
		}
		h.server.ValidTokens[token] = true
	}
	h.server.mu.Unlock()

	if !known || expected != password {
		h.sendError(socket, id, &ErrorSpec{Code: "AUTH_FAILED", Message: "invalid credentials"})
		return
	}

	h.sendResult(socket, id, map[string]any{
		"token":     token,
		"userId":    username,
		"roles":     []string{"user"},
		"expiresAt": time.Now().Add(time.Hour).UnixMilli(),
	})
}

func (h *Handler) handleSubscribe(socket *gws.Conn, id uint64, operation string) {
	h.server.mu.Lock()
	h.server.subCounter++
	subID := fmt.Sprintf("sub-%d", h.server.subCounter)
	h.server.subscriptions[subID] = &subscriptionRecord{id: subID, operation: operation, conn: socket}
	h.server.mu.Unlock()

	h.sendResult(socket, id, map[string]any{"subscriptionId": subID})
}

func (h *Handler) handleUnsubscribe(socket *gws.Conn, id uint64, req map[string]any) {
	subID, _ := req["subscriptionId"].(string)

	h.server.mu.Lock()
	_, ok := h.server.subscriptions[subID]
	if ok {
		delete(h.server.subscriptions, subID)
		h.server.unsubscribed = append(h.server.unsubscribed, subID)
	}
	h.server.mu.Unlock()

	if !ok {
		h.sendError(socket, id, &ErrorSpec{Code: "NOT_FOUND", Message: "unknown subscription"})
		return
	}
	h.sendResult(socket, id, nil)
}

// applyFailure returns true when the request must not be answered.
func (h *Handler) applyFailure(socket *gws.Conn, failure FailureConfig) bool {
	switch failure.Type {
	case FailureRequestDelay:
		time.Sleep(failure.Delay)
		return false

	case FailureSwallowRequest:
		return true

	case FailureInvalidFrame:
		garbage := make([]byte, 64)
		//nolint:errcheck
		rand.Read(garbage)
		//nolint:errcheck
		socket.WriteMessage(gws.OpcodeText, garbage)
		return true

	case FailureWebSocketClose:
		code := failure.CloseCode
		if code == 0 {
			code = 1001
		}
		reason := failure.CloseReason
		if reason == "" {
			reason = "failure injection"
		}
		socket.WriteClose(code, []byte(reason))
		return true

	case FailureDropConnection:
		//nolint:errcheck
		socket.NetConn().Close()
		return true
	}

	return false
}

func (h *Handler) sendResult(socket *gws.Conn, id uint64, data any) {
	frame := map[string]any{"type": "result", "id": id}
	if data != nil {
		frame["data"] = data
	}
	if err := writeFrame(socket, frame); err != nil {
		log.Printf("fakeserver: writing result: %v", err)
	}
}

func (h *Handler) sendError(socket *gws.Conn, id uint64, spec *ErrorSpec) {
	frame := map[string]any{
		"type":    "error",
		"id":      id,
		"code":    spec.Code,
		"message": spec.Message,
	}
	if spec.Details != nil {
		frame["details"] = spec.Details
	}
	if err := writeFrame(socket, frame); err != nil {
		log.Printf("fakeserver: writing error: %v", err)
	}
}

func writeFrame(socket *gws.Conn, frame map[string]any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return socket.WriteMessage(gws.OpcodeText, data)
}

func requestID(req map[string]any) (uint64, bool) {
	switch id := req["id"].(type) {
	case float64:
		return uint64(id), true
	case json.Number:
		n, err := id.Int64()
		if err != nil {
			return 0, false
		}
		return uint64(n), true
	default:
		return 0, false
	}
}

func triggered(probability float64) bool {
	if probability <= 0 {
		return false
	}
	if probability >= 1 {
		return true
	}
	n, _ := rand.Int(rand.Reader, big.NewInt(1<<53))
	return float64(n.Int64())/float64(1<<53) < probability
}

func isClosedNetworkError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}
