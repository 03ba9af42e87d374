// Copyright Toolmux Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/toolmux/toolmux/internal/metrics"
)

const (
	// sessionIDHeader carries the MCP session id on every request after
	// initialization.
	sessionIDHeader = "mcp-session-id"

	// maxBodyBytes bounds the POST body read. Larger bodies get a 413.
	maxBodyBytes = 4 << 20
)

// Listener serves the gateway's MCP endpoint on /mcp plus a plain
// /health. One MCP server instance exists per active session; it is
// created lazily on the initializing POST and destroyed when the client
// deletes the session, the transport closes, or the listener shuts down.
type Listener struct {
	gateway *Gateway
	l       *slog.Logger
	metrics metrics.GatewayMetrics

	// TransportWrapper, when set before serving, decorates every
	// session's server transport. The analytics interceptor hooks in
	// here.
	TransportWrapper func(mcp.Transport) mcp.Transport

	mu       sync.Mutex
	sessions map[string]*serverSession
	closed   bool
}

type serverSession struct {
	id        string
	transport *mcp.StreamableServerTransport
	ss        *mcp.ServerSession
}

// NewListener creates a Listener for the given gateway.
func NewListener(g *Gateway, l *slog.Logger, m metrics.GatewayMetrics) *Listener {
	if m == nil {
		m = metrics.NewNoop()
	}
	return &Listener{
		gateway:  g,
		l:        l,
		metrics:  m,
		sessions: make(map[string]*serverSession),
	}
}

// Handler returns the HTTP handler for the listener. Unhandled panics in
// request handling become a 500 with a JSON error body.
func (s *Listener) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.servePOST(w, r)
		case http.MethodGet:
			s.serveGET(w, r)
		case http.MethodDelete:
			s.serveDELETE(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return s.recovered(mux)
}

func (s *Listener) recovered(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.l.Error("panic in request handler", slog.Any("panic", rec))
				writeJSONError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Listener) servePOST(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if len(body) > maxBodyBytes {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return
	}
	if !json.Valid(body) {
		writeJSONError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	s.recordMethod(r.Context(), body)

	// Dispatch to the live session when the header names one; any other
	// POST (no header, or a stale id) initializes a fresh session.
	if id := r.Header.Get(sessionIDHeader); id != "" {
		if sess, ok := s.session(id); ok {
			s.delegate(sess, w, r, body)
			return
		}
	}

	sess, err := s.createSession(r.Context())
	if err != nil {
		s.l.Error("failed to create session", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	w.Header().Set(sessionIDHeader, sess.id)
	s.delegate(sess, w, r, body)
}

func (s *Listener) serveGET(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(r.Header.Get(sessionIDHeader))
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "No session found")
		return
	}
	sess.transport.ServeHTTP(w, r)
}

func (s *Listener) serveDELETE(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(r.Header.Get(sessionIDHeader))
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "No session found")
		return
	}
	sess.transport.ServeHTTP(w, r)
	s.destroySession(sess)
}

// session looks up a live session by id.
func (s *Listener) session(id string) (*serverSession, bool) {
	if id == "" {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// createSession allocates a fresh MCP server for the gateway's current
// tool index, connects it over a new streamable transport and registers
// the pair. If the connect fails nothing is registered and the error is
// surfaced; the server and transport are not closed explicitly.
func (s *Listener) createSession(ctx context.Context) (*serverSession, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("listener is shut down")
	}
	s.mu.Unlock()

	server := s.gateway.MCPServer()
	transport := &mcp.StreamableServerTransport{SessionID: uuid.NewString()}
	var serverTransport mcp.Transport = transport
	if s.TransportWrapper != nil {
		serverTransport = s.TransportWrapper(transport)
	}
	// The session outlives the initializing request.
	ss, err := server.Connect(context.WithoutCancel(ctx), serverTransport, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect server to session transport: %w", err)
	}
	sess := &serverSession{id: transport.SessionID, transport: transport, ss: ss}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ss.Close()
		return nil, fmt.Errorf("listener is shut down")
	}
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.metrics.RecordSessionOpened(ctx)
	if s.l.Enabled(ctx, slog.LevelDebug) {
		s.l.Debug("session initialized", slog.String("session_id", sess.id))
	}

	// Reap the session when its transport closes, client-initiated or
	// not. Removal is keyed by session identity so a newer session under
	// a recycled id is never clobbered.
	go func() {
		_ = ss.Wait()
		s.removeSession(sess)
	}()
	return sess, nil
}

func (s *Listener) delegate(sess *serverSession, w http.ResponseWriter, r *http.Request, body []byte) {
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.ContentLength = int64(len(body))
	sess.transport.ServeHTTP(w, r)
}

// destroySession removes the session and closes its server session
// (which closes the transport). Close errors are tolerated.
func (s *Listener) destroySession(sess *serverSession) {
	if !s.removeSession(sess) {
		return
	}
	if err := sess.ss.Close(); err != nil {
		s.l.Warn("failed to close session", slog.String("session_id", sess.id), slog.String("error", err.Error()))
	}
}

// removeSession drops the map entry if it still refers to this exact
// session. Reports whether the entry was removed.
func (s *Listener) removeSession(sess *serverSession) bool {
	s.mu.Lock()
	cur, ok := s.sessions[sess.id]
	if !ok || cur != sess {
		s.mu.Unlock()
		return false
	}
	delete(s.sessions, sess.id)
	s.mu.Unlock()
	s.metrics.RecordSessionClosed(context.Background())
	return true
}

// ActiveSessions reports the number of live sessions.
func (s *Listener) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Shutdown tears down every live session, then closes the gateway's
// backends. Per-session close errors are tolerated; the gateway close
// error is returned.
func (s *Listener) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*serverSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*serverSession)
	s.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.ss.Close(); err != nil {
			s.l.Warn("failed to close session during shutdown",
				slog.String("session_id", sess.id), slog.String("error", err.Error()))
		}
		s.metrics.RecordSessionClosed(ctx)
	}
	s.l.Info("listener shut down", slog.Int("sessions_closed", len(sessions)))
	return s.gateway.Close()
}

func (s *Listener) recordMethod(ctx context.Context, body []byte) {
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &probe); err == nil && probe.Method != "" {
		s.metrics.RecordMethodCount(ctx, probe.Method)
	}
}

func writeJSONError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": reason})
}
