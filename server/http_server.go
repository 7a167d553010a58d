// Package server exposes the session API over HTTP (JSON and SSE) and over a
// line-oriented TCP protocol.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"LunarStudio/internal/conversation"
	"LunarStudio/internal/generation"
	"LunarStudio/internal/logging"
	"LunarStudio/internal/orchestrator"
	"LunarStudio/internal/session"
)

// Sessions is the session API served by both transports. *session.Manager
// implements it.
type Sessions interface {
	Start(ctx context.Context) (string, error)
	SubmitTurn(ctx context.Context, id, text string, sink generation.Sink) (orchestrator.Result, error)
	History(id string) ([]conversation.Message, error)
	HistorySanitized(id string) ([]conversation.Message, error)
	RequestCancel(id string) error
	Close(id string) error
	Count() int
}

// TurnRequest submits one user message.
type TurnRequest struct {
	Message string `json:"message"`
	Stream  bool   `json:"stream,omitempty"`
}

// TurnResponse is the final reply of a turn, or one streamed fragment when
// Token is set and Done is false.
type TurnResponse struct {
	SessionID string   `json:"session_id,omitempty"`
	Message   string   `json:"message,omitempty"`
	Token     string   `json:"token,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Searched  bool     `json:"searched,omitempty"`
	Query     string   `json:"query,omitempty"`
	Passages  []string `json:"passages,omitempty"`
	Degraded  bool     `json:"degraded,omitempty"`
	Done      bool     `json:"done"`
	Error     string   `json:"error,omitempty"`
}

// SessionResponse is returned when a session is created.
type SessionResponse struct {
	SessionID string `json:"session_id"`
}

// HistoryResponse lists a session's answer track.
type HistoryResponse struct {
	SessionID string                 `json:"session_id"`
	Messages  []conversation.Message `json:"messages"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status   string `json:"status"`
	Backend  string `json:"backend,omitempty"`
	Sessions int    `json:"sessions"`
	Uptime   string `json:"uptime"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HTTPServer serves the session API.
type HTTPServer struct {
	Address    string
	Port       string
	sessions   Sessions
	backend    string
	logger     *zap.Logger
	httpServer *http.Server
	mu         sync.RWMutex
	startTime  time.Time
}

// NewHTTPServer creates a new HTTP server instance
func NewHTTPServer(address, port string, sessions Sessions, backend string, logger *zap.Logger) *HTTPServer {
	return &HTTPServer{
		Address:   address,
		Port:      port,
		sessions:  sessions,
		backend:   backend,
		logger:    logging.OrNop(logger),
		startTime: time.Now(),
	}
}

// Handler returns the routing table.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	mux.HandleFunc("POST /v1/sessions/{id}/turns", s.handleTurn)
	mux.HandleFunc("GET /v1/sessions/{id}/history", s.handleHistory)
	mux.HandleFunc("POST /v1/sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleDeleteSession)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *HTTPServer) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.Address, s.Port))
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *HTTPServer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	s.logger.Info("http server stopped")
	<-errCh
	return nil
}

// IsRunning returns true if the server is running
func (s *HTTPServer) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.httpServer != nil
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:   "ok",
		Backend:  s.backend,
		Sessions: s.sessions.Count(),
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *HTTPServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessions.Start(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, SessionResponse{SessionID: id})
}

func (s *HTTPServer) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Close(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.RequestCancel(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sanitized, _ := strconv.ParseBool(r.URL.Query().Get("sanitized"))

	var (
		msgs []conversation.Message
		err  error
	)
	if sanitized {
		msgs, err = s.sessions.HistorySanitized(id)
	} else {
		msgs, err = s.sessions.History(id)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{SessionID: id, Messages: msgs})
}

func (s *HTTPServer) handleTurn(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTurnRequest(w, r)
	if !ok {
		return
	}
	s.runTurn(w, r, r.PathValue("id"), req)
}

// handleChat runs a single turn in a throwaway session.
func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeTurnRequest(w, r)
	if !ok {
		return
	}
	id, err := s.sessions.Start(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer func() {
		if err := s.sessions.Close(id); err != nil {
			s.logger.Warn("failed to close chat session", zap.String("session", id), zap.Error(err))
		}
	}()
	s.runTurn(w, r, id, req)
}

func decodeTurnRequest(w http.ResponseWriter, r *http.Request) (TurnRequest, bool) {
	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
		return req, false
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "message is required"})
		return req, false
	}
	return req, true
}

func (s *HTTPServer) runTurn(w http.ResponseWriter, r *http.Request, id string, req TurnRequest) {
	if !req.Stream {
		result, err := s.sessions.SubmitTurn(r.Context(), id, req.Message, nil)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, turnResponse(id, result))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming not supported"})
		return
	}

	// Headers are deferred to the first fragment so that lookup failures
	// still get a proper status code.
	started := false
	begin := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
	}

	result, err := s.sessions.SubmitTurn(r.Context(), id, req.Message, func(fragment string) error {
		begin()
		if err := writeEvent(w, TurnResponse{Token: fragment}); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && !started && !isTurnFailure(err) {
		s.writeError(w, err)
		return
	}
	begin()

	final := turnResponse(id, result)
	if err != nil {
		s.logger.Error("turn failed", zap.String("session", id), zap.Error(err))
		final = TurnResponse{SessionID: id, Error: err.Error(), Done: true}
	}
	if err := writeEvent(w, final); err != nil {
		s.logger.Debug("client went away before final event", zap.String("session", id), zap.Error(err))
		return
	}
	flusher.Flush()
}

func turnResponse(id string, result orchestrator.Result) TurnResponse {
	return TurnResponse{
		SessionID: id,
		Message:   result.Visible,
		Reason:    string(result.Reason),
		Searched:  result.Directive.Search,
		Query:     result.Directive.Query,
		Passages:  result.Passages,
		Degraded:  result.Degraded,
		Done:      true,
	}
}

func isTurnFailure(err error) bool {
	var turnErr *session.TurnError
	return errors.As(err, &turnErr)
}

func (s *HTTPServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrUnknownSession):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrTurnInProgress):
		status = http.StatusConflict
	case errors.Is(err, session.ErrManagerClosed):
		status = http.StatusServiceUnavailable
	default:
		s.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeEvent(w http.ResponseWriter, v TurnResponse) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
