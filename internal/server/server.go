// Package server exposes the session engine over HTTP: a JSON API, SSE
// streaming of replies and a websocket feed of bus events.
package server

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/OnslaughtSnail/parley/kernel/event"
	"github.com/OnslaughtSnail/parley/kernel/model"
	"github.com/OnslaughtSnail/parley/kernel/runtime"
)

// EndpointResolver picks the upstream for a request; empty arguments select
// configured defaults.
type EndpointResolver interface {
	Endpoint(ctx context.Context, sourceID, modelName string) (model.Endpoint, error)
}

// Follower streams the bus events of one session.
type Follower interface {
	Follow(ctx context.Context, sessionID string) (<-chan event.StreamEvent, error)
}

type Config struct {
	Runtime   *runtime.Runtime
	Endpoints EndpointResolver
	// Events backs the websocket feed; nil disables it.
	Events Follower
	// Token, when set, is required as a bearer token on every /api/ route.
	Token  string
	Logger *zerolog.Logger
}

type Server struct {
	rt        *runtime.Runtime
	endpoints EndpointResolver
	events    Follower
	token     string
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
	mux       *http.ServeMux
}

func New(cfg Config) (*Server, error) {
	if cfg.Runtime == nil {
		return nil, errors.New("server: runtime is nil")
	}
	if cfg.Endpoints == nil {
		return nil, errors.New("server: endpoint resolver is nil")
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	s := &Server{
		rt:        cfg.Runtime,
		endpoints: cfg.Endpoints,
		events:    cfg.Events,
		token:     strings.TrimSpace(cfg.Token),
		logger:    logger.With().Str("component", "server").Logger(),
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	s.handle("GET /api/sessions", s.handleListSessions)
	s.handle("POST /api/sessions", s.handleCreateSession)
	s.handle("GET /api/sessions/{id}", s.handleGetSession)
	s.handle("PATCH /api/sessions/{id}", s.handleRenameSession)
	s.handle("DELETE /api/sessions/{id}", s.handleDeleteSession)
	s.handle("GET /api/sessions/{id}/messages", s.handleHistory)
	s.handle("POST /api/sessions/{id}/messages", s.handleSend)
	s.handle("POST /api/sessions/{id}/regenerate", s.handleRegenerate)
	s.handle("POST /api/sessions/{id}/edit", s.handleEdit)
	s.handle("GET /api/sessions/{id}/events", s.handleEvents)

	s.handle("GET /api/sources", s.handleListSources)
	s.handle("POST /api/sources", s.handlePutSource)
	s.handle("DELETE /api/sources/{id}", s.handleDeleteSource)
	s.handle("GET /api/sources/{id}/models", s.handleListModels)
	s.handle("POST /api/sources/{id}/sync", s.handleSyncModels)
}

func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.Handle(pattern, s.authorize(h))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.logger.Debug().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", rec.status).
		Dur("elapsed", time.Since(start)).
		Msg("request")
}

func (s *Server) authorize(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	want := []byte("Bearer " + s.token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Code: "ERR_UNAUTHORIZED", Error: "missing or invalid bearer token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Serve runs an http.Server on addr until ctx is done, then shuts it down.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "server: listen")
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "server: shutdown")
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

type errorBody struct {
	Code   string          `json:"code"`
	Error  string          `json:"error"`
	Result *runtime.Result `json:"result,omitempty"`
}

// StatusOf maps a runtime error code to an HTTP status.
func StatusOf(err error) int {
	switch runtime.ErrorCodeOf(err) {
	case runtime.ErrorCodeNotFound:
		return http.StatusNotFound
	case runtime.ErrorCodeSessionBusy:
		return http.StatusConflict
	case runtime.ErrorCodeUpstream:
		return http.StatusBadGateway
	case runtime.ErrorCodeInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error, result *runtime.Result) {
	code := string(runtime.ErrorCodeOf(err))
	if code == "" {
		code = string(runtime.ErrorCodeIO)
	}
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn().Err(err).Str("code", code).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Code: code, Error: err.Error(), Result: result})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

func decodeBody(r *http.Request, out any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return runtime.WrapCodedError(runtime.ErrorCodeInvalidArgument, err, "server: decode request body")
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("server: response writer cannot be hijacked")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
