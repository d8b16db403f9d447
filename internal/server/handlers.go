package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/OnslaughtSnail/parley/kernel/event"
	"github.com/OnslaughtSnail/parley/kernel/model"
	"github.com/OnslaughtSnail/parley/kernel/model/providers"
	"github.com/OnslaughtSnail/parley/kernel/runtime"
	"github.com/OnslaughtSnail/parley/kernel/session"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := session.ListFilter{
		OwnerID:     strings.TrimSpace(q.Get("owner")),
		WorkspaceID: strings.TrimSpace(q.Get("workspace")),
	}
	if filter.OwnerID == "" {
		filter.OwnerID = runtime.DefaultOwnerID
	}
	if filter.WorkspaceID == "" {
		filter.WorkspaceID = runtime.DefaultWorkspaceID
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, runtime.NewCodedError(runtime.ErrorCodeInvalidArgument, "server: bad limit %q", raw), nil)
			return
		}
		filter.Limit = limit
	}
	sessions, err := s.rt.ListSessions(r.Context(), filter)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OwnerID     string `json:"ownerId"`
		WorkspaceID string `json:"workspaceId"`
		Name        string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err, nil)
		return
	}
	sess, err := s.rt.CreateSession(r.Context(), runtime.CreateSessionRequest{
		OwnerID:     body.OwnerID,
		WorkspaceID: body.WorkspaceID,
		Name:        body.Name,
	})
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.rt.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err, nil)
		return
	}
	id := r.PathValue("id")
	if err := s.rt.RenameSession(r.Context(), id, body.Name); err != nil {
		s.writeError(w, err, nil)
		return
	}
	s.handleGetSession(w, r)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type historyResponse struct {
	SessionID string          `json:"sessionId"`
	Messages  []model.Message `json:"messages"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	transcript, err := s.rt.ListHistory(r.Context(), id)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	messages := []model.Message(transcript)
	if messages == nil {
		messages = []model.Message{}
	}
	writeJSON(w, http.StatusOK, historyResponse{SessionID: id, Messages: messages})
}

type completionBody struct {
	Prompt   string `json:"prompt"`
	Index    *int   `json:"index"`
	SourceID string `json:"sourceId"`
	Model    string `json:"model"`
	// Stream answers with text/event-stream frames instead of one JSON result.
	Stream bool `json:"stream"`
	// Buffered asks the upstream for one non-streamed completion.
	Buffered bool `json:"buffered"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var body completionBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err, nil)
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		s.writeError(w, runtime.NewCodedError(runtime.ErrorCodeInvalidArgument, "server: prompt is required"), nil)
		return
	}
	id := r.PathValue("id")
	s.complete(w, r, body, func(ctx context.Context, p runtime.Params) (*runtime.Result, error) {
		return s.rt.Send(ctx, runtime.SendRequest{SessionID: id, Prompt: body.Prompt, Params: p})
	})
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	var body completionBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err, nil)
		return
	}
	if body.Index == nil {
		s.writeError(w, runtime.NewCodedError(runtime.ErrorCodeInvalidArgument, "server: index is required"), nil)
		return
	}
	id := r.PathValue("id")
	s.complete(w, r, body, func(ctx context.Context, p runtime.Params) (*runtime.Result, error) {
		return s.rt.Regenerate(ctx, runtime.RegenerateRequest{SessionID: id, Index: *body.Index, Params: p})
	})
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request) {
	var body completionBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err, nil)
		return
	}
	if body.Index == nil {
		s.writeError(w, runtime.NewCodedError(runtime.ErrorCodeInvalidArgument, "server: index is required"), nil)
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		s.writeError(w, runtime.NewCodedError(runtime.ErrorCodeInvalidArgument, "server: prompt is required"), nil)
		return
	}
	id := r.PathValue("id")
	s.complete(w, r, body, func(ctx context.Context, p runtime.Params) (*runtime.Result, error) {
		return s.rt.Edit(ctx, runtime.EditRequest{SessionID: id, Index: *body.Index, Prompt: body.Prompt, Params: p})
	})
}

type operationFunc func(context.Context, runtime.Params) (*runtime.Result, error)

// complete runs one engine operation. Errors raised before any event was
// streamed are answered as JSON; afterwards the terminal frame carries them.
func (s *Server) complete(w http.ResponseWriter, r *http.Request, body completionBody, run operationFunc) {
	ep, err := s.endpoints.Endpoint(r.Context(), body.SourceID, body.Model)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	params := runtime.Params{Endpoint: ep, Buffered: body.Buffered}
	if !body.Stream {
		res, err := run(r.Context(), params)
		if err != nil {
			s.writeError(w, err, res)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	sink, err := newSSESink(w)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	params.Sink = sink
	res, err := run(r.Context(), params)
	if !sink.opened() {
		if err != nil {
			s.writeError(w, err, res)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// sseSink writes every event as one data frame.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu   sync.Mutex
	open bool
}

func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, runtime.NewCodedError(runtime.ErrorCodeIO, "server: streaming unsupported")
	}
	return &sseSink{w: w, flusher: flusher}, nil
}

func (s *sseSink) Emit(ev event.StreamEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.open = true
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) opened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

const wsWriteTimeout = 10 * time.Second

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Code: string(runtime.ErrorCodeInvalidArgument), Error: "event feed is disabled"})
		return
	}
	id := r.PathValue("id")
	if _, err := s.rt.GetSession(r.Context(), id); err != nil {
		s.writeError(w, err, nil)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	feed, err := s.events.Follow(ctx, id)
	if err != nil {
		s.writeError(w, runtime.WrapCodedError(runtime.ErrorCodeIO, err, "server: follow %s", id), nil)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("session_id", id).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	logger := s.logger.With().Str("session_id", id).Logger()
	logger.Debug().Msg("event feed opened")

	// The client sends nothing; reading only detects the close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("event feed closed")
			return
		case ev, ok := <-feed:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug().Err(err).Msg("event feed write failed")
				return
			}
		}
	}
}

// sourceView hides the API key.
type sourceView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	API       string    `json:"api"`
	BaseURL   string    `json:"baseUrl"`
	HasAPIKey bool      `json:"hasApiKey"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
}

func viewOf(src *session.Source) sourceView {
	return sourceView{
		ID:        src.ID,
		Name:      src.Name,
		API:       src.API,
		BaseURL:   src.BaseURL,
		HasAPIKey: strings.TrimSpace(src.APIKey) != "",
		Enabled:   src.Enabled,
		CreatedAt: src.CreatedAt,
	}
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.rt.ListSources(r.Context())
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	out := make([]sourceView, 0, len(sources))
	for _, src := range sources {
		out = append(out, viewOf(src))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePutSource(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		API     string `json:"api"`
		BaseURL string `json:"baseUrl"`
		APIKey  string `json:"apiKey"`
		Enabled *bool  `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err, nil)
		return
	}
	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	src, err := s.rt.PutSource(r.Context(), session.Source{
		ID:      body.ID,
		Name:    body.Name,
		API:     body.API,
		BaseURL: body.BaseURL,
		APIKey:  body.APIKey,
		Enabled: enabled,
	})
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(src))
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.DeleteSource(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListModels returns stored models, or asks the upstream when
// discover=true.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if discover, _ := strconv.ParseBool(r.URL.Query().Get("discover")); discover {
		remote, err := s.rt.DiscoverModels(r.Context(), id)
		if err != nil {
			s.writeError(w, err, nil)
			return
		}
		if remote == nil {
			remote = []providers.RemoteModel{}
		}
		writeJSON(w, http.StatusOK, remote)
		return
	}
	models, err := s.rt.ListModels(r.Context(), id)
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	if models == nil {
		models = []session.ModelRecord{}
	}
	writeJSON(w, http.StatusOK, models)
}

func (s *Server) handleSyncModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.rt.SyncModels(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err, nil)
		return
	}
	if models == nil {
		models = []session.ModelRecord{}
	}
	writeJSON(w, http.StatusOK, models)
}
