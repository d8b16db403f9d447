package inmemory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/OnslaughtSnail/parley/kernel/session"
	"github.com/pkg/errors"
)

// Store is a thread-safe in-memory Catalog and TranscriptStore.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*session.Session
	transcripts map[string]session.Transcript
	sources     map[string]*session.Source
	models      map[string][]session.ModelRecord
}

func New() *Store {
	return &Store{
		sessions:    make(map[string]*session.Session),
		transcripts: make(map[string]session.Transcript),
		sources:     make(map[string]*session.Source),
		models:      make(map[string][]session.ModelRecord),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) CreateSession(ctx context.Context, req *session.Session) (*session.Session, error) {
	_ = ctx
	if req == nil {
		return nil, errors.New("session: session is nil")
	}
	cp := *req
	if strings.TrimSpace(cp.ID) == "" {
		cp.ID = session.NewID()
	}
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = cp.CreatedAt
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[cp.ID]; ok {
		return nil, errors.Errorf("session: %s already exists", cp.ID)
	}
	s.sessions[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) ListSessions(ctx context.Context, filter session.ListFilter) ([]*session.Session, error) {
	_ = ctx
	s.mu.RLock()
	out := make([]*session.Session, 0, len(s.sessions))
	for _, e := range s.sessions {
		if filter.OwnerID != "" && e.OwnerID != filter.OwnerID {
			continue
		}
		if filter.WorkspaceID != "" && e.WorkspaceID != filter.WorkspaceID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) RenameSession(ctx context.Context, id, name string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return session.ErrSessionNotFound
	}
	e.Name = name
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return session.ErrSessionNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *Store) TouchSession(ctx context.Context, id string, activity session.Activity) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return session.ErrSessionNotFound
	}
	if activity.At.After(e.UpdatedAt) {
		e.UpdatedAt = activity.At
	}
	e.TurnCount = activity.TurnCount
	if activity.LastUserMessage != "" {
		e.LastUserMessage = activity.LastUserMessage
	}
	return nil
}

func (s *Store) Load(ctx context.Context, sess *session.Session) (session.Transcript, error) {
	_ = ctx
	if sess == nil || sess.ID == "" {
		return nil, errors.New("session: session id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transcripts[sess.ID]
	if !ok {
		return nil, session.ErrTranscriptNotFound
	}
	return t.Clone(), nil
}

func (s *Store) Save(ctx context.Context, sess *session.Session, transcript session.Transcript) error {
	_ = ctx
	if sess == nil || sess.ID == "" {
		return errors.New("session: session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[sess.ID] = transcript.Clone()
	return nil
}

func (s *Store) Delete(ctx context.Context, sess *session.Session) error {
	_ = ctx
	if sess == nil || sess.ID == "" {
		return errors.New("session: session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.transcripts, sess.ID)
	return nil
}

func (s *Store) PutSource(ctx context.Context, src *session.Source) error {
	_ = ctx
	if src == nil || strings.TrimSpace(src.ID) == "" {
		return errors.New("session: source id is required")
	}
	cp := *src
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.sources[cp.ID]; ok && cp.CreatedAt.IsZero() {
		cp.CreatedAt = prev.CreatedAt
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.sources[cp.ID] = &cp
	return nil
}

func (s *Store) GetSource(ctx context.Context, id string) (*session.Source, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sources[id]
	if !ok {
		return nil, session.ErrSourceNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) ListSources(ctx context.Context) ([]*session.Source, error) {
	_ = ctx
	s.mu.RLock()
	out := make([]*session.Source, 0, len(s.sources))
	for _, e := range s.sources {
		cp := *e
		out = append(out, &cp)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteSource(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[id]; !ok {
		return session.ErrSourceNotFound
	}
	delete(s.sources, id)
	delete(s.models, id)
	return nil
}

func (s *Store) ReplaceModels(ctx context.Context, sourceID string, models []session.ModelRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sources[sourceID]; !ok {
		return session.ErrSourceNotFound
	}
	out := make([]session.ModelRecord, 0, len(models))
	for _, m := range models {
		m.SourceID = sourceID
		out = append(out, m)
	}
	s.models[sourceID] = out
	return nil
}

func (s *Store) ListModels(ctx context.Context, sourceID string) ([]session.ModelRecord, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sources[sourceID]; !ok {
		return nil, session.ErrSourceNotFound
	}
	out := append([]session.ModelRecord(nil), s.models[sourceID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
