package session

import (
	"context"
	"strings"
	"time"

	"github.com/OnslaughtSnail/parley/kernel/model"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrSessionNotFound    = errors.New("session: not found")
	ErrTranscriptNotFound = errors.New("session: transcript not found")
	ErrSourceNotFound     = errors.New("session: source not found")
)

// Session identifies one conversation. ID is immutable after creation.
type Session struct {
	ID          string    `json:"id" yaml:"id"`
	OwnerID     string    `json:"ownerId" yaml:"owner_id"`
	WorkspaceID string    `json:"workspaceId" yaml:"workspace_id"`
	Name        string    `json:"name" yaml:"name"`
	CreatedAt   time.Time `json:"createdAt" yaml:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" yaml:"updated_at"`
	// TurnCount and LastUserMessage are refreshed after every commit.
	TurnCount       int    `json:"turnCount" yaml:"turn_count"`
	LastUserMessage string `json:"lastUserMessage,omitempty" yaml:"last_user_message,omitempty"`
}

// NewID returns a fresh opaque identifier.
func NewID() string {
	return uuid.NewString()
}

// Transcript is the ordered turn list of one session. Index i is 0-based and
// position is the only identity a turn has.
type Transcript []model.Message

// Clone returns an independent copy. A nil transcript clones to an empty one.
func (t Transcript) Clone() Transcript {
	out := make(Transcript, len(t))
	copy(out, t)
	return out
}

// Truncate returns a copy holding the turns before index. An index at or past
// the end leaves the transcript unchanged.
func (t Transcript) Truncate(index int) Transcript {
	if index < 0 {
		index = 0
	}
	if index >= len(t) {
		return t.Clone()
	}
	return t[:index].Clone()
}

// LastUserMessage returns the content of the most recent user turn.
func (t Transcript) LastUserMessage() string {
	for i := len(t) - 1; i >= 0; i-- {
		if t[i].Role == model.RoleUser {
			return strings.TrimSpace(t[i].Content)
		}
	}
	return ""
}

// Activity is recorded on a session after a transcript commit.
type Activity struct {
	At              time.Time
	TurnCount       int
	LastUserMessage string
}

// ListFilter scopes ListSessions. Empty fields match everything.
type ListFilter struct {
	OwnerID     string
	WorkspaceID string
	Limit       int
}

// Source is one configured upstream completion endpoint.
type Source struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	API       string    `json:"api" yaml:"api"`
	BaseURL   string    `json:"baseUrl" yaml:"base_url"`
	APIKey    string    `json:"apiKey,omitempty" yaml:"api_key,omitempty"`
	Enabled   bool      `json:"enabled" yaml:"enabled"`
	CreatedAt time.Time `json:"createdAt" yaml:"created_at"`
}

// ModelRecord is one model offered by a Source.
type ModelRecord struct {
	SourceID            string `json:"sourceId" yaml:"source_id"`
	Name                string `json:"name" yaml:"name"`
	Enabled             bool   `json:"enabled" yaml:"enabled"`
	ContextWindowTokens int    `json:"contextWindowTokens,omitempty" yaml:"context_window_tokens,omitempty"`
}

// TranscriptStore is the sole durable owner of committed transcripts.
//
// Load fails with ErrTranscriptNotFound when nothing was ever saved for the
// session. Save replaces the whole transcript atomically: readers observe
// either the previous or the new document, and a failed Save leaves the
// previous document intact.
type TranscriptStore interface {
	Load(context.Context, *Session) (Transcript, error)
	Save(context.Context, *Session, Transcript) error
	Delete(context.Context, *Session) error
}

// SessionCatalog provides session metadata CRUD.
type SessionCatalog interface {
	CreateSession(context.Context, *Session) (*Session, error)
	GetSession(context.Context, string) (*Session, error)
	ListSessions(context.Context, ListFilter) ([]*Session, error)
	RenameSession(ctx context.Context, id, name string) error
	DeleteSession(context.Context, string) error
	TouchSession(context.Context, string, Activity) error
}

// SourceCatalog provides upstream source and model configuration.
type SourceCatalog interface {
	PutSource(context.Context, *Source) error
	GetSource(context.Context, string) (*Source, error)
	ListSources(context.Context) ([]*Source, error)
	DeleteSource(context.Context, string) error
	ReplaceModels(ctx context.Context, sourceID string, models []ModelRecord) error
	ListModels(ctx context.Context, sourceID string) ([]ModelRecord, error)
}

// Catalog is the relational side of persistence.
type Catalog interface {
	SessionCatalog
	SourceCatalog
	Close() error
}
