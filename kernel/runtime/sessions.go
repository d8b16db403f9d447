package runtime

import (
	"context"
	"strings"

	"github.com/OnslaughtSnail/parley/kernel/session"
)

const (
	DefaultOwnerID     = "local"
	DefaultWorkspaceID = "default"
	defaultSessionName = "New chat"
)

// CreateSessionRequest describes a new session.
type CreateSessionRequest struct {
	OwnerID     string
	WorkspaceID string
	Name        string
}

// CreateSession registers a new session. No transcript exists until the first
// Send commits one.
func (r *Runtime) CreateSession(ctx context.Context, req CreateSessionRequest) (*session.Session, error) {
	owner := strings.TrimSpace(req.OwnerID)
	if owner == "" {
		owner = DefaultOwnerID
	}
	workspace := strings.TrimSpace(req.WorkspaceID)
	if workspace == "" {
		workspace = DefaultWorkspaceID
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = defaultSessionName
	}
	sess, err := r.catalog.CreateSession(ctx, &session.Session{
		ID:          session.NewID(),
		OwnerID:     owner,
		WorkspaceID: workspace,
		Name:        name,
	})
	if err != nil {
		return nil, classify(err, "runtime: create session")
	}
	r.logger.Info().Str("session_id", sess.ID).Str("owner_id", owner).Str("workspace_id", workspace).Msg("session created")
	return sess, nil
}

// GetSession returns the metadata of one session.
func (r *Runtime) GetSession(ctx context.Context, sessionID string) (*session.Session, error) {
	sess, err := r.catalog.GetSession(ctx, sessionID)
	if err != nil {
		return nil, classify(err, "runtime: get session %s", sessionID)
	}
	return sess, nil
}

// ListSessions lists sessions, most recent activity first.
func (r *Runtime) ListSessions(ctx context.Context, filter session.ListFilter) ([]*session.Session, error) {
	out, err := r.catalog.ListSessions(ctx, filter)
	if err != nil {
		return nil, classify(err, "runtime: list sessions")
	}
	return out, nil
}

// RenameSession changes the display name of a session.
func (r *Runtime) RenameSession(ctx context.Context, sessionID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return NewCodedError(ErrorCodeInvalidArgument, "runtime: session name is required")
	}
	if err := r.catalog.RenameSession(ctx, sessionID, name); err != nil {
		return classify(err, "runtime: rename session %s", sessionID)
	}
	return nil
}

// DeleteSession removes a session and its transcript. It is rejected with a
// SessionBusyError while a request is in flight for the session.
func (r *Runtime) DeleteSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return NewCodedError(ErrorCodeInvalidArgument, "runtime: session id is required")
	}
	lease, err := r.leases.acquire(sessionID)
	if err != nil {
		return err
	}
	defer r.leases.release(lease)

	sess, err := r.catalog.GetSession(ctx, sessionID)
	if err != nil {
		return classify(err, "runtime: get session %s", sessionID)
	}
	if err := r.transcripts.Delete(ctx, sess); err != nil {
		return classify(err, "runtime: delete transcript %s", sessionID)
	}
	if err := r.catalog.DeleteSession(ctx, sessionID); err != nil {
		return classify(err, "runtime: delete session %s", sessionID)
	}
	r.logger.Info().Str("session_id", sessionID).Msg("session deleted")
	return nil
}
