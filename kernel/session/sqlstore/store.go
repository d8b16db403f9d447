// Package sqlstore implements session.Catalog on SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/OnslaughtSnail/parley/kernel/session"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const (
	// DriverModernc is the pure-Go driver and the default.
	DriverModernc = "sqlite"
	// DriverMattn is the cgo driver.
	DriverMattn = "sqlite3"

	defaultListLimit = 50
)

// Store is a SQLite-backed session.Catalog.
type Store struct {
	db     *sql.DB
	driver string
	mu     sync.Mutex
}

// Open opens (and migrates) the catalog at path using driver. An empty driver
// selects DriverModernc. path ":memory:" keeps everything in process memory.
func Open(driver, path string) (*Store, error) {
	driver = strings.TrimSpace(driver)
	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverMattn {
		return nil, errors.Errorf("sqlstore: unsupported driver %q", driver)
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlstore: path is required")
	}
	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "sqlstore: create dir")
		}
	}
	db, err := sql.Open(driver, dsn(driver, path))
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: open db")
	}
	if memory {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func dsn(driver, path string) string {
	if path == ":memory:" {
		return path
	}
	if driver == DriverMattn {
		return "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	}
	return path + "?_pragma=busy_timeout(3000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// Driver reports the database/sql driver in use.
func (s *Store) Driver() string {
	return s.driver
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL DEFAULT '',
	workspace_id TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	turn_count INTEGER NOT NULL DEFAULT 0,
	last_user_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_scope
	ON sessions(owner_id, workspace_id, updated_at DESC);
CREATE TABLE IF NOT EXISTS sources (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	api TEXT NOT NULL DEFAULT '',
	base_url TEXT NOT NULL DEFAULT '',
	api_key TEXT NOT NULL DEFAULT '',
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS models (
	source_id TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	context_window_tokens INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (source_id, name)
);`
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "sqlstore: migrate")
		}
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, req *session.Session) (*session.Session, error) {
	if req == nil {
		return nil, errors.New("sqlstore: session is nil")
	}
	out := *req
	if strings.TrimSpace(out.ID) == "" {
		out.ID = session.NewID()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now()
	}
	if out.UpdatedAt.IsZero() {
		out.UpdatedAt = out.CreatedAt
	}
	const q = `
INSERT INTO sessions (id, owner_id, workspace_id, name, created_at, updated_at, turn_count, last_user_message)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		out.ID, out.OwnerID, out.WorkspaceID, out.Name,
		out.CreatedAt.UnixMilli(), out.UpdatedAt.UnixMilli(),
		out.TurnCount, out.LastUserMessage,
	)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: insert session")
	}
	return &out, nil
}

const sessionColumns = `id, owner_id, workspace_id, name, created_at, updated_at, turn_count, last_user_message`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*session.Session, error) {
	var (
		out                  session.Session
		createdAt, updatedAt int64
	)
	if err := row.Scan(&out.ID, &out.OwnerID, &out.WorkspaceID, &out.Name, &createdAt, &updatedAt, &out.TurnCount, &out.LastUserMessage); err != nil {
		return nil, err
	}
	out.CreatedAt = time.UnixMilli(createdAt)
	out.UpdatedAt = time.UnixMilli(updatedAt)
	return &out, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	out, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrSessionNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: get session")
	}
	return out, nil
}

func (s *Store) ListSessions(ctx context.Context, filter session.ListFilter) ([]*session.Session, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1 = 1`
	args := make([]any, 0, 3)
	if filter.OwnerID != "" {
		q += ` AND owner_id = ?`
		args = append(args, filter.OwnerID)
	}
	if filter.WorkspaceID != "" {
		q += ` AND workspace_id = ?`
		args = append(args, filter.WorkspaceID)
	}
	q += ` ORDER BY updated_at DESC, created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: list sessions")
	}
	defer rows.Close()
	out := make([]*session.Session, 0, limit)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlstore: scan session")
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) RenameSession(ctx context.Context, id, name string) error {
	return s.execOne(ctx, session.ErrSessionNotFound, `UPDATE sessions SET name = ? WHERE id = ?`, name, id)
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.execOne(ctx, session.ErrSessionNotFound, `DELETE FROM sessions WHERE id = ?`, id)
}

func (s *Store) TouchSession(ctx context.Context, id string, activity session.Activity) error {
	at := activity.At
	if at.IsZero() {
		at = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	const q = `
UPDATE sessions SET
	updated_at = CASE WHEN updated_at > ? THEN updated_at ELSE ? END,
	turn_count = ?,
	last_user_message = CASE WHEN ? <> '' THEN ? ELSE last_user_message END
WHERE id = ?`
	ts := at.UnixMilli()
	return s.execOne(ctx, session.ErrSessionNotFound, q,
		ts, ts, activity.TurnCount, activity.LastUserMessage, activity.LastUserMessage, id)
}

func (s *Store) PutSource(ctx context.Context, src *session.Source) error {
	if src == nil || strings.TrimSpace(src.ID) == "" {
		return errors.New("sqlstore: source id is required")
	}
	createdAt := src.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	const q = `
INSERT INTO sources (id, name, api, base_url, api_key, enabled, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	api = excluded.api,
	base_url = excluded.base_url,
	api_key = excluded.api_key,
	enabled = excluded.enabled`
	_, err := s.db.ExecContext(ctx, q, src.ID, src.Name, src.API, src.BaseURL, src.APIKey, boolInt(src.Enabled), createdAt.UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlstore: put source")
	}
	return nil
}

const sourceColumns = `id, name, api, base_url, api_key, enabled, created_at`

func scanSource(row scanner) (*session.Source, error) {
	var (
		out       session.Source
		enabled   int
		createdAt int64
	)
	if err := row.Scan(&out.ID, &out.Name, &out.API, &out.BaseURL, &out.APIKey, &enabled, &createdAt); err != nil {
		return nil, err
	}
	out.Enabled = enabled != 0
	out.CreatedAt = time.UnixMilli(createdAt)
	return &out, nil
}

func (s *Store) GetSource(ctx context.Context, id string) (*session.Source, error) {
	out, err := scanSource(s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrSourceNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: get source")
	}
	return out, nil
}

func (s *Store) ListSources(ctx context.Context) ([]*session.Source, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: list sources")
	}
	defer rows.Close()
	var out []*session.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlstore: scan source")
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSource(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlstore: begin")
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM models WHERE source_id = ?`, id); err != nil {
		return errors.Wrap(err, "sqlstore: delete models")
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "sqlstore: delete source")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return session.ErrSourceNotFound
	}
	return errors.Wrap(tx.Commit(), "sqlstore: commit")
}

func (s *Store) ReplaceModels(ctx context.Context, sourceID string, models []session.ModelRecord) error {
	if _, err := s.GetSource(ctx, sourceID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlstore: begin")
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM models WHERE source_id = ?`, sourceID); err != nil {
		return errors.Wrap(err, "sqlstore: clear models")
	}
	const q = `
INSERT INTO models (source_id, name, enabled, context_window_tokens) VALUES (?, ?, ?, ?)
ON CONFLICT(source_id, name) DO UPDATE SET
	enabled = excluded.enabled,
	context_window_tokens = excluded.context_window_tokens`
	for _, m := range models {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, q, sourceID, name, boolInt(m.Enabled), m.ContextWindowTokens); err != nil {
			return errors.Wrapf(err, "sqlstore: insert model %s", name)
		}
	}
	return errors.Wrap(tx.Commit(), "sqlstore: commit")
}

func (s *Store) ListModels(ctx context.Context, sourceID string) ([]session.ModelRecord, error) {
	if _, err := s.GetSource(ctx, sourceID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, name, enabled, context_window_tokens FROM models WHERE source_id = ? ORDER BY name`, sourceID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlstore: list models")
	}
	defer rows.Close()
	var out []session.ModelRecord
	for rows.Next() {
		var (
			m       session.ModelRecord
			enabled int
		)
		if err := rows.Scan(&m.SourceID, &m.Name, &enabled, &m.ContextWindowTokens); err != nil {
			return nil, errors.Wrap(err, "sqlstore: scan model")
		}
		m.Enabled = enabled != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) execOne(ctx context.Context, notFound error, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return errors.Wrap(err, "sqlstore: exec")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqlstore: rows affected")
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
