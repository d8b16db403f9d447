package filestore

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/OnslaughtSnail/parley/kernel/session"
	"github.com/pkg/errors"
)

// Store persists one JSON transcript file per session on local disk.
type Store struct {
	root   string
	layout Layout
	mu     sync.Mutex
}

// Layout controls how transcript files are organized under root.
type Layout string

const (
	// LayoutNamespaced stores transcripts by owner/workspace/session.
	LayoutNamespaced Layout = "namespaced"
	// LayoutSessionOnly stores transcripts by session id only.
	LayoutSessionOnly Layout = "session_only"
)

// Options configures filestore behavior.
type Options struct {
	Layout Layout
}

func New(root string) (*Store, error) {
	return NewWithOptions(root, Options{})
}

func NewWithOptions(root string, options Options) (*Store, error) {
	if root == "" {
		return nil, errors.New("filestore: root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "filestore: create root")
	}
	layout := options.Layout
	if layout == "" {
		layout = LayoutNamespaced
	}
	if layout != LayoutNamespaced && layout != LayoutSessionOnly {
		return nil, errors.Errorf("filestore: unsupported layout %q", layout)
	}
	return &Store{root: root, layout: layout}, nil
}

// Load reads the transcript of sess. An empty file is an empty transcript.
func (s *Store) Load(ctx context.Context, sess *session.Session) (session.Transcript, error) {
	_ = ctx
	path, err := s.transcriptPath(sess)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, session.ErrTranscriptNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "filestore: read transcript")
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return session.Transcript{}, nil
	}
	out := session.Transcript{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrapf(err, "filestore: decode transcript %s", sess.ID)
	}
	return out, nil
}

// Save writes the transcript to a temp file in the same directory and renames
// it over the previous one.
func (s *Store) Save(ctx context.Context, sess *session.Session, transcript session.Transcript) error {
	_ = ctx
	path, err := s.transcriptPath(sess)
	if err != nil {
		return err
	}
	if transcript == nil {
		transcript = session.Transcript{}
	}
	raw, err := json.Marshal(transcript)
	if err != nil {
		return errors.Wrap(err, "filestore: encode transcript")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "filestore: create dir")
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "filestore: create temp file")
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.Wrap(err, "filestore: write transcript")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.Wrap(err, "filestore: sync transcript")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrap(err, "filestore: close transcript")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return errors.Wrap(err, "filestore: replace transcript")
	}
	return nil
}

// Delete removes the transcript of sess. A missing file is not an error.
func (s *Store) Delete(ctx context.Context, sess *session.Session) error {
	_ = ctx
	path, err := s.transcriptPath(sess)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "filestore: delete transcript")
	}
	return nil
}

func (s *Store) transcriptPath(sess *session.Session) (string, error) {
	if sess == nil {
		return "", errors.New("filestore: invalid session")
	}
	if err := validatePathComponent("session_id", sess.ID); err != nil {
		return "", err
	}
	if s.layout == LayoutSessionOnly {
		return filepath.Join(s.root, sess.ID+".json"), nil
	}
	if err := validatePathComponent("owner_id", sess.OwnerID); err != nil {
		return "", err
	}
	if err := validatePathComponent("workspace_id", sess.WorkspaceID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, sess.OwnerID, sess.WorkspaceID, sess.ID+".json"), nil
}

func validatePathComponent(name, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return errors.Errorf("filestore: invalid %s", name)
	}
	if value == "." || value == ".." {
		return errors.Errorf("filestore: invalid %s", name)
	}
	if strings.Contains(value, "/") || strings.Contains(value, "\\") {
		return errors.Errorf("filestore: invalid %s", name)
	}
	if filepath.Clean(value) != value {
		return errors.Errorf("filestore: invalid %s", name)
	}
	return nil
}
