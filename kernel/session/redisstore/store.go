// Package redisstore keeps transcripts as whole JSON documents in Redis.
// A SET replaces the document in one command, so readers never observe a
// partially written transcript.
package redisstore

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/OnslaughtSnail/parley/kernel/session"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "parley"

// Options configures the Redis transcript store.
type Options struct {
	// Prefix namespaces keys: <prefix>:transcript:<session id>.
	Prefix string
}

// Store implements session.TranscriptStore on a Redis client.
type Store struct {
	client redis.UniversalClient
	prefix string
}

func New(client redis.UniversalClient, options Options) (*Store, error) {
	if client == nil {
		return nil, errors.New("redisstore: client is required")
	}
	prefix := strings.TrimSpace(options.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}, nil
}

// Dial connects to addr and verifies the server answers.
func Dial(ctx context.Context, addr string, options Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "redisstore: ping %s", addr)
	}
	return New(client, options)
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Load(ctx context.Context, sess *session.Session) (session.Transcript, error) {
	key, err := s.key(sess)
	if err != nil {
		return nil, err
	}
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, session.ErrTranscriptNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "redisstore: get transcript")
	}
	out := session.Transcript{}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrapf(err, "redisstore: decode transcript %s", sess.ID)
	}
	return out, nil
}

func (s *Store) Save(ctx context.Context, sess *session.Session, transcript session.Transcript) error {
	key, err := s.key(sess)
	if err != nil {
		return err
	}
	if transcript == nil {
		transcript = session.Transcript{}
	}
	raw, err := json.Marshal(transcript)
	if err != nil {
		return errors.Wrap(err, "redisstore: encode transcript")
	}
	if err := s.client.Set(ctx, key, raw, 0).Err(); err != nil {
		return errors.Wrap(err, "redisstore: set transcript")
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, sess *session.Session) error {
	key, err := s.key(sess)
	if err != nil {
		return err
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return errors.Wrap(err, "redisstore: delete transcript")
	}
	return nil
}

func (s *Store) key(sess *session.Session) (string, error) {
	if sess == nil || strings.TrimSpace(sess.ID) == "" {
		return "", errors.New("redisstore: session id is required")
	}
	return s.prefix + ":transcript:" + sess.ID, nil
}
