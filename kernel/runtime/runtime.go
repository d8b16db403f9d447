package runtime

import (
	"context"
	"strings"
	"time"

	"github.com/OnslaughtSnail/parley/kernel/event"
	"github.com/OnslaughtSnail/parley/kernel/model"
	"github.com/OnslaughtSnail/parley/kernel/model/providers"
	"github.com/OnslaughtSnail/parley/kernel/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CommitPolicy decides what is persisted when a reply fails mid-stream.
type CommitPolicy string

const (
	// CommitPartial persists whatever assistant text was streamed.
	CommitPartial CommitPolicy = "partial"
	// CommitDiscard leaves the pre-operation transcript untouched.
	CommitDiscard CommitPolicy = "discard"
)

// ParseCommitPolicy maps configuration input to a policy.
func ParseCommitPolicy(raw string) (CommitPolicy, error) {
	switch CommitPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", CommitPartial:
		return CommitPartial, nil
	case CommitDiscard:
		return CommitDiscard, nil
	default:
		return "", errors.Errorf("runtime: unknown commit policy %q", raw)
	}
}

const defaultRequestTimeout = 5 * time.Minute

// Config configures Runtime.
type Config struct {
	Catalog     session.Catalog
	Transcripts session.TranscriptStore
	// NewLLM builds the completion client for one request. Defaults to providers.New.
	NewLLM func(model.Endpoint) (model.LLM, error)
	// Discover lists models of an upstream. Defaults to providers.DiscoverModels.
	Discover func(context.Context, model.Endpoint) ([]providers.RemoteModel, error)
	// Events receives every event of every operation in addition to the
	// per-request sink, e.g. a bus publisher.
	Events       event.Sink
	CommitPolicy CommitPolicy
	// RequestTimeout bounds one upstream call unless the endpoint sets its own.
	RequestTimeout time.Duration
	// SinkBuffer > 0 delivers events through a bounded buffer of that size.
	SinkBuffer int
	Logger     *zerolog.Logger
}

// Runtime is the session engine: it owns the request/response protocol of
// every session operation.
type Runtime struct {
	catalog        session.Catalog
	transcripts    session.TranscriptStore
	newLLM         func(model.Endpoint) (model.LLM, error)
	discover       func(context.Context, model.Endpoint) ([]providers.RemoteModel, error)
	events         event.Sink
	policy         CommitPolicy
	requestTimeout time.Duration
	sinkBuffer     int
	logger         zerolog.Logger
	leases         leases
}

func New(cfg Config) (*Runtime, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("runtime: catalog is nil")
	}
	if cfg.Transcripts == nil {
		return nil, errors.New("runtime: transcript store is nil")
	}
	policy := cfg.CommitPolicy
	if policy == "" {
		policy = CommitPartial
	}
	if policy != CommitPartial && policy != CommitDiscard {
		return nil, errors.Errorf("runtime: unknown commit policy %q", policy)
	}
	newLLM := cfg.NewLLM
	if newLLM == nil {
		newLLM = providers.New
	}
	discover := cfg.Discover
	if discover == nil {
		discover = providers.DiscoverModels
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Runtime{
		catalog:        cfg.Catalog,
		transcripts:    cfg.Transcripts,
		newLLM:         newLLM,
		discover:       discover,
		events:         cfg.Events,
		policy:         policy,
		requestTimeout: timeout,
		sinkBuffer:     cfg.SinkBuffer,
		logger:         logger.With().Str("component", "runtime").Logger(),
	}, nil
}

// Phase reports the phase of the in-flight request of sessionID, or PhaseIdle.
func (r *Runtime) Phase(sessionID string) Phase {
	return r.leases.phase(sessionID)
}

// CommitPolicy reports the active failure commit policy.
func (r *Runtime) CommitPolicy() CommitPolicy {
	return r.policy
}
