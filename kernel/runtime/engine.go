package runtime

import (
	"context"
	"strings"
	"time"

	"github.com/OnslaughtSnail/parley/kernel/event"
	"github.com/OnslaughtSnail/parley/kernel/model"
	"github.com/OnslaughtSnail/parley/kernel/session"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Params carries the per-request upstream parameters shared by Send,
// Regenerate and Edit.
type Params struct {
	Endpoint model.Endpoint
	// Sink receives the ordered events of this operation. Nil discards them.
	Sink event.Sink
	// Buffered uses one blocking completion call instead of a stream. The
	// reply is still reported as one delta followed by the terminal event.
	Buffered bool
}

// SendRequest appends a user turn and requests the assistant reply.
type SendRequest struct {
	SessionID string
	Prompt    string
	Params
}

// RegenerateRequest truncates the transcript at Index and requests a new reply
// for what remains.
type RegenerateRequest struct {
	SessionID string
	Index     int
	Params
}

// EditRequest truncates the transcript at Index, appends Prompt as a new user
// turn and requests the reply.
type EditRequest struct {
	SessionID string
	Index     int
	Prompt    string
	Params
}

// Result reports the outcome of one operation.
type Result struct {
	SessionID string       `json:"sessionId"`
	Index     int          `json:"index"`
	Text      string       `json:"text"`
	Status    event.Status `json:"status"`
	Usage     model.Usage  `json:"usage"`
	// Committed is false when nothing was written, e.g. under CommitDiscard.
	Committed bool   `json:"committed"`
	Error     string `json:"error,omitempty"`
}

// Send runs the send operation. NotFound, Conflict and InvalidArgument
// failures return without emitting any event. Once the request is under
// way exactly one terminal event is emitted, and an upstream or commit
// failure returns both a Result and a coded error.
func (r *Runtime) Send(ctx context.Context, req SendRequest) (*Result, error) {
	return r.execute(ctx, operation{
		name:       "send",
		sessionID:  req.SessionID,
		params:     req.Params,
		keepPrompt: true,
		prepare: func(t session.Transcript) session.Transcript {
			return append(t.Clone(), model.Message{Role: model.RoleUser, Content: req.Prompt})
		},
	})
}

// Regenerate runs the regenerate operation. An Index at or past the end of the
// transcript resubmits it unchanged.
func (r *Runtime) Regenerate(ctx context.Context, req RegenerateRequest) (*Result, error) {
	if req.Index < 0 {
		return nil, NewCodedError(ErrorCodeInvalidArgument, "runtime: turn index %d is negative", req.Index)
	}
	return r.execute(ctx, operation{
		name:              "regenerate",
		sessionID:         req.SessionID,
		params:            req.Params,
		requireTranscript: true,
		prepare: func(t session.Transcript) session.Transcript {
			return t.Truncate(req.Index)
		},
	})
}

// Edit runs the edit operation.
func (r *Runtime) Edit(ctx context.Context, req EditRequest) (*Result, error) {
	if req.Index < 0 {
		return nil, NewCodedError(ErrorCodeInvalidArgument, "runtime: turn index %d is negative", req.Index)
	}
	return r.execute(ctx, operation{
		name:              "edit",
		sessionID:         req.SessionID,
		params:            req.Params,
		requireTranscript: true,
		prepare: func(t session.Transcript) session.Transcript {
			return append(t.Truncate(req.Index), model.Message{Role: model.RoleUser, Content: req.Prompt})
		},
	})
}

// ListHistory returns the committed transcript of sessionID. It has no side
// effects and does not take the session lease.
func (r *Runtime) ListHistory(ctx context.Context, sessionID string) (session.Transcript, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, NewCodedError(ErrorCodeInvalidArgument, "runtime: session id is required")
	}
	sess, err := r.catalog.GetSession(ctx, sessionID)
	if err != nil {
		return nil, classify(err, "runtime: get session %s", sessionID)
	}
	transcript, err := r.transcripts.Load(ctx, sess)
	if err != nil {
		return nil, classify(err, "runtime: load transcript %s", sessionID)
	}
	return transcript, nil
}

type operation struct {
	name              string
	sessionID         string
	params            Params
	requireTranscript bool
	// keepPrompt commits the new user turn when the upstream fails before
	// any delta. Operations that truncate leave the transcript untouched.
	keepPrompt bool
	prepare    func(session.Transcript) session.Transcript
}

func (r *Runtime) execute(ctx context.Context, op operation) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID := strings.TrimSpace(op.sessionID)
	if sessionID == "" {
		return nil, NewCodedError(ErrorCodeInvalidArgument, "runtime: session id is required")
	}
	llm, err := r.newLLM(op.params.Endpoint)
	if err != nil {
		return nil, WrapCodedError(ErrorCodeInvalidArgument, err, "runtime: build completion client")
	}

	lease, err := r.leases.acquire(sessionID)
	if err != nil {
		return nil, err
	}
	defer r.leases.release(lease)

	logger := r.logger.With().Str("session_id", sessionID).Str("op", op.name).Logger()

	sess, err := r.catalog.GetSession(ctx, sessionID)
	if err != nil {
		return nil, classify(err, "runtime: get session %s", sessionID)
	}
	committed, err := r.transcripts.Load(ctx, sess)
	switch {
	case errors.Is(err, session.ErrTranscriptNotFound) && !op.requireTranscript:
		committed = session.Transcript{}
	case err != nil:
		return nil, classify(err, "runtime: load transcript %s", sessionID)
	}

	turns := op.prepare(committed)
	index := len(turns)
	turns = append(turns, model.Message{Role: model.RoleAssistant})

	sink, closeSink := r.sinkFor(op.params.Sink)
	defer closeSink()
	emit := func(ev event.StreamEvent) {
		if err := sink.Emit(ev); err != nil {
			logger.Warn().Err(err).Str("status", string(ev.Status)).Msg("event sink rejected event")
		}
	}

	lease.set(PhaseRequesting)
	logger.Debug().Int("index", index).Bool("buffered", op.params.Buffered).Msg("requesting completion")
	usage, upstreamErr := r.complete(ctx, llm, turns[:index], op.params, lease, func(delta string) {
		turns[index].Content += delta
		emit(event.Delta(sessionID, index, delta))
	})

	lease.set(PhaseCommitting)
	result := &Result{
		SessionID: sessionID,
		Index:     index,
		Text:      turns[index].Content,
		Usage:     usage,
	}
	toSave := turns
	if upstreamErr != nil {
		logger.Warn().Err(upstreamErr).Int("index", index).Int("partial_len", len(result.Text)).Str("policy", string(r.policy)).Msg("completion failed")
		switch {
		case r.policy == CommitDiscard:
			toSave = nil
		case turns[index].Content == "" && op.keepPrompt:
			// Nothing was streamed; keep the prompt without an empty reply.
			toSave = turns[:index]
		case turns[index].Content == "":
			toSave = nil
		}
	}

	if toSave != nil {
		// The commit must survive the caller's cancellation.
		if err := r.commit(context.WithoutCancel(ctx), sess, toSave, logger); err != nil {
			lease.set(PhaseTerminal)
			commitErr := WrapCodedError(ErrorCodeIO, err, "runtime: commit transcript %s", sessionID)
			if upstreamErr != nil {
				commitErr = WrapCodedError(ErrorCodeIO, err, "runtime: commit transcript %s after upstream failure (%v)", sessionID, upstreamErr)
			}
			result.Status = event.StatusError
			result.Error = commitErr.Error()
			emit(event.Failed(sessionID, index, commitErr))
			return result, commitErr
		}
		result.Committed = true
	}

	lease.set(PhaseTerminal)
	if upstreamErr != nil {
		err := classify(upstreamErr, "runtime: %s %s", op.name, sessionID)
		result.Status = event.StatusError
		result.Error = err.Error()
		emit(event.Failed(sessionID, index, err))
		return result, err
	}
	result.Status = event.StatusDone
	emit(event.Done(sessionID, index))
	logger.Debug().Int("index", index).Int("reply_len", len(result.Text)).Msg("operation committed")
	return result, nil
}

// complete invokes the upstream, reporting content through onDelta in order.
func (r *Runtime) complete(ctx context.Context, llm model.LLM, turns []model.Message, params Params, lease *runLease, onDelta func(string)) (model.Usage, error) {
	timeout := params.Endpoint.Timeout
	if timeout <= 0 {
		timeout = r.requestTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if params.Buffered {
		resp, err := model.Complete(callCtx, llm, turns)
		if err != nil {
			return model.Usage{}, err
		}
		lease.set(PhaseStreaming)
		if resp.Message.Content != "" {
			onDelta(resp.Message.Content)
		}
		return resp.Usage, nil
	}

	streaming := false
	resp, err := model.Stream(callCtx, llm, turns, func(delta string) error {
		if !streaming {
			streaming = true
			lease.set(PhaseStreaming)
		}
		onDelta(delta)
		return nil
	})
	if err != nil {
		return model.Usage{}, err
	}
	return resp.Usage, nil
}

func (r *Runtime) commit(ctx context.Context, sess *session.Session, turns session.Transcript, logger zerolog.Logger) error {
	if err := r.transcripts.Save(ctx, sess, turns); err != nil {
		logger.Error().Err(err).Msg("transcript commit failed")
		return err
	}
	activity := session.Activity{
		At:              time.Now(),
		TurnCount:       len(turns),
		LastUserMessage: turns.LastUserMessage(),
	}
	if err := r.catalog.TouchSession(ctx, sess.ID, activity); err != nil {
		logger.Warn().Err(err).Msg("record session activity failed")
	}
	return nil
}

// sinkFor combines the request sink with the runtime-wide sink. The returned
// close function flushes buffered delivery.
func (r *Runtime) sinkFor(requestSink event.Sink) (event.Sink, func()) {
	sink := event.Multi(requestSink, r.events)
	if r.sinkBuffer <= 0 {
		return sink, func() {}
	}
	buffered := event.NewBuffered(sink, r.sinkBuffer)
	return buffered, func() { _ = buffered.Close() }
}
