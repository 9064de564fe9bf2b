// SPDX-License-Identifier: MIT

// Package session orchestrates one logical stream: it owns the sequence
// counter, appends every emitted event to the session buffer, mints the
// resume token, and turns pipeline completion or failure into the terminal
// event.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/draftwire/draftwire/internal/buffer"
	"github.com/draftwire/draftwire/internal/event"
	"github.com/draftwire/draftwire/internal/metrics"
	"github.com/draftwire/draftwire/internal/pipeline"
	"github.com/draftwire/draftwire/internal/resumetoken"
)

// Config wires a Session.
type Config struct {
	Store buffer.Store
	// Codec mints resume tokens; ignored when Degraded.
	Codec *resumetoken.Codec
	// Degraded disables token issuance for this session (durable store
	// unavailable at admission time).
	Degraded bool
	// TokenTTL bounds resume-token validity.
	TokenTTL time.Duration
	// HeartbeatInterval spaces keep-alive events during long stages.
	// Zero disables the heartbeat ticker.
	HeartbeatInterval time.Duration
	Logger            zerolog.Logger
}

// Session is the single logical writer for one correlation id. All emit
// paths (pipeline callback, heartbeat ticker) serialize on an internal
// lock, so buffered events carry strictly increasing gap-free sequence
// numbers.
type Session struct {
	correlationID string
	cfg           Config
	logger        zerolog.Logger

	mu          sync.Mutex
	seq         int64
	step        event.Step
	trims       int64
	tokenMinted bool
	terminal    bool
	sub         chan event.Event
	subCtx      context.Context
}

// New creates a session in the STARTING step with a fresh correlation id.
func New(cfg Config) *Session {
	id := uuid.NewString()
	logger := cfg.Logger.With().Str("correlation_id", id).Logger()

	if cfg.Degraded {
		// Exactly one observability event per degraded session.
		logger.Warn().Msg("session degraded: durable store unavailable, resume disabled")
		metrics.DegradedSessions.Inc()
	}

	return &Session{
		correlationID: id,
		cfg:           cfg,
		logger:        logger,
		step:          event.StepStarting,
	}
}

// CorrelationID returns the stream identity used for buffer keys.
func (s *Session) CorrelationID() string {
	return s.correlationID
}

// Degraded reports whether this session runs without a durable buffer.
func (s *Session) Degraded() bool {
	return s.cfg.Degraded
}

// Subscribe attaches the delivery loop. Each emitted event is forwarded to
// the returned channel until ctx is done or the session reaches a terminal
// step, at which point the channel closes. Only one subscriber is
// supported: the owning delivery loop.
func (s *Session) Subscribe(ctx context.Context) <-chan event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sub = make(chan event.Event, 64)
	s.subCtx = ctx
	return s.sub
}

// Run drives the pipeline to completion. It emits STARTING, forwards each
// pipeline stage, and finishes with a terminal COMPLETE or error event.
// Client disconnects cancel delivery, not ctx; pass a context that
// outlives the HTTP request if buffered progress should survive a hangup.
func (s *Session) Run(ctx context.Context, p pipeline.Pipeline, req pipeline.Request) {
	s.emitStage(ctx, event.StepStarting, nil)

	stopHeartbeat := s.startHeartbeat(ctx)
	result, err := p.Run(ctx, req, func(step event.Step, data json.RawMessage) error {
		return s.emitStage(ctx, step, data)
	})
	stopHeartbeat()

	if err != nil {
		s.finishError(ctx, err)
		return
	}
	s.finishComplete(ctx, result)
}

// EmitHeartbeat emits one keep-alive event. Heartbeats consume a sequence
// number but leave the step unchanged.
func (s *Session) EmitHeartbeat(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return
	}
	s.append(ctx, event.Event{
		Type:    event.TypeHeartbeat,
		Step:    s.step,
		Payload: event.MustPayload(event.HeartbeatPayload{Stage: s.step}),
	})
}

// Diagnostics returns the delivery bookkeeping for this session. Resumes
// and recovered events are always zero on the original delivery; resumed
// deliveries account for themselves in the resume coordinator.
func (s *Session) Diagnostics() event.Diagnostics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return event.Diagnostics{
		Trims:         s.trims,
		CorrelationID: s.correlationID,
	}
}

func (s *Session) emitStage(ctx context.Context, step event.Step, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return errors.New("session is terminal")
	}

	// The first transition out of STARTING mints the resume token, so the
	// client holds a way back before any substantial content flows.
	if step != event.StepStarting && !s.tokenMinted {
		s.tokenMinted = true
		if !s.cfg.Degraded {
			s.mintResume(ctx, step)
		}
	}

	s.step = step
	s.append(ctx, event.Event{
		Type:    event.TypeStage,
		Step:    step,
		Payload: event.MustPayload(event.StagePayload{Stage: step, Data: data}),
	})
	return nil
}

// mintResume emits the resume event. Called with the lock held, before the
// stage event that triggered it, so the token's seq is the resume event's
// own position in the log.
func (s *Session) mintResume(ctx context.Context, step event.Step) {
	token, err := s.cfg.Codec.Generate(resumetoken.Payload{
		RequestID: s.correlationID,
		Step:      step,
		Seq:       s.seq,
		ExpiresAt: time.Now().Add(s.cfg.TokenTTL).UnixMilli(),
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("resume token mint failed, continuing without")
		return
	}
	s.append(ctx, event.Event{
		Type:    event.TypeResume,
		Step:    step,
		Payload: event.MustPayload(event.ResumePayload{Token: token}),
	})
}

func (s *Session) finishComplete(ctx context.Context, result json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return
	}
	s.step = event.StepComplete
	diag := event.Diagnostics{Trims: s.trims, CorrelationID: s.correlationID}
	s.append(ctx, event.Event{
		Type: event.TypeStage,
		Step: event.StepComplete,
		Payload: event.MustPayload(event.StagePayload{
			Stage:       event.StepComplete,
			Data:        result,
			Diagnostics: &diag,
			Degraded:    s.cfg.Degraded,
		}),
	})
	s.close(ctx)
}

func (s *Session) finishError(ctx context.Context, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return
	}

	code := "PIPELINE_FAILED"
	message := "the drafting pipeline failed"
	var perr *pipeline.Error
	if errors.As(err, &perr) {
		code = perr.Code
		message = perr.Message
	}
	s.logger.Error().Err(err).Str("code", code).Msg("session failed")

	s.step = event.StepError
	diag := event.Diagnostics{Trims: s.trims, CorrelationID: s.correlationID}
	s.append(ctx, event.Event{
		Type: event.TypeError,
		Step: event.StepError,
		Payload: event.MustPayload(event.ErrorPayload{
			Code:        code,
			Message:     message,
			Diagnostics: &diag,
		}),
	})
	s.close(ctx)
}

// close marks the session terminal and shortens the buffer TTL. Lock held.
func (s *Session) close(ctx context.Context) {
	s.terminal = true
	if err := s.cfg.Store.MarkTerminal(ctx, s.correlationID); err != nil {
		s.logger.Warn().Err(err).Msg("mark terminal failed")
	}
	if s.sub != nil {
		close(s.sub)
		s.sub = nil
	}
}

// append assigns the next seq, persists the event and forwards it to the
// subscriber. Lock held. Store failures are logged, never fatal: delivery
// to a connected client continues even when buffering is lost.
func (s *Session) append(ctx context.Context, ev event.Event) {
	ev.Seq = s.seq
	ev.EmittedAt = time.Now().UTC()
	s.seq++

	trimmed, err := s.cfg.Store.Append(ctx, s.correlationID, ev)
	if err != nil {
		s.logger.Warn().Err(err).Int64("seq", ev.Seq).Msg("buffer append failed")
	}
	if trimmed > 0 {
		s.trims += trimmed
		metrics.BufferTrims.Add(float64(trimmed))
	}
	metrics.EventsEmitted.WithLabelValues(string(ev.Type)).Inc()

	if s.sub == nil {
		return
	}
	select {
	case s.sub <- ev:
	case <-s.subCtx.Done():
		// Client hung up: stop forwarding, keep buffering for resume.
		close(s.sub)
		s.sub = nil
	}
}

func (s *Session) startHeartbeat(ctx context.Context) func() {
	if s.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				s.EmitHeartbeat(ctx)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
