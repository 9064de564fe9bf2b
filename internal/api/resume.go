// SPDX-License-Identifier: MIT
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/draftwire/draftwire/internal/admission"
	"github.com/draftwire/draftwire/internal/event"
	"github.com/draftwire/draftwire/internal/metrics"
	"github.com/draftwire/draftwire/internal/resumetoken"
)

// readTimeout bounds a single buffer read issued on behalf of a resume.
const readTimeout = 2 * time.Second

// handleResume verifies the presented token and replays the buffered
// event log from the token's position. mode=replay closes after the
// buffered suffix; mode=live keeps following the buffer until the
// session reaches a terminal event.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(resumeTokenHeader)
	if token == "" {
		metrics.IncResume("rejected")
		writeError(w, http.StatusBadRequest, "MISSING_TOKEN", "the "+resumeTokenHeader+" header is required")
		return
	}

	mode := r.URL.Query().Get("mode")
	switch mode {
	case "":
		mode = "replay"
	case "live", "replay":
	default:
		metrics.IncResume("rejected")
		writeError(w, http.StatusBadRequest, "INVALID_MODE", "mode must be live or replay")
		return
	}

	if d := s.cfg.Controller.Admit(r.Context(), clientIdentity(r), admission.KindStandard); !d.Allowed {
		metrics.IncResume("rate_limited")
		writeRateLimited(w, d)
		return
	}

	payload, err := s.cfg.Codec.Verify(token)
	if err != nil {
		metrics.IncResume("rejected")
		writeError(w, http.StatusForbidden, resumetoken.CodeOf(err), "resume token rejected")
		return
	}

	events, err := s.readBuffer(r.Context(), payload.RequestID, payload.Seq)
	if err != nil || len(events) == 0 {
		// Unknown session, expired buffer entry or unreachable store all
		// collapse into one expected outcome: start a new request.
		metrics.IncResume("unavailable")
		writeError(w, http.StatusUpgradeRequired, "RESUME_UNAVAILABLE", "this stream can no longer be resumed, start a new request")
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		metrics.IncResume("unsupported")
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "response writer does not support streaming")
		return
	}

	start := time.Now()
	sse.prepare(false)

	last, recovered, ok := s.replay(sse, payload, events)
	metrics.IncResume("replayed")
	metrics.ObserveReplayDuration(time.Since(start))
	if !ok || last.Step.IsTerminal() {
		return
	}

	// The stream is still in flight: hand the client a fresh token anchored
	// at the last replayed position so it can chain resumes.
	s.emitFreshResume(sse, payload.RequestID, last)

	if mode == "live" {
		s.followLive(r.Context(), sse, payload.RequestID, last.Seq+1, recovered)
	}
}

// readBuffer fetches the session suffix from the durable store. A nil
// durable store reads as empty: such deployments never minted a token, so
// any presented token maps to an unknown session.
func (s *Server) readBuffer(ctx context.Context, correlationID string, seq int64) ([]event.Event, error) {
	if s.cfg.Durable == nil {
		return nil, nil
	}
	readCtx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	return s.cfg.Durable.ReadFrom(readCtx, correlationID, seq)
}

// replay writes the buffered suffix. Events at the token's own seq were
// already delivered to the client that minted the token, so only later
// events count as recovered; the terminal event's diagnostics are rewritten
// in flight to account for this resume. Returns the last buffered event,
// the recovered count and whether the client is still connected.
func (s *Server) replay(sse *sseWriter, payload resumetoken.Payload, events []event.Event) (event.Event, int64, bool) {
	var recovered int64
	for _, ev := range events {
		if ev.Seq > payload.Seq {
			recovered++
		}
	}

	var last event.Event
	for _, ev := range events {
		out := ev
		if ev.Step.IsTerminal() {
			out = annotateTerminal(ev, recovered)
		}
		if err := sse.writeEvent(out); err != nil {
			return ev, recovered, false
		}
		last = ev
	}
	return last, recovered, true
}

// annotateTerminal folds this resume into the terminal event's diagnostics.
// The buffer itself is never rewritten, so replaying the same token again
// yields the same prefix.
func annotateTerminal(ev event.Event, recovered int64) event.Event {
	switch ev.Type {
	case event.TypeStage:
		var p event.StagePayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return ev
		}
		p.Diagnostics = bumpDiagnostics(p.Diagnostics, recovered)
		ev.Payload = event.MustPayload(p)
	case event.TypeError:
		var p event.ErrorPayload
		if json.Unmarshal(ev.Payload, &p) != nil {
			return ev
		}
		p.Diagnostics = bumpDiagnostics(p.Diagnostics, recovered)
		ev.Payload = event.MustPayload(p)
	}
	return ev
}

func bumpDiagnostics(d *event.Diagnostics, recovered int64) *event.Diagnostics {
	out := event.Diagnostics{}
	if d != nil {
		out = *d
	}
	out.Resumes++
	out.RecoveredEvents += recovered
	return &out
}

// emitFreshResume sends a re-minted token as a non-buffered frame. The
// token is anchored at the last replayed event, mirroring how the original
// token is anchored at the resume event's own position.
func (s *Server) emitFreshResume(sse *sseWriter, correlationID string, last event.Event) {
	token, err := s.cfg.Codec.Generate(resumetoken.Payload{
		RequestID: correlationID,
		Step:      last.Step,
		Seq:       last.Seq,
		ExpiresAt: time.Now().Add(s.cfg.TokenTTL).UnixMilli(),
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("resume token re-mint failed")
		return
	}
	_ = sse.writeEvent(event.Event{
		Seq:     last.Seq,
		Type:    event.TypeResume,
		Step:    last.Step,
		Payload: event.MustPayload(event.ResumePayload{Token: token}),
	})
}

// followLive polls the buffer for appends past seq until a terminal event
// is delivered, the client disconnects or the follow window closes. Live
// events keep counting toward the terminal diagnostics of this resume.
func (s *Server) followLive(ctx context.Context, sse *sseWriter, correlationID string, seq, recovered int64) {
	liveCtx, cancel := context.WithTimeout(ctx, s.cfg.PipelineTimeout)
	defer cancel()

	poll := time.NewTicker(s.cfg.LivePollInterval)
	defer poll.Stop()
	lastWrite := time.Now()

	for {
		select {
		case <-liveCtx.Done():
			return
		case <-poll.C:
		}

		events, err := s.readBuffer(liveCtx, correlationID, seq)
		if err != nil {
			return
		}
		for _, ev := range events {
			recovered++
			out := ev
			if ev.Step.IsTerminal() {
				out = annotateTerminal(ev, recovered)
			}
			if err := sse.writeEvent(out); err != nil {
				return
			}
			seq = ev.Seq + 1
			lastWrite = time.Now()
			if ev.Step.IsTerminal() {
				return
			}
		}
		if time.Since(lastWrite) >= s.cfg.HeartbeatInterval {
			if err := sse.writeComment("heartbeat"); err != nil {
				return
			}
			lastWrite = time.Now()
		}
	}
}
