// SPDX-License-Identifier: MIT
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/draftwire/draftwire/internal/admission"
	"github.com/draftwire/draftwire/internal/buffer"
	"github.com/draftwire/draftwire/internal/event"
	"github.com/draftwire/draftwire/internal/metrics"
	"github.com/draftwire/draftwire/internal/pipeline"
	"github.com/draftwire/draftwire/internal/session"
)

const maxRequestBody = 64 << 10

type streamRequest struct {
	Brief string `json:"brief"`
}

// handleStream admits the caller, opens a session and streams pipeline
// progress as SSE until the terminal event.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil || strings.TrimSpace(req.Brief) == "" {
		metrics.IncStreamStart("invalid")
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "request body must be a JSON object with a non-empty brief")
		return
	}

	identity := clientIdentity(r)
	if d := s.cfg.Controller.Admit(r.Context(), identity, admission.KindStreaming); !d.Allowed {
		metrics.IncStreamStart("rate_limited")
		writeRateLimited(w, d)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		metrics.IncStreamStart("unsupported")
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "response writer does not support streaming")
		return
	}

	store, degraded := buffer.Select(r.Context(), s.cfg.Detector, s.cfg.Durable, s.cfg.Fallback)
	sess := session.New(session.Config{
		Store:             store,
		Codec:             s.cfg.Codec,
		Degraded:          degraded,
		TokenTTL:          s.cfg.TokenTTL,
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		Logger:            s.logger,
	})

	ch := sess.Subscribe(r.Context())
	sse.prepare(degraded)
	metrics.IncStreamStart("ok")
	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	// The pipeline runs on a context detached from the request: a client
	// hangup stops delivery but the session keeps buffering for resume.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.cfg.PipelineTimeout)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		sess.Run(runCtx, s.cfg.Pipeline, pipeline.Request{Brief: req.Brief})
	}()

	s.deliver(r.Context(), sse, ch)
	// Wait for the session even after a client hangup, so buffered progress
	// is complete before the handler returns.
	<-done
}

// deliver forwards session events to the wire, interleaving comment
// keep-alives while a stage is quiet.
func (s *Server) deliver(ctx context.Context, sse *sseWriter, ch <-chan event.Event) {
	keepAlive := time.NewTicker(s.cfg.HeartbeatInterval)
	defer keepAlive.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := sse.writeEvent(ev); err != nil {
				return
			}
		case <-keepAlive.C:
			if err := sse.writeComment("heartbeat"); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// writeRateLimited renders a denial as 429 with a Retry-After header and a
// machine-readable retry hint in the body.
func writeRateLimited(w http.ResponseWriter, d admission.Decision) {
	w.Header().Set("Retry-After", strconv.FormatInt(d.RetryAfterSeconds, 10))
	writeErrorDetails(w, http.StatusTooManyRequests, "RATE_LIMITED", "request rate exceeded", map[string]any{
		"retry_after_seconds": d.RetryAfterSeconds,
		"reason":              d.Reason,
	})
}
