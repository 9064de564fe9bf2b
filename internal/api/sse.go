// SPDX-License-Identifier: MIT
package api

import (
	"fmt"
	"net/http"

	"github.com/draftwire/draftwire/internal/event"
)

// sseWriter frames events as text/event-stream records and flushes
// after every write so frames reach the client immediately.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: w, f: f}, true
}

// prepare sets the response headers for an event stream. degraded is
// surfaced as a header so clients learn before the first frame that
// the stream is non-resumable.
func (s *sseWriter) prepare(degraded bool) {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	if degraded {
		h.Set(degradedHeader, "true")
	}
	s.w.WriteHeader(http.StatusOK)
	s.f.Flush()
}

// writeEvent emits one frame. The SSE id field carries the event
// sequence number; data carries the typed payload.
func (s *sseWriter) writeEvent(ev event.Event) error {
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, ev.Payload); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// writeComment emits a comment-only keep-alive frame.
func (s *sseWriter) writeComment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}
