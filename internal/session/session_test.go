// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/draftwire/draftwire/internal/buffer"
	"github.com/draftwire/draftwire/internal/event"
	"github.com/draftwire/draftwire/internal/pipeline"
	"github.com/draftwire/draftwire/internal/resumetoken"
)

func testCodec(t *testing.T) *resumetoken.Codec {
	t.Helper()
	c, err := resumetoken.New("session-test-secret", "")
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	return c
}

func newTestSession(t *testing.T, store buffer.Store, degraded bool) *Session {
	t.Helper()
	return New(Config{
		Store:    store,
		Codec:    testCodec(t),
		Degraded: degraded,
		TokenTTL: time.Minute,
		Logger:   zerolog.Nop(),
	})
}

// collect drains the subscription until the channel closes.
func collect(ch <-chan event.Event) []event.Event {
	var events []event.Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestSessionFullRun(t *testing.T) {
	store := buffer.NewMemoryStore(buffer.Options{})
	s := newTestSession(t, store, false)
	ch := s.Subscribe(context.Background())

	go s.Run(context.Background(), &pipeline.Scripted{}, pipeline.Request{Brief: "choose a database"})
	events := collect(ch)

	// STARTING, resume, DRAFTING x3, VALIDATING, COMPLETE
	if len(events) != 7 {
		t.Fatalf("expected 7 events, got %d: %+v", len(events), events)
	}

	for i, ev := range events {
		if ev.Seq != int64(i) {
			t.Errorf("event %d: seq = %d, want %d", i, ev.Seq, i)
		}
	}

	if events[0].Type != event.TypeStage || events[0].Step != event.StepStarting {
		t.Errorf("event 0 should be STARTING stage, got %+v", events[0])
	}
	if events[1].Type != event.TypeResume {
		t.Errorf("event 1 should be the resume event, got %+v", events[1])
	}

	last := events[len(events)-1]
	if last.Step != event.StepComplete {
		t.Fatalf("last event should be COMPLETE, got %+v", last)
	}
	var p event.StagePayload
	if err := json.Unmarshal(last.Payload, &p); err != nil {
		t.Fatalf("decode terminal payload: %v", err)
	}
	if p.Diagnostics == nil {
		t.Fatal("terminal event must carry diagnostics")
	}
	if p.Diagnostics.Resumes != 0 || p.Diagnostics.RecoveredEvents != 0 {
		t.Errorf("fresh session diagnostics must be zero: %+v", p.Diagnostics)
	}
	if p.Diagnostics.CorrelationID != s.CorrelationID() {
		t.Errorf("diagnostics correlation id mismatch")
	}
	if p.Degraded {
		t.Error("non-degraded session marked degraded")
	}

	// Everything the subscriber saw is also buffered.
	buffered, err := store.ReadFrom(context.Background(), s.CorrelationID(), 0)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if len(buffered) != len(events) {
		t.Errorf("buffer holds %d events, subscriber saw %d", len(buffered), len(events))
	}
}

func TestSessionResumeTokenMatchesResumeEventSeq(t *testing.T) {
	store := buffer.NewMemoryStore(buffer.Options{})
	s := newTestSession(t, store, false)
	ch := s.Subscribe(context.Background())

	go s.Run(context.Background(), &pipeline.Scripted{}, pipeline.Request{Brief: "brief"})
	events := collect(ch)

	var resumeEv *event.Event
	for i := range events {
		if events[i].Type == event.TypeResume {
			resumeEv = &events[i]
			break
		}
	}
	if resumeEv == nil {
		t.Fatal("no resume event emitted")
	}

	var rp event.ResumePayload
	if err := json.Unmarshal(resumeEv.Payload, &rp); err != nil {
		t.Fatalf("decode resume payload: %v", err)
	}
	payload, err := testCodec(t).Verify(rp.Token)
	if err != nil {
		t.Fatalf("minted token does not verify: %v", err)
	}
	if payload.RequestID != s.CorrelationID() {
		t.Errorf("token request id = %q, want %q", payload.RequestID, s.CorrelationID())
	}
	if payload.Seq != resumeEv.Seq {
		t.Errorf("token seq = %d, want the resume event's own seq %d", payload.Seq, resumeEv.Seq)
	}
}

func TestSessionDegradedSkipsToken(t *testing.T) {
	store := buffer.NewMemoryStore(buffer.Options{})
	s := newTestSession(t, store, true)
	ch := s.Subscribe(context.Background())

	go s.Run(context.Background(), &pipeline.Scripted{}, pipeline.Request{Brief: "some brief"})
	events := collect(ch)

	for _, ev := range events {
		if ev.Type == event.TypeResume {
			t.Fatal("degraded session must not emit a resume event")
		}
	}

	last := events[len(events)-1]
	var p event.StagePayload
	if err := json.Unmarshal(last.Payload, &p); err != nil {
		t.Fatalf("decode terminal payload: %v", err)
	}
	if !p.Degraded {
		t.Error("terminal event should be marked degraded")
	}
}

func TestSessionPipelineFailure(t *testing.T) {
	store := buffer.NewMemoryStore(buffer.Options{})
	s := newTestSession(t, store, false)
	ch := s.Subscribe(context.Background())

	go s.Run(context.Background(), &pipeline.Scripted{}, pipeline.Request{Brief: ""})
	events := collect(ch)

	last := events[len(events)-1]
	if last.Type != event.TypeError {
		t.Fatalf("expected terminal error event, got %+v", last)
	}
	var p event.ErrorPayload
	if err := json.Unmarshal(last.Payload, &p); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if p.Code != "EMPTY_BRIEF" {
		t.Errorf("expected pipeline error code EMPTY_BRIEF, got %q", p.Code)
	}
	if p.Diagnostics == nil {
		t.Error("error event must carry diagnostics")
	}
}

func TestSessionHeartbeatConsumesSeq(t *testing.T) {
	store := buffer.NewMemoryStore(buffer.Options{})
	s := newTestSession(t, store, false)
	ctx := context.Background()

	_ = s.emitStage(ctx, event.StepStarting, nil)
	s.EmitHeartbeat(ctx)
	s.EmitHeartbeat(ctx)
	_ = s.emitStage(ctx, event.StepDrafting, nil)

	buffered, err := store.ReadFrom(ctx, s.CorrelationID(), 0)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	// STARTING, 2 heartbeats, resume, DRAFTING
	if len(buffered) != 5 {
		t.Fatalf("expected 5 events, got %d", len(buffered))
	}
	if buffered[1].Type != event.TypeHeartbeat || buffered[1].Step != event.StepStarting {
		t.Errorf("heartbeat should keep the current step: %+v", buffered[1])
	}
	for i, ev := range buffered {
		if ev.Seq != int64(i) {
			t.Errorf("seq gap at %d: %d", i, ev.Seq)
		}
	}
}

func TestSessionClientAbortKeepsBuffering(t *testing.T) {
	store := buffer.NewMemoryStore(buffer.Options{})
	s := newTestSession(t, store, false)

	subCtx, cancelSub := context.WithCancel(context.Background())
	ch := s.Subscribe(subCtx)

	// Client consumes the first event, then hangs up.
	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ch
		cancelSub()
		// Drain whatever was in flight so the session never blocks.
		for range ch {
		}
	}()

	s.Run(context.Background(), &pipeline.Scripted{}, pipeline.Request{Brief: "keep buffering after abort"})
	<-done

	buffered, err := store.ReadFrom(context.Background(), s.CorrelationID(), 0)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	last := buffered[len(buffered)-1]
	if last.Step != event.StepComplete {
		t.Errorf("pipeline should reach COMPLETE despite client abort, got %+v", last)
	}
	for _, ev := range buffered {
		if ev.Type == event.TypeError {
			t.Error("client abort must not synthesize an error event")
		}
	}
}
