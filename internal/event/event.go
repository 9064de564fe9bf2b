// SPDX-License-Identifier: MIT

// Package event defines the wire-level event model for resumable streams.
//
// Every frame delivered to a client is an Event: a sequence number, a type
// tag, and a type-specific payload. Events are immutable once appended to a
// session buffer and are replayed verbatim on resume.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Step identifies the pipeline stage a stream session is in.
//
// The set below covers the drafting pipeline; unknown step strings produced
// by other pipelines pass through untouched, since the delivery core only
// cares whether a step is terminal.
type Step string

const (
	StepStarting   Step = "STARTING"
	StepDrafting   Step = "DRAFTING"
	StepValidating Step = "VALIDATING"
	StepRepairing  Step = "REPAIRING"
	StepComplete   Step = "COMPLETE"
	StepError      Step = "ERROR"
)

// String implements fmt.Stringer.
func (s Step) String() string {
	return string(s)
}

// IsTerminal reports whether the step ends a session. Sessions in a terminal
// step never emit further events.
func (s Step) IsTerminal() bool {
	return s == StepComplete || s == StepError
}

// Type tags the payload variant carried by an Event.
type Type string

const (
	// TypeStage reports a pipeline stage transition (or stage progress).
	TypeStage Type = "stage"

	// TypeHeartbeat keeps intermediaries from idling out a long stage.
	// Heartbeats consume a sequence number but do not change the step.
	TypeHeartbeat Type = "heartbeat"

	// TypeResume carries a signed token the client can use to reconnect.
	TypeResume Type = "resume"

	// TypeError is the terminal event of a failed session.
	TypeError Type = "error"
)

// IsValid checks whether the type is one of the defined constants.
func (t Type) IsValid() bool {
	switch t {
	case TypeStage, TypeHeartbeat, TypeResume, TypeError:
		return true
	default:
		return false
	}
}

// Event is one frame of a stream session.
//
// Seq is assigned by the owning session, starts at 0 and increases by one
// per event with no gaps as observed by any single reader.
type Event struct {
	Seq       int64           `json:"seq"`
	Type      Type            `json:"type"`
	Step      Step            `json:"step,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// StagePayload is the payload of a TypeStage event. Data is opaque to the
// delivery core; the pipeline decides its shape.
type StagePayload struct {
	Stage       Step            `json:"stage"`
	Data        json.RawMessage `json:"data,omitempty"`
	Diagnostics *Diagnostics    `json:"diagnostics,omitempty"`
	Degraded    bool            `json:"degraded,omitempty"`
}

// HeartbeatPayload is the payload of a TypeHeartbeat event.
type HeartbeatPayload struct {
	Stage Step `json:"stage"`
}

// ResumePayload is the payload of a TypeResume event.
type ResumePayload struct {
	Token string `json:"token"`
}

// ErrorPayload is the payload of a terminal TypeError event. Code is a
// stable machine-readable identifier; Message is for humans.
type ErrorPayload struct {
	Code        string       `json:"code"`
	Message     string       `json:"message"`
	Diagnostics *Diagnostics `json:"diagnostics,omitempty"`
}

// Diagnostics summarises delivery bookkeeping for one session. All fields
// are present (zero-valued) even when no resume ever occurred.
type Diagnostics struct {
	Resumes         int64  `json:"resumes"`
	RecoveredEvents int64  `json:"recovered_events"`
	Trims           int64  `json:"trims"`
	CorrelationID   string `json:"correlation_id"`
}

// DecodePayload unmarshals the event payload into its tagged variant.
// Replay code can switch exhaustively on the returned type.
func (e Event) DecodePayload() (any, error) {
	switch e.Type {
	case TypeStage:
		var p StagePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode stage payload: %w", err)
		}
		return p, nil
	case TypeHeartbeat:
		var p HeartbeatPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode heartbeat payload: %w", err)
		}
		return p, nil
	case TypeResume:
		var p ResumePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode resume payload: %w", err)
		}
		return p, nil
	case TypeError:
		var p ErrorPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode error payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
}

// MustPayload marshals v, panicking on failure. Payload variants are plain
// structs, so a marshal failure is a programming error.
func MustPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("event: marshal payload: %v", err))
	}
	return b
}
