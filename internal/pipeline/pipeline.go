// SPDX-License-Identifier: MIT

// Package pipeline defines the boundary to the computation whose progress
// the delivery core streams. How stage content is produced (the LLM-backed
// graph drafting) lives behind this interface and is not part of the
// delivery subsystem.
package pipeline

import (
	"context"
	"encoding/json"

	"github.com/draftwire/draftwire/internal/event"
)

// Request is the work definition accepted by POST /stream.
type Request struct {
	Brief string `json:"brief"`
}

// EmitFunc reports a stage transition (or stage progress) to the owning
// session. Data is opaque to the delivery core.
type EmitFunc func(step event.Step, data json.RawMessage) error

// Pipeline produces the staged computation. Run reports intermediate
// stages through emit and returns the final result payload; the session
// turns that into the terminal COMPLETE event. A non-nil error becomes the
// terminal error event.
//
// Implementations must respect ctx: the session cancels it when the
// computation as a whole is abandoned, not on mere client disconnect.
type Pipeline interface {
	Run(ctx context.Context, req Request, emit EmitFunc) (json.RawMessage, error)
}

// Error carries a stable machine-readable code alongside the message; the
// session copies both into the terminal error event.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}
