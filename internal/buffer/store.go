// SPDX-License-Identifier: MIT

// Package buffer implements the per-session event log behind resumable
// streams: append-only, capped, TTL'd, with a durable Redis backend and an
// in-process fallback used while Redis is unreachable.
package buffer

import (
	"context"
	"errors"
	"time"

	"github.com/draftwire/draftwire/internal/event"
)

// ErrUnavailable marks a store operation that failed because the backend
// is unreachable. Unavailability is an expected operating mode, not a
// programming error; callers degrade instead of failing the request.
var ErrUnavailable = errors.New("buffer store unavailable")

// Store is the session event log. One logical writer appends per
// correlation id; readers may replay concurrently.
type Store interface {
	// Append adds ev to the log for correlationID, enforces the retention
	// cap (returning how many old events were trimmed) and refreshes the
	// session TTL.
	Append(ctx context.Context, correlationID string, ev event.Event) (trimmed int64, err error)

	// ReadFrom returns all buffered events with Seq >= seq in ascending
	// order. An unknown or expired session yields an empty slice and a nil
	// error; callers interpret that as "resume unavailable".
	ReadFrom(ctx context.Context, correlationID string, seq int64) ([]event.Event, error)

	// MarkTerminal shortens the session TTL once the stream completed or
	// errored. The log stays replayable briefly, then expires.
	MarkTerminal(ctx context.Context, correlationID string) error

	// Close releases backend resources.
	Close() error
}

// Options bound retention for both backends.
type Options struct {
	// MaxEvents caps the retained events per session; older events beyond
	// the cap are trimmed on append.
	MaxEvents int

	// TTL is the inactivity window after which a session log expires.
	TTL time.Duration

	// TerminalTTL replaces TTL once MarkTerminal is called.
	TerminalTTL time.Duration
}

// DefaultOptions returns the retention defaults.
func DefaultOptions() Options {
	return Options{
		MaxEvents:   512,
		TTL:         15 * time.Minute,
		TerminalTTL: 2 * time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxEvents <= 0 {
		o.MaxEvents = d.MaxEvents
	}
	if o.TTL <= 0 {
		o.TTL = d.TTL
	}
	if o.TerminalTTL <= 0 {
		o.TerminalTTL = d.TerminalTTL
	}
	return o
}
