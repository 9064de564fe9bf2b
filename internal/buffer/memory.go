// SPDX-License-Identifier: MIT

package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/draftwire/draftwire/internal/event"
)

// MemoryStore is the in-process Store backend used while Redis is
// unreachable. It only lives for the process lifetime, which makes resume
// structurally impossible once the original stream ends: an accepted,
// documented degradation.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	opts    Options
	now     func() time.Time
}

type memoryEntry struct {
	events    []event.Event
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		opts:    opts.withDefaults(),
		now:     time.Now,
	}
}

// Append adds the event, trims past the cap and refreshes the TTL.
func (s *MemoryStore) Append(_ context.Context, correlationID string, ev event.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e, ok := s.entries[correlationID]
	if !ok || now.After(e.expiresAt) {
		e = &memoryEntry{}
		s.entries[correlationID] = e
	}

	e.events = append(e.events, ev)
	e.expiresAt = now.Add(s.opts.TTL)

	var trimmed int64
	if over := len(e.events) - s.opts.MaxEvents; over > 0 {
		e.events = e.events[over:]
		trimmed = int64(over)
	}
	return trimmed, nil
}

// ReadFrom returns buffered events with Seq >= seq; unknown or expired
// sessions read as empty.
func (s *MemoryStore) ReadFrom(_ context.Context, correlationID string, seq int64) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[correlationID]
	if !ok || s.now().After(e.expiresAt) {
		return []event.Event{}, nil
	}

	events := make([]event.Event, 0, len(e.events))
	for _, ev := range e.events {
		if ev.Seq >= seq {
			events = append(events, ev)
		}
	}
	return events, nil
}

// MarkTerminal shortens the entry TTL.
func (s *MemoryStore) MarkTerminal(_ context.Context, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[correlationID]; ok {
		e.expiresAt = s.now().Add(s.opts.TerminalTTL)
	}
	return nil
}

// Close drops all entries.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*memoryEntry)
	return nil
}

// StartSweeper spawns a goroutine that removes expired entries every
// interval. Expiry is otherwise enforced lazily on access; the sweeper just
// bounds memory for sessions nobody reads again. Returns a stop function.
func (s *MemoryStore) StartSweeper(interval time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
	return cancel
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, id)
		}
	}
}
