// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/draftwire/draftwire/internal/event"
)

// Scripted is a deterministic Pipeline used by the default daemon wiring
// and by tests. It drafts a trivial decision graph from the brief, walking
// DRAFTING and VALIDATING with a configurable delay between stages.
type Scripted struct {
	// StageDelay spaces out stage emissions so streaming behaviour is
	// observable. Zero means no delay.
	StageDelay time.Duration
}

type scriptedNode struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

type scriptedGraph struct {
	Brief string         `json:"brief"`
	Nodes []scriptedNode `json:"nodes"`
}

// Run emits DRAFTING progress per brief word, a VALIDATING pass, and
// returns the drafted graph.
func (s *Scripted) Run(ctx context.Context, req Request, emit EmitFunc) (json.RawMessage, error) {
	if strings.TrimSpace(req.Brief) == "" {
		return nil, &Error{Code: "EMPTY_BRIEF", Message: "brief must not be empty"}
	}

	graph := scriptedGraph{Brief: req.Brief}
	words := strings.Fields(req.Brief)
	for i, word := range words {
		if err := s.pause(ctx); err != nil {
			return nil, err
		}
		graph.Nodes = append(graph.Nodes, scriptedNode{
			ID:    fmt.Sprintf("n%d", i),
			Label: word,
		})
		progress, _ := json.Marshal(map[string]any{"nodes": len(graph.Nodes)})
		if err := emit(event.StepDrafting, progress); err != nil {
			return nil, err
		}
	}

	if err := s.pause(ctx); err != nil {
		return nil, err
	}
	if err := emit(event.StepValidating, nil); err != nil {
		return nil, err
	}

	result, err := json.Marshal(graph)
	if err != nil {
		return nil, fmt.Errorf("marshal graph: %w", err)
	}
	return result, nil
}

func (s *Scripted) pause(ctx context.Context) error {
	if s.StageDelay <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.StageDelay):
		return nil
	}
}
