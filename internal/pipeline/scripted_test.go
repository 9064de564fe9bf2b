// SPDX-License-Identifier: MIT

package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/draftwire/draftwire/internal/event"
)

func TestScriptedEmitsDraftingPerWord(t *testing.T) {
	p := &Scripted{}
	var steps []event.Step

	result, err := p.Run(context.Background(), Request{Brief: "choose a database"},
		func(step event.Step, _ json.RawMessage) error {
			steps = append(steps, step)
			return nil
		})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []event.Step{
		event.StepDrafting, event.StepDrafting, event.StepDrafting,
		event.StepValidating,
	}
	if len(steps) != len(want) {
		t.Fatalf("expected %d emissions, got %d: %v", len(want), len(steps), steps)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Errorf("emission %d: %s, want %s", i, steps[i], want[i])
		}
	}

	var graph scriptedGraph
	if err := json.Unmarshal(result, &graph); err != nil {
		t.Fatalf("result is not a graph: %v", err)
	}
	if len(graph.Nodes) != 3 {
		t.Errorf("expected 3 nodes, got %d", len(graph.Nodes))
	}
}

func TestScriptedEmptyBrief(t *testing.T) {
	p := &Scripted{}
	_, err := p.Run(context.Background(), Request{Brief: "   "}, func(event.Step, json.RawMessage) error {
		t.Error("empty brief must not emit stages")
		return nil
	})

	var perr *Error
	if !errors.As(err, &perr) || perr.Code != "EMPTY_BRIEF" {
		t.Errorf("expected EMPTY_BRIEF pipeline error, got %v", err)
	}
}

func TestScriptedStopsOnEmitError(t *testing.T) {
	p := &Scripted{}
	sentinel := errors.New("client gone")

	_, err := p.Run(context.Background(), Request{Brief: "one two"},
		func(event.Step, json.RawMessage) error { return sentinel })
	if !errors.Is(err, sentinel) {
		t.Errorf("expected emit error to propagate, got %v", err)
	}
}
