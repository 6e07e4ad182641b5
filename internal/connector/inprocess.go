package connector

import (
	"context"
	"fmt"
)

// Hypothesis mirrors the shape of a skill's candidate response enough
// for ConfidenceSelector to compare them; it intentionally does not
// import internal/dialog to avoid a dependency cycle (connectors are a
// lower-level concern than the dialog model).
type Hypothesis struct {
	SkillName  string
	Text       string
	Confidence float64
}

// ConfidenceSelector is the in-process responder connector that picks
// the hypothesis with maximum confidence among whatever the payload
// carries (spec.md §4.1). An empty hypothesis list is not an error —
// the caller decides the fallback behavior.
type ConfidenceSelector struct{}

func (ConfidenceSelector) Send(_ context.Context, task Task, onResponse OnResponse) error {
	hyps, _ := task.Payload.([]Hypothesis)
	if len(hyps) == 0 {
		onResponse(task.TaskID, Response{Value: (*Hypothesis)(nil)})
		return nil
	}
	best := hyps[0]
	for _, h := range hyps[1:] {
		if h.Confidence > best.Confidence {
			best = h
		}
	}
	onResponse(task.TaskID, Response{Value: &best})
	return nil
}

// PredefinedText always returns a fixed text response, used for canned
// fallback skills.
type PredefinedText struct {
	Text        string
	Annotations map[string]any
}

func (p PredefinedText) Send(_ context.Context, task Task, onResponse OnResponse) error {
	onResponse(task.TaskID, Response{Value: Hypothesis{SkillName: "predefined", Text: p.Text, Confidence: 1}})
	return nil
}

// EventSetOutput is the terminal responder connector: it signals the
// workflow's response latch rather than calling any network service.
// ResponseSignal is supplied by the agent loop when wiring the
// pipeline, since workflow.Record lives in a different package.
type EventSetOutput struct {
	Signal func(dialogID string)
}

func (e EventSetOutput) Send(_ context.Context, task Task, onResponse OnResponse) error {
	dialogID, ok := task.Payload.(string)
	if !ok {
		return fmt.Errorf("event_set_output: expected dialog id payload, got %T", task.Payload)
	}
	if e.Signal != nil {
		e.Signal(dialogID)
	}
	onResponse(task.TaskID, Response{Value: struct{}{}})
	return nil
}
