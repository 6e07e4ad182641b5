package connector

import (
	"context"
	"testing"
)

func TestConfidenceSelectorPicksMax(t *testing.T) {
	var got Response
	c := ConfidenceSelector{}
	hyps := []Hypothesis{
		{SkillName: "a", Text: "lo", Confidence: 0.2},
		{SkillName: "b", Text: "hi", Confidence: 0.9},
	}
	c.Send(context.Background(), Task{TaskID: "t1", Payload: hyps}, func(_ string, r Response) { got = r })

	best, ok := got.Value.(*Hypothesis)
	if !ok || best == nil {
		t.Fatalf("got %+v, want *Hypothesis", got)
	}
	if best.SkillName != "b" {
		t.Fatalf("selected %q, want %q", best.SkillName, "b")
	}
}

func TestConfidenceSelectorEmpty(t *testing.T) {
	var got Response
	c := ConfidenceSelector{}
	c.Send(context.Background(), Task{TaskID: "t1", Payload: []Hypothesis{}}, func(_ string, r Response) { got = r })
	if got.IsError() {
		t.Fatalf("empty hypothesis list should not be an error, got %v", got.Err)
	}
}

func TestEventSetOutputSignals(t *testing.T) {
	var signaled string
	e := EventSetOutput{Signal: func(dialogID string) { signaled = dialogID }}
	e.Send(context.Background(), Task{TaskID: "t1", Payload: "dialog-1"}, func(string, Response) {})
	if signaled != "dialog-1" {
		t.Fatalf("signaled = %q, want dialog-1", signaled)
	}
}
