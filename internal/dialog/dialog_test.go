package dialog

import (
	"context"
	"testing"
	"time"
)

func TestAppendHumanOrdering(t *testing.T) {
	d := New("user-1", "http")
	d.AppendHuman("hi", nil, time.Now())
	d.AppendHuman("there", nil, time.Now())

	if len(d.Utterances) != 2 {
		t.Fatalf("len(Utterances) = %d, want 2", len(d.Utterances))
	}
	for i, u := range d.Utterances {
		if u.InDialogID != i {
			t.Fatalf("utterance %d: InDialogID = %d, want %d", i, u.InDialogID, i)
		}
	}
	if !d.LastIsHuman() {
		t.Fatal("LastIsHuman() = false after appending a human utterance")
	}
}

func TestLastChanceIdempotent(t *testing.T) {
	reg := NewRegistry(nil)
	hook, err := reg.Lookup("add_bot_utterance_last_chance")
	if err != nil {
		t.Fatal(err)
	}

	d := New("user-1", "http")
	d.AppendHuman("hi", nil, time.Now())

	ctx := context.Background()
	if err := hook(ctx, d, "fallback", HookArgs{Label: "last_chance"}); err != nil {
		t.Fatal(err)
	}
	if d.LastIsHuman() {
		t.Fatal("expected a bot utterance to be appended")
	}
	firstLen := len(d.Utterances)

	// A second fire must be a no-op: the tail is no longer human.
	if err := hook(ctx, d, "fallback-again", HookArgs{Label: "last_chance"}); err != nil {
		t.Fatal(err)
	}
	if len(d.Utterances) != firstLen {
		t.Fatalf("last-chance hook fired twice: len = %d, want %d", len(d.Utterances), firstLen)
	}
}

func TestAddHypothesisAnnotationBatchLengthMismatch(t *testing.T) {
	reg := NewRegistry(nil)
	hook, err := reg.Lookup("add_hypothesis_annotation_batch")
	if err != nil {
		t.Fatal(err)
	}

	d := New("user-1", "http")
	d.AppendHuman("hi", nil, time.Now())
	last, _ := d.Last()
	last.Hypotheses = append(last.Hypotheses, Hypothesis{SkillName: "x"})

	err = hook(context.Background(), d, []any{"a", "b"}, HookArgs{Label: "tokens"})
	if err == nil {
		t.Fatal("expected error on batch/hypotheses length mismatch")
	}
}

func TestRegistryUnknownHook(t *testing.T) {
	reg := NewRegistry(nil)
	if _, err := reg.Lookup("does_not_exist"); err == nil {
		t.Fatal("expected error for unknown hook name")
	}
}
