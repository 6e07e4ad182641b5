package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/dp-orchestrator/internal/dialog"
	"github.com/basket/dp-orchestrator/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "dialogs.db")
	s, err := storage.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenConfiguresWALAndSchema(t *testing.T) {
	s := openTestStore(t)

	ctx := context.Background()
	d, err := s.GetOrCreateDialog(ctx, "user-1", "telegram", false)
	if err != nil {
		t.Fatalf("get or create dialog: %v", err)
	}
	if d.ID == "" {
		t.Fatalf("expected non-empty dialog id")
	}
}

func TestGetOrCreateDialogReturnsSameActiveDialog(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreateDialog(ctx, "user-1", "telegram", false)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := s.GetOrCreateDialog(ctx, "user-1", "telegram", false)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same active dialog, got %s and %s", first.ID, second.ID)
	}
}

func TestGetOrCreateDialogResetStartsFresh(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreateDialog(ctx, "user-1", "telegram", false)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := s.GetOrCreateDialog(ctx, "user-1", "telegram", true)
	if err != nil {
		t.Fatalf("reset call: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("expected reset to produce a new dialog id")
	}

	ids, err := s.ListDialogIDs(ctx, "user-1", "telegram")
	if err != nil {
		t.Fatalf("list dialog ids: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 historical dialogs, got %d", len(ids))
	}
}

func TestDropActiveDialogAllowsFreshCreate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreateDialog(ctx, "user-1", "telegram", false)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := s.DropActiveDialog(ctx, "user-1", "telegram"); err != nil {
		t.Fatalf("drop active dialog: %v", err)
	}
	second, err := s.GetOrCreateDialog(ctx, "user-1", "telegram", false)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("expected a new dialog after drop")
	}
}

func TestSaveDialogRoundTripsUtterancesAndHypotheses(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d, err := s.GetOrCreateDialog(ctx, "user-1", "telegram", false)
	if err != nil {
		t.Fatalf("get or create dialog: %v", err)
	}

	u := d.AppendHuman("book me a flight", map[string]any{"lang": "en"}, time.Now())
	u.Hypotheses = append(u.Hypotheses, dialog.Hypothesis{
		SkillName:   "travel",
		Text:        "Sure, where to?",
		Confidence:  0.92,
		Annotations: map[string]any{"intent": "book_flight"},
	})

	if err := s.SaveDialog(ctx, d); err != nil {
		t.Fatalf("save dialog: %v", err)
	}

	reloaded, err := s.GetOrCreateDialog(ctx, "user-1", "telegram", false)
	if err != nil {
		t.Fatalf("reload dialog: %v", err)
	}
	if reloaded.ID != d.ID {
		t.Fatalf("expected reload to return same active dialog, got %s want %s", reloaded.ID, d.ID)
	}
	if len(reloaded.Utterances) != 1 {
		t.Fatalf("expected 1 utterance, got %d", len(reloaded.Utterances))
	}
	got := reloaded.Utterances[0]
	if got.Text != "book me a flight" {
		t.Fatalf("unexpected utterance text %q", got.Text)
	}
	if len(got.Hypotheses) != 1 {
		t.Fatalf("expected 1 hypothesis, got %d", len(got.Hypotheses))
	}
	if got.Hypotheses[0].SkillName != "travel" {
		t.Fatalf("unexpected hypothesis skill %q", got.Hypotheses[0].SkillName)
	}
	if got.Hypotheses[0].Annotations["intent"] != "book_flight" {
		t.Fatalf("expected hypothesis annotation to round-trip, got %v", got.Hypotheses[0].Annotations)
	}
}

func TestSetRatingDialogRejectsUnknownID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetRatingDialog(ctx, "no-such-dialog", 4.5); err == nil {
		t.Fatalf("expected error for unknown dialog id")
	}
}

func TestSetRatingUtteranceUpdatesRating(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d, err := s.GetOrCreateDialog(ctx, "user-1", "telegram", false)
	if err != nil {
		t.Fatalf("get or create dialog: %v", err)
	}
	u := d.AppendHuman("hi", nil, time.Now())
	bot := dialog.Utterance{
		UttID:      "bot-1",
		InDialogID: 1,
		Role:       dialog.RoleBot,
		Text:       "hello!",
		DateTime:   time.Now(),
	}
	d.Utterances = append(d.Utterances, bot)
	_ = u

	if err := s.SaveDialog(ctx, d); err != nil {
		t.Fatalf("save dialog: %v", err)
	}
	if err := s.SetRatingUtterance(ctx, "bot-1", 5); err != nil {
		t.Fatalf("set rating: %v", err)
	}
}
