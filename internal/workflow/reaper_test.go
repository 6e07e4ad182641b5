package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/basket/dp-orchestrator/internal/dialog"
)

func TestReaperReportsStaleWorkflow(t *testing.T) {
	m := New()
	d := dialog.New("user", "cli")
	if _, err := m.AddWorkflow(d, time.Now().Add(-time.Hour), true, true); err != nil {
		t.Fatalf("AddWorkflow: %v", err)
	}

	var mu sync.Mutex
	var seen []string
	reaper := NewReaper(m, nil, 0, func(dialogID string) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, dialogID)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := reaper.Start(ctx, 50*time.Millisecond); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		t.Fatalf("expected the reaper to report the stale workflow at least once")
	}
	if seen[0] != d.ID {
		t.Fatalf("expected dialog id %q, got %q", d.ID, seen[0])
	}
}
