package workflow

import (
	"testing"
	"time"

	"github.com/basket/dp-orchestrator/internal/dialog"
	"github.com/basket/dp-orchestrator/internal/pipeline"
)

func newTestDialog() *dialog.Dialog {
	return dialog.New("user-1", "http")
}

func TestAddWorkflowRejectsDuplicate(t *testing.T) {
	m := New()
	d := newTestDialog()
	if _, err := m.AddWorkflow(d, time.Time{}, false, false); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddWorkflow(d, time.Time{}, false, false); err == nil {
		t.Fatal("expected error adding a second workflow for the same dialog")
	}
}

func TestDoubleCompletionIsNoOp(t *testing.T) {
	m := New()
	d := newTestDialog()
	if _, err := m.AddWorkflow(d, time.Time{}, false, false); err != nil {
		t.Fatal(err)
	}
	svc := pipeline.NewService("skill_x", "skill_x", nil, nil, nil)
	taskID, err := m.AddTask(d.ID, svc, "payload", 0)
	if err != nil {
		t.Fatal(err)
	}

	rec, task := m.CompleteTask(d.ID, taskID, false)
	if rec == nil || task == nil {
		t.Fatal("first completion should not be a no-op")
	}

	rec2, task2 := m.CompleteTask(d.ID, taskID, false)
	if rec2 != nil || task2 != nil {
		t.Fatalf("second completion should be (nil, nil), got (%v, %v)", rec2, task2)
	}
}

func TestCompleteTaskUnknownDialogIsNoOp(t *testing.T) {
	m := New()
	rec, task := m.CompleteTask("no-such-dialog", "no-such-task", false)
	if rec != nil || task != nil {
		t.Fatalf("expected (nil, nil) for unknown dialog, got (%v, %v)", rec, task)
	}
}

func TestServiceDoneWhenPendingEmpty(t *testing.T) {
	m := New()
	d := newTestDialog()
	if _, err := m.AddWorkflow(d, time.Time{}, false, false); err != nil {
		t.Fatal(err)
	}
	svc := pipeline.NewService("skill_x", "skill_x", nil, nil, nil)

	t1, _ := m.AddTask(d.ID, svc, "p1", 0)
	t2, _ := m.AddTask(d.ID, svc, "p2", 1)

	m.CompleteTask(d.ID, t1, false)
	done, waiting, _ := m.GetServicesStatus(d.ID)
	if _, ok := done["skill_x"]; ok {
		t.Fatal("service should not be done while a sibling task is still pending")
	}
	if _, ok := waiting["skill_x"]; !ok {
		t.Fatal("service should be waiting while a sibling task is still pending")
	}

	m.CompleteTask(d.ID, t2, false)
	done, _, _ = m.GetServicesStatus(d.ID)
	if _, ok := done["skill_x"]; !ok {
		t.Fatal("service should be done once all its tasks complete")
	}
}

func TestAddTaskRejectedAfterSkip(t *testing.T) {
	m := New()
	d := newTestDialog()
	if _, err := m.AddWorkflow(d, time.Time{}, false, false); err != nil {
		t.Fatal(err)
	}
	m.SkipService(d.ID, "skill_x")
	m.SkipService(d.ID, "skill_x") // idempotent

	svc := pipeline.NewService("skill_x", "skill_x", nil, nil, nil)
	if _, err := m.AddTask(d.ID, svc, "p", 0); err == nil {
		t.Fatal("expected AddTask to reject a skipped service")
	}
}

func TestFlushRemovesRecord(t *testing.T) {
	m := New()
	d := newTestDialog()
	m.AddWorkflow(d, time.Time{}, false, false)

	if _, ok := m.FlushRecord(d.ID); !ok {
		t.Fatal("expected flush to find the record")
	}
	if _, ok := m.GetRecord(d.ID); ok {
		t.Fatal("record should be gone after flush")
	}
}
