// Package workflow implements the per-dialog task bookkeeping described
// in spec.md §4.3: one mutable Record per in-flight dialog, tracking
// task status per service and the done/waiting/skipped sets the
// pipeline needs to pick the next runnable services.
package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/dp-orchestrator/internal/dialog"
	"github.com/basket/dp-orchestrator/internal/pipeline"
)

// TaskMeta is the bookkeeping kept for one dispatched task.
type TaskMeta struct {
	Service       pipeline.Service
	Payload       any
	DialogID      string
	Ind           int
	AgentSendTime time.Time
	AgentDoneTime time.Time
	Cancel        func()
}

// ServiceStatus is per-service progress within one workflow.
type ServiceStatus struct {
	PendingTasks map[string]struct{}
	Done         bool
	Skipped      bool
	Error        bool
	IssuedAny    bool
}

// Record is the in-memory scheduling state for one in-flight dialog
// turn (spec.md §3 "Workflow record"). It is never persisted; when the
// workflow completes it is flushed and discarded.
type Record struct {
	Dialog            *dialog.Dialog
	DeadlineTimestamp time.Time
	HasDeadline       bool
	HoldFlush         bool

	mu       sync.Mutex
	services map[string]*ServiceStatus
	tasks    map[string]*TaskMeta

	responseOnce sync.Once
	responseCh   chan struct{}

	timeoutCancel func()
}

func newRecord(d *dialog.Dialog, deadline time.Time, hasDeadline, holdFlush bool) *Record {
	return &Record{
		Dialog:            d,
		DeadlineTimestamp: deadline,
		HasDeadline:       hasDeadline,
		HoldFlush:         holdFlush,
		services:          make(map[string]*ServiceStatus),
		tasks:             make(map[string]*TaskMeta),
		responseCh:        make(chan struct{}),
	}
}

// SignalResponse fires the one-shot response latch. Safe to call more
// than once; only the first call has effect.
func (r *Record) SignalResponse() {
	r.responseOnce.Do(func() { close(r.responseCh) })
}

// ResponseCh is closed exactly once, when the workflow is ready to be
// flushed back to the caller of register_msg.
func (r *Record) ResponseCh() <-chan struct{} {
	return r.responseCh
}

// SetTimeoutCancel stores the cancel function for the deadline watcher
// goroutine so FlushRecord can stop it once the workflow completes
// through the normal path.
func (r *Record) SetTimeoutCancel(cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeoutCancel = cancel
}

// Manager holds every active workflow record, keyed by dialog id. All
// operations are O(1) and never suspend, matching spec.md §4.3/§5.
type Manager struct {
	mu      sync.Mutex
	records map[string]*Record
}

// New creates an empty workflow manager.
func New() *Manager {
	return &Manager{records: make(map[string]*Record)}
}

// AddWorkflow opens a new workflow record for a dialog. It fails if a
// record for the dialog's id already exists (spec.md §4.3, invariant:
// "at most one workflow record per dialog_id at any instant").
func (m *Manager) AddWorkflow(d *dialog.Dialog, deadline time.Time, hasDeadline, holdFlush bool) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[d.ID]; exists {
		return nil, fmt.Errorf("workflow: record already exists for dialog %s", d.ID)
	}
	rec := newRecord(d, deadline, hasDeadline, holdFlush)
	m.records[d.ID] = rec
	return rec, nil
}

// GetRecord returns the active record for a dialog, or false if none
// exists (e.g. it already flushed).
func (m *Manager) GetRecord(dialogID string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[dialogID]
	return rec, ok
}

// AddTask allocates a task id for a dispatch to service s, payload at
// index ind. It is rejected if the service is already done or skipped
// within this workflow (spec.md §4.3).
func (m *Manager) AddTask(dialogID string, s pipeline.Service, payload any, ind int) (string, error) {
	rec, ok := m.GetRecord(dialogID)
	if !ok {
		return "", fmt.Errorf("workflow: no active record for dialog %s", dialogID)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	status := rec.services[s.Name]
	if status == nil {
		status = &ServiceStatus{PendingTasks: make(map[string]struct{})}
		rec.services[s.Name] = status
	}
	if status.Done || status.Skipped {
		return "", fmt.Errorf("workflow: service %s already %s for dialog %s", s.Name, terminalWord(status), dialogID)
	}

	taskID := uuid.New().String()
	status.PendingTasks[taskID] = struct{}{}
	status.IssuedAny = true
	rec.tasks[taskID] = &TaskMeta{
		Service:       s,
		Payload:       payload,
		DialogID:      dialogID,
		Ind:           ind,
		AgentSendTime: time.Now(),
	}
	return taskID, nil
}

func terminalWord(s *ServiceStatus) string {
	if s.Done {
		return "done"
	}
	return "skipped"
}

// SetTaskCancel stores the cancellable handle used to abort an
// in-flight task when the deadline fires.
func (m *Manager) SetTaskCancel(dialogID, taskID string, cancel func()) {
	rec, ok := m.GetRecord(dialogID)
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if t, ok := rec.tasks[taskID]; ok {
		t.Cancel = cancel
	}
}

// SkipService marks a service skipped. Idempotent: repeated calls have
// no further effect. Tasks already pending for the service remain
// pending; their eventual results are ignored by CompleteTask's
// double-completion rule once the workflow is gone, or simply left
// unconsumed while the workflow is still active (spec.md §4.3).
func (m *Manager) SkipService(dialogID string, name string) {
	rec, ok := m.GetRecord(dialogID)
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	status := rec.services[name]
	if status == nil {
		status = &ServiceStatus{PendingTasks: make(map[string]struct{})}
		rec.services[name] = status
	}
	status.Skipped = true
}

// CompleteTask removes a task from its service's pending set and
// records the response. If the response indicates an error, the
// service's error flag is set. When pending_tasks becomes empty the
// service transitions to done. Completing an unknown task id (already
// completed, or from a flushed workflow) is a no-op returning
// (nil, nil) — spec.md §4.3/§8.
func (m *Manager) CompleteTask(dialogID, taskID string, isError bool) (*Record, *TaskMeta) {
	rec, ok := m.GetRecord(dialogID)
	if !ok {
		return nil, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	task, ok := rec.tasks[taskID]
	if !ok {
		return nil, nil
	}
	delete(rec.tasks, taskID)
	task.AgentDoneTime = time.Now()

	status := rec.services[task.Service.Name]
	if status == nil {
		return nil, nil
	}
	delete(status.PendingTasks, taskID)
	if isError {
		status.Error = true
	}
	if len(status.PendingTasks) == 0 && status.IssuedAny {
		status.Done = true
	}
	return rec, task
}

// GetServicesStatus returns the done/waiting/skipped name sets for a
// dialog's active workflow. "waiting" is every service with at least
// one pending task that is neither done nor skipped.
func (m *Manager) GetServicesStatus(dialogID string) (done, waiting, skipped map[string]struct{}) {
	done = map[string]struct{}{}
	waiting = map[string]struct{}{}
	skipped = map[string]struct{}{}

	rec, ok := m.GetRecord(dialogID)
	if !ok {
		return
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	for name, status := range rec.services {
		switch {
		case status.Skipped:
			skipped[name] = struct{}{}
		case status.Done:
			done[name] = struct{}{}
		case len(status.PendingTasks) > 0:
			waiting[name] = struct{}{}
		}
	}
	return
}

// PendingTaskCancels returns the cancel functions for every task still
// pending in the workflow — used by the deadline watcher to abort
// in-flight work.
func (m *Manager) PendingTaskCancels(dialogID string) []func() {
	rec, ok := m.GetRecord(dialogID)
	if !ok {
		return nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var out []func()
	for _, t := range rec.tasks {
		if t.Cancel != nil {
			out = append(out, t.Cancel)
		}
	}
	return out
}

// FlushRecord detaches and returns the record for a dialog, or false if
// none is active. After this call no further task bookkeeping for the
// dialog is retrievable by id — a late response is discarded by
// CompleteTask's no-op rule.
func (m *Manager) FlushRecord(dialogID string) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[dialogID]
	if !ok {
		return nil, false
	}
	delete(m.records, dialogID)
	if rec.timeoutCancel != nil {
		rec.timeoutCancel()
	}
	return rec, true
}

// ActiveCount returns the number of in-flight workflow records —
// the current load the debug stats websocket reports, mirroring the
// original's LocalResponseLogger.get_current_load().
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// ActiveDeadlines returns (dialogID, deadline) for every record whose
// deadline has passed but which is still active — used by the
// stale-workflow reaper (internal/workflow's robfig/cron-backed safety
// net) as defense-in-depth alongside the per-workflow timer.
func (m *Manager) ActiveDeadlines(now time.Time) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []string
	for id, rec := range m.records {
		if rec.HasDeadline && now.After(rec.DeadlineTimestamp) {
			stale = append(stale, id)
		}
	}
	return stale
}
