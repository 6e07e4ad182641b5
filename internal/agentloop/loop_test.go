package agentloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/basket/dp-orchestrator/internal/connector"
	"github.com/basket/dp-orchestrator/internal/dialog"
	"github.com/basket/dp-orchestrator/internal/pipeline"
	"github.com/basket/dp-orchestrator/internal/workflow"
)

// echoConnector immediately calls back with its payload unchanged.
type echoConnector struct{}

func (echoConnector) Send(_ context.Context, task connector.Task, onResponse connector.OnResponse) error {
	onResponse(task.TaskID, connector.Response{Value: task.Payload})
	return nil
}

// failConnector always reports a connector-level error.
type failConnector struct{ err error }

func (f failConnector) Send(_ context.Context, task connector.Task, onResponse connector.OnResponse) error {
	onResponse(task.TaskID, connector.Response{Err: f.err})
	return nil
}

// neverConnector never calls back, for deadline tests.
type neverConnector struct{}

func (neverConnector) Send(context.Context, connector.Task, connector.OnResponse) error { return nil }

func buildPipeline(t *testing.T, services ...pipeline.Service) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.Build(services)
	if err != nil {
		t.Fatalf("pipeline.Build: %v", err)
	}
	return p
}

func simpleServices() []pipeline.Service {
	input := pipeline.NewService("input", "Input", []pipeline.Tag{pipeline.TagInput}, nil, nil)
	input.DialogFormatterName = ""
	responder := pipeline.NewService("responder", "Responder", []pipeline.Tag{pipeline.TagResponder}, []string{"input"}, nil)
	responder.ResponseFormatterName = "identity"
	responder.StateHookName = "add_bot_utterance_last_chance"
	return []pipeline.Service{input, responder}
}

func TestRegisterMsgHappyPath(t *testing.T) {
	p := buildPipeline(t, simpleServices()...)
	wf := workflow.New()
	hooks := dialog.NewRegistry(nil)
	formatters := NewFormatterRegistry()

	loop, err := New(Options{
		Pipeline:   p,
		Workflows:  wf,
		Hooks:      hooks,
		Formatters: formatters,
		Connectors: map[string]connector.Connector{"responder": echoConnector{}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := loop.RegisterMsg(ctx, RegisterInput{
		ExternalUserID:  "u1",
		ChannelType:     "cli",
		Utterance:       "hello",
		RequireResponse: true,
	})
	if err != nil {
		t.Fatalf("RegisterMsg: %v", err)
	}
	last, ok := d.Last()
	if !ok || last.Role != dialog.RoleBot {
		t.Fatalf("expected a bot reply as the tail utterance, got %+v", last)
	}
}

func TestRegisterMsgFireAndForget(t *testing.T) {
	p := buildPipeline(t, simpleServices()...)
	wf := workflow.New()
	hooks := dialog.NewRegistry(nil)
	formatters := NewFormatterRegistry()

	loop, err := New(Options{
		Pipeline:   p,
		Workflows:  wf,
		Hooks:      hooks,
		Formatters: formatters,
		Connectors: map[string]connector.Connector{"responder": echoConnector{}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d, err := loop.RegisterMsg(context.Background(), RegisterInput{
		ExternalUserID:  "u2",
		ChannelType:     "cli",
		Utterance:       "hi",
		RequireResponse: false,
	})
	if err != nil {
		t.Fatalf("RegisterMsg: %v", err)
	}
	if d != nil {
		t.Fatalf("expected nil snapshot for fire-and-forget registration, got %+v", d)
	}
}

// fakeDialogStore mimics a persistent DialogStore that hands back the
// same dialog (and id) for repeat calls from the same (user, channel)
// pair, the way internal/storage's sqlite-backed store does — unlike
// the nil-store case elsewhere in this file, where every call gets a
// fresh, unrelated dialog id.
type fakeDialogStore struct {
	mu      sync.Mutex
	dialogs map[string]*dialog.Dialog
}

func newFakeDialogStore() *fakeDialogStore {
	return &fakeDialogStore{dialogs: make(map[string]*dialog.Dialog)}
}

func (f *fakeDialogStore) GetOrCreateDialog(_ context.Context, externalUserID, channelType string, reset bool) (*dialog.Dialog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := lockKey(channelType, externalUserID)
	if reset {
		delete(f.dialogs, key)
	}
	if d, ok := f.dialogs[key]; ok {
		return d, nil
	}
	d := dialog.New(externalUserID, channelType)
	f.dialogs[key] = d
	return d, nil
}

func (f *fakeDialogStore) DropActiveDialog(_ context.Context, externalUserID, channelType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.dialogs, lockKey(channelType, externalUserID))
	return nil
}

func (f *fakeDialogStore) dialogID(channelType, externalUserID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.dialogs[lockKey(channelType, externalUserID)]
	if d == nil {
		return ""
	}
	return d.ID
}

// TestRegisterMsgFireAndForgetFlushesRecord guards against the workflow
// record leak described in spec.md §4.4's "if not record.hold_flush:
// flush_record(dialog.id)": without that flush, a second fire-and-
// forget register_msg for the same (already-persisted) dialog id would
// fail at AddWorkflow's duplicate-record check.
func TestRegisterMsgFireAndForgetFlushesRecord(t *testing.T) {
	p := buildPipeline(t, simpleServices()...)
	wf := workflow.New()
	hooks := dialog.NewRegistry(nil)
	formatters := NewFormatterRegistry()
	store := newFakeDialogStore()

	loop, err := New(Options{
		Pipeline:   p,
		Workflows:  wf,
		Hooks:      hooks,
		Formatters: formatters,
		Connectors: map[string]connector.Connector{"responder": echoConnector{}},
		Store:      store,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := loop.RegisterMsg(context.Background(), RegisterInput{
		ExternalUserID:  "u7",
		ChannelType:     "cli",
		Utterance:       "hi",
		RequireResponse: false,
	}); err != nil {
		t.Fatalf("first RegisterMsg: %v", err)
	}

	dialogID := store.dialogID("cli", "u7")
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := wf.GetRecord(dialogID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("workflow record for dialog %s was never flushed after the fire-and-forget response arrived", dialogID)
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := loop.RegisterMsg(context.Background(), RegisterInput{
		ExternalUserID:  "u7",
		ChannelType:     "cli",
		Utterance:       "again",
		RequireResponse: false,
	}); err != nil {
		t.Fatalf("second RegisterMsg for the same dialog should succeed once the first record flushed, got: %v", err)
	}
}

func TestRegisterMsgSerializesSameUser(t *testing.T) {
	p := buildPipeline(t, simpleServices()...)
	wf := workflow.New()
	hooks := dialog.NewRegistry(nil)
	formatters := NewFormatterRegistry()

	loop, err := New(Options{
		Pipeline:   p,
		Workflows:  wf,
		Hooks:      hooks,
		Formatters: formatters,
		Connectors: map[string]connector.Connector{"responder": echoConnector{}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	key := lockKey("cli", "u3")
	mu := loop.userLock(key)
	if mu == nil {
		t.Fatalf("expected a mutex for key %q", key)
	}
	again := loop.userLock(key)
	if mu != again {
		t.Fatalf("expected the same mutex instance to be reused for the same key")
	}
}

func TestRegisterMsgDeadlineFallback(t *testing.T) {
	input := pipeline.NewService("input", "Input", []pipeline.Tag{pipeline.TagInput}, nil, nil)
	responder := pipeline.NewService("responder", "Responder", []pipeline.Tag{pipeline.TagResponder, pipeline.TagLastChance}, []string{"input"}, nil)
	responder.StateHookName = "add_bot_utterance_last_chance"
	p := buildPipeline(t, input, responder)

	wf := workflow.New()
	hooks := dialog.NewRegistry(nil)
	formatters := NewFormatterRegistry()

	loop, err := New(Options{
		Pipeline:     p,
		Workflows:    wf,
		Hooks:        hooks,
		Formatters:   formatters,
		Connectors:   map[string]connector.Connector{"responder": neverConnector{}},
		FallbackText: "sorry, try again",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := loop.RegisterMsg(ctx, RegisterInput{
		ExternalUserID:  "u4",
		ChannelType:     "cli",
		Utterance:       "hello",
		RequireResponse: true,
		HasDeadline:     true,
		Deadline:        time.Now().Add(30 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("RegisterMsg: %v", err)
	}
	last, ok := d.Last()
	if !ok || last.Role != dialog.RoleBot || last.Text != "sorry, try again" {
		t.Fatalf("expected the fallback bot utterance after the deadline fired, got %+v", last)
	}
}

// fixedSelectionConnector stands in for a remote skill-selector service:
// it always names the same kept skills, regardless of payload.
type fixedSelectionConnector struct{ names []string }

func (f fixedSelectionConnector) Send(_ context.Context, task connector.Task, onResponse connector.OnResponse) error {
	onResponse(task.TaskID, connector.Response{Value: SkillSelection{SkillNames: f.names}})
	return nil
}

// callCounter is a connector that echoes its payload back while
// counting how many times it was dispatched, so a test can assert a
// pruned sibling is never invoked.
type callCounter struct {
	mu sync.Mutex
	n  int
}

func (c *callCounter) Send(_ context.Context, task connector.Task, onResponse connector.OnResponse) error {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	onResponse(task.TaskID, connector.Response{Value: task.Payload})
	return nil
}

func (c *callCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// capturedStatus snapshots GetServicesStatus as observed by the
// responder connector, which runs only once every other previous
// service has settled (done or skipped) but before the workflow
// record is flushed.
type capturedStatus struct {
	mu                      sync.Mutex
	done, waiting, skipped map[string]struct{}
}

type statusCapturingConnector struct {
	workflows *workflow.Manager
	status    *capturedStatus
}

func (s statusCapturingConnector) Send(_ context.Context, task connector.Task, onResponse connector.OnResponse) error {
	if d, ok := task.Payload.(*dialog.Dialog); ok {
		done, waiting, skipped := s.workflows.GetServicesStatus(d.ID)
		s.status.mu.Lock()
		s.status.done, s.status.waiting, s.status.skipped = done, waiting, skipped
		s.status.mu.Unlock()
	}
	onResponse(task.TaskID, connector.Response{Value: task.Payload})
	return nil
}

// selectorPruningServices builds a selector→{X,Y,Z}→responder pipeline
// matching spec.md §8's "Selector pruning" scenario: a selector service
// followed by three sibling skills, only some of which it keeps.
func selectorPruningServices() []pipeline.Service {
	input := pipeline.NewService("input", "Input", []pipeline.Tag{pipeline.TagInput}, nil, nil)
	selector := pipeline.NewService("selector", "Selector", []pipeline.Tag{pipeline.TagSelector}, []string{"input"}, nil)
	selector.ResponseFormatterName = "skill_names"
	x := pipeline.NewService("X", "X", nil, []string{"selector"}, nil)
	y := pipeline.NewService("Y", "Y", nil, []string{"selector"}, nil)
	z := pipeline.NewService("Z", "Z", nil, []string{"selector"}, nil)
	responder := pipeline.NewService("responder", "Responder", []pipeline.Tag{pipeline.TagResponder}, []string{"X", "Y", "Z"}, nil)
	return []pipeline.Service{input, selector, x, y, z, responder}
}

func TestSelectorPrunesNonKeptSiblings(t *testing.T) {
	p := buildPipeline(t, selectorPruningServices()...)
	wf := workflow.New()
	hooks := dialog.NewRegistry(nil)
	formatters := NewFormatterRegistry()

	xCalls := &callCounter{}
	yCalls := &callCounter{}
	zCalls := &callCounter{}
	status := &capturedStatus{}

	loop, err := New(Options{
		Pipeline:   p,
		Workflows:  wf,
		Hooks:      hooks,
		Formatters: formatters,
		Connectors: map[string]connector.Connector{
			"selector":  fixedSelectionConnector{names: []string{"X", "Z"}},
			"X":         xCalls,
			"Y":         yCalls,
			"Z":         zCalls,
			"responder": statusCapturingConnector{workflows: wf, status: status},
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := loop.RegisterMsg(ctx, RegisterInput{
		ExternalUserID:  "u6",
		ChannelType:     "cli",
		Utterance:       "route me",
		RequireResponse: true,
	}); err != nil {
		t.Fatalf("RegisterMsg: %v", err)
	}

	if got := xCalls.count(); got != 1 {
		t.Fatalf("expected X to be dispatched exactly once, got %d", got)
	}
	if got := zCalls.count(); got != 1 {
		t.Fatalf("expected Z to be dispatched exactly once, got %d", got)
	}
	if got := yCalls.count(); got != 0 {
		t.Fatalf("expected Y to never be dispatched after the selector pruned it, got %d calls", got)
	}

	status.mu.Lock()
	_, ySkipped := status.skipped["Y"]
	_, xDone := status.done["X"]
	_, zDone := status.done["Z"]
	skippedSnapshot := status.skipped
	status.mu.Unlock()
	if !ySkipped {
		t.Fatalf("expected Y to be recorded as skipped, got skipped=%v", skippedSnapshot)
	}
	if !xDone || !zDone {
		t.Fatalf("expected X and Z to be recorded as done, got done=%v", status.done)
	}
}

func TestAdvanceSignalsOnResponderError(t *testing.T) {
	input := pipeline.NewService("input", "Input", []pipeline.Tag{pipeline.TagInput}, nil, nil)
	responder := pipeline.NewService("responder", "Responder", []pipeline.Tag{pipeline.TagResponder}, []string{"input"}, nil)
	p := buildPipeline(t, input, responder)

	wf := workflow.New()
	hooks := dialog.NewRegistry(nil)
	formatters := NewFormatterRegistry()

	loop, err := New(Options{
		Pipeline:   p,
		Workflows:  wf,
		Hooks:      hooks,
		Formatters: formatters,
		Connectors: map[string]connector.Connector{"responder": failConnector{err: context.DeadlineExceeded}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = loop.RegisterMsg(ctx, RegisterInput{
		ExternalUserID:  "u5",
		ChannelType:     "cli",
		Utterance:       "hello",
		RequireResponse: true,
	})
	if err != nil {
		t.Fatalf("RegisterMsg should still return once the responder errors out: %v", err)
	}
}
