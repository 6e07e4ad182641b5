// Package agentloop implements the per-turn control flow described in
// spec.md §4.4: register_msg ingress, the task-completion handler
// (process), dispatch, the deadline watcher, and the final flush back
// to the caller. It is the component that wires dialog, pipeline,
// workflow, connector, and broker together into one running agent.
package agentloop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/dp-orchestrator/internal/connector"
	"github.com/basket/dp-orchestrator/internal/dialog"
	"github.com/basket/dp-orchestrator/internal/pipeline"
	"github.com/basket/dp-orchestrator/internal/workflow"
)

// DialogStore is the storage collaborator the loop uses outside the
// save_dialog state hook: fetching or creating the active dialog for a
// (user, channel) pair, and dropping it on an explicit reset (spec.md
// §6).
type DialogStore interface {
	GetOrCreateDialog(ctx context.Context, externalUserID, channelType string, reset bool) (*dialog.Dialog, error)
	DropActiveDialog(ctx context.Context, externalUserID, channelType string) error
}

// ResponseTimeRecorder is an optional metrics sink invoked once per
// completed task, supplementing the original's LocalResponseLogger
// (SPEC_FULL.md "Supplemented features").
type ResponseTimeRecorder func(service string, d time.Duration, isError bool)

// Options configures a Loop. Connectors is keyed by service name, not
// by connector type: two services never share a connector instance
// even if they're configured identically, matching spec.md §4.1's
// "one connector instance per service".
type Options struct {
	Pipeline        *pipeline.Pipeline
	Workflows       *workflow.Manager
	Hooks           *dialog.Registry
	Formatters      *FormatterRegistry
	Connectors      map[string]connector.Connector
	Store           DialogStore
	Logger          *slog.Logger
	RecordResponse  ResponseTimeRecorder
	FallbackText    string
}

// Loop is the running agent: one per agent process (spec.md §6
// "Process model").
type Loop struct {
	pipeline   *pipeline.Pipeline
	workflows  *workflow.Manager
	hooks      *dialog.Registry
	formatters *FormatterRegistry
	connectors map[string]connector.Connector
	store      DialogStore
	logger     *slog.Logger
	recordResp ResponseTimeRecorder
	fallback   string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New constructs a Loop from a validated configuration. Pipeline,
// Workflows, Hooks, and Formatters must be non-nil; Connectors must
// cover every service name the pipeline declares, checked eagerly so a
// misconfigured connector map is a startup error, not a first-request
// panic.
func New(opts Options) (*Loop, error) {
	if opts.Pipeline == nil || opts.Workflows == nil || opts.Hooks == nil || opts.Formatters == nil {
		return nil, fmt.Errorf("agentloop: pipeline, workflows, hooks, and formatters are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fallback := opts.FallbackText
	if fallback == "" {
		fallback = "Sorry, I'm having trouble responding right now."
	}
	l := &Loop{
		pipeline:   opts.Pipeline,
		workflows:  opts.Workflows,
		hooks:      opts.Hooks,
		formatters: opts.Formatters,
		connectors: opts.Connectors,
		store:      opts.Store,
		logger:     logger,
		recordResp: opts.RecordResponse,
		fallback:   fallback,
		locks:      make(map[string]*sync.Mutex),
	}
	return l, nil
}

func lockKey(channelType, externalUserID string) string {
	return channelType + "\x00" + externalUserID
}

func (l *Loop) userLock(key string) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	mu, ok := l.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[key] = mu
	}
	return mu
}

// RegisterInput bundles everything register_msg needs from a channel.
type RegisterInput struct {
	ExternalUserID  string
	ChannelType     string
	Utterance       string
	Attrs           map[string]any
	Reset           bool
	RequireResponse bool
	Deadline        time.Time
	HasDeadline     bool
}

// RegisterMsg is the ingress entry point (spec.md §4.4). Concurrent
// calls for the same (user_id, channel_id) serialize on a per-key
// mutex held for the full request/response cycle — not just until
// this call returns, but until the spawned workflow actually flushes,
// so a second utterance from the same user never races the first
// one's in-flight dialog mutation.
func (l *Loop) RegisterMsg(ctx context.Context, in RegisterInput) (*dialog.Dialog, error) {
	key := lockKey(in.ChannelType, in.ExternalUserID)
	mu := l.userLock(key)
	mu.Lock()

	releaseOnce := sync.Once{}
	release := func() { releaseOnce.Do(mu.Unlock) }

	if in.Reset && l.store != nil {
		if err := l.store.DropActiveDialog(ctx, in.ExternalUserID, in.ChannelType); err != nil {
			release()
			return nil, fmt.Errorf("agentloop: drop active dialog: %w", err)
		}
	}

	var d *dialog.Dialog
	var err error
	if l.store != nil {
		d, err = l.store.GetOrCreateDialog(ctx, in.ExternalUserID, in.ChannelType, in.Reset)
		if err != nil {
			release()
			return nil, fmt.Errorf("agentloop: get or create dialog: %w", err)
		}
	} else {
		d = dialog.New(in.ExternalUserID, in.ChannelType)
	}

	d.AppendHuman(in.Utterance, in.Attrs, time.Now())

	rec, err := l.workflows.AddWorkflow(d, in.Deadline, in.HasDeadline, in.RequireResponse)
	if err != nil {
		release()
		return nil, fmt.Errorf("agentloop: add workflow: %w", err)
	}

	inputSvc := l.pipeline.InputService()
	taskID, err := l.workflows.AddTask(d.ID, inputSvc, in.Utterance, 0)
	if err != nil {
		release()
		return nil, fmt.Errorf("agentloop: seed input task: %w", err)
	}

	bgCtx := context.WithoutCancel(ctx)
	go l.process(bgCtx, d.ID, taskID, connector.Response{Value: in.Utterance})

	if in.HasDeadline {
		watchCtx, cancel := context.WithCancel(bgCtx)
		rec.SetTimeoutCancel(cancel)
		go l.timeoutWatcher(watchCtx, d.ID, in.Deadline)
	}

	if !in.RequireResponse {
		go func() {
			select {
			case <-rec.ResponseCh():
				l.workflows.FlushRecord(d.ID)
			case <-bgCtx.Done():
			}
			release()
		}()
		return nil, nil
	}

	select {
	case <-rec.ResponseCh():
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}

	snapshot, flushed := l.workflows.FlushRecord(d.ID)
	release()
	if !flushed {
		return d, nil
	}
	return snapshot.Dialog, nil
}

// process is the task-completion handler (spec.md §4.4): it retires
// one task, applies the response or error-skip path, and dispatches
// whatever next_services now reports ready.
func (l *Loop) process(ctx context.Context, dialogID, taskID string, resp connector.Response) {
	rec, task := l.workflows.CompleteTask(dialogID, taskID, resp.IsError())
	if rec == nil {
		return
	}
	if l.recordResp != nil {
		l.recordResp(task.Service.Name, task.AgentDoneTime.Sub(task.AgentSendTime), resp.IsError())
	}

	if resp.IsError() {
		l.logger.Warn("agentloop: task failed, skipping dependents", "service", task.Service.Name, "dialog_id", dialogID, "error", resp.Err)
		for _, dep := range l.pipeline.Dependent(task.Service.Name) {
			l.workflows.SkipService(dialogID, dep.Name)
		}
	} else {
		formatted := l.applyResponse(ctx, rec, task, resp)
		if task.Service.IsSelector() {
			l.pruneSelector(dialogID, task.Service, formatted)
		}
	}

	l.advance(ctx, dialogID, rec)
}

// applyResponse applies the service's response formatter (if any) and
// its state hook (if any), returning the formatted payload so process
// can also feed it to the selector-pruning branch.
func (l *Loop) applyResponse(ctx context.Context, rec *workflow.Record, task *workflow.TaskMeta, resp connector.Response) any {
	payload := resp.Value
	if task.Service.ResponseFormatterName != "" {
		rf, err := l.formatters.Response(task.Service.ResponseFormatterName)
		if err != nil {
			l.logger.Error("agentloop: unknown response formatter", "service", task.Service.Name, "error", err)
			return nil
		}
		formatted, err := rf(resp)
		if err != nil {
			l.logger.Warn("agentloop: response formatter failed", "service", task.Service.Name, "error", err)
			return nil
		}
		payload = formatted
	}

	if task.Service.StateHookName != "" {
		hook, err := l.hooks.Lookup(task.Service.StateHookName)
		if err != nil {
			l.logger.Error("agentloop: unknown state hook", "service", task.Service.Name, "error", err)
		} else if err := hook(ctx, rec.Dialog, payload, dialog.HookArgs{Label: task.Service.Label, Ind: task.Ind}); err != nil {
			l.logger.Warn("agentloop: state hook failed", "service", task.Service.Name, "hook", task.Service.StateHookName, "error", err)
		}
	}
	return payload
}

// pruneSelector implements spec.md §4.4's selector branch: a selector
// service's formatted response names the skills to keep by label, and
// every direct successor whose label is not in that set is marked
// skipped instead of dispatched.
func (l *Loop) pruneSelector(dialogID string, svc pipeline.Service, formatted any) {
	kept := make(map[string]struct{})
	for _, name := range skillNames(formatted) {
		kept[name] = struct{}{}
	}
	for _, s := range l.pipeline.Next(svc.Name) {
		if _, ok := kept[s.Label]; !ok {
			l.workflows.SkipService(dialogID, s.Name)
		}
	}
}

// advance recomputes next_services and either dispatches them or, if
// the responder has completed, signals that the workflow is ready to
// flush.
func (l *Loop) advance(ctx context.Context, dialogID string, rec *workflow.Record) {
	done, waiting, skipped := l.workflows.GetServicesStatus(dialogID)
	if _, ok := done[l.pipeline.ResponderService().Name]; ok {
		rec.SignalResponse()
		return
	}
	next := l.pipeline.NextServices(done, waiting, skipped)
	l.dispatch(ctx, dialogID, rec, next)
}

// dispatch formats and sends one task per service in next, each as its
// own goroutine so independent services genuinely run in parallel
// (spec.md §4.4 "dispatch").
func (l *Loop) dispatch(ctx context.Context, dialogID string, rec *workflow.Record, next []pipeline.Service) {
	for _, s := range next {
		view := any(rec.Dialog)
		if s.WorkflowFormatterName != "" {
			wf, err := l.formatters.Workflow(s.WorkflowFormatterName)
			if err != nil {
				l.logger.Error("agentloop: unknown workflow formatter", "service", s.Name, "error", err)
				l.workflows.SkipService(dialogID, s.Name)
				continue
			}
			view = wf(rec.Dialog)
		}

		var payloads []any
		if s.DialogFormatterName != "" {
			df, err := l.formatters.Dialog(s.DialogFormatterName)
			if err != nil {
				l.logger.Error("agentloop: unknown dialog formatter", "service", s.Name, "error", err)
				l.workflows.SkipService(dialogID, s.Name)
				continue
			}
			payloads = df(view)
		} else {
			payloads = []any{view}
		}

		for ind, payload := range payloads {
			l.sendTask(ctx, dialogID, s, payload, ind)
		}
	}
}

func (l *Loop) sendTask(ctx context.Context, dialogID string, s pipeline.Service, payload any, ind int) {
	taskID, err := l.workflows.AddTask(dialogID, s, payload, ind)
	if err != nil {
		l.logger.Warn("agentloop: add task rejected", "service", s.Name, "error", err)
		return
	}
	conn, ok := l.connectors[s.Name]
	if !ok {
		l.logger.Error("agentloop: no connector configured for service", "service", s.Name)
		l.process(ctx, dialogID, taskID, connector.Response{Err: fmt.Errorf("agentloop: no connector for service %q", s.Name)})
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	l.workflows.SetTaskCancel(dialogID, taskID, cancel)

	onResponse := func(respTaskID string, resp connector.Response) {
		defer cancel()
		l.process(context.WithoutCancel(ctx), dialogID, respTaskID, resp)
	}
	if err := conn.Send(taskCtx, connector.Task{TaskID: taskID, Payload: payload}, onResponse); err != nil {
		cancel()
		l.logger.Error("agentloop: connector send failed", "service", s.Name, "error", err)
		l.process(ctx, dialogID, taskID, connector.Response{Err: err})
	}
}

// timeoutWatcher fires the last_chance and overall-deadline behavior
// described in spec.md §4.4 "Deadline handling": cancel whatever is
// still in flight, give the last_chance service one forced chance to
// produce a response, skip everything else, then signal flush.
func (l *Loop) timeoutWatcher(ctx context.Context, dialogID string, deadline time.Time) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	rec, ok := l.workflows.GetRecord(dialogID)
	if !ok {
		return
	}

	for _, cancel := range l.workflows.PendingTaskCancels(dialogID) {
		cancel()
	}

	if lc, ok := l.pipeline.LastChanceService(); ok {
		done, _, skipped := l.workflows.GetServicesStatus(dialogID)
		_, isDone := done[lc.Name]
		_, isSkipped := skipped[lc.Name]
		if !isDone && !isSkipped && lc.StateHookName != "" {
			if hook, err := l.hooks.Lookup(lc.StateHookName); err == nil {
				if err := hook(ctx, rec.Dialog, l.fallback, dialog.HookArgs{Label: lc.Label}); err != nil {
					l.logger.Warn("agentloop: last_chance hook failed", "dialog_id", dialogID, "error", err)
				}
			}
		}
	}

	_, waiting, _ := l.workflows.GetServicesStatus(dialogID)
	for name := range waiting {
		l.workflows.SkipService(dialogID, name)
	}
	l.logger.Warn("agentloop: workflow deadline exceeded", "dialog_id", dialogID)
	rec.SignalResponse()
}
