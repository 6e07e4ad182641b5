package agentloop

import (
	"fmt"

	"github.com/basket/dp-orchestrator/internal/connector"
	"github.com/basket/dp-orchestrator/internal/dialog"
)

// WorkflowFormatter narrows a workflow record down to whatever shape a
// service's dialog formatter expects (spec.md §4.4 "dispatch": "apply
// workflow_formatter then dialog_formatter"). The simplest and most
// common case — passing the dialog straight through — mirrors the
// original's module-level simple_workflow_formatter.
type WorkflowFormatter func(d *dialog.Dialog) any

// DialogFormatter turns the workflow-formatted view into the list of
// payloads dispatch() sends as parallel sub-tasks, one per list
// element.
type DialogFormatter func(view any) []any

// ResponseFormatter turns a connector.Response's raw Value into the
// shape a state hook expects.
type ResponseFormatter func(resp connector.Response) (any, error)

// FormatterRegistry resolves symbolic formatter names declared in the
// pipeline config, in the spirit of spec.md §9's "registry mapping
// symbolic names to function values constructed at startup; fail fast
// on unknown names" — applied here to formatters as well as state
// hooks.
type FormatterRegistry struct {
	workflow map[string]WorkflowFormatter
	dialogF  map[string]DialogFormatter
	response map[string]ResponseFormatter
}

// NewFormatterRegistry builds the built-in formatter catalog. Callers
// may register additional names before the pipeline starts accepting
// traffic.
func NewFormatterRegistry() *FormatterRegistry {
	r := &FormatterRegistry{
		workflow: map[string]WorkflowFormatter{},
		dialogF:  map[string]DialogFormatter{},
		response: map[string]ResponseFormatter{},
	}
	r.workflow["simple_workflow_formatter"] = func(d *dialog.Dialog) any { return d }
	r.dialogF["last_utterance_text"] = lastUtteranceTextFormatter
	r.dialogF["hypotheses_list"] = hypothesesListFormatter
	r.response["identity"] = func(resp connector.Response) (any, error) { return resp.Value, resp.Err }
	r.response["skill_names"] = skillNamesResponseFormatter
	return r
}

func (r *FormatterRegistry) RegisterWorkflowFormatter(name string, f WorkflowFormatter) { r.workflow[name] = f }
func (r *FormatterRegistry) RegisterDialogFormatter(name string, f DialogFormatter)       { r.dialogF[name] = f }
func (r *FormatterRegistry) RegisterResponseFormatter(name string, f ResponseFormatter)   { r.response[name] = f }

func (r *FormatterRegistry) Workflow(name string) (WorkflowFormatter, error) {
	f, ok := r.workflow[name]
	if !ok {
		return nil, fmt.Errorf("agentloop: unknown workflow formatter %q", name)
	}
	return f, nil
}

func (r *FormatterRegistry) Dialog(name string) (DialogFormatter, error) {
	f, ok := r.dialogF[name]
	if !ok {
		return nil, fmt.Errorf("agentloop: unknown dialog formatter %q", name)
	}
	return f, nil
}

func (r *FormatterRegistry) Response(name string) (ResponseFormatter, error) {
	f, ok := r.response[name]
	if !ok {
		return nil, fmt.Errorf("agentloop: unknown response formatter %q", name)
	}
	return f, nil
}

// lastUtteranceTextFormatter dispatches one payload carrying the tail
// utterance's text and dialog id — the common case for annotators and
// skills that consume the current human turn.
func lastUtteranceTextFormatter(view any) []any {
	d, ok := view.(*dialog.Dialog)
	if !ok {
		return nil
	}
	last, ok := d.Last()
	if !ok {
		return nil
	}
	return []any{map[string]any{
		"dialog_id": d.ID,
		"text":      last.Text,
	}}
}

// SkillSelection is the decoded shape of a selector service's response
// (spec.md §4.4 process(): "kept := set(formatted.skill_names)"). A
// selector configured with the skill_names response formatter may
// return either this struct directly (the common case for in-process
// test connectors) or a JSON object carrying a skill_names array (the
// common case for a real remote selector service).
type SkillSelection struct {
	SkillNames []string
}

// skillNamesResponseFormatter decodes a selector's raw response into a
// SkillSelection, tolerating both a JSON-decoded map (the shape
// DirectHTTP/BatchedHTTP/Broker connectors hand back) and a
// SkillSelection value passed straight through by an in-process
// connector.
func skillNamesResponseFormatter(resp connector.Response) (any, error) {
	if resp.Err != nil {
		return nil, resp.Err
	}
	return SkillSelection{SkillNames: skillNames(resp.Value)}, nil
}

// skillNames extracts a kept-skill label list from whatever shape a
// selector's formatted response takes, defaulting to an empty list for
// any other shape rather than treating it as an error — an empty
// selection just means every downstream skill gets pruned.
func skillNames(payload any) []string {
	switch v := payload.(type) {
	case SkillSelection:
		return v.SkillNames
	case *SkillSelection:
		if v == nil {
			return nil
		}
		return v.SkillNames
	case []string:
		return v
	case map[string]any:
		raw, _ := v["skill_names"].([]any)
		names := make([]string, 0, len(raw))
		for _, r := range raw {
			if s, ok := r.(string); ok {
				names = append(names, s)
			}
		}
		return names
	default:
		return nil
	}
}

// hypothesesListFormatter dispatches the current hypothesis list as a
// single payload, for selector/responder services.
func hypothesesListFormatter(view any) []any {
	d, ok := view.(*dialog.Dialog)
	if !ok {
		return nil
	}
	last, ok := d.Last()
	if !ok || last.Role != dialog.RoleHuman {
		return []any{[]connector.Hypothesis{}}
	}
	hyps := make([]connector.Hypothesis, 0, len(last.Hypotheses))
	for _, h := range last.Hypotheses {
		hyps = append(hyps, connector.Hypothesis{SkillName: h.SkillName, Text: h.Text, Confidence: h.Confidence})
	}
	return []any{hyps}
}
