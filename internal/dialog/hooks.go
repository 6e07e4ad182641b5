package dialog

import (
	"context"
	"fmt"
	"time"
)

// HookArgs bundles the parameters every state hook receives. ind
// selects a hypothesis index for per-hypothesis hooks; it is ignored
// by hooks that operate on the whole utterance.
type HookArgs struct {
	Label string
	Ind   int
	Attrs map[string]any
}

// Hook mutates a dialog in response to one service's formatted response.
// It never returns a value to the pipeline; errors are logged by the
// caller and do not abort the workflow (spec.md §7: hook failures are
// not part of the connector error taxonomy).
type Hook func(ctx context.Context, d *Dialog, payload any, args HookArgs) error

// Repository is the storage collaborator the SaveDialog hook persists
// through. Its shape matches spec.md §6's storage collaborator
// interface; internal/storage provides a sqlite-backed implementation.
type Repository interface {
	SaveDialog(ctx context.Context, d *Dialog) error
}

// Registry resolves state-hook names declared in the pipeline config
// into callable Hook values, constructed once at startup. Looking up an
// unregistered name is a configuration error, not a runtime one — the
// caller should fail fast before the pipeline ever accepts traffic
// (spec.md §9: "fail fast on unknown names").
type Registry struct {
	hooks map[string]Hook
}

// NewRegistry builds the fixed hook catalog described in spec.md §4.4,
// bound to the given storage repository for SaveDialog.
func NewRegistry(repo Repository) *Registry {
	r := &Registry{hooks: make(map[string]Hook, 8)}
	r.hooks["add_human_utterance"] = addHumanUtterance
	r.hooks["add_hypothesis"] = addHypothesis
	r.hooks["add_annotation"] = addAnnotation
	r.hooks["add_hypothesis_annotation"] = addHypothesisAnnotation
	r.hooks["add_hypothesis_annotation_batch"] = addHypothesisAnnotationBatch
	r.hooks["add_bot_utterance"] = addBotUtterance
	r.hooks["add_bot_utterance_last_chance"] = addBotUtteranceLastChance
	r.hooks["add_bot_utterance_last_chance_overwrite"] = addBotUtteranceLastChanceOverwrite
	r.hooks["save_dialog"] = saveDialogHook(repo)
	return r
}

// Lookup resolves a hook by its symbolic config name.
func (r *Registry) Lookup(name string) (Hook, error) {
	h, ok := r.hooks[name]
	if !ok {
		return nil, fmt.Errorf("dialog: unknown state hook %q", name)
	}
	return h, nil
}

// AppendHuman is the ingress-path mutator; it is not itself a
// registered hook because the agent loop calls it directly before any
// workflow exists (spec.md §4.4 ingress pseudocode), not as a response
// to a service.
func (d *Dialog) AppendHuman(text string, attrs map[string]any, at time.Time) *Utterance {
	return d.appendHuman(text, attrs, at)
}

func addHumanUtterance(_ context.Context, d *Dialog, payload any, args HookArgs) error {
	text, _ := payload.(string)
	d.appendHuman(text, args.Attrs, time.Now())
	return nil
}

// hypothesisBatch is the expected shape of a skill's formatted response:
// one hypothesis per parallel sub-task (ind), appended to the last
// human utterance's Hypotheses slice.
type hypothesisBatch struct {
	SkillName  string
	Text       string
	Confidence float64
}

func addHypothesis(_ context.Context, d *Dialog, payload any, args HookArgs) error {
	last, ok := d.Last()
	if !ok || last.Role != RoleHuman {
		return fmt.Errorf("add_hypothesis: dialog %s has no open human utterance", d.ID)
	}
	hb, ok := payload.(hypothesisBatch)
	if !ok {
		return fmt.Errorf("add_hypothesis: unexpected payload type %T", payload)
	}
	last.Hypotheses = append(last.Hypotheses, Hypothesis{
		SkillName:   hb.SkillName,
		Text:        hb.Text,
		Confidence:  hb.Confidence,
		Annotations: map[string]any{},
	})
	return nil
}

func addAnnotation(_ context.Context, d *Dialog, payload any, args HookArgs) error {
	last, ok := d.Last()
	if !ok {
		return fmt.Errorf("add_annotation: empty dialog %s", d.ID)
	}
	last.Annotations[args.Label] = payload
	return nil
}

func addHypothesisAnnotation(_ context.Context, d *Dialog, payload any, args HookArgs) error {
	last, ok := d.Last()
	if !ok || last.Role != RoleHuman {
		return fmt.Errorf("add_hypothesis_annotation: dialog %s has no open human utterance", d.ID)
	}
	if args.Ind < 0 || args.Ind >= len(last.Hypotheses) {
		return fmt.Errorf("add_hypothesis_annotation: index %d out of range (%d hypotheses)", args.Ind, len(last.Hypotheses))
	}
	last.Hypotheses[args.Ind].Annotations[args.Label] = payload
	return nil
}

func addHypothesisAnnotationBatch(_ context.Context, d *Dialog, payload any, args HookArgs) error {
	last, ok := d.Last()
	if !ok || last.Role != RoleHuman {
		return fmt.Errorf("add_hypothesis_annotation_batch: dialog %s has no open human utterance", d.ID)
	}
	batch, ok := payload.([]any)
	if !ok {
		return fmt.Errorf("add_hypothesis_annotation_batch: unexpected payload type %T", payload)
	}
	if len(batch) != len(last.Hypotheses) {
		return fmt.Errorf("add_hypothesis_annotation_batch: batch length %d does not align with %d hypotheses", len(batch), len(last.Hypotheses))
	}
	for i, v := range batch {
		last.Hypotheses[i].Annotations[args.Label] = v
	}
	return nil
}

// promoteHypothesis turns hypothesis ind of the tail human utterance
// into a new bot utterance.
func promoteHypothesis(d *Dialog, ind int) (*Utterance, error) {
	last, ok := d.Last()
	if !ok || last.Role != RoleHuman {
		return nil, fmt.Errorf("promote_hypothesis: dialog %s tail is not a human utterance", d.ID)
	}
	if ind < 0 || ind >= len(last.Hypotheses) {
		return nil, fmt.Errorf("promote_hypothesis: index %d out of range (%d hypotheses)", ind, len(last.Hypotheses))
	}
	h := last.Hypotheses[ind]
	bot := Utterance{
		UttID:            fmt.Sprintf("%s-bot", last.UttID),
		InDialogID:       len(d.Utterances),
		Role:             RoleBot,
		OrigText:         h.Text,
		Text:             h.Text,
		ActiveSkill:      h.SkillName,
		Confidence:       h.Confidence,
		DateTime:         time.Now(),
		Annotations:      map[string]any{},
		ServiceResponses: map[string]any{},
	}
	d.Utterances = append(d.Utterances, bot)
	return &d.Utterances[len(d.Utterances)-1], nil
}

func addBotUtterance(_ context.Context, d *Dialog, payload any, args HookArgs) error {
	_, err := promoteHypothesis(d, args.Ind)
	return err
}

// addBotUtteranceLastChance only fires while the tail is still a human
// utterance, so repeated last-chance invocations are idempotent
// (spec.md §4.4 "Last-chance").
func addBotUtteranceLastChance(_ context.Context, d *Dialog, payload any, args HookArgs) error {
	if !d.LastIsHuman() {
		return nil
	}
	return addBotUtteranceOverwrite(d, payload, args)
}

func addBotUtteranceLastChanceOverwrite(_ context.Context, d *Dialog, payload any, args HookArgs) error {
	return addBotUtteranceOverwrite(d, payload, args)
}

func addBotUtteranceOverwrite(d *Dialog, payload any, args HookArgs) error {
	text, _ := payload.(string)
	last, ok := d.Last()
	bot := Utterance{
		UttID:            fmt.Sprintf("fallback-%d", len(d.Utterances)),
		InDialogID:       len(d.Utterances),
		Role:             RoleBot,
		OrigText:         text,
		Text:             text,
		ActiveSkill:      args.Label,
		Confidence:       0,
		DateTime:         time.Now(),
		Annotations:      map[string]any{},
		ServiceResponses: map[string]any{},
	}
	if ok && last.Role == RoleBot {
		// Overwrite form: replace the tail bot utterance in place.
		d.Utterances[len(d.Utterances)-1] = bot
		return nil
	}
	d.Utterances = append(d.Utterances, bot)
	return nil
}

func saveDialogHook(repo Repository) Hook {
	return func(ctx context.Context, d *Dialog, _ any, _ HookArgs) error {
		if repo == nil {
			return nil
		}
		return repo.SaveDialog(ctx, d)
	}
}
