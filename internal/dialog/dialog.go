// Package dialog holds the pure conversation value model: Dialog,
// Utterance, and Hypothesis. Nothing in this package performs I/O; a
// Dialog is mutated only through the explicit methods below, which
// mirror the state-mutation hooks described for the agent loop.
package dialog

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Utterance is either human or bot authored; Role discriminates.
type Role string

const (
	RoleHuman Role = "human"
	RoleBot   Role = "bot"
)

// Hypothesis is one candidate bot response attached to a human utterance.
type Hypothesis struct {
	SkillName   string
	Text        string
	Confidence  float64
	Annotations map[string]any
}

// Utterance is one turn in a Dialog. InDialogID gives the total order
// required by the Dialog invariant. ServiceResponses is transient: it
// is populated as service responses arrive and cleared as state hooks
// consume them, matching spec.md's "cleared as responses are consumed"
// wording.
type Utterance struct {
	UttID      string
	InDialogID int
	Role       Role
	Text       string
	DateTime   time.Time
	Annotations      map[string]any
	Attributes       map[string]any
	ServiceResponses map[string]any

	// Human-only.
	Hypotheses []Hypothesis

	// Bot-only.
	OrigText    string
	ActiveSkill string
	Confidence  float64
}

// Dialog is an append-only conversation log. It carries no references
// to workflow state; the workflow manager and agent loop hold their own
// bookkeeping keyed by DialogID.
type Dialog struct {
	ID             string
	ExternalUserID string
	ChannelType    string
	Utterances     []Utterance
}

// New creates an empty dialog for a user on a channel.
func New(externalUserID, channelType string) *Dialog {
	return &Dialog{
		ID:             uuid.New().String(),
		ExternalUserID: externalUserID,
		ChannelType:    channelType,
	}
}

// Last returns the last utterance, or false if the dialog is empty.
func (d *Dialog) Last() (*Utterance, bool) {
	if len(d.Utterances) == 0 {
		return nil, false
	}
	return &d.Utterances[len(d.Utterances)-1], true
}

// LastIsHuman reports whether the tail utterance is still awaiting a
// bot reply — the invariant the last-chance hook checks for idempotency.
func (d *Dialog) LastIsHuman() bool {
	last, ok := d.Last()
	return ok && last.Role == RoleHuman
}

func (d *Dialog) appendHuman(text string, attrs map[string]any, at time.Time) *Utterance {
	u := Utterance{
		UttID:            uuid.New().String(),
		InDialogID:       len(d.Utterances),
		Role:             RoleHuman,
		Text:             text,
		DateTime:         at,
		Annotations:      map[string]any{},
		Attributes:       attrs,
		ServiceResponses: map[string]any{},
	}
	d.Utterances = append(d.Utterances, u)
	return &d.Utterances[len(d.Utterances)-1]
}

// UtteranceByID looks up an utterance by its stable id, replacing the
// object-graph traversal the original ORM model used.
func (d *Dialog) UtteranceByID(uttID string) (*Utterance, error) {
	for i := range d.Utterances {
		if d.Utterances[i].UttID == uttID {
			return &d.Utterances[i], nil
		}
	}
	return nil, fmt.Errorf("dialog %s: no such utterance %s", d.ID, uttID)
}
