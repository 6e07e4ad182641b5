// Package pipeline builds the immutable service DAG (spec.md §3
// "Service descriptor"/"Pipeline", §4.2) and answers, given the
// workflow manager's done/waiting/skipped sets, which services are
// runnable next.
package pipeline

// Tag enumerates the recognized service roles. A service's Tags set
// may contain any combination except that at most one service in a
// Pipeline may carry TagLastChance or TagTimeout, and exactly one must
// carry TagInput and exactly one TagResponder.
type Tag string

const (
	TagInput      Tag = "input"
	TagResponder  Tag = "responder"
	TagSelector   Tag = "selector"
	TagLastChance Tag = "last_chance"
	TagTimeout    Tag = "timeout"
)

// Service is an immutable DAG node. Connector, StateHook, and the
// formatter names are symbolic references resolved elsewhere
// (internal/connector, internal/dialog) — the pipeline package only
// needs the name/tags/dependency shape to compute next_services.
type Service struct {
	Name             string
	Label            string
	Tags             map[Tag]struct{}
	Previous         map[string]struct{}
	RequiredPrevious map[string]struct{}

	ConnectorName       string
	StateHookName        string
	DialogFormatterName  string
	ResponseFormatterName string
	WorkflowFormatterName string
}

// HasTag reports whether the service carries the given tag.
func (s Service) HasTag(t Tag) bool {
	_, ok := s.Tags[t]
	return ok
}

func (s Service) IsSelector() bool   { return s.HasTag(TagSelector) }
func (s Service) IsResponder() bool  { return s.HasTag(TagResponder) }
func (s Service) IsInput() bool      { return s.HasTag(TagInput) }
func (s Service) IsLastChance() bool { return s.HasTag(TagLastChance) }
func (s Service) IsTimeout() bool    { return s.HasTag(TagTimeout) }

// NewService constructs a Service descriptor. previous/requiredPrevious
// are passed as name slices for caller convenience and stored as sets.
func NewService(name, label string, tags []Tag, previous, requiredPrevious []string) Service {
	s := Service{
		Name:             name,
		Label:            label,
		Tags:             make(map[Tag]struct{}, len(tags)),
		Previous:         make(map[string]struct{}, len(previous)),
		RequiredPrevious: make(map[string]struct{}, len(requiredPrevious)),
	}
	for _, t := range tags {
		s.Tags[t] = struct{}{}
	}
	for _, p := range previous {
		s.Previous[p] = struct{}{}
	}
	for _, p := range requiredPrevious {
		s.RequiredPrevious[p] = struct{}{}
	}
	return s
}
