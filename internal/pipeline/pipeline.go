package pipeline

import (
	"fmt"
	"sort"
)

// Pipeline is the immutable DAG built from a set of Service
// descriptors (spec.md §4.2 "Construction"). It is built once at
// startup; a configuration error building it is fatal (spec.md §7).
type Pipeline struct {
	services map[string]Service
	// rank gives each service's topological rank, used only to order
	// the result of NextServices deterministically (spec.md §4.2:
	// "Tie-breaking is by topological rank then stable name order").
	rank map[string]int
	// dependentOf[s] is the transitive closure of services that have s
	// as an (indirect) predecessor — used to skip downstream services
	// when s fails (spec.md §4.4 process()).
	dependentOf map[string]map[string]struct{}
	// nextOf[s] is the direct successors of s only — s's "next" set
	// (spec.md §3's derived `next: set<name>`), used by a selector
	// service to prune its immediate downstream skills.
	nextOf map[string]map[string]struct{}

	input      string
	responder  string
	lastChance string
	timeout    string
}

// Build validates the service set and constructs a Pipeline. It
// rejects: non-DAG graphs, missing or duplicate input/responder tags,
// more than one last_chance or timeout service, and unknown
// predecessor names — matching spec.md §3's Pipeline invariants.
func Build(services []Service) (*Pipeline, error) {
	p := &Pipeline{
		services: make(map[string]Service, len(services)),
	}
	for _, s := range services {
		if _, dup := p.services[s.Name]; dup {
			return nil, fmt.Errorf("pipeline: duplicate service name %q", s.Name)
		}
		p.services[s.Name] = s
	}

	for _, s := range services {
		if s.IsInput() {
			if p.input != "" {
				return nil, fmt.Errorf("pipeline: more than one service tagged input (%q and %q)", p.input, s.Name)
			}
			p.input = s.Name
		}
		if s.IsResponder() {
			if p.responder != "" {
				return nil, fmt.Errorf("pipeline: more than one service tagged responder (%q and %q)", p.responder, s.Name)
			}
			p.responder = s.Name
		}
		if s.IsLastChance() {
			if p.lastChance != "" {
				return nil, fmt.Errorf("pipeline: more than one service tagged last_chance (%q and %q)", p.lastChance, s.Name)
			}
			p.lastChance = s.Name
		}
		if s.IsTimeout() {
			if p.timeout != "" {
				return nil, fmt.Errorf("pipeline: more than one service tagged timeout (%q and %q)", p.timeout, s.Name)
			}
			p.timeout = s.Name
		}
		for name := range s.Previous {
			if name == s.Name {
				return nil, fmt.Errorf("pipeline: service %q lists itself as its own predecessor", s.Name)
			}
			if _, ok := p.services[name]; !ok {
				return nil, fmt.Errorf("pipeline: service %q declares unknown predecessor %q", s.Name, name)
			}
		}
		for name := range s.RequiredPrevious {
			if _, ok := p.services[name]; !ok {
				return nil, fmt.Errorf("pipeline: service %q declares unknown required predecessor %q", s.Name, name)
			}
		}
	}
	if p.input == "" {
		return nil, fmt.Errorf("pipeline: no service tagged input")
	}
	if p.responder == "" {
		return nil, fmt.Errorf("pipeline: no service tagged responder")
	}

	rank, err := topoRank(services)
	if err != nil {
		return nil, err
	}
	p.rank = rank
	p.nextOf, p.dependentOf = computeDependents(services)

	return p, nil
}

// allEdges returns the union of previous and required_previous —
// together they form the dependency edges used for DAG validation and
// topological ranking; required_previous is always a stronger (done-
// only) subset of the same edge set.
func allEdges(s Service) map[string]struct{} {
	edges := make(map[string]struct{}, len(s.Previous)+len(s.RequiredPrevious))
	for n := range s.Previous {
		edges[n] = struct{}{}
	}
	for n := range s.RequiredPrevious {
		edges[n] = struct{}{}
	}
	return edges
}

// topoRank performs Kahn's algorithm over the predecessor edges,
// assigning each service the round in which it becomes ready. A round
// that finds no ready service among the unprocessed ones indicates a
// cycle, mirroring the teacher's internal/coordinator/executor.go
// topoSort's cycle-detection strategy.
func topoRank(services []Service) (map[string]int, error) {
	rank := make(map[string]int, len(services))
	processed := make(map[string]bool, len(services))

	for round := 0; len(processed) < len(services); round++ {
		var ready []string
		for _, s := range services {
			if processed[s.Name] {
				continue
			}
			canRun := true
			for dep := range allEdges(s) {
				if !processed[dep] {
					canRun = false
					break
				}
			}
			if canRun {
				ready = append(ready, s.Name)
			}
		}
		if len(ready) == 0 {
			return nil, fmt.Errorf("pipeline: cycle detected in service dependencies")
		}
		sort.Strings(ready)
		for _, name := range ready {
			rank[name] = round
			processed[name] = true
		}
	}
	return rank, nil
}

// computeDependents builds, for every service, both its direct
// successor set (next) and the transitive closure of services that
// (directly or indirectly) depend on it (dependent).
func computeDependents(services []Service) (next, dependentOf map[string]map[string]struct{}) {
	next = make(map[string]map[string]struct{}, len(services))
	for _, s := range services {
		next[s.Name] = make(map[string]struct{})
	}
	// direct edges: next[dep][s.Name] = struct{}{}
	for _, s := range services {
		for dep := range allEdges(s) {
			if next[dep] == nil {
				next[dep] = make(map[string]struct{})
			}
			next[dep][s.Name] = struct{}{}
		}
	}

	dependentOf = make(map[string]map[string]struct{}, len(services))
	for name, deps := range next {
		copied := make(map[string]struct{}, len(deps))
		for d := range deps {
			copied[d] = struct{}{}
		}
		dependentOf[name] = copied
	}
	// transitive closure: repeatedly fold in dependents-of-dependents
	// until fixpoint. Service counts in a pipeline are small (tens),
	// so a naive fixpoint loop is sufficient.
	for changed := true; changed; {
		changed = false
		for name, deps := range dependentOf {
			for dep := range deps {
				for transitive := range dependentOf[dep] {
					if _, ok := deps[transitive]; !ok {
						deps[transitive] = struct{}{}
						changed = true
					}
				}
			}
			dependentOf[name] = deps
		}
	}
	return next, dependentOf
}

// Service looks up a descriptor by name.
func (p *Pipeline) Service(name string) (Service, bool) {
	s, ok := p.services[name]
	return s, ok
}

// InputService, ResponderService, LastChanceService, TimeoutService
// return the pipeline's distinguished singleton nodes. LastChance and
// Timeout may be absent ("", false).
func (p *Pipeline) InputService() Service     { s, _ := p.Service(p.input); return s }
func (p *Pipeline) ResponderService() Service { s, _ := p.Service(p.responder); return s }
func (p *Pipeline) LastChanceService() (Service, bool) {
	if p.lastChance == "" {
		return Service{}, false
	}
	return p.Service(p.lastChance)
}
func (p *Pipeline) TimeoutService() (Service, bool) {
	if p.timeout == "" {
		return Service{}, false
	}
	return p.Service(p.timeout)
}

// Dependent returns every service that transitively depends on name —
// used by the agent loop to skip downstream services when name errors.
func (p *Pipeline) Dependent(name string) []Service {
	var out []Service
	for dep := range p.dependentOf[name] {
		if s, ok := p.services[dep]; ok {
			out = append(out, s)
		}
	}
	sortByRankThenName(out, p.rank)
	return out
}

// Next returns the direct successors of name — services that list name
// in their previous or required_previous set. Unlike Dependent, this is
// not a transitive closure: it is the "next" set a selector service
// prunes (spec.md §3/§4.4).
func (p *Pipeline) Next(name string) []Service {
	var out []Service
	for dep := range p.nextOf[name] {
		if s, ok := p.services[dep]; ok {
			out = append(out, s)
		}
	}
	sortByRankThenName(out, p.rank)
	return out
}

// NextServices returns every service s such that:
//  1. s is not already in done, waiting, or skipped;
//  2. every p in required_previous(s) is in done;
//  3. every p in previous(s) is in done ∪ skipped.
//
// (spec.md §4.2.) The result is logically a set; it is returned sorted
// by topological rank then name only so callers get a stable order to
// iterate — no ordering guarantee is implied beyond determinism.
func (p *Pipeline) NextServices(done, waiting, skipped map[string]struct{}) []Service {
	var ready []Service
	for name, s := range p.services {
		if _, ok := done[name]; ok {
			continue
		}
		if _, ok := waiting[name]; ok {
			continue
		}
		if _, ok := skipped[name]; ok {
			continue
		}
		okRequired := true
		for req := range s.RequiredPrevious {
			if _, ok := done[req]; !ok {
				okRequired = false
				break
			}
		}
		if !okRequired {
			continue
		}
		okPrevious := true
		for prev := range s.Previous {
			_, isDone := done[prev]
			_, isSkipped := skipped[prev]
			if !isDone && !isSkipped {
				okPrevious = false
				break
			}
		}
		if !okPrevious {
			continue
		}
		ready = append(ready, s)
	}
	sortByRankThenName(ready, p.rank)
	return ready
}

func sortByRankThenName(services []Service, rank map[string]int) {
	sort.Slice(services, func(i, j int) bool {
		ri, rj := rank[services[i].Name], rank[services[j].Name]
		if ri != rj {
			return ri < rj
		}
		return services[i].Name < services[j].Name
	})
}
