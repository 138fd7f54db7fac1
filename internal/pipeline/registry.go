// Package pipeline implements the step registry and the workflow engine:
// dependency-ordered wave execution with per-step timeouts, failure
// isolation and selective re-runs over previously stored outputs.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// StepFunc executes one step. It must honor ctx cancellation; the engine
// wraps every call with the step's timeout and recovers panics.
type StepFunc func(ctx context.Context, rc *RunContext) (Output, error)

// Output is what a successful step produces.
type Output struct {
	Data       json.RawMessage
	Confidence int // 0-100
}

// Step is a static step definition. Definitions are registered once at
// process startup; the registry is immutable afterwards.
type Step struct {
	Name      string
	DependsOn []string
	// Optional steps tolerate failed dependencies: they still run even when
	// one of their inputs failed, working from whatever upstream output exists.
	Optional bool
	Timeout  time.Duration
	// Phase is a grouping label for clients, e.g. "discovery" or "synthesis".
	Phase string
	Run   StepFunc
}

// Registry maps step names to definitions and answers dependency-ordering
// questions. Construct one per pipeline at startup and inject it; there is
// no ambient global registry.
type Registry struct {
	steps map[string]Step
	order []string // registration order, for stable iteration
}

func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Step)}
}

// Register adds a step definition. It fails fast on a duplicate name, an
// unregistered dependency, or a registration that would close a cycle.
func (r *Registry) Register(s Step) error {
	if s.Name == "" {
		return fmt.Errorf("register: step name is required")
	}
	if s.Run == nil {
		return fmt.Errorf("register %s: run function is required", s.Name)
	}
	if _, ok := r.steps[s.Name]; ok {
		return fmt.Errorf("register %s: %w", s.Name, ErrDuplicateStep)
	}
	for _, dep := range s.DependsOn {
		if dep == s.Name {
			return fmt.Errorf("register %s: %w (self-dependency)", s.Name, ErrCycle)
		}
		if _, ok := r.steps[dep]; !ok {
			return fmt.Errorf("register %s: dependency %q: %w", s.Name, dep, ErrUnknownStep)
		}
	}

	r.steps[s.Name] = s
	if r.hasCycle() {
		delete(r.steps, s.Name)
		return fmt.Errorf("register %s: %w", s.Name, ErrCycle)
	}
	r.order = append(r.order, s.Name)
	return nil
}

// MustRegister panics on registration failure. Used for the static catalogs
// built at startup, where a bad definition is a programming error.
func (r *Registry) MustRegister(s Step) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

// Get returns the definition for name.
func (r *Registry) Get(name string) (Step, bool) {
	s, ok := r.steps[name]
	return s, ok
}

// Steps returns all registered step names in registration order.
func (r *Registry) Steps() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Waves resolves requested step names into a sequence of waves: each wave is
// a set of steps whose dependencies are all satisfied by prior waves or by
// stored outputs outside the requested set. An empty request means all steps.
func (r *Registry) Waves(requested []string) ([][]string, error) {
	set := make(map[string]bool, len(r.steps))
	if len(requested) == 0 {
		for name := range r.steps {
			set[name] = true
		}
	} else {
		for _, name := range requested {
			if _, ok := r.steps[name]; !ok {
				return nil, fmt.Errorf("waves: %q: %w", name, ErrUnknownStep)
			}
			set[name] = true
		}
	}

	var waves [][]string
	done := make(map[string]bool)
	for len(done) < len(set) {
		var wave []string
		for name := range set {
			if done[name] {
				continue
			}
			ready := true
			for _, dep := range r.steps[name].DependsOn {
				// Dependencies outside the requested set are satisfied by
				// previously stored outputs.
				if set[dep] && !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, name)
			}
		}
		if len(wave) == 0 {
			// Unreachable for an acyclic registry; guard against it anyway.
			return nil, fmt.Errorf("waves: %w", ErrCycle)
		}
		sort.Strings(wave)
		for _, name := range wave {
			done[name] = true
		}
		waves = append(waves, wave)
	}
	return waves, nil
}

// DependentsClosure returns names plus every registered step that directly
// or transitively depends on any of them, so a selective re-run always
// re-includes downstream synthesis steps. Output is sorted.
func (r *Registry) DependentsClosure(names []string) []string {
	in := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := r.steps[n]; ok {
			in[n] = true
		}
	}
	for {
		grew := false
		for name, s := range r.steps {
			if in[name] {
				continue
			}
			for _, dep := range s.DependsOn {
				if in[dep] {
					in[name] = true
					grew = true
					break
				}
			}
		}
		if !grew {
			break
		}
	}
	out := make([]string, 0, len(in))
	for name := range in {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DependencyClosure returns names plus everything they transitively depend
// on. Used to decide which upstream steps must run when no stored output
// exists for them.
func (r *Registry) DependencyClosure(names []string) []string {
	in := make(map[string]bool, len(names))
	var visit func(string)
	visit = func(name string) {
		if in[name] {
			return
		}
		s, ok := r.steps[name]
		if !ok {
			return
		}
		in[name] = true
		for _, dep := range s.DependsOn {
			visit(dep)
		}
	}
	for _, n := range names {
		visit(n)
	}
	out := make([]string, 0, len(in))
	for name := range in {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// hasCycle runs a DFS over the dependency graph.
func (r *Registry) hasCycle() bool {
	const (
		unseen = 0
		open   = 1
		closed = 2
	)
	state := make(map[string]int, len(r.steps))
	var visit func(string) bool
	visit = func(name string) bool {
		switch state[name] {
		case open:
			return true
		case closed:
			return false
		}
		state[name] = open
		for _, dep := range r.steps[name].DependsOn {
			if _, ok := r.steps[dep]; !ok {
				continue
			}
			if visit(dep) {
				return true
			}
		}
		state[name] = closed
		return false
	}
	for name := range r.steps {
		if visit(name) {
			return true
		}
	}
	return false
}
