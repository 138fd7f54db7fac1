package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateStep is returned when registering a step name twice.
	ErrDuplicateStep = errors.New("step already registered")
	// ErrUnknownStep is returned for a step or dependency name the registry
	// has never seen. Dependencies must be registered before their dependents.
	ErrUnknownStep = errors.New("unknown step")
	// ErrCycle is returned when a registration would close a dependency cycle.
	ErrCycle = errors.New("dependency cycle")
	// ErrNoSteps is returned by Run when nothing is resolvable to execute.
	ErrNoSteps = errors.New("no steps to run")
)

// DependencyError marks a step that was skipped because a required
// dependency failed. It is recorded as the step's failure reason, distinct
// from a genuine execution error.
type DependencyError struct {
	Step string
	Dep  string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("step %s skipped: dependency %s failed", e.Step, e.Dep)
}

// PauseError is returned by a step's Run to request human input. The engine
// stops scheduling further waves and reports a paused run; the step itself
// re-executes on resume with the supplied answer.
type PauseError struct {
	Question string
}

func (e *PauseError) Error() string {
	return fmt.Sprintf("awaiting user input: %s", e.Question)
}
