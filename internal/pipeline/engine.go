package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Run statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPaused    = "paused"
)

// Result is the recorded outcome of one step within a run.
type Result struct {
	Step       string
	Phase      string
	Success    bool
	Output     json.RawMessage
	Confidence int
	Err        error
	StartedAt  time.Time
	Duration   time.Duration
}

// Progress is delivered to the caller-supplied callback as steps start,
// complete, fail or get skipped. Completed/Total track executed steps only.
type Progress struct {
	Step       string
	Phase      string
	Status     string // started | completed | failed | skipped
	Confidence *int
	Completed  int
	Total      int

	// Result carries the full step outcome on completed/failed/skipped
	// notifications so callers can persist it; nil on started.
	Result *Result
}

// ProgressFunc receives progress updates. Called from worker goroutines;
// implementations must be safe for concurrent use.
type ProgressFunc func(Progress)

// RunContext is handed to every step. It exposes the subject input, the
// human-supplied answer on resume, and the outputs of completed steps.
type RunContext struct {
	Input  any
	Answer string

	mu      sync.RWMutex
	results map[string]Result
}

// Result returns the recorded result for a step, from this run or from
// stored outputs seeded for a selective re-run.
func (rc *RunContext) Result(name string) (Result, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	res, ok := rc.results[name]
	return res, ok
}

// Outputs returns the raw outputs of every successful step seen so far,
// keyed by step name. Synthesis steps aggregate over this.
func (rc *RunContext) Outputs() map[string]json.RawMessage {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(rc.results))
	for name, res := range rc.results {
		if res.Success {
			out[name] = res.Output
		}
	}
	return out
}

func (rc *RunContext) record(res Result) {
	rc.mu.Lock()
	rc.results[res.Step] = res
	rc.mu.Unlock()
}

// Pause describes a run suspended on a human-in-the-loop gate.
type Pause struct {
	Step     string
	Question string
}

// RunResult aggregates a run. Results holds one entry per executed or
// skipped step; outputs reused from a prior run are not repeated here.
type RunResult struct {
	Status  string
	Results map[string]Result
	Paused  *Pause
}

// Engine executes the steps of a registry in dependency waves. Steps in the
// same wave run concurrently; a step failure is isolated to its own result
// and never aborts siblings or the run.
type Engine struct {
	reg            *Registry
	onProgress     ProgressFunc
	prior          map[string]Result
	requested      []string
	defaultTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithProgress sets the progress callback.
func WithProgress(f ProgressFunc) Option {
	return func(e *Engine) { e.onProgress = f }
}

// WithPrior seeds stored step outputs from an earlier run. Steps with a
// prior result are not re-executed unless explicitly requested.
func WithPrior(prior map[string]Result) Option {
	return func(e *Engine) { e.prior = prior }
}

// WithRequested restricts execution to the given steps (plus any upstream
// dependency without a stored output). Callers wanting downstream synthesis
// steps re-included must pass the dependents closure; see
// Registry.DependentsClosure.
func WithRequested(steps []string) Option {
	return func(e *Engine) { e.requested = steps }
}

// WithDefaultTimeout sets the timeout applied to steps that declare none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) { e.defaultTimeout = d }
}

// NewEngine creates an engine over a registry.
func NewEngine(reg *Registry, opts ...Option) *Engine {
	e := &Engine{reg: reg}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Plan returns, sorted, the steps this engine will execute: the requested
// steps plus every transitive dependency lacking a stored output, or all
// registered steps when nothing was requested.
func (e *Engine) Plan() ([]string, error) {
	steps, err := e.resolveExecSet()
	if err != nil {
		return nil, err
	}
	out := append([]string(nil), steps...)
	sort.Strings(out)
	return out, nil
}

// Run executes the resolved steps against input. Step-level failures never
// surface as errors here; only fatal conditions do (nothing resolvable,
// broken registry, cancelled context). A non-nil RunResult is returned
// alongside a cancellation error so the caller can persist partial work.
func (e *Engine) Run(ctx context.Context, input any, answer string) (*RunResult, error) {
	execSet, err := e.resolveExecSet()
	if err != nil {
		return nil, err
	}
	if len(execSet) == 0 {
		return nil, ErrNoSteps
	}

	waves, err := e.reg.Waves(execSet)
	if err != nil {
		return nil, err
	}

	rc := &RunContext{Input: input, Answer: answer, results: make(map[string]Result)}
	inExec := make(map[string]bool, len(execSet))
	for _, name := range execSet {
		inExec[name] = true
	}
	// Seed stored outputs for everything we are not re-running.
	for name, res := range e.prior {
		if !inExec[name] {
			rc.results[name] = res
		}
	}

	run := &RunResult{Results: make(map[string]Result, len(execSet))}
	total := len(execSet)
	var mu sync.Mutex
	completed := 0

	recordLocked := func(res Result) {
		rc.record(res)
		mu.Lock()
		run.Results[res.Step] = res
		completed++
		done := completed
		mu.Unlock()

		status := "completed"
		var conf *int
		if res.Success {
			c := res.Confidence
			conf = &c
		} else {
			status = "failed"
			var depErr *DependencyError
			if errors.As(res.Err, &depErr) {
				status = "skipped"
			}
		}
		e.emit(Progress{Step: res.Step, Phase: res.Phase, Status: status, Confidence: conf, Completed: done, Total: total, Result: &res})
	}

	for _, wave := range waves {
		if err := ctx.Err(); err != nil {
			run.Status = StatusFailed
			return run, err
		}

		var wg sync.WaitGroup
		for _, name := range wave {
			step, _ := e.reg.Get(name)

			// A step whose dependency failed is skipped, never executed,
			// unless it opts into running over partial upstream output.
			if dep, failed := e.failedDep(rc, step); failed && !step.Optional {
				recordLocked(Result{
					Step:      name,
					Phase:     step.Phase,
					Err:       &DependencyError{Step: name, Dep: dep},
					StartedAt: time.Now().UTC(),
				})
				continue
			}

			e.emit(Progress{Step: name, Phase: step.Phase, Status: "started", Total: total})

			wg.Add(1)
			go func(step Step) {
				defer wg.Done()
				res := e.execStep(ctx, step, rc)
				var pauseErr *PauseError
				if errors.As(res.Err, &pauseErr) {
					// Do not record a result: the step re-runs on resume.
					mu.Lock()
					if run.Paused == nil {
						run.Paused = &Pause{Step: step.Name, Question: pauseErr.Question}
					}
					mu.Unlock()
					return
				}
				recordLocked(res)
			}(step)
		}
		wg.Wait()

		if run.Paused != nil {
			run.Status = StatusPaused
			return run, nil
		}
	}

	run.Status = StatusCompleted
	if allFailed(run.Results) {
		run.Status = StatusFailed
	}
	return run, nil
}

// execStep runs one step with timeout and panic isolation.
func (e *Engine) execStep(ctx context.Context, step Step, rc *RunContext) Result {
	started := time.Now().UTC()

	timeout := step.Timeout
	if timeout == 0 {
		timeout = e.defaultTimeout
	}
	sctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := func() (out Output, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic in step %s: %v", step.Name, p)
			}
		}()
		return step.Run(sctx, rc)
	}()

	res := Result{
		Step:      step.Name,
		Phase:     step.Phase,
		StartedAt: started,
		Duration:  time.Since(started),
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("step %s: timeout after %s", step.Name, timeout)
		}
		res.Err = err
		return res
	}
	res.Success = true
	res.Output = out.Data
	res.Confidence = out.Confidence
	return res
}

// resolveExecSet expands the requested steps with any transitive dependency
// that has no stored output to reuse.
func (e *Engine) resolveExecSet() ([]string, error) {
	if len(e.requested) == 0 {
		return e.reg.Steps(), nil
	}
	for _, name := range e.requested {
		if _, ok := e.reg.Get(name); !ok {
			return nil, fmt.Errorf("run: %q: %w", name, ErrUnknownStep)
		}
	}
	in := make(map[string]bool, len(e.requested))
	for _, name := range e.requested {
		in[name] = true
	}
	// Walk dependency closure; anything without a prior result must run too.
	for _, name := range e.reg.DependencyClosure(e.requested) {
		if in[name] {
			continue
		}
		if _, ok := e.prior[name]; !ok {
			in[name] = true
		}
	}
	out := make([]string, 0, len(in))
	for name := range in {
		out = append(out, name)
	}
	return out, nil
}

func (e *Engine) failedDep(rc *RunContext, step Step) (string, bool) {
	for _, dep := range step.DependsOn {
		if res, ok := rc.Result(dep); ok && !res.Success {
			return dep, true
		}
	}
	return "", false
}

func (e *Engine) emit(p Progress) {
	if e.onProgress != nil {
		e.onProgress(p)
	}
}

// allFailed reports whether every recorded step failed. The run as a whole
// is failed only in that case; partial success is success.
func allFailed(results map[string]Result) bool {
	if len(results) == 0 {
		return true
	}
	for _, res := range results {
		if res.Success {
			return false
		}
	}
	return true
}
