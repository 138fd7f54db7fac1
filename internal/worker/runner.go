// Package worker implements the queue-consuming runtime: it claims jobs,
// drives the workflow engine, persists progress and results, and publishes
// events for subscribers.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jreinhardt/bidpilot/internal/config"
	"github.com/jreinhardt/bidpilot/internal/pipeline"
	"github.com/jreinhardt/bidpilot/internal/queue"
	"github.com/jreinhardt/bidpilot/internal/scan"
	"github.com/jreinhardt/bidpilot/internal/store"
	"github.com/jreinhardt/bidpilot/internal/stream"
	"github.com/jreinhardt/bidpilot/pkg/models"
)

const cancelPollEvery = 2 * time.Second

// Runner is one worker process. It runs cfg.Concurrency claim loops per
// job type plus a heartbeat loop and a stalled-task sweeper.
type Runner struct {
	id       string
	store    store.Store
	queue    *queue.Queue
	bus      *stream.Bus
	catalogs map[string]*scan.Catalog
	cfg      config.QueueConfig
}

// NewRunner creates a Runner with a fresh worker id.
func NewRunner(st store.Store, q *queue.Queue, bus *stream.Bus, catalogs map[string]*scan.Catalog, cfg config.QueueConfig) *Runner {
	return &Runner{
		id:       uuid.New().String(),
		store:    st,
		queue:    q,
		bus:      bus,
		catalogs: catalogs,
		cfg:      cfg,
	}
}

// Run blocks until ctx is cancelled, then drains in-flight jobs.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.queue.Heartbeat(ctx, r.id); err != nil {
		return fmt.Errorf("initial heartbeat: %w", err)
	}
	slog.Info("worker started", "worker_id", r.id, "concurrency", r.cfg.Concurrency)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.heartbeatLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.sweepLoop(ctx)
	}()

	for jobType := range r.catalogs {
		for i := 0; i < r.cfg.Concurrency; i++ {
			wg.Add(1)
			go func(jobType string) {
				defer wg.Done()
				r.claimLoop(ctx, jobType)
			}(jobType)
		}
	}

	wg.Wait()
	slog.Info("worker stopped", "worker_id", r.id)
	return nil
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	interval := r.cfg.HeartbeatTTL / 3
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.queue.Heartbeat(context.Background(), r.id); err != nil {
				slog.Error("heartbeat failed", "worker_id", r.id, "error", err)
			}
		}
	}
}

func (r *Runner) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.StalledSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.queue.RecoverStalled(context.Background())
			if err != nil {
				slog.Error("stalled sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("recovered stalled tasks", "count", n)
			}
		}
	}
}

func (r *Runner) claimLoop(ctx context.Context, jobType string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := r.queue.Claim(ctx, r.id, jobType)
		if errors.Is(err, queue.ErrEmpty) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.ClaimPollEvery):
			}
			continue
		}
		if err != nil {
			slog.Error("claim failed", "job_type", jobType, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.ClaimPollEvery):
			}
			continue
		}

		r.process(ctx, *task)
	}
}

// jobState tracks the mutable record fields a run updates as steps finish.
// Guarded by its own mutex because the engine's progress callback fires
// from step goroutines.
type jobState struct {
	mu        sync.Mutex
	job       *models.Job
	completed []string
	pending   map[string]bool
}

// seed initializes the step bookkeeping for a run: pending holds the steps
// that will execute, completed the stored results being reused in their
// place.
func (s *jobState) seed(planned []string, prior map[string]pipeline.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range planned {
		s.pending[name] = true
	}
	for name := range prior {
		if !s.pending[name] {
			s.completed = append(s.completed, name)
		}
	}
	sort.Strings(s.completed)
}

// process runs one claimed task end to end. A panic marks the job failed
// rather than killing the claim loop.
func (r *Runner) process(ctx context.Context, task queue.Task) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("panic processing job", "job_id", task.JobID, "panic", p)
			r.failJob(task, fmt.Sprintf("internal error: %v", p))
			_ = r.queue.Ack(context.Background(), r.id, task)
		}
	}()

	catalog, ok := r.catalogs[task.Type]
	if !ok {
		r.failJob(task, fmt.Sprintf("unknown job type %q", task.Type))
		_ = r.queue.Ack(context.Background(), r.id, task)
		return
	}

	job, err := r.store.StartJob(ctx, task.JobID, task.Attempt)
	if errors.Is(err, store.ErrInvalidState) || errors.Is(err, store.ErrNotFound) {
		// Cancelled or deleted while queued; nothing to run.
		_ = r.queue.Ack(context.Background(), r.id, task)
		return
	}
	if err != nil {
		r.retryOrFail(ctx, task, fmt.Errorf("start job: %w", err))
		return
	}

	subject, err := r.store.GetSubject(ctx, task.SubjectID, task.TenantID)
	if err != nil {
		// Subject missing is fatal, not retryable.
		r.failJob(task, fmt.Sprintf("subject %s not found", task.SubjectID))
		r.publish(task.JobID, models.ProgressEvent{Type: models.EventError, Status: models.JobStatusFailed,
			Message: "subject not found"})
		_ = r.queue.Ack(context.Background(), r.id, task)
		return
	}

	r.publish(task.JobID, models.ProgressEvent{Type: models.EventStart, Status: models.JobStatusRunning})

	state := &jobState{job: job, pending: make(map[string]bool)}

	opts := []pipeline.Option{
		pipeline.WithProgress(r.progressFunc(task, state)),
	}
	var prior map[string]pipeline.Result
	if len(task.Steps) > 0 || task.Answer != "" {
		var perr error
		prior, perr = r.loadPrior(ctx, task.SubjectID)
		if perr != nil {
			r.retryOrFail(ctx, task, fmt.Errorf("load stored step results: %w", perr))
			return
		}
		opts = append(opts, pipeline.WithPrior(prior))
	}
	if len(task.Steps) > 0 {
		opts = append(opts, pipeline.WithRequested(task.Steps))
	}

	engine := pipeline.NewEngine(catalog.Registry, opts...)

	// The job record tracks the resolved execution set, not the whole
	// catalog: a selective or resumed run must not report unscheduled
	// steps as pending. Reused stored results count as completed.
	planned, err := engine.Plan()
	if err != nil {
		r.failJob(task, fmt.Sprintf("resolve steps: %v", err))
		r.publish(task.JobID, models.ProgressEvent{Type: models.EventError,
			Status: models.JobStatusFailed, Message: "unresolvable step selection"})
		_ = r.queue.Ack(context.Background(), r.id, task)
		return
	}
	state.seed(planned, prior)

	// Cooperative cancellation: poll the cancel flag and cut the run's
	// context. The store's terminal-status guard is the hard backstop for
	// any step that still finishes.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go r.watchCancel(runCtx, task.JobID, cancelRun)

	result, runErr := engine.Run(runCtx, subject, task.Answer)

	switch {
	case runErr != nil && errors.Is(runErr, context.Canceled) && ctx.Err() == nil:
		// Cancel flag fired. The record is already cancelled (or will be);
		// discard results and release the task.
		slog.Info("job cancelled mid-run", "job_id", task.JobID)
		_ = r.queue.Ack(context.Background(), r.id, task)
		return
	case runErr != nil && ctx.Err() != nil:
		// Worker shutting down: hand the job back for another worker.
		bctx := context.Background()
		if _, err := r.store.RequeueJob(bctx, task.JobID); err != nil {
			slog.Error("requeue on shutdown failed", "job_id", task.JobID, "error", err)
		}
		if err := r.queue.Enqueue(bctx, task); err != nil {
			slog.Error("re-enqueue on shutdown failed", "job_id", task.JobID, "error", err)
		}
		return
	case runErr != nil:
		r.retryOrFail(ctx, task, runErr)
		return
	}

	if result.Status == pipeline.StatusPaused {
		if _, err := r.store.PauseJob(ctx, task.JobID, result.Paused.Question); err != nil {
			r.retryOrFail(ctx, task, fmt.Errorf("pause job: %w", err))
			return
		}
		r.publish(task.JobID, models.ProgressEvent{
			Type:    models.EventDecision,
			Status:  models.JobStatusWaitingForUser,
			Step:    result.Paused.Step,
			Message: result.Paused.Question,
		})
		_ = r.queue.Ack(context.Background(), r.id, task)
		return
	}

	if result.Status == pipeline.StatusFailed {
		msg := fmt.Sprintf("all %d steps failed", len(result.Results))
		r.failJob(task, msg)
		r.publish(task.JobID, models.ProgressEvent{Type: models.EventError,
			Status: models.JobStatusFailed, Message: msg})
		_ = r.queue.Ack(context.Background(), r.id, task)
		return
	}

	payload, err := finalOutput(result)
	if err != nil {
		r.retryOrFail(ctx, task, fmt.Errorf("encode final output: %w", err))
		return
	}
	if _, err := r.store.CompleteJob(ctx, task.JobID, payload); err != nil {
		if errors.Is(err, store.ErrInvalidState) {
			// Cancelled under us; discard.
			_ = r.queue.Ack(context.Background(), r.id, task)
			return
		}
		r.retryOrFail(ctx, task, fmt.Errorf("complete job: %w", err))
		return
	}
	r.publish(task.JobID, models.ProgressEvent{Type: models.EventDone,
		Status: models.JobStatusCompleted, Progress: 100})
	_ = r.queue.Ack(context.Background(), r.id, task)
}

// progressFunc persists each finished step and advances the job record.
// Version conflicts are retried once with a fresh read; a second conflict
// drops the write and the winning writer's value stands.
func (r *Runner) progressFunc(task queue.Task, state *jobState) pipeline.ProgressFunc {
	return func(p pipeline.Progress) {
		ctx := context.Background()

		if p.Status == "started" {
			state.mu.Lock()
			state.job.CurrentStep = p.Step
			state.mu.Unlock()
			r.publish(task.JobID, models.ProgressEvent{
				Type: models.EventAgentProgress, Status: models.JobStatusRunning, Step: p.Step,
			})
			return
		}

		if p.Result != nil {
			r.persistStepResult(ctx, task, *p.Result)
		}

		state.mu.Lock()
		state.completed = append(state.completed, p.Step)
		delete(state.pending, p.Step)
		completedSteps := append([]string(nil), state.completed...)
		pendingSteps := make([]string, 0, len(state.pending))
		for name := range state.pending {
			pendingSteps = append(pendingSteps, name)
		}
		sort.Strings(pendingSteps)
		version := state.job.Version
		currentStep := state.job.CurrentStep
		state.mu.Unlock()

		progress := 0
		if p.Total > 0 {
			progress = p.Completed * 100 / p.Total
		}
		upd := store.ProgressUpdate{
			Progress:       progress,
			CurrentStep:    currentStep,
			CompletedSteps: completedSteps,
			PendingSteps:   pendingSteps,
		}
		updated, err := r.store.UpdateJobProgress(ctx, task.JobID, version, upd)
		if errors.Is(err, store.ErrConflict) {
			if fresh, gerr := r.store.GetJob(ctx, task.JobID, task.TenantID); gerr == nil {
				updated, err = r.store.UpdateJobProgress(ctx, task.JobID, fresh.Version, upd)
			}
		}
		if err != nil {
			// Terminal race or persistent conflict: drop the write.
			slog.Warn("progress write dropped", "job_id", task.JobID, "step", p.Step, "error", err)
		}
		if updated != nil {
			state.mu.Lock()
			state.job = updated
			state.mu.Unlock()
		}

		evType := models.EventAgentComplete
		if p.Phase == scan.PhaseSynthesis {
			evType = models.EventStepComplete
		}
		ev := models.ProgressEvent{
			Type:       evType,
			Status:     models.JobStatusRunning,
			Step:       p.Step,
			Progress:   progress,
			Confidence: p.Confidence,
		}
		if p.Status == "failed" || p.Status == "skipped" {
			ev.Message = p.Status
		}
		r.publish(task.JobID, ev)
	}
}

func (r *Runner) persistStepResult(ctx context.Context, task queue.Task, res pipeline.Result) {
	record := &models.StepResult{
		ID:         uuid.New(),
		JobID:      task.JobID,
		SubjectID:  task.SubjectID,
		Step:       res.Step,
		Success:    res.Success,
		Output:     res.Output,
		DurationMs: res.Duration.Milliseconds(),
		StartedAt:  res.StartedAt,
	}
	if res.Success {
		c := res.Confidence
		record.Confidence = &c
	} else if res.Err != nil {
		msg := res.Err.Error()
		record.ErrorMessage = &msg
	}
	if err := r.store.UpsertStepResult(ctx, record); err != nil {
		slog.Error("persist step result failed", "job_id", task.JobID, "step", res.Step, "error", err)
	}
}

func (r *Runner) loadPrior(ctx context.Context, subjectID uuid.UUID) (map[string]pipeline.Result, error) {
	stored, err := r.store.LatestStepResults(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	prior := make(map[string]pipeline.Result, len(stored))
	for name, res := range stored {
		// Only successful outputs are worth reusing; a failed prior step
		// should re-run rather than poison dependents again.
		if !res.Success {
			continue
		}
		confidence := 0
		if res.Confidence != nil {
			confidence = *res.Confidence
		}
		prior[name] = pipeline.Result{
			Step:       name,
			Success:    true,
			Output:     res.Output,
			Confidence: confidence,
			StartedAt:  res.StartedAt,
			Duration:   time.Duration(res.DurationMs) * time.Millisecond,
		}
	}
	return prior, nil
}

func (r *Runner) watchCancel(ctx context.Context, jobID uuid.UUID, cancel context.CancelFunc) {
	ticker := time.NewTicker(cancelPollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := r.queue.CancelRequested(ctx, jobID)
			if err != nil {
				continue
			}
			if requested {
				cancel()
				return
			}
		}
	}
}

// retryOrFail handles infrastructure errors: reschedule with backoff while
// attempts remain, otherwise mark the record failed with the last error.
func (r *Runner) retryOrFail(ctx context.Context, task queue.Task, cause error) {
	bctx := context.Background()
	slog.Error("job attempt failed", "job_id", task.JobID, "attempt", task.Attempt, "error", cause)

	if _, err := r.store.RequeueJob(bctx, task.JobID); err != nil && !errors.Is(err, store.ErrInvalidState) {
		slog.Error("requeue job record failed", "job_id", task.JobID, "error", err)
	}
	retried, delay, err := r.queue.Retry(bctx, r.id, task)
	if err != nil {
		slog.Error("retry scheduling failed", "job_id", task.JobID, "error", err)
	}
	if retried {
		slog.Info("job rescheduled", "job_id", task.JobID, "attempt", task.Attempt+1, "delay", delay)
		return
	}
	r.failJob(task, cause.Error())
	r.publish(task.JobID, models.ProgressEvent{Type: models.EventError,
		Status: models.JobStatusFailed, Message: cause.Error()})
}

func (r *Runner) failJob(task queue.Task, message string) {
	ctx := context.Background()
	if _, err := r.store.FailJob(ctx, task.JobID, message); err != nil && !errors.Is(err, store.ErrInvalidState) {
		slog.Error("mark job failed errored", "job_id", task.JobID, "error", err)
	}
}

func (r *Runner) publish(jobID uuid.UUID, ev models.ProgressEvent) {
	ev.JobID = jobID
	ev.Timestamp = time.Now().UTC()
	if err := r.bus.Publish(context.Background(), ev); err != nil {
		slog.Warn("publish event failed", "job_id", jobID, "type", ev.Type, "error", err)
	}
}

// finalOutput aggregates a run into the job record's result payload.
func finalOutput(run *pipeline.RunResult) (json.RawMessage, error) {
	type stepOutput struct {
		Success    bool            `json:"success"`
		Output     json.RawMessage `json:"output,omitempty"`
		Error      string          `json:"error,omitempty"`
		Confidence int             `json:"confidence,omitempty"`
		DurationMs int64           `json:"duration_ms"`
	}
	steps := make(map[string]stepOutput, len(run.Results))
	var succeeded, failed []string
	for name, res := range run.Results {
		out := stepOutput{
			Success:    res.Success,
			Output:     res.Output,
			Confidence: res.Confidence,
			DurationMs: res.Duration.Milliseconds(),
		}
		if res.Err != nil {
			out.Error = res.Err.Error()
		}
		steps[name] = out
		if res.Success {
			succeeded = append(succeeded, name)
		} else {
			failed = append(failed, name)
		}
	}
	sort.Strings(succeeded)
	sort.Strings(failed)
	return json.Marshal(map[string]any{
		"steps":     steps,
		"succeeded": succeeded,
		"failed":    failed,
	})
}
