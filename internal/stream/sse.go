package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jreinhardt/bidpilot/pkg/models"
)

// SnapshotFunc fetches the current job record for a subscriber.
type SnapshotFunc func(ctx context.Context, jobID uuid.UUID) (*models.Job, error)

// Streamer serves progress events over SSE with the delivery guarantees
// clients rely on: an immediate snapshot per job on subscribe, exactly one
// terminal event per job before close, early exit on client disconnect, and
// a hard lifetime cap even when a job is stuck.
type Streamer struct {
	bus         *Bus
	maxLifetime time.Duration
}

// NewStreamer creates a Streamer.
func NewStreamer(bus *Bus, maxLifetime time.Duration) *Streamer {
	return &Streamer{bus: bus, maxLifetime: maxLifetime}
}

// Serve streams events for the given jobs until every one reaches a
// terminal status, the client disconnects, or the lifetime cap fires.
func (s *Streamer) Serve(w http.ResponseWriter, r *http.Request, jobs []*models.Job, snapshot SnapshotFunc) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.maxLifetime)
	defer cancel()

	ids := make([]uuid.UUID, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}

	// Subscribe before the snapshot so no event falls between the two.
	events, unsubscribe := s.bus.Subscribe(ctx, ids...)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	terminal := make(map[uuid.UUID]bool, len(jobs))
	for _, job := range jobs {
		// Re-read so the snapshot is no older than the subscription.
		fresh, err := snapshot(ctx, job.ID)
		if err != nil {
			fresh = job
		}
		ev := SnapshotEvent(fresh)
		if err := writeEvent(w, flusher, ev); err != nil {
			return err
		}
		if ev.Terminal() {
			terminal[job.ID] = true
		}
	}
	if len(terminal) == len(jobs) {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, open := <-events:
			if !open {
				return nil
			}
			if terminal[ev.JobID] {
				// Never emit past a job's terminal event.
				continue
			}
			if err := writeEvent(w, flusher, ev); err != nil {
				return err
			}
			if ev.Terminal() {
				terminal[ev.JobID] = true
				if len(terminal) == len(jobs) {
					return nil
				}
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev models.ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// SnapshotEvent renders a job record as a stream event: the opening frame
// for live jobs, the terminal frame for finished ones.
func SnapshotEvent(job *models.Job) models.ProgressEvent {
	ev := models.ProgressEvent{
		JobID:     job.ID,
		Status:    job.Status,
		Step:      job.CurrentStep,
		Progress:  job.Progress,
		Timestamp: time.Now().UTC(),
	}
	switch job.Status {
	case models.JobStatusFailed:
		ev.Type = models.EventError
		if job.ErrorMessage != nil {
			ev.Message = *job.ErrorMessage
		}
	case models.JobStatusCompleted, models.JobStatusCancelled:
		ev.Type = models.EventDone
	case models.JobStatusWaitingForUser:
		ev.Type = models.EventDecision
		if job.Question != nil {
			ev.Message = *job.Question
		}
	default:
		ev.Type = models.EventStart
	}
	return ev
}
