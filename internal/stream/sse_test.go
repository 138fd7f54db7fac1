package stream

import (
	"testing"

	"github.com/google/uuid"
	"github.com/jreinhardt/bidpilot/pkg/models"
)

func strPtr(s string) *string { return &s }

func TestSnapshotEvent_StatusMapping(t *testing.T) {
	jobID := uuid.New()

	tests := []struct {
		name     string
		job      models.Job
		wantType string
		wantMsg  string
	}{
		{
			name:     "pending opens the stream",
			job:      models.Job{ID: jobID, Status: models.JobStatusPending},
			wantType: models.EventStart,
		},
		{
			name:     "running opens the stream",
			job:      models.Job{ID: jobID, Status: models.JobStatusRunning, Progress: 40},
			wantType: models.EventStart,
		},
		{
			name:     "completed is terminal",
			job:      models.Job{ID: jobID, Status: models.JobStatusCompleted, Progress: 100},
			wantType: models.EventDone,
		},
		{
			name:     "cancelled is terminal",
			job:      models.Job{ID: jobID, Status: models.JobStatusCancelled},
			wantType: models.EventDone,
		},
		{
			name:     "failed carries the error message",
			job:      models.Job{ID: jobID, Status: models.JobStatusFailed, ErrorMessage: strPtr("all 3 steps failed")},
			wantType: models.EventError,
			wantMsg:  "all 3 steps failed",
		},
		{
			name:     "waiting carries the question",
			job:      models.Job{ID: jobID, Status: models.JobStatusWaitingForUser, Question: strPtr("which region?")},
			wantType: models.EventDecision,
			wantMsg:  "which region?",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := SnapshotEvent(&tt.job)
			if ev.Type != tt.wantType {
				t.Errorf("type = %q, want %q", ev.Type, tt.wantType)
			}
			if ev.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", ev.Message, tt.wantMsg)
			}
			if ev.JobID != jobID {
				t.Errorf("job id = %s, want %s", ev.JobID, jobID)
			}
			if ev.Progress != tt.job.Progress {
				t.Errorf("progress = %d, want %d", ev.Progress, tt.job.Progress)
			}
			if ev.Status != tt.job.Status {
				t.Errorf("status = %q, want %q", ev.Status, tt.job.Status)
			}
		})
	}
}

func TestSnapshotEvent_TerminalMatchesEventTerminal(t *testing.T) {
	for _, status := range []string{
		models.JobStatusPending,
		models.JobStatusRunning,
		models.JobStatusWaitingForUser,
		models.JobStatusCompleted,
		models.JobStatusFailed,
		models.JobStatusCancelled,
	} {
		ev := SnapshotEvent(&models.Job{ID: uuid.New(), Status: status})
		if ev.Terminal() != models.TerminalStatus(status) {
			t.Errorf("status %s: event terminal = %v, job terminal = %v",
				status, ev.Terminal(), models.TerminalStatus(status))
		}
	}
}

func TestChannelFor(t *testing.T) {
	jobID := uuid.MustParse("4dd3b6d7-64f5-4b53-a637-63212bb0c6b2")
	if got := channelFor(jobID); got != "progress:"+jobID.String() {
		t.Errorf("channelFor = %q", got)
	}
}
