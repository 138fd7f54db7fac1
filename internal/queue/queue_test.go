package queue

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jreinhardt/bidpilot/internal/config"
)

func testQueue() *Queue {
	return &Queue{cfg: config.QueueConfig{
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
		BackoffCap:  2 * time.Minute,
	}}
}

func TestBackoff_Exponential(t *testing.T) {
	q := testQueue()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 32 * time.Second},
		{6, 64 * time.Second},
		{7, 2 * time.Minute}, // 128s capped
		{8, 2 * time.Minute},
	}
	for _, tt := range tests {
		if got := q.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_FloorsAtFirstAttempt(t *testing.T) {
	q := testQueue()
	if got := q.Backoff(0); got != 2*time.Second {
		t.Errorf("Backoff(0) = %s, want 2s", got)
	}
	if got := q.Backoff(-3); got != 2*time.Second {
		t.Errorf("Backoff(-3) = %s, want 2s", got)
	}
}

func TestBackoff_OverflowHitsCap(t *testing.T) {
	q := testQueue()
	if got := q.Backoff(200); got != 2*time.Minute {
		t.Errorf("Backoff(200) = %s, want cap", got)
	}
}

func TestKeys_Namespacing(t *testing.T) {
	jobID := uuid.MustParse("4dd3b6d7-64f5-4b53-a637-63212bb0c6b2")
	subjectID := uuid.MustParse("1b671a64-40d5-491e-99b0-da01ff1f3341")

	if got := pendingKey("deep_scan"); got != "queue:deep_scan" {
		t.Errorf("pendingKey = %q", got)
	}
	if got := taskKey(jobID); got != "queue:task:"+jobID.String() {
		t.Errorf("taskKey = %q", got)
	}
	if got := activeKey("deep_scan", subjectID); got != "queue:active:deep_scan:"+subjectID.String() {
		t.Errorf("activeKey = %q", got)
	}
	if got := runningKey("w1"); got != "queue:running:w1" {
		t.Errorf("runningKey = %q", got)
	}
	if got := heartbeatKey("w1"); got != "queue:heartbeat:w1" {
		t.Errorf("heartbeatKey = %q", got)
	}
	if got := cancelKey(jobID); got != "queue:cancel:"+jobID.String() {
		t.Errorf("cancelKey = %q", got)
	}
}
