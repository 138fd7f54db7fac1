package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jreinhardt/bidpilot/internal/config"
	"github.com/jreinhardt/bidpilot/internal/queue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupQueue spins up a Redis container and returns a Queue over it.
func setupQueue(t *testing.T, cfg config.QueueConfig) *queue.Queue {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	q := queue.NewWithClient(rdb, cfg)
	t.Cleanup(func() { require.NoError(t, q.Close()) })
	return q
}

func queueConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxAttempts:  2,
		BackoffBase:  time.Minute,
		BackoffCap:   10 * time.Minute,
		HeartbeatTTL: 30 * time.Second,
	}
}

func newTask(jobType string) queue.Task {
	return queue.Task{
		JobID:     uuid.New(),
		TenantID:  uuid.New(),
		SubjectID: uuid.New(),
		Type:      jobType,
		Attempt:   1,
	}
}

func TestEnqueueClaim_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupQueue(t, queueConfig())
	ctx := context.Background()
	task := newTask("quick_scan")

	require.NoError(t, q.Enqueue(ctx, task))

	claimed, err := q.Claim(ctx, "w1", "quick_scan")
	require.NoError(t, err)
	assert.Equal(t, task.JobID, claimed.JobID)
	assert.Equal(t, task.SubjectID, claimed.SubjectID)
	assert.Equal(t, 1, claimed.Attempt)

	// The pop is exclusive.
	_, err = q.Claim(ctx, "w2", "quick_scan")
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestClaim_EmptyAndWrongType(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupQueue(t, queueConfig())
	ctx := context.Background()

	_, err := q.Claim(ctx, "w1", "quick_scan")
	assert.ErrorIs(t, err, queue.ErrEmpty)

	require.NoError(t, q.Enqueue(ctx, newTask("deep_scan")))
	_, err = q.Claim(ctx, "w1", "quick_scan")
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestEnqueueAfter_NotDueYet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupQueue(t, queueConfig())
	ctx := context.Background()

	require.NoError(t, q.EnqueueAfter(ctx, newTask("quick_scan"), time.Hour))

	_, err := q.Claim(ctx, "w1", "quick_scan")
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestEnqueue_ReplacesQueuedDuplicate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupQueue(t, queueConfig())
	ctx := context.Background()

	first := newTask("quick_scan")
	require.NoError(t, q.Enqueue(ctx, first))

	// Same subject and type while still queued: the newer submission wins.
	second := first
	second.JobID = uuid.New()
	require.NoError(t, q.Enqueue(ctx, second))

	claimed, err := q.Claim(ctx, "w1", "quick_scan")
	require.NoError(t, err)
	assert.Equal(t, second.JobID, claimed.JobID)

	_, err = q.Claim(ctx, "w1", "quick_scan")
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestEnqueue_DuplicateOfClaimedTask(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupQueue(t, queueConfig())
	ctx := context.Background()

	first := newTask("quick_scan")
	require.NoError(t, q.Enqueue(ctx, first))
	_, err := q.Claim(ctx, "w1", "quick_scan")
	require.NoError(t, err)

	// A claimed task is being worked and must not be replaced.
	second := first
	second.JobID = uuid.New()
	err = q.Enqueue(ctx, second)
	assert.ErrorIs(t, err, queue.ErrDuplicate)

	// Ack releases the subject slot.
	require.NoError(t, q.Ack(ctx, "w1", first))
	require.NoError(t, q.Enqueue(ctx, second))
}

func TestEnqueue_SameJobRequeues(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupQueue(t, queueConfig())
	ctx := context.Background()

	task := newTask("quick_scan")
	require.NoError(t, q.Enqueue(ctx, task))
	_, err := q.Claim(ctx, "w1", "quick_scan")
	require.NoError(t, err)

	// Re-enqueueing the same job id (answer resume, shutdown handoff) is
	// never a duplicate.
	task.Attempt = 2
	require.NoError(t, q.Enqueue(ctx, task))

	claimed, err := q.Claim(ctx, "w1", "quick_scan")
	require.NoError(t, err)
	assert.Equal(t, task.JobID, claimed.JobID)
	assert.Equal(t, 2, claimed.Attempt)
}

func TestRetry_ReschedulesWithBackoff(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupQueue(t, queueConfig())
	ctx := context.Background()

	task := newTask("quick_scan")
	require.NoError(t, q.Enqueue(ctx, task))
	claimed, err := q.Claim(ctx, "w1", "quick_scan")
	require.NoError(t, err)

	retried, delay, err := q.Retry(ctx, "w1", *claimed)
	require.NoError(t, err)
	assert.True(t, retried)
	assert.Equal(t, 2*time.Minute, delay) // attempt 2: base*2

	// Not due until the backoff elapses.
	_, err = q.Claim(ctx, "w1", "quick_scan")
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestRetry_ExhaustedDropsTask(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupQueue(t, queueConfig())
	ctx := context.Background()

	task := newTask("quick_scan")
	require.NoError(t, q.Enqueue(ctx, task))
	claimed, err := q.Claim(ctx, "w1", "quick_scan")
	require.NoError(t, err)

	claimed.Attempt = queueConfig().MaxAttempts
	retried, _, err := q.Retry(ctx, "w1", *claimed)
	require.NoError(t, err)
	assert.False(t, retried)

	_, err = q.Claim(ctx, "w1", "quick_scan")
	assert.ErrorIs(t, err, queue.ErrEmpty)

	// The subject slot is free for a fresh submission.
	fresh := task
	fresh.JobID = uuid.New()
	require.NoError(t, q.Enqueue(ctx, fresh))
}

func TestRecoverStalled(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupQueue(t, queueConfig())
	ctx := context.Background()

	task := newTask("quick_scan")
	require.NoError(t, q.Enqueue(ctx, task))
	_, err := q.Claim(ctx, "dead-worker", "quick_scan")
	require.NoError(t, err)

	// dead-worker never heartbeats, so its task is requeued.
	recovered, err := q.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	claimed, err := q.Claim(ctx, "w2", "quick_scan")
	require.NoError(t, err)
	assert.Equal(t, task.JobID, claimed.JobID)
}

func TestRecoverStalled_LeavesLiveWorkersAlone(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupQueue(t, queueConfig())
	ctx := context.Background()

	require.NoError(t, q.Heartbeat(ctx, "live-worker"))
	task := newTask("quick_scan")
	require.NoError(t, q.Enqueue(ctx, task))
	_, err := q.Claim(ctx, "live-worker", "quick_scan")
	require.NoError(t, err)

	recovered, err := q.RecoverStalled(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)

	_, err = q.Claim(ctx, "w2", "quick_scan")
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestCancelFlag(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := setupQueue(t, queueConfig())
	ctx := context.Background()

	task := newTask("quick_scan")
	requested, err := q.CancelRequested(ctx, task.JobID)
	require.NoError(t, err)
	assert.False(t, requested)

	require.NoError(t, q.RequestCancel(ctx, task.JobID))
	requested, err = q.CancelRequested(ctx, task.JobID)
	require.NoError(t, err)
	assert.True(t, requested)

	// Ack clears the flag with the rest of the task state.
	require.NoError(t, q.Ack(ctx, "w1", task))
	requested, err = q.CancelRequested(ctx, task.JobID)
	require.NoError(t, err)
	assert.False(t, requested)
}
