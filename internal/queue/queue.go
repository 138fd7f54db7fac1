// Package queue implements the durable job queue on Redis: scheduled
// delivery via sorted sets, subject-level idempotency, retry with capped
// exponential backoff, worker heartbeats and stalled-job recovery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jreinhardt/bidpilot/internal/config"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrDuplicate is returned when a job for the same subject and type is
	// already queued or being worked.
	ErrDuplicate = errors.New("job already active for subject")
	// ErrEmpty is returned by Claim when nothing is due.
	ErrEmpty = errors.New("queue empty")
)

// Task is the queue payload: everything a worker needs to claim and run one
// job. The job id doubles as the idempotency key.
type Task struct {
	JobID     uuid.UUID `json:"job_id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	SubjectID uuid.UUID `json:"subject_id"`
	Type      string    `json:"type"`
	// Steps restricts a selective re-run; empty means the full pipeline.
	Steps   []string `json:"steps,omitempty"`
	Answer  string   `json:"answer,omitempty"`
	Attempt int      `json:"attempt"`
}

// Queue is the Redis-backed job queue.
type Queue struct {
	rdb *redis.Client
	cfg config.QueueConfig
}

// New creates a Queue from a Redis URL.
func New(redisURL string, cfg config.QueueConfig) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return &Queue{rdb: redis.NewClient(opts), cfg: cfg}, nil
}

// NewWithClient wraps an existing client; used by tests and by processes
// that share one connection pool with the stream bus.
func NewWithClient(rdb *redis.Client, cfg config.QueueConfig) *Queue {
	return &Queue{rdb: rdb, cfg: cfg}
}

func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func (q *Queue) Close() error {
	return q.rdb.Close()
}

// Enqueue schedules a task for immediate delivery. If a task for the same
// subject and type is still queued (not yet claimed), it is replaced; if one
// is already being worked, ErrDuplicate is returned.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	return q.enqueueAt(ctx, task, time.Now())
}

// EnqueueAfter schedules a task to become due after delay.
func (q *Queue) EnqueueAfter(ctx context.Context, task Task, delay time.Duration) error {
	return q.enqueueAt(ctx, task, time.Now().Add(delay))
}

func (q *Queue) enqueueAt(ctx context.Context, task Task, dueAt time.Time) error {
	active := activeKey(task.Type, task.SubjectID)
	prior, err := q.rdb.Get(ctx, active).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("check active job: %w", err)
	}
	if prior != "" && prior != task.JobID.String() {
		priorID, perr := uuid.Parse(prior)
		if perr == nil {
			// Replace the prior task only if it is still queued; a claimed
			// task is actively being worked and stays.
			removed, rerr := q.rdb.ZRem(ctx, pendingKey(task.Type), prior).Result()
			if rerr != nil {
				return fmt.Errorf("replace queued job: %w", rerr)
			}
			if removed == 0 {
				return ErrDuplicate
			}
			q.rdb.Del(ctx, taskKey(priorID))
		}
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, taskKey(task.JobID), map[string]any{
		"payload":     string(payload),
		"status":      "queued",
		"attempt":     task.Attempt,
		"enqueued_at": time.Now().Unix(),
	})
	pipe.ZAdd(ctx, pendingKey(task.Type), redis.Z{
		Score:  float64(dueAt.Unix()),
		Member: task.JobID.String(),
	})
	pipe.Set(ctx, active, task.JobID.String(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Claim pops the oldest due task of a type and records it against the
// worker. The remove-before-read makes the pop exclusive: whichever worker
// removes the member owns the task.
func (q *Queue) Claim(ctx context.Context, workerID, jobType string) (*Task, error) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	due, err := q.rdb.ZRangeByScore(ctx, pendingKey(jobType), &redis.ZRangeBy{
		Min: "-inf", Max: now, Offset: 0, Count: 1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("fetch due tasks: %w", err)
	}
	if len(due) == 0 {
		return nil, ErrEmpty
	}

	member := due[0]
	removed, err := q.rdb.ZRem(ctx, pendingKey(jobType), member).Result()
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if removed == 0 {
		// Another worker got there first.
		return nil, ErrEmpty
	}

	jobID, err := uuid.Parse(member)
	if err != nil {
		return nil, fmt.Errorf("claim task: bad member %q", member)
	}

	raw, err := q.rdb.HGet(ctx, taskKey(jobID), "payload").Result()
	if err != nil {
		return nil, fmt.Errorf("read task payload: %w", err)
	}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", member, err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, runningKey(workerID), member, time.Now().Unix())
	pipe.HSet(ctx, taskKey(jobID), "status", "running", "worker", workerID)
	if _, err := pipe.Exec(ctx); err != nil {
		// Put it back rather than lose it.
		q.rdb.ZAdd(ctx, pendingKey(jobType), redis.Z{Score: float64(time.Now().Unix()), Member: member})
		return nil, fmt.Errorf("mark task running: %w", err)
	}
	return &task, nil
}

// Ack removes a finished task and releases the subject's idempotency slot.
func (q *Queue) Ack(ctx context.Context, workerID string, task Task) error {
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, runningKey(workerID), task.JobID.String())
	pipe.Del(ctx, taskKey(task.JobID))
	pipe.Del(ctx, activeKey(task.Type, task.SubjectID))
	pipe.Del(ctx, cancelKey(task.JobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return nil
}

// Retry reschedules a failed task with backoff, or reports exhaustion when
// attempts are used up. Exhausted tasks are removed from the queue; the job
// record keeps the failure.
func (q *Queue) Retry(ctx context.Context, workerID string, task Task) (retried bool, delay time.Duration, err error) {
	if err := q.rdb.HDel(ctx, runningKey(workerID), task.JobID.String()).Err(); err != nil {
		return false, 0, fmt.Errorf("release running task: %w", err)
	}
	if task.Attempt >= q.cfg.MaxAttempts {
		pipe := q.rdb.TxPipeline()
		pipe.Del(ctx, taskKey(task.JobID))
		pipe.Del(ctx, activeKey(task.Type, task.SubjectID))
		if _, err := pipe.Exec(ctx); err != nil {
			return false, 0, fmt.Errorf("drop exhausted task: %w", err)
		}
		return false, 0, nil
	}
	task.Attempt++
	delay = q.Backoff(task.Attempt)
	if err := q.enqueueAt(ctx, task, time.Now().Add(delay)); err != nil {
		return false, 0, err
	}
	return true, delay, nil
}

// Backoff computes the retry delay for an attempt: exponential with a cap.
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(math.Pow(2, float64(attempt-1))) * q.cfg.BackoffBase
	if d > q.cfg.BackoffCap || d <= 0 {
		return q.cfg.BackoffCap
	}
	return d
}

// Heartbeat refreshes this worker's liveness key.
func (q *Queue) Heartbeat(ctx context.Context, workerID string) error {
	return q.rdb.Set(ctx, heartbeatKey(workerID), time.Now().Unix(), q.cfg.HeartbeatTTL).Err()
}

// RequestCancel marks a job for cooperative cancellation. Workers check the
// flag between waves; in-flight steps are not preempted.
func (q *Queue) RequestCancel(ctx context.Context, jobID uuid.UUID) error {
	return q.rdb.Set(ctx, cancelKey(jobID), 1, 24*time.Hour).Err()
}

// CancelRequested reports whether a cancel flag is set for the job.
func (q *Queue) CancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error) {
	err := q.rdb.Get(ctx, cancelKey(jobID)).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecoverStalled requeues tasks held by workers whose heartbeat expired, so
// a crashed worker's jobs are retried instead of silently dropped. Returns
// the number of tasks requeued.
func (q *Queue) RecoverStalled(ctx context.Context) (int, error) {
	keys, err := q.rdb.Keys(ctx, "queue:running:*").Result()
	if err != nil {
		return 0, fmt.Errorf("scan running tasks: %w", err)
	}

	recovered := 0
	for _, key := range keys {
		workerID := key[len("queue:running:"):]
		alive, err := q.rdb.Exists(ctx, heartbeatKey(workerID)).Result()
		if err != nil {
			return recovered, fmt.Errorf("check heartbeat %s: %w", workerID, err)
		}
		if alive > 0 {
			continue
		}

		held, err := q.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return recovered, fmt.Errorf("read running tasks %s: %w", workerID, err)
		}
		for member := range held {
			jobID, perr := uuid.Parse(member)
			if perr != nil {
				q.rdb.HDel(ctx, key, member)
				continue
			}
			raw, gerr := q.rdb.HGet(ctx, taskKey(jobID), "payload").Result()
			if errors.Is(gerr, redis.Nil) {
				q.rdb.HDel(ctx, key, member)
				continue
			}
			if gerr != nil {
				return recovered, fmt.Errorf("read stalled payload %s: %w", member, gerr)
			}
			var task Task
			if uerr := json.Unmarshal([]byte(raw), &task); uerr != nil {
				slog.Warn("dropping stalled task with bad payload", "job_id", member, "error", uerr)
				q.rdb.HDel(ctx, key, member)
				q.rdb.Del(ctx, taskKey(jobID))
				continue
			}

			pipe := q.rdb.TxPipeline()
			pipe.ZAdd(ctx, pendingKey(task.Type), redis.Z{
				Score:  float64(time.Now().Unix()),
				Member: member,
			})
			pipe.HSet(ctx, taskKey(jobID), "status", "queued")
			pipe.HDel(ctx, key, member)
			if _, perr := pipe.Exec(ctx); perr != nil {
				return recovered, fmt.Errorf("requeue stalled task %s: %w", member, perr)
			}
			slog.Info("requeued stalled task", "job_id", member, "worker_id", workerID)
			recovered++
		}
	}
	return recovered, nil
}
