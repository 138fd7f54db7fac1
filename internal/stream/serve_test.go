package stream

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jreinhardt/bidpilot/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupBus spins up a Redis container and returns a Bus over it.
func setupBus(t *testing.T) *Bus {
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
	bus := NewBusWithClient(rdb)
	t.Cleanup(func() { require.NoError(t, bus.Close()) })
	return bus
}

// decodeFrames parses an SSE body into its events.
func decodeFrames(t *testing.T, body string) []models.ProgressEvent {
	t.Helper()
	var events []models.ProgressEvent
	for _, frame := range strings.Split(body, "\n\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" {
			continue
		}
		payload := strings.TrimPrefix(frame, "data: ")
		var ev models.ProgressEvent
		require.NoError(t, json.Unmarshal([]byte(payload), &ev), "frame: %s", frame)
		events = append(events, ev)
	}
	return events
}

func runningJob() *models.Job {
	return &models.Job{ID: uuid.New(), Status: models.JobStatusRunning, Progress: 10}
}

func TestServe_OneTerminalEventThenClose(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	bus := setupBus(t)
	streamer := NewStreamer(bus, 30*time.Second)
	ctx := context.Background()

	job := runningJob()
	snapshot := func(_ context.Context, _ uuid.UUID) (*models.Job, error) { return job, nil }

	req := httptest.NewRequest("GET", "/api/v1/jobs/"+job.ID.String()+"/progress", nil)
	rec := httptest.NewRecorder()

	errCh := make(chan error, 1)
	go func() {
		errCh <- streamer.Serve(rec, req, []*models.Job{job}, snapshot)
	}()

	// Drive the stream until Serve closes it. Published frames before the
	// subscription is live are lost, so keep publishing.
	progress := models.ProgressEvent{JobID: job.ID, Type: models.EventAgentComplete,
		Status: models.JobStatusRunning, Step: "tech_stack", Progress: 50}
	done := models.ProgressEvent{JobID: job.ID, Type: models.EventDone,
		Status: models.JobStatusCompleted, Progress: 100}

	deadline := time.After(20 * time.Second)
	var serveErr error
loop:
	for {
		require.NoError(t, bus.Publish(ctx, progress))
		require.NoError(t, bus.Publish(ctx, done))
		select {
		case serveErr = <-errCh:
			break loop
		case <-deadline:
			t.Fatal("stream never closed on terminal event")
		case <-time.After(100 * time.Millisecond):
		}
	}
	require.NoError(t, serveErr)

	events := decodeFrames(t, rec.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, models.EventStart, events[0].Type, "first frame is the snapshot")

	terminal := 0
	for _, ev := range events {
		if ev.Terminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal, "exactly one terminal frame")
	assert.True(t, events[len(events)-1].Terminal(), "terminal frame closes the stream")
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
}

func TestServe_TerminalSnapshotClosesImmediately(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	bus := setupBus(t)
	streamer := NewStreamer(bus, 30*time.Second)

	msg := "all 3 steps failed"
	job := &models.Job{ID: uuid.New(), Status: models.JobStatusFailed, ErrorMessage: &msg}
	snapshot := func(_ context.Context, _ uuid.UUID) (*models.Job, error) { return job, nil }

	req := httptest.NewRequest("GET", "/api/v1/jobs/"+job.ID.String()+"/progress", nil)
	rec := httptest.NewRecorder()

	start := time.Now()
	require.NoError(t, streamer.Serve(rec, req, []*models.Job{job}, snapshot))
	assert.Less(t, time.Since(start), 5*time.Second, "terminal snapshot must not block")

	events := decodeFrames(t, rec.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, models.EventError, events[0].Type)
	assert.Equal(t, msg, events[0].Message)
}

func TestServe_MaxLifetimeCutsStuckStream(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	bus := setupBus(t)
	streamer := NewStreamer(bus, 500*time.Millisecond)

	job := runningJob()
	snapshot := func(_ context.Context, _ uuid.UUID) (*models.Job, error) { return job, nil }

	req := httptest.NewRequest("GET", "/api/v1/jobs/"+job.ID.String()+"/progress", nil)
	rec := httptest.NewRecorder()

	start := time.Now()
	require.NoError(t, streamer.Serve(rec, req, []*models.Job{job}, snapshot))
	assert.Less(t, time.Since(start), 5*time.Second, "lifetime cap must fire")

	// Only the opening snapshot made it out; the job never finished.
	events := decodeFrames(t, rec.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, models.EventStart, events[0].Type)
}

func TestServe_MultiJobWaitsForEveryTerminal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	bus := setupBus(t)
	streamer := NewStreamer(bus, 30*time.Second)
	ctx := context.Background()

	jobA, jobB := runningJob(), runningJob()
	byID := map[uuid.UUID]*models.Job{jobA.ID: jobA, jobB.ID: jobB}
	snapshot := func(_ context.Context, id uuid.UUID) (*models.Job, error) { return byID[id], nil }

	req := httptest.NewRequest("GET", "/api/v1/jobs/stream", nil)
	rec := httptest.NewRecorder()

	errCh := make(chan error, 1)
	go func() {
		errCh <- streamer.Serve(rec, req, []*models.Job{jobA, jobB}, snapshot)
	}()

	doneA := models.ProgressEvent{JobID: jobA.ID, Type: models.EventDone, Status: models.JobStatusCompleted, Progress: 100}
	doneB := models.ProgressEvent{JobID: jobB.ID, Type: models.EventDone, Status: models.JobStatusCompleted, Progress: 100}

	deadline := time.After(20 * time.Second)
	var serveErr error
loop:
	for {
		require.NoError(t, bus.Publish(ctx, doneA))
		require.NoError(t, bus.Publish(ctx, doneB))
		select {
		case serveErr = <-errCh:
			break loop
		case <-deadline:
			t.Fatal("stream never closed after both jobs finished")
		case <-time.After(100 * time.Millisecond):
		}
	}
	require.NoError(t, serveErr)

	terminalByJob := make(map[uuid.UUID]int)
	for _, ev := range decodeFrames(t, rec.Body.String()) {
		if ev.Terminal() {
			terminalByJob[ev.JobID]++
		}
	}
	// One terminal frame per job, even though each done event was published
	// many times.
	assert.Equal(t, 1, terminalByJob[jobA.ID])
	assert.Equal(t, 1, terminalByJob[jobB.ID])
}
