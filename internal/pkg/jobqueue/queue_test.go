package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, workers int, opts ...Option) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewQueue(client, workers, opts...), mr
}

// TestNewQueue tests the queue constructor
func TestNewQueue(t *testing.T) {
	tests := []struct {
		name            string
		workers         int
		expectedWorkers int
	}{
		{"Valid worker count", 5, 5},
		{"Zero workers", 0, 3},
		{"Negative workers", -1, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := NewQueue(nil, tt.workers)

			assert.NotNil(t, queue)
			assert.Equal(t, tt.expectedWorkers, queue.workers)
			assert.NotNil(t, queue.workerPool)
			assert.Equal(t, tt.expectedWorkers, cap(queue.workerPool))
			assert.NotNil(t, queue.stopCh)
			assert.False(t, queue.running)
		})
	}
}

func TestConstants(t *testing.T) {
	// Test Redis key constants
	assert.Equal(t, "job:", JobKeyPrefix)
	assert.Equal(t, "job_queue", JobQueueKey)
	assert.Equal(t, "job_processing", JobProcessingKey)
	assert.Equal(t, "job_stats", JobStatsKey)

	// Test job settings constants
	assert.Equal(t, 3, DefaultMaxRetries)
	assert.Equal(t, 24*time.Hour, JobTTL)
}

func TestEnqueueJob(t *testing.T) {
	q, mr := newTestQueue(t, 1)
	ctx := context.Background()

	job, err := q.EnqueueJob(ctx, JobTypeWebhookEvent, WebhookEventJobPayload{EventID: "evt_1"}.ToMap())
	require.NoError(t, err)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, stored.Status)
	assert.Equal(t, DefaultMaxRetries, stored.MaxRetries)
	assert.Equal(t, "evt_1", stored.Payload["event_id"])
	assert.Equal(t, JobTTL, mr.TTL(JobKeyPrefix+job.ID))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(0), stats.Processing)
	assert.Equal(t, int64(1), stats.Totals[JobStatusPending])
}

func TestWorkersRunRegisteredHandler(t *testing.T) {
	q, _ := newTestQueue(t, 2)
	ctx := context.Background()
	done := make(chan string, 1)
	q.Handle(JobTypeWebhookEvent, func(_ context.Context, job *Job) error {
		done <- job.Payload["event_id"].(string)
		return nil
	})

	q.Start()
	defer q.Stop()
	assert.True(t, q.IsRunning())

	job, err := q.EnqueueJob(ctx, JobTypeWebhookEvent, WebhookEventJobPayload{EventID: "evt_9"}.ToMap())
	require.NoError(t, err)

	select {
	case id := <-done:
		assert.Equal(t, "evt_9", id)
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not run")
	}

	// Completed jobs are removed.
	require.Eventually(t, func() bool {
		_, err := q.GetJob(ctx, job.ID)
		return errors.Is(err, redis.Nil)
	}, 5*time.Second, 20*time.Millisecond)

	stats, err := q.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[JobStatusCompleted])
}

func TestFailedJobIsRetried(t *testing.T) {
	q, _ := newTestQueue(t, 1, WithRetryDelay(10*time.Millisecond))
	ctx := context.Background()
	var calls atomic.Int32
	q.Handle(JobTypeWebhookEvent, func(context.Context, *Job) error {
		if calls.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})

	q.Start()
	defer q.Stop()

	_, err := q.EnqueueJob(ctx, JobTypeWebhookEvent, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stats, err := q.GetJobStats(ctx)
		return err == nil && stats[JobStatusCompleted] == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestPanickingHandlerFailsJob(t *testing.T) {
	q, _ := newTestQueue(t, 1)
	ctx := context.Background()
	q.Handle(JobTypeWebhookEvent, func(context.Context, *Job) error { panic("bad payload") })

	job := &Job{ID: "job-1", Type: JobTypeWebhookEvent, Status: JobStatusPending, MaxRetries: 1}
	q.processJob(ctx, job)

	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMsg, "bad payload")
	stats, err := q.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[JobStatusFailed])
}

func TestUnknownJobTypeFails(t *testing.T) {
	q, _ := newTestQueue(t, 1)

	err := q.run(context.Background(), &Job{ID: "job-1", Type: "invoice_export"})
	assert.ErrorContains(t, err, "unknown job type")
}

func TestRecoverStuck(t *testing.T) {
	q, mr := newTestQueue(t, 1, WithStuckSweeper(10*time.Minute, time.Minute))
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	stuckStart := now.Add(-time.Hour)
	freshStart := now.Add(-time.Minute)
	jobs := []*Job{
		{ID: "stuck", Type: JobTypeWebhookEvent, Status: JobStatusProcessing, ProcessedAt: &stuckStart},
		{ID: "fresh", Type: JobTypeWebhookEvent, Status: JobStatusProcessing, ProcessedAt: &freshStart},
		{ID: "done", Type: JobTypeWebhookEvent, Status: JobStatusCompleted},
	}
	for _, job := range jobs {
		raw, err := json.Marshal(job)
		require.NoError(t, err)
		require.NoError(t, mr.Set(JobKeyPrefix+job.ID, string(raw)))
		_, err = mr.Push(JobProcessingKey, job.ID)
		require.NoError(t, err)
	}
	_, err := mr.Push(JobProcessingKey, "orphan")
	require.NoError(t, err)

	n, err := q.RecoverStuck(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := mr.List(JobQueueKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"stuck"}, pending)
	processing, err := mr.List(JobProcessingKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, processing)

	recovered, err := q.GetJob(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, recovered.Status)
}

func TestStartStopIsRepeatable(t *testing.T) {
	q, _ := newTestQueue(t, 1)

	q.Start()
	q.Start()
	q.Stop()
	assert.False(t, q.IsRunning())
	q.Start()
	assert.True(t, q.IsRunning())
	q.Stop()
	q.Stop()
	assert.False(t, q.IsRunning())
}
