package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestJob(t *testing.T, tenantID string, name Name, priority Priority) *Job {
	t.Helper()
	job, err := NewJob(tenantID, name, map[string]string{"k": "v"}, priority)
	require.NoError(t, err)
	return job
}

func consume(ctx context.Context, q *Memory, tenantID string, name Name, concurrency int, handler Handler) {
	go func() { _ = q.Consume(ctx, tenantID, name, concurrency, handler) }()
}

func TestJobCompletesOnFirstAttempt(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan *Job, 1)
	consume(ctx, q, "t1", Sync, 1, func(ctx context.Context, job *Job) error {
		done <- job
		return nil
	})

	require.NoError(t, q.Enqueue(ctx, newTestJob(t, "t1", Sync, PriorityManual)))

	select {
	case job := <-done:
		require.Equal(t, 1, job.Attempt)
		require.Equal(t, DefaultMaxAttempts, job.MaxAttempts)
	case <-time.After(time.Second):
		t.Fatal("job not processed")
	}
	require.Empty(t, q.DeadJobs())
}

func TestFailedJobRetriesWithBackoff(t *testing.T) {
	q := NewMemory()
	q.BackoffBase = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	done := make(chan struct{})
	consume(ctx, q, "t1", Sync, 1, func(ctx context.Context, job *Job) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	})

	require.NoError(t, q.Enqueue(ctx, newTestJob(t, "t1", Sync, PriorityManual)))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never succeeded")
	}
	require.Equal(t, int32(3), attempts.Load())
	require.Empty(t, q.DeadJobs())
}

func TestExhaustedJobDeadLetters(t *testing.T) {
	q := NewMemory()
	q.BackoffBase = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var notified atomic.Int32
	q.OnDeadLetter(func(job *Job, err error) { notified.Add(1) })

	var attempts atomic.Int32
	consume(ctx, q, "t1", Sync, 1, func(ctx context.Context, job *Job) error {
		attempts.Add(1)
		return errors.New("always fails")
	})

	require.NoError(t, q.Enqueue(ctx, newTestJob(t, "t1", Sync, PriorityManual)))

	require.Eventually(t, func() bool { return len(q.DeadJobs()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(DefaultMaxAttempts), attempts.Load())
	require.Equal(t, int32(1), notified.Load())
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	consume(ctx, q, "t1", Webhook, 1, func(ctx context.Context, job *Job) error {
		attempts.Add(1)
		return Permanent(errors.New("malformed payload"))
	})

	require.NoError(t, q.Enqueue(ctx, newTestJob(t, "t1", Webhook, PriorityWebhook)))

	require.Eventually(t, func() bool { return len(q.DeadJobs()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), attempts.Load())
	require.True(t, IsPermanent(q.DeadJobs()[0].Err))
}

func TestWebhookJobsGetMoreAttempts(t *testing.T) {
	job := newTestJob(t, "t1", Webhook, PriorityWebhook)
	require.Equal(t, WebhookMaxAttempts, job.MaxAttempts)

	job = newTestJob(t, "t1", Reconcile, PriorityScheduled)
	require.Equal(t, DefaultMaxAttempts, job.MaxAttempts)
}

func TestPriorityOrdering(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Enqueue before consuming so ordering is decided by the heap.
	scheduled := newTestJob(t, "t1", Sync, PriorityScheduled)
	manual := newTestJob(t, "t1", Sync, PriorityManual)
	webhook := newTestJob(t, "t1", Sync, PriorityWebhook)
	require.NoError(t, q.Enqueue(ctx, scheduled))
	require.NoError(t, q.Enqueue(ctx, manual))
	require.NoError(t, q.Enqueue(ctx, webhook))

	var mu sync.Mutex
	var order []Priority
	done := make(chan struct{})
	consume(ctx, q, "t1", Sync, 1, func(ctx context.Context, job *Job) error {
		mu.Lock()
		order = append(order, job.Priority)
		n := len(order)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("jobs not processed")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []Priority{PriorityWebhook, PriorityManual, PriorityScheduled}, order)
}

func TestTenantQueuesAreIsolated(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gotT1 := make(chan string, 1)
	consume(ctx, q, "t1", Sync, 1, func(ctx context.Context, job *Job) error {
		gotT1 <- job.TenantID
		return nil
	})

	require.NoError(t, q.Enqueue(ctx, newTestJob(t, "t2", Sync, PriorityManual)))
	require.NoError(t, q.Enqueue(ctx, newTestJob(t, "t1", Sync, PriorityManual)))

	select {
	case tenant := <-gotT1:
		require.Equal(t, "t1", tenant)
	case <-time.After(time.Second):
		t.Fatal("job not processed")
	}
	select {
	case tenant := <-gotT1:
		t.Fatalf("consumer for t1 received job for %s", tenant)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBackoffDoubles(t *testing.T) {
	base := time.Second
	require.Equal(t, time.Second, Backoff(base, 1))
	require.Equal(t, 2*time.Second, Backoff(base, 2))
	require.Equal(t, 4*time.Second, Backoff(base, 3))
	require.Equal(t, 8*time.Second, Backoff(base, 4))
}

func TestQueueFor(t *testing.T) {
	require.Equal(t, "sync.t1.webhook", QueueFor("t1", Webhook))
	require.Equal(t, "sync.acme.reconcile", QueueFor("acme", Reconcile))
}
