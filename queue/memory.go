package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Memory implements Queue in-process with the same retry, backoff and
// dead-letter semantics as the RabbitMQ implementation. Jobs are ordered by
// priority, then FIFO. Used by tests and by the degraded single-process path.
type Memory struct {
	// BackoffBase is overridable so tests do not sleep for real.
	BackoffBase time.Duration

	mu         sync.Mutex
	queues     map[string]*jobHeap
	waiters    map[string][]chan struct{}
	dead       []DeadJob
	deadLetter DeadLetterFunc
	seq        uint64
}

// DeadJob is a dead-lettered job retained for inspection.
type DeadJob struct {
	Job   *Job
	Err   error
	DeadAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		BackoffBase: BackoffBase,
		queues:      make(map[string]*jobHeap),
		waiters:     make(map[string][]chan struct{}),
	}
}

func (m *Memory) OnDeadLetter(fn DeadLetterFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetter = fn
}

// DeadJobs returns a copy of the dead-letter set.
func (m *Memory) DeadJobs() []DeadJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadJob, len(m.dead))
	copy(out, m.dead)
	return out
}

func (m *Memory) Enqueue(ctx context.Context, job *Job) error {
	queueName := QueueFor(job.TenantID, job.Name)

	m.mu.Lock()
	h, ok := m.queues[queueName]
	if !ok {
		h = &jobHeap{}
		m.queues[queueName] = h
	}
	m.seq++
	heap.Push(h, queuedJob{job: job, seq: m.seq})
	waiters := m.waiters[queueName]
	m.waiters[queueName] = nil
	m.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	return nil
}

// dequeue pops the highest-priority job or blocks until one arrives.
func (m *Memory) dequeue(ctx context.Context, queueName string) (*Job, error) {
	for {
		m.mu.Lock()
		if h, ok := m.queues[queueName]; ok && h.Len() > 0 {
			qj := heap.Pop(h).(queuedJob)
			m.mu.Unlock()
			return qj.job, nil
		}
		wait := make(chan struct{})
		m.waiters[queueName] = append(m.waiters[queueName], wait)
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (m *Memory) Consume(ctx context.Context, tenantID string, name Name, concurrency int, handler Handler) error {
	queueName := QueueFor(tenantID, name)
	if concurrency < 1 {
		concurrency = 1
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for {
		job, err := m.dequeue(ctx, queueName)
		if err != nil {
			wg.Wait()
			return err
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
		wg.Add(1)
		go func(job *Job) {
			defer wg.Done()
			defer func() { <-sem }()
			m.process(ctx, job, handler)
		}(job)
	}
}

func (m *Memory) process(ctx context.Context, job *Job, handler Handler) {
	job.Attempt++
	err := handler(ctx, job)
	if err == nil {
		return
	}

	if IsPermanent(err) || job.Attempt >= job.MaxAttempts {
		m.mu.Lock()
		m.dead = append(m.dead, DeadJob{Job: job, Err: err, DeadAt: time.Now()})
		fn := m.deadLetter
		m.mu.Unlock()
		if fn != nil {
			fn(job, err)
		}
		return
	}

	select {
	case <-time.After(Backoff(m.BackoffBase, job.Attempt)):
	case <-ctx.Done():
		return
	}
	_ = m.Enqueue(ctx, job)
}

// queuedJob orders jobs by priority desc, then arrival order.
type queuedJob struct {
	job *Job
	seq uint64
}

type jobHeap []queuedJob

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(queuedJob)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

var _ Queue = (*Memory)(nil)
