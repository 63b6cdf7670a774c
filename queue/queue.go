// Package queue provides durable, named, per-tenant job queues with retry,
// exponential backoff and dead-lettering. RabbitMQ backs production; an
// in-memory implementation with the same semantics backs tests and
// single-process mode.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Name identifies one of the four work queues every tenant owns.
type Name string

const (
	Webhook   Name = "webhook"
	Sync      Name = "sync"
	Reconcile Name = "reconcile"
	Alert     Name = "alert"
)

// QueueFor returns the broker queue name for a tenant's work queue.
func QueueFor(tenantID string, name Name) string {
	return fmt.Sprintf("sync.%s.%s", tenantID, name)
}

// Priority ranks jobs within a queue. Webhooks preempt manual triggers,
// which preempt scheduled reconciliation.
type Priority uint8

const (
	PriorityWebhook   Priority = 9
	PriorityManual    Priority = 5
	PriorityScheduled Priority = 1
)

// Default retry policies. Webhooks get more attempts because providers only
// deliver them once.
const (
	DefaultMaxAttempts = 3
	WebhookMaxAttempts = 5
	BackoffBase        = time.Second
)

// Job is one unit of queued work.
type Job struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Name        Name            `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Priority    Priority        `json:"priority"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// NewJob builds a job with a fresh id and the default policy for its queue.
func NewJob(tenantID string, name Name, payload any, priority Priority) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	maxAttempts := DefaultMaxAttempts
	if name == Webhook {
		maxAttempts = WebhookMaxAttempts
	}
	return &Job{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Name:        name,
		Payload:     body,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
	}, nil
}

// Handler processes one job. A returned error triggers the retry policy
// unless wrapped with Permanent.
type Handler func(ctx context.Context, job *Job) error

// DeadLetterFunc observes a job that exhausted its attempts or failed
// permanently.
type DeadLetterFunc func(job *Job, err error)

// Queue is the engine's job transport.
type Queue interface {
	Enqueue(ctx context.Context, job *Job) error
	// Consume processes jobs from one tenant queue until ctx is cancelled.
	// concurrency limits simultaneous handlers (reconciliation runs with 1).
	Consume(ctx context.Context, tenantID string, name Name, concurrency int, handler Handler) error
	// OnDeadLetter installs the dead-letter observer for this queue handle.
	OnDeadLetter(fn DeadLetterFunc)
}

// permanentError marks a job failure as non-retryable.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so the queue dead-letters the job immediately
// instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Backoff returns the sleep before retry attempt n (1-based): base, 2*base,
// 4*base, ...
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(1<<uint(attempt-1))
}
