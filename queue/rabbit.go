package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/mkesani1/stockclerk-sub001/common/broker"
)

// maxQueuePriority is the x-max-priority set on every work queue.
const maxQueuePriority = 10

// Rabbit implements Queue over RabbitMQ. Queues are durable, wired to the
// shared DLX, and declared lazily on first use. Failed jobs are republished
// with an incremented x-retry-count until attempts are exhausted, then nacked
// into the queue-specific DLQ.
type Rabbit struct {
	ch     *amqp.Channel
	logger *zap.Logger

	mu         sync.Mutex
	declared   map[string]bool
	deadLetter DeadLetterFunc
}

func NewRabbit(ch *amqp.Channel, logger *zap.Logger) *Rabbit {
	return &Rabbit{
		ch:       ch,
		logger:   logger,
		declared: make(map[string]bool),
	}
}

func (r *Rabbit) OnDeadLetter(fn DeadLetterFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deadLetter = fn
}

func (r *Rabbit) ensureQueue(queueName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.declared[queueName] {
		return nil
	}
	if err := broker.DeclareWorkQueue(r.ch, queueName, maxQueuePriority); err != nil {
		return err
	}
	r.declared[queueName] = true
	return nil
}

func (r *Rabbit) Enqueue(ctx context.Context, job *Job) error {
	queueName := QueueFor(job.TenantID, job.Name)
	if err := r.ensureQueue(queueName); err != nil {
		return err
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	headers := amqp.Table(broker.InjectTraceContext(ctx))

	err = r.ch.PublishWithContext(ctx,
		"",        // default exchange routes by queue name
		queueName, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Headers:      headers,
			Body:         body,
			Priority:     uint8(job.Priority),
			MessageId:    job.ID,
			Timestamp:    job.CreatedAt,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish job to %s: %w", queueName, err)
	}
	return nil
}

func (r *Rabbit) Consume(ctx context.Context, tenantID string, name Name, concurrency int, handler Handler) error {
	queueName := QueueFor(tenantID, name)
	if err := r.ensureQueue(queueName); err != nil {
		return err
	}

	if concurrency < 1 {
		concurrency = 1
	}
	if err := r.ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	msgs, err := r.ch.Consume(
		queueName,
		"",    // consumer tag auto-generated
		false, // manual ack, required for retry/DLQ
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queueName, err)
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				wg.Wait()
				return nil
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				r.process(ctx, queueName, d, handler)
			}(d)
		}
	}
}

func (r *Rabbit) process(ctx context.Context, queueName string, d amqp.Delivery, handler Handler) {
	msgCtx := broker.ExtractTraceContext(ctx, d.Headers)
	tracer := otel.Tracer("queue")
	msgCtx, span := tracer.Start(msgCtx, "queue consume "+queueName)
	defer span.End()

	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		r.logger.Error("failed to unmarshal job, dead-lettering",
			zap.String("queue", queueName),
			zap.Error(err),
		)
		_ = d.Nack(false, false)
		return
	}
	job.Attempt = broker.RetryCount(&d) + 1

	err := handler(msgCtx, &job)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	if IsPermanent(err) {
		r.logger.Warn("job failed permanently, dead-lettering",
			zap.String("queue", queueName),
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		_ = d.Nack(false, false)
		r.notifyDeadLetter(&job, err)
		return
	}

	if job.Attempt >= job.MaxAttempts {
		r.logger.Warn("job exhausted retries, dead-lettering",
			zap.String("queue", queueName),
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempt),
			zap.Error(err),
		)
		_ = d.Nack(false, false)
		r.notifyDeadLetter(&job, err)
		return
	}

	r.logger.Info("job failed, retrying",
		zap.String("queue", queueName),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt),
		zap.Error(err),
	)
	if retryErr := broker.HandleRetry(r.ch, &d, job.MaxAttempts, BackoffBase); retryErr != nil {
		r.logger.Error("failed to republish job for retry",
			zap.String("queue", queueName),
			zap.String("job_id", job.ID),
			zap.Error(retryErr),
		)
	}
}

func (r *Rabbit) notifyDeadLetter(job *Job, err error) {
	r.mu.Lock()
	fn := r.deadLetter
	r.mu.Unlock()
	if fn != nil {
		fn(job, err)
	}
}

// Purge drops all retention-expired messages. RabbitMQ's DLQ retention
// (removeOnFail after 7d) is enforced by queue TTL policy server-side; this
// exists for tests and operational cleanup.
func (r *Rabbit) Purge(queueName string) error {
	_, err := r.ch.QueuePurge(queueName, false)
	return err
}

var _ Queue = (*Rabbit)(nil)
