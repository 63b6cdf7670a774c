package broker

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
)

// DLX is the shared dead-letter exchange. Every work queue declares
// x-dead-letter-exchange=dlx; failed messages are routed to the queue-specific
// DLQ bound with the original queue name as routing key.
const DLX = "dlx"

// RetryHeader carries the delivery attempt count inside the message so it
// survives broker restarts.
const RetryHeader = "x-retry-count"

// Connect opens a RabbitMQ connection plus channel and declares the shared
// dead-letter exchange. The returned close func tears down channel then
// connection, in that order.
func Connect(user, pass, host, port string) (*amqp.Channel, func() error, error) {
	address := fmt.Sprintf("amqp://%s:%s@%s:%s/", user, pass, host, port)

	conn, err := amqp.Dial(address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		DLX,      // name
		"direct", // routing key = original queue name
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to declare DLX exchange: %w", err)
	}

	close := func() error {
		if err := ch.Close(); err != nil {
			return err
		}
		return conn.Close()
	}

	return ch, close, nil
}

// DeclareWorkQueue declares a durable queue wired to the DLX together with its
// DLQ. maxPriority > 0 enables priority support on the queue.
func DeclareWorkQueue(ch *amqp.Channel, name string, maxPriority int) error {
	args := amqp.Table{
		"x-dead-letter-exchange": DLX,
	}
	if maxPriority > 0 {
		args["x-max-priority"] = int32(maxPriority)
	}

	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	dlq := name + ".dlq"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLQ %s: %w", dlq, err)
	}
	if err := ch.QueueBind(dlq, name, DLX, false, nil); err != nil {
		return fmt.Errorf("failed to bind DLQ %s to DLX: %w", dlq, err)
	}

	return nil
}

// RetryCount reads the attempt count from a delivery's headers.
func RetryCount(d *amqp.Delivery) int {
	if d.Headers == nil {
		return 0
	}
	n, ok := d.Headers[RetryHeader].(int64)
	if !ok {
		return 0
	}
	return int(n)
}

// HandleRetry republishes a failed delivery to its queue with an incremented
// retry count, sleeping with exponential backoff first. Once maxRetries is
// reached it nacks without requeue so the broker routes the message through
// the DLX to the queue's DLQ.
func HandleRetry(ch *amqp.Channel, d *amqp.Delivery, maxRetries int, backoffBase time.Duration) error {
	if d.Headers == nil {
		d.Headers = amqp.Table{}
	}

	retryCount, ok := d.Headers[RetryHeader].(int64)
	if !ok {
		retryCount = 0
	}
	retryCount++
	d.Headers[RetryHeader] = retryCount

	if int(retryCount) >= maxRetries {
		// Nack with requeue=false; the queue's x-dead-letter-exchange takes over.
		return d.Nack(false, false)
	}

	time.Sleep(backoffBase * time.Duration(1<<uint(retryCount-1)))

	if err := ch.PublishWithContext(
		context.Background(),
		d.Exchange,
		d.RoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Headers:      d.Headers,
			Body:         d.Body,
			Priority:     d.Priority,
			DeliveryMode: amqp.Persistent,
		},
	); err != nil {
		return err
	}
	return d.Ack(false)
}

// AmqpHeaderCarrier adapts AMQP headers to the OpenTelemetry TextMapCarrier.
type AmqpHeaderCarrier map[string]interface{}

func (a AmqpHeaderCarrier) Get(k string) string {
	value, ok := a[k]
	if !ok {
		return ""
	}
	s, _ := value.(string)
	return s
}

func (a AmqpHeaderCarrier) Set(k string, v string) {
	a[k] = v
}

func (a AmqpHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	return keys
}

// InjectTraceContext returns AMQP headers carrying the current trace context.
func InjectTraceContext(ctx context.Context) map[string]interface{} {
	carrier := make(AmqpHeaderCarrier)
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier
}

// ExtractTraceContext resumes a trace from incoming AMQP headers.
func ExtractTraceContext(ctx context.Context, headers map[string]interface{}) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, AmqpHeaderCarrier(headers))
}
