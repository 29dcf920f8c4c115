package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/config"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/metrics"
)

const (
	JobsQueueName          = "transcription_jobs"
	ExchangeName           = "whisperproxy"
	DeadLetterQueueName    = "transcription_jobs_dlq"
	DeadLetterExchangeName = "whisperproxy_dlq"
)

// AMQPQueue is a durable RabbitMQ queue shared by API and worker processes.
// Deliveries that fail maxRedeliveries times are routed to the dead letter
// queue for inspection.
type AMQPQueue struct {
	conn    *amqp.Connection
	channel *amqp.Channel

	// amqp channels are not safe for concurrent publishing
	pubMu sync.Mutex
}

// NewAMQPQueue connects to RabbitMQ and declares the exchanges and queues
func NewAMQPQueue(cfg config.QueueConfig) (*AMQPQueue, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Vhost)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	q := &AMQPQueue{conn: conn, channel: channel}
	if err := q.declare(); err != nil {
		q.Close()
		return nil, err
	}

	return q, nil
}

func (q *AMQPQueue) declare() error {
	// Dead letter side first so the main queue can reference it
	if err := q.channel.ExchangeDeclare(
		DeadLetterExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return fmt.Errorf("failed to declare DLQ exchange: %w", err)
	}

	if _, err := q.channel.QueueDeclare(
		DeadLetterQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}

	if err := q.channel.QueueBind(DeadLetterQueueName, DeadLetterQueueName, DeadLetterExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind DLQ: %w", err)
	}

	if err := q.channel.ExchangeDeclare(ExchangeName, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if _, err := q.channel.QueueDeclare(
		JobsQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    DeadLetterExchangeName,
			"x-dead-letter-routing-key": DeadLetterQueueName,
		},
	); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := q.channel.QueueBind(JobsQueueName, JobsQueueName, ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	return nil
}

// Close closes the queue connection
func (q *AMQPQueue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// Publish sends a persistent message carrying the job id
func (q *AMQPQueue) Publish(ctx context.Context, jobID string) error {
	return q.publish(ctx, Message{JobID: jobID}, 0)
}

func (q *AMQPQueue) publish(ctx context.Context, msg Message, deliveries int) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	err = q.channel.PublishWithContext(ctx,
		ExchangeName,
		JobsQueueName,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
			MessageId:    msg.JobID,
			Headers:      amqp.Table{"x-deliveries": int32(deliveries)},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}

	return nil
}

// Consume registers a manual-ack consumer with prefetch equal to concurrency
func (q *AMQPQueue) Consume(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	if err := q.channel.Qos(
		concurrency, // prefetch count
		0,           // prefetch size
		false,       // global
	); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := q.channel.Consume(
		JobsQueueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-msgs:
					if !ok {
						return
					}
					q.deliver(ctx, d, handler)
				}
			}
		}()
	}

	wg.Wait()
	return ctx.Err()
}

func (q *AMQPQueue) deliver(ctx context.Context, d amqp.Delivery, handler Handler) {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.JobID == "" {
		log.Error().Err(err).Msg("Dead-lettering malformed message")
		d.Nack(false, false)
		return
	}

	err := handler(ctx, msg)
	if err == nil {
		d.Ack(false)
		return
	}

	deliveries := deliveryCount(d.Headers) + 1
	if deliveries >= maxRedeliveries {
		log.Error().Err(err).Str("job_id", msg.JobID).Msg("Dead-lettering job after repeated delivery failures")
		metrics.RecordError("queue", "dead_letter")
		d.Nack(false, false)
		return
	}

	// republish with the counter so redeliveries are bounded across consumers
	if perr := q.publish(context.WithoutCancel(ctx), msg, deliveries); perr != nil {
		log.Error().Err(perr).Str("job_id", msg.JobID).Msg("Failed to republish job, requeueing")
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}

func deliveryCount(headers amqp.Table) int {
	switch v := headers["x-deliveries"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Depth returns the number of messages in the queue
func (q *AMQPQueue) Depth(ctx context.Context) (int, error) {
	info, err := q.channel.QueueInspect(JobsQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}

	metrics.JobsQueueDepth.Set(float64(info.Messages))
	return info.Messages, nil
}
