package worker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/aceteam-ai/tally/internal/pipeline"
	"github.com/aceteam-ai/tally/internal/rabbitmq"
)

// amqpBroker is the subset of rabbitmq.Client the source uses.
type amqpBroker interface {
	DeclareQueue(name, deadLetter string) error
	Consume(queue, consumer string) (<-chan amqp.Delivery, error)
	Publish(ctx context.Context, queue, messageID string, body []byte) error
	Ack(tag uint64) error
	Nack(tag uint64, requeue bool) error
	NotifyClose() <-chan *amqp.Error
	Close() error
}

// AMQPSource implements JobSource for RabbitMQ queues.
type AMQPSource struct {
	config AMQPSourceConfig
	dial   func(rabbitmq.Config) (amqpBroker, error)

	broker     amqpBroker
	deliveries <-chan amqp.Delivery
	closed     <-chan *amqp.Error
}

// AMQPSourceConfig holds configuration for AMQPSource.
type AMQPSourceConfig struct {
	SourceConfig

	// Connection settings
	Connection rabbitmq.Config

	// Block is how long Next waits for a delivery before returning nil (default: 5s)
	Block time.Duration
}

// NewAMQPSource creates a RabbitMQ job source.
func NewAMQPSource(cfg AMQPSourceConfig) *AMQPSource {
	if cfg.Block == 0 {
		cfg.Block = 5 * time.Second
	}
	return &AMQPSource{
		config: cfg,
		dial: func(c rabbitmq.Config) (amqpBroker, error) {
			return rabbitmq.Dial(c)
		},
	}
}

// Name returns the source identifier.
func (s *AMQPSource) Name() string {
	return "amqp"
}

func (s *AMQPSource) log(level, format string, args ...interface{}) {
	s.config.log(level, fmt.Sprintf(format, args...))
}

// Connect dials the broker, declares the task, result and dead letter
// queues and starts consuming.
func (s *AMQPSource) Connect(ctx context.Context) error {
	broker, err := s.dial(s.config.Connection)
	if err != nil {
		return err
	}

	if err := broker.DeclareQueue(s.config.Queue, s.config.DeadLetterQueue); err != nil {
		broker.Close()
		return err
	}
	if err := broker.DeclareQueue(s.config.ResultQueue, ""); err != nil {
		broker.Close()
		return err
	}
	deliveries, err := broker.Consume(s.config.Queue, s.config.WorkerID)
	if err != nil {
		broker.Close()
		return err
	}

	s.broker = broker
	s.deliveries = deliveries
	s.closed = broker.NotifyClose()

	s.log("info", "Connected to RabbitMQ: %s", s.config.Connection.Redacted())
	s.log("info", "Consuming %s, results to %s", s.config.Queue, s.config.ResultQueue)
	if s.config.DeadLetterQueue != "" {
		s.log("info", "Dead letter queue: %s", s.config.DeadLetterQueue)
	}
	return nil
}

// Next waits up to Block for a delivery. A lost connection is reported as
// ErrSourceClosed.
func (s *AMQPSource) Next(ctx context.Context) (*Job, error) {
	timer := time.NewTimer(s.config.Block)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case err, ok := <-s.closed:
		if ok && err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSourceClosed, err)
		}
		return nil, ErrSourceClosed
	case d, ok := <-s.deliveries:
		if !ok {
			return nil, fmt.Errorf("%w: delivery channel closed", ErrSourceClosed)
		}
		return s.toJob(d), nil
	}
}

func (s *AMQPSource) toJob(d amqp.Delivery) *Job {
	id := pipeline.PeekTaskID(d.Body)
	if id == "" {
		id = d.MessageId
	}
	return &Job{
		ID:        id,
		Type:      s.config.Pipeline,
		Body:      d.Body,
		Source:    s.Name(),
		MessageID: strconv.FormatUint(d.DeliveryTag, 10),
		Metadata: JobMetadata{
			ReceivedAt: time.Now(),
			Attempts:   rabbitmq.DeliveryCount(d),
		},
	}
}

func deliveryTag(job *Job) (uint64, error) {
	tag, err := strconv.ParseUint(job.MessageID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid delivery tag %q: %w", job.MessageID, err)
	}
	return tag, nil
}

// Publish sends the result to the result queue and waits for the broker's
// confirm.
func (s *AMQPSource) Publish(ctx context.Context, job *Job, result []byte) error {
	return s.broker.Publish(ctx, s.config.ResultQueue, job.ID, result)
}

// Ack acknowledges successful job completion.
func (s *AMQPSource) Ack(ctx context.Context, job *Job) error {
	tag, err := deliveryTag(job)
	if err != nil {
		return err
	}
	return s.broker.Ack(tag)
}

// Nack returns the job to the queue, or rejects it to the dead letter route.
func (s *AMQPSource) Nack(ctx context.Context, job *Job, requeue bool, reason error) error {
	tag, err := deliveryTag(job)
	if err != nil {
		return err
	}
	if !requeue && s.config.DeadLetterQueue != "" {
		s.log("warning", "Job %s dead-lettered to %s", job.ID, s.config.DeadLetterQueue)
	}
	return s.broker.Nack(tag, requeue)
}

// Close cleanly disconnects from the broker.
func (s *AMQPSource) Close() error {
	if s.broker != nil {
		return s.broker.Close()
	}
	return nil
}

// Ensure AMQPSource implements JobSource
var _ JobSource = (*AMQPSource)(nil)
