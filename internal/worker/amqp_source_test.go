package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/aceteam-ai/tally/internal/rabbitmq"
)

type nack struct {
	tag     uint64
	requeue bool
}

// fakeBroker records what the source asks of the broker.
type fakeBroker struct {
	declared   map[string]string
	deliveries chan amqp.Delivery
	closed     chan *amqp.Error
	published  map[string][]byte
	publishErr error
	acks       []uint64
	nacks      []nack
	isClosed   bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		declared:   make(map[string]string),
		deliveries: make(chan amqp.Delivery, 4),
		closed:     make(chan *amqp.Error, 1),
		published:  make(map[string][]byte),
	}
}

func (b *fakeBroker) DeclareQueue(name, deadLetter string) error {
	b.declared[name] = deadLetter
	return nil
}

func (b *fakeBroker) Consume(queue, consumer string) (<-chan amqp.Delivery, error) {
	return b.deliveries, nil
}

func (b *fakeBroker) Publish(ctx context.Context, queue, messageID string, body []byte) error {
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published[queue+"/"+messageID] = body
	return nil
}

func (b *fakeBroker) Ack(tag uint64) error {
	b.acks = append(b.acks, tag)
	return nil
}

func (b *fakeBroker) Nack(tag uint64, requeue bool) error {
	b.nacks = append(b.nacks, nack{tag, requeue})
	return nil
}

func (b *fakeBroker) NotifyClose() <-chan *amqp.Error { return b.closed }

func (b *fakeBroker) Close() error {
	b.isClosed = true
	return nil
}

func newTestAMQPSource(t *testing.T, broker *fakeBroker) *AMQPSource {
	t.Helper()
	source := NewAMQPSource(AMQPSourceConfig{
		SourceConfig: SourceConfig{
			Pipeline:        "ocr",
			Queue:           "ocr_tasks",
			ResultQueue:     "ocr_results",
			DeadLetterQueue: "ocr_tasks_dlq",
			WorkerID:        "w1",
		},
		Connection: rabbitmq.Config{Host: "mq", Port: 5672, User: "guest", Password: "guest"},
		Block:      20 * time.Millisecond,
	})
	source.dial = func(rabbitmq.Config) (amqpBroker, error) { return broker, nil }
	if err := source.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return source
}

func TestAMQPSourceConnectDeclaresQueues(t *testing.T) {
	broker := newFakeBroker()
	newTestAMQPSource(t, broker)

	if dl, ok := broker.declared["ocr_tasks"]; !ok || dl != "ocr_tasks_dlq" {
		t.Errorf("task queue declared with dead letter %q (declared: %v)", dl, ok)
	}
	if dl, ok := broker.declared["ocr_results"]; !ok || dl != "" {
		t.Errorf("result queue declared with dead letter %q (declared: %v)", dl, ok)
	}
}

func TestAMQPSourceConnectFailure(t *testing.T) {
	source := NewAMQPSource(AMQPSourceConfig{})
	source.dial = func(rabbitmq.Config) (amqpBroker, error) { return nil, errors.New("connection refused") }

	if err := source.Connect(context.Background()); err == nil {
		t.Error("Connect() should fail when the broker is unreachable")
	}
}

func TestAMQPSourceNext(t *testing.T) {
	broker := newFakeBroker()
	source := newTestAMQPSource(t, broker)

	broker.deliveries <- amqp.Delivery{DeliveryTag: 9, Body: []byte(`{"task_id":"T1","image_b64":"x"}`)}

	job, err := source.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if job == nil {
		t.Fatal("Next() returned nil job")
	}
	if job.ID != "T1" || job.Type != "ocr" || job.MessageID != "9" || job.Source != "amqp" {
		t.Errorf("job = %+v", job)
	}
	if job.Metadata.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1 for a first delivery", job.Metadata.Attempts)
	}
}

func TestAMQPSourceNextTimesOut(t *testing.T) {
	source := newTestAMQPSource(t, newFakeBroker())

	job, err := source.Next(context.Background())
	if err != nil || job != nil {
		t.Errorf("Next() = %v, %v, want nil, nil", job, err)
	}
}

func TestAMQPSourceNextConnectionLost(t *testing.T) {
	broker := newFakeBroker()
	source := newTestAMQPSource(t, broker)

	broker.closed <- amqp.ErrClosed

	_, err := source.Next(context.Background())
	if !errors.Is(err, ErrSourceClosed) {
		t.Errorf("Next() error = %v, want ErrSourceClosed", err)
	}
}

func TestAMQPSourceNextDeliveriesClosed(t *testing.T) {
	broker := newFakeBroker()
	source := newTestAMQPSource(t, broker)

	close(broker.deliveries)

	_, err := source.Next(context.Background())
	if !errors.Is(err, ErrSourceClosed) {
		t.Errorf("Next() error = %v, want ErrSourceClosed", err)
	}
}

func TestAMQPSourceSettlement(t *testing.T) {
	broker := newFakeBroker()
	source := newTestAMQPSource(t, broker)
	ctx := context.Background()
	job := &Job{ID: "T1", MessageID: "9"}

	if err := source.Publish(ctx, job, []byte(`{"task_id":"T1"}`)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if string(broker.published["ocr_results/T1"]) != `{"task_id":"T1"}` {
		t.Errorf("published = %v", broker.published)
	}

	if err := source.Ack(ctx, job); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	if err := source.Nack(ctx, job, true, errors.New("busy")); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}
	if err := source.Nack(ctx, job, false, errors.New("bad")); err != nil {
		t.Fatalf("Nack() error = %v", err)
	}

	if len(broker.acks) != 1 || broker.acks[0] != 9 {
		t.Errorf("acks = %v, want [9]", broker.acks)
	}
	want := []nack{{9, true}, {9, false}}
	if len(broker.nacks) != 2 || broker.nacks[0] != want[0] || broker.nacks[1] != want[1] {
		t.Errorf("nacks = %v, want %v", broker.nacks, want)
	}

	if err := source.Ack(ctx, &Job{MessageID: "not-a-tag"}); err == nil {
		t.Error("Ack() should fail for an invalid delivery tag")
	}

	if err := source.Close(); err != nil || !broker.isClosed {
		t.Errorf("Close() = %v, closed = %v", err, broker.isClosed)
	}
}

func TestAMQPSourceRunnerRequeuesOnPublishFailure(t *testing.T) {
	broker := newFakeBroker()
	broker.publishErr = rabbitmq.ErrNotConfirmed
	source := NewAMQPSource(AMQPSourceConfig{
		SourceConfig: SourceConfig{Pipeline: "ocr", Queue: "ocr_tasks", ResultQueue: "ocr_results"},
		Block:        10 * time.Millisecond,
	})
	source.dial = func(rabbitmq.Config) (amqpBroker, error) { return broker, nil }

	broker.deliveries <- amqp.Delivery{DeliveryTag: 1, Body: []byte(`{"task_id":"T1"}`)}

	runner := NewRunner(source, []JobHandler{NewMockJobHandler("ocr", JobStatusSuccess)}, RunnerConfig{
		WorkerID:   "w1",
		ActivityFn: func(level, msg string) {},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := runner.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(broker.acks) != 0 {
		t.Errorf("acks = %v, want none when the result was not confirmed", broker.acks)
	}
	if len(broker.nacks) != 1 || !broker.nacks[0].requeue {
		t.Errorf("nacks = %v, want one requeue", broker.nacks)
	}
}
