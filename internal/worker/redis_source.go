package worker

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aceteam-ai/tally/internal/pipeline"
	redisclient "github.com/aceteam-ai/tally/internal/redis"
)

// maskRedisURL masks the password in a Redis URL for safe logging.
// redis://:password@host:port -> redis://***@host:port
func maskRedisURL(redisURL string) string {
	u, err := url.Parse(redisURL)
	if err != nil {
		// If parsing fails, just show the scheme and a placeholder
		if strings.HasPrefix(redisURL, "redis://") {
			return "redis://***"
		}
		return "***"
	}
	// If there's a password, mask it
	if _, hasPass := u.User.Password(); hasPass {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// RedisSource implements JobSource for Redis Streams.
//
// A requeued job stays in this consumer's pending list and is re-read by the
// next read. Entries of a consumer that went away are taken over once idle
// for ClaimIdle. A rejected job is copied to the dead letter stream, when one
// is configured, and acked.
type RedisSource struct {
	client *redisclient.Client
	config RedisSourceConfig

	// messages holds the stream entry behind each job in flight
	messages map[string]*redisclient.Message
}

// RedisSourceConfig holds configuration for RedisSource.
type RedisSourceConfig struct {
	SourceConfig

	// URL is the Redis connection URL
	URL string

	// Password is the Redis password (optional)
	Password string

	// ConsumerGroup is the consumer group name (default: "tally-workers")
	ConsumerGroup string

	// Block is how long to wait for a job before returning nil (default: 5s)
	Block time.Duration

	// ClaimIdle is how long another consumer's entry must sit idle before
	// this worker takes it over
	ClaimIdle time.Duration
}

// NewRedisSource creates a new Redis Streams job source.
func NewRedisSource(cfg RedisSourceConfig) *RedisSource {
	return &RedisSource{
		config:   cfg,
		messages: make(map[string]*redisclient.Message),
	}
}

// Name returns the source identifier.
func (s *RedisSource) Name() string {
	return "redis"
}

func (s *RedisSource) log(level, format string, args ...interface{}) {
	s.config.log(level, fmt.Sprintf(format, args...))
}

// Connect establishes connection to Redis.
func (s *RedisSource) Connect(ctx context.Context) error {
	s.client = redisclient.NewClient(redisclient.ClientConfig{
		URL:           s.config.URL,
		Password:      s.config.Password,
		Stream:        s.config.Queue,
		ConsumerGroup: s.config.ConsumerGroup,
		Block:         s.config.Block,
		ClaimIdle:     s.config.ClaimIdle,
		WorkerID:      s.config.WorkerID,
	})

	if err := s.client.Connect(ctx, s.config.URL, s.config.Password); err != nil {
		return err
	}
	if err := s.client.EnsureConsumerGroup(ctx); err != nil {
		s.client.Close()
		return err
	}

	s.log("info", "Connected to Redis: %s", maskRedisURL(s.config.URL))
	s.log("info", "Consuming %s as %s, results to %s", s.config.Queue, s.client.WorkerID(), s.config.ResultQueue)
	if s.config.DeadLetterQueue != "" {
		s.log("info", "Dead letter stream: %s", s.config.DeadLetterQueue)
	}
	return nil
}

// Next blocks until a job is available or context is cancelled.
func (s *RedisSource) Next(ctx context.Context) (*Job, error) {
	msg, err := s.client.ReadTask(ctx)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, nil
	}

	id := msg.TaskID
	if peeked := pipeline.PeekTaskID(msg.Body); peeked != "" {
		id = peeked
	}
	s.messages[msg.ID] = msg

	return &Job{
		ID:        id,
		Type:      s.config.Pipeline,
		Body:      msg.Body,
		Source:    s.Name(),
		MessageID: msg.ID,
		Metadata: JobMetadata{
			ReceivedAt: time.Now(),
			Attempts:   int(msg.Deliveries),
		},
	}, nil
}

// Publish appends the result to the result stream and marks the task
// completed.
func (s *RedisSource) Publish(ctx context.Context, job *Job, result []byte) error {
	if _, err := s.client.Publish(ctx, s.config.ResultQueue, job.ID, result); err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}
	if err := s.client.SetTaskStatus(ctx, job.ID, "completed", nil); err != nil {
		s.log("warning", "Failed to update status of %s: %v", job.ID, err)
	}
	return nil
}

// Ack acknowledges successful job completion.
func (s *RedisSource) Ack(ctx context.Context, job *Job) error {
	delete(s.messages, job.MessageID)
	return s.client.Ack(ctx, job.MessageID)
}

// Nack leaves a requeued job pending for reclaim, or dead-letters and acks
// a rejected one.
func (s *RedisSource) Nack(ctx context.Context, job *Job, requeue bool, reason error) error {
	reasonText := ""
	if reason != nil {
		reasonText = reason.Error()
	}

	if requeue {
		if err := s.client.SetTaskStatus(ctx, job.ID, "retrying", map[string]any{"error": reasonText}); err != nil {
			s.log("warning", "Failed to update status of %s: %v", job.ID, err)
		}
		return nil
	}

	msg, ok := s.messages[job.MessageID]
	if !ok {
		msg = &redisclient.Message{ID: job.MessageID, TaskID: job.ID, Body: job.Body, Deliveries: int64(job.Metadata.Attempts)}
	}
	delete(s.messages, job.MessageID)

	if s.config.DeadLetterQueue != "" {
		if err := s.client.MoveToDLQ(ctx, s.config.DeadLetterQueue, msg, reasonText); err != nil {
			// Leave it pending rather than lose it.
			return fmt.Errorf("failed to move %s to DLQ: %w", job.MessageID, err)
		}
		s.log("warning", "Job %s moved to %s", job.ID, s.config.DeadLetterQueue)
	}
	if err := s.client.SetTaskStatus(ctx, job.ID, "failed", map[string]any{"error": reasonText}); err != nil {
		s.log("warning", "Failed to update status of %s: %v", job.ID, err)
	}
	return s.client.Ack(ctx, job.MessageID)
}

// Close cleanly disconnects from Redis.
func (s *RedisSource) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Ensure RedisSource implements JobSource
var _ JobSource = (*RedisSource)(nil)
