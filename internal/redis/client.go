// Package redis carries tally tasks and results over Redis Streams.
//
// It is the alternative to RabbitMQ for deployments that already run Redis:
//
//   - Task streams are read with a consumer group, one entry at a time
//   - Entries this consumer left pending after a failed attempt are re-read with XCLAIM
//   - Entries another consumer abandoned are reclaimed with XAUTOCLAIM once idle past ClaimIdle
//   - Results are appended to a result stream with XADD
//   - Rejected tasks are copied to a dead letter stream before being acked
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Stream entry fields.
const (
	FieldBody   = "body"
	FieldTaskID = "task_id"
)

// Message is one task entry read from a stream.
type Message struct {
	ID     string
	TaskID string
	Body   []byte

	// Deliveries is how many times the group has handed this entry out,
	// including the current delivery.
	Deliveries int64
}

// Client wraps the Redis operations tally needs.
type Client struct {
	client        *redis.Client
	workerID      string
	stream        string
	consumerGroup string
	block         time.Duration
	claimIdle     time.Duration
}

// ClientConfig holds configuration for the Redis client.
type ClientConfig struct {
	URL      string
	Password string

	// Stream is the task stream to consume. Publishing and enqueueing work
	// without it.
	Stream        string
	ConsumerGroup string

	// Block is how long a read waits for a new entry.
	Block time.Duration

	// ClaimIdle is how long an entry held by another consumer must sit
	// unacknowledged before this one takes it over. It must outlast the
	// longest task, or a live task is processed twice.
	ClaimIdle time.Duration

	// WorkerID names the consumer. Generated when empty.
	WorkerID string
}

// NewClient creates a client. Call Connect before use.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "tally-workers"
	}
	if cfg.Block == 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.ClaimIdle < 0 {
		cfg.ClaimIdle = 0
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = fmt.Sprintf("tally-%s", uuid.New().String()[:8])
	}
	return &Client{
		workerID:      cfg.WorkerID,
		stream:        cfg.Stream,
		consumerGroup: cfg.ConsumerGroup,
		block:         cfg.Block,
		claimIdle:     cfg.ClaimIdle,
	}
}

// Connect parses url and pings the server.
func (c *Client) Connect(ctx context.Context, url, password string) error {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if password != "" {
		opts.Password = password
	}

	c.client = redis.NewClient(opts)
	if err := c.client.Ping(ctx).Err(); err != nil {
		c.client.Close()
		c.client = nil
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return nil
}

// EnsureConsumerGroup creates the stream and its consumer group if needed.
func (c *Client) EnsureConsumerGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.consumerGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// ReadTask returns the next entry to process: first an entry this consumer
// left pending, then one another consumer abandoned more than ClaimIdle ago,
// then a new one. Returns nil when nothing arrives within the block timeout.
//
// A consumer reads one entry at a time, so anything it still has pending
// when ReadTask is called was requeued by a failed attempt.
func (c *Client) ReadTask(ctx context.Context) (*Message, error) {
	msg, err := c.claimOwn(ctx)
	if err != nil || msg != nil {
		return msg, err
	}
	msg, err = c.claimStale(ctx)
	if err != nil || msg != nil {
		return msg, err
	}

	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.consumerGroup,
		Consumer: c.workerID,
		Streams:  []string{c.stream, ">"},
		Count:    1,
		Block:    c.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return c.withDeliveries(ctx, parseMessage(streams[0].Messages[0]))
}

// claimOwn re-reads the oldest entry pending for this consumer. XCLAIM bumps
// its delivery count.
func (c *Client) claimOwn(ctx context.Context) (*Message, error) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   c.stream,
		Group:    c.consumerGroup,
		Start:    "-",
		End:      "+",
		Count:    1,
		Consumer: c.workerID,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list own pending entries: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	msgs, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.stream,
		Group:    c.consumerGroup,
		Consumer: c.workerID,
		Messages: []string{pending[0].ID},
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to claim pending entry %s: %w", pending[0].ID, err)
	}
	if len(msgs) == 0 {
		// Trimmed from the stream while pending.
		if err := c.Ack(ctx, pending[0].ID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return c.withDeliveries(ctx, parseMessage(msgs[0]))
}

func (c *Client) claimStale(ctx context.Context) (*Message, error) {
	msgs, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.consumerGroup,
		Consumer: c.workerID,
		MinIdle:  c.claimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim pending entries: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return c.withDeliveries(ctx, parseMessage(msgs[0]))
}

func (c *Client) withDeliveries(ctx context.Context, msg *Message) (*Message, error) {
	n, err := c.DeliveryCount(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	msg.Deliveries = n
	return msg, nil
}

// DeliveryCount returns how many times an entry has been delivered.
func (c *Client) DeliveryCount(ctx context.Context, messageID string) (int64, error) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.consumerGroup,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(pending) > 0 {
		return pending[0].RetryCount, nil
	}
	return 0, nil
}

func parseMessage(msg redis.XMessage) *Message {
	m := &Message{ID: msg.ID}
	if id, ok := msg.Values[FieldTaskID].(string); ok {
		m.TaskID = id
	}
	if body, ok := msg.Values[FieldBody].(string); ok {
		m.Body = []byte(body)
	}
	return m
}

// Ack removes an entry from the group's pending list.
func (c *Client) Ack(ctx context.Context, messageID string) error {
	return c.client.XAck(ctx, c.stream, c.consumerGroup, messageID).Err()
}

// Publish appends a body to stream and returns the new entry id.
func (c *Client) Publish(ctx context.Context, stream, taskID string, body []byte) (string, error) {
	return c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			FieldTaskID: taskID,
			FieldBody:   string(body),
		},
	}).Result()
}

// MoveToDLQ copies an entry to the dead letter stream with the reason it
// was rejected. The caller still acks the original.
func (c *Client) MoveToDLQ(ctx context.Context, dlq string, msg *Message, reason string) error {
	return c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dlq,
		Values: map[string]any{
			"original_message_id": msg.ID,
			"original_queue":      c.stream,
			"reason":              reason,
			"deliveries":          msg.Deliveries,
			"moved_at":            time.Now().UTC().Format(time.RFC3339),
			"worker_id":           c.workerID,
			FieldTaskID:           msg.TaskID,
			FieldBody:             string(msg.Body),
		},
	}).Err()
}

// SetTaskStatus records the latest state of a task in a hash.
func (c *Client) SetTaskStatus(ctx context.Context, taskID, status string, data map[string]any) error {
	if taskID == "" {
		return nil
	}
	key := fmt.Sprintf("task:%s:status", taskID)

	fields := map[string]any{
		"status":     status,
		"worker_id":  c.workerID,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range data {
		fields[k] = v
	}
	return c.client.HSet(ctx, key, fields).Err()
}

// StreamInfo summarises a stream for status output.
type StreamInfo struct {
	Length  int64
	Pending int64
}

// Info returns the length of stream and, when it has the consumer group,
// the number of pending entries.
func (c *Client) Info(ctx context.Context, stream string) (StreamInfo, error) {
	var info StreamInfo
	n, err := c.client.XLen(ctx, stream).Result()
	if err != nil {
		return info, err
	}
	info.Length = n

	p, err := c.client.XPending(ctx, stream, c.consumerGroup).Result()
	if err == nil {
		info.Pending = p.Count
	}
	return info, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// WorkerID returns the consumer name.
func (c *Client) WorkerID() string {
	return c.workerID
}

// Stream returns the task stream this client consumes.
func (c *Client) Stream() string {
	return c.stream
}
