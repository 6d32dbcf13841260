// cmd/broker.go
package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aceteam-ai/tally/internal/config"
	"github.com/aceteam-ai/tally/internal/rabbitmq"
	redisclient "github.com/aceteam-ai/tally/internal/redis"
	"github.com/aceteam-ai/tally/internal/usage"
)

// brokerConn is what the CLI needs from a broker outside the worker loop:
// publishing tasks and usage records, and reading queue depths.
type brokerConn interface {
	Publish(ctx context.Context, queue, id string, body []byte) error
	Depth(ctx context.Context, queue string) (int64, error)
	Close() error
}

func amqpConfig(cfg config.AMQPConfig) rabbitmq.Config {
	return rabbitmq.Config{
		Host:      cfg.Host,
		Port:      cfg.Port,
		User:      cfg.User,
		Password:  cfg.Password,
		VHost:     cfg.VHost,
		Heartbeat: cfg.Heartbeat,
	}
}

// dialBroker connects to the configured broker.
func dialBroker(ctx context.Context, cfg *config.Config) (brokerConn, error) {
	switch cfg.Broker.Kind {
	case config.BrokerRedis:
		c := redisclient.NewClient(redisclient.ClientConfig{
			URL:           cfg.Broker.Redis.URL,
			Password:      cfg.Broker.Redis.Password,
			ConsumerGroup: cfg.Broker.Redis.ConsumerGroup,
		})
		if err := c.Connect(ctx, cfg.Broker.Redis.URL, cfg.Broker.Redis.Password); err != nil {
			return nil, err
		}
		return &redisConn{client: c}, nil
	default:
		c, err := rabbitmq.Dial(amqpConfig(cfg.Broker.AMQP))
		if err != nil {
			return nil, err
		}
		return &amqpConn{client: c}, nil
	}
}

type amqpConn struct {
	client   *rabbitmq.Client
	declared map[string]bool
}

func (c *amqpConn) Publish(ctx context.Context, queue, id string, body []byte) error {
	if c.declared == nil {
		c.declared = make(map[string]bool)
	}
	if !c.declared[queue] {
		if err := c.client.DeclareQueue(queue, ""); err != nil {
			return err
		}
		c.declared[queue] = true
	}
	return c.client.Publish(ctx, queue, id, body)
}

func (c *amqpConn) Depth(ctx context.Context, queue string) (int64, error) {
	q, err := c.client.Inspect(queue)
	if err != nil {
		return 0, err
	}
	return int64(q.Messages), nil
}

func (c *amqpConn) Close() error { return c.client.Close() }

type redisConn struct {
	client *redisclient.Client
}

func (c *redisConn) Publish(ctx context.Context, queue, id string, body []byte) error {
	_, err := c.client.Publish(ctx, queue, id, body)
	return err
}

func (c *redisConn) Depth(ctx context.Context, queue string) (int64, error) {
	info, err := c.client.Info(ctx, queue)
	if err != nil {
		return 0, err
	}
	return info.Length, nil
}

func (c *redisConn) Close() error { return c.client.Close() }

// usagePublisher sends attempt records to queue as one JSON array per batch.
func usagePublisher(conn brokerConn, queue string) usage.PublishFunc {
	return func(ctx context.Context, records []usage.AttemptRecord) error {
		body, err := json.Marshal(records)
		if err != nil {
			return fmt.Errorf("encode usage records: %w", err)
		}
		return conn.Publish(ctx, queue, fmt.Sprintf("usage-%d", records[0].ID), body)
	}
}
