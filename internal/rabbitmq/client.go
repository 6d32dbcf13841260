// Package rabbitmq is the AMQP 0-9-1 connection tally workers consume tasks
// from and publish results to.
//
// A Client owns one connection and one channel for its whole lifetime. The
// channel runs in publisher-confirm mode so Publish only returns nil once the
// broker has taken responsibility for the message.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConfirmed is returned when the broker nacks a published message.
var ErrNotConfirmed = errors.New("publish not confirmed by broker")

// DeliveryCountHeader is set by RabbitMQ on redeliveries from quorum queues.
const DeliveryCountHeader = "x-delivery-count"

// Config holds connection settings.
type Config struct {
	Host      string
	Port      int
	User      string
	Password  string
	VHost     string
	Heartbeat time.Duration
}

// URI returns the AMQP URI for cfg.
func (cfg Config) URI() string {
	return cfg.url().String()
}

// Redacted returns the URI with the password masked, for logging.
func (cfg Config) Redacted() string {
	return cfg.url().Redacted()
}

func (cfg Config) url() *url.URL {
	u := &url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:   "/",
	}
	if cfg.VHost != "" && cfg.VHost != "/" {
		u.Path = "/" + cfg.VHost
	}
	return u
}

// Client is a single AMQP connection and channel.
type Client struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed chan *amqp.Error
}

// Dial connects and opens a confirm-mode channel. There is no reconnect:
// a failure here or a later connection loss is reported to the caller.
func Dial(cfg Config) (*Client, error) {
	conn, err := amqp.DialConfig(cfg.URI(), amqp.Config{
		Heartbeat: cfg.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Redacted(), err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	c := &Client{conn: conn, ch: ch, closed: make(chan *amqp.Error, 1)}
	conn.NotifyClose(c.closed)
	return c, nil
}

// QueueArgs returns the declaration arguments for a task queue. A non-empty
// deadLetter routes rejected messages to that queue through the default
// exchange.
func QueueArgs(deadLetter string) amqp.Table {
	if deadLetter == "" {
		return nil
	}
	return amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": deadLetter,
	}
}

// DeclareQueue declares a durable queue, and its dead letter queue when one
// is named.
func (c *Client) DeclareQueue(name, deadLetter string) error {
	if deadLetter != "" {
		if _, err := c.ch.QueueDeclare(deadLetter, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", deadLetter, err)
		}
	}
	if _, err := c.ch.QueueDeclare(name, true, false, false, false, QueueArgs(deadLetter)); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	return nil
}

// Consume starts a manual-ack consumer with a prefetch of one.
func (c *Client) Consume(queue, consumer string) (<-chan amqp.Delivery, error) {
	if err := c.ch.Qos(1, 0, false); err != nil {
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := c.ch.Consume(queue, consumer, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return deliveries, nil
}

// Publish sends a persistent JSON message to queue through the default
// exchange and waits for the broker's confirm.
func (c *Client) Publish(ctx context.Context, queue, messageID string, body []byte) error {
	dc, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	if !ok {
		return fmt.Errorf("publish to %s: %w", queue, ErrNotConfirmed)
	}
	return nil
}

// Ack acknowledges one delivery.
func (c *Client) Ack(tag uint64) error {
	return c.ch.Ack(tag, false)
}

// Nack rejects one delivery. With requeue false the broker dead-letters it
// if the queue has a dead letter route, and drops it otherwise.
func (c *Client) Nack(tag uint64, requeue bool) error {
	return c.ch.Nack(tag, false, requeue)
}

// QueueStats is the broker's view of a queue.
type QueueStats struct {
	Name      string
	Messages  int
	Consumers int
}

// Inspect reports the depth of an existing queue. It uses a throwaway
// channel since a passive declare of a missing queue closes the channel.
func (c *Client) Inspect(name string) (QueueStats, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return QueueStats{}, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		return QueueStats{}, fmt.Errorf("inspect %s: %w", name, err)
	}
	return QueueStats{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

// NotifyClose returns a channel that receives the error that closed the
// connection. It is closed without a value on a clean shutdown.
func (c *Client) NotifyClose() <-chan *amqp.Error {
	return c.closed
}

// Close closes the channel and connection.
func (c *Client) Close() error {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}

// DeliveryCount returns how many times a delivery has been handed out,
// counting this one. It is zero when the broker does not say: classic queues
// only flag redeliveries.
func DeliveryCount(d amqp.Delivery) int {
	v, ok := d.Headers[DeliveryCountHeader]
	if !ok {
		if !d.Redelivered {
			return 1
		}
		return 0
	}
	var n int64
	switch x := v.(type) {
	case int64:
		n = x
	case int32:
		n = int64(x)
	case int:
		n = int64(x)
	case string:
		n, _ = strconv.ParseInt(x, 10, 64)
	}
	return int(n) + 1
}
