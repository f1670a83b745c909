// Package rabbitmq implements the priority job broker on RabbitMQ.
//
// Topology: one durable work queue per priority band with x-max-priority so
// urgent messages jump within a band, a companion wait queue per band whose
// expired messages dead-letter back into the work queue (that is how delayed
// delivery works, there is no polling), and a dead-letter exchange that
// collects rejected messages into jobs.dead_letter.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relayq/relayq/internal/domain"
)

const (
	deadLetterExchange = "dlx"
	deadLetterQueue    = "jobs.dead_letter"
	maxPriority        = 10
)

// WorkQueue returns the work queue name for a priority band.
func WorkQueue(p domain.JobPriority) string {
	return "jobs." + string(p)
}

// WaitQueue returns the delay queue name for a priority band. Messages parked
// here with a per-message TTL re-enter the band's work queue on expiry.
func WaitQueue(p domain.JobPriority) string {
	return WorkQueue(p) + ".wait"
}

// PriorityByte maps a band to its AMQP message priority.
func PriorityByte(p domain.JobPriority) uint8 {
	switch p {
	case domain.PriorityHigh:
		return 10
	case domain.PriorityLow:
		return 1
	default:
		return 5
	}
}

var bands = []domain.JobPriority{domain.PriorityHigh, domain.PriorityMedium, domain.PriorityLow}

// Client owns one AMQP connection and channel and redials on loss. Channel
// use is serialized; publishers in this process share the one channel.
type Client struct {
	url string
	log *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewClient dials the broker, retrying with exponential backoff until ctx is
// done, and declares the full topology.
func NewClient(ctx context.Context, url string, log *slog.Logger) (*Client, error) {
	c := &Client{url: url, log: log}
	op := func() error {
		if err := c.dial(); err != nil {
			log.Warn("broker dial failed, retrying", slog.Any("error", err))
			return err
		}
		return nil
	}
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("op=broker.dial: %w", err)
	}
	return c, nil
}

func (c *Client) dial() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := declareTopology(ch); err != nil {
		_ = conn.Close()
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.mu.Unlock()
	return nil
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(deadLetterExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("op=broker.declare_dlx: %w", err)
	}
	if _, err := ch.QueueDeclare(deadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("op=broker.declare_dead_letter_queue: %w", err)
	}
	for _, band := range bands {
		work := WorkQueue(band)
		if err := ch.QueueBind(deadLetterQueue, work, deadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("op=broker.bind_dead_letter: %w", err)
		}
		_, err := ch.QueueDeclare(work, true, false, false, false, amqp.Table{
			"x-max-priority":         int32(maxPriority),
			"x-dead-letter-exchange": deadLetterExchange,
		})
		if err != nil {
			return fmt.Errorf("op=broker.declare_work_queue: %w", err)
		}
		// Expired messages dead-letter through the default exchange straight
		// back into the band's work queue.
		_, err = ch.QueueDeclare(WaitQueue(band), true, false, false, false, amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": work,
		})
		if err != nil {
			return fmt.Errorf("op=broker.declare_wait_queue: %w", err)
		}
	}
	return nil
}

// channel returns the current channel, redialing if the connection dropped.
func (c *Client) channel() (*amqp.Channel, error) {
	c.mu.Lock()
	conn, ch := c.conn, c.ch
	c.mu.Unlock()
	if conn != nil && !conn.IsClosed() {
		return ch, nil
	}
	if err := c.dial(); err != nil {
		return nil, fmt.Errorf("op=broker.redial: %w", err)
	}
	c.mu.Lock()
	ch = c.ch
	c.mu.Unlock()
	return ch, nil
}

// Ping reports broker liveness for readiness checks.
func (c *Client) Ping(_ context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return fmt.Errorf("op=broker.ping: connection closed")
	}
	return nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// expiration formats a delay as the per-message TTL RabbitMQ expects,
// milliseconds as a decimal string.
func expiration(delay time.Duration) string {
	return fmt.Sprintf("%d", delay.Milliseconds())
}
