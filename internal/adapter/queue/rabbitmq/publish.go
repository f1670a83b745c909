package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"github.com/relayq/relayq/internal/domain"
)

// Publish enqueues a job message on its band's work queue. A non-zero delay
// parks the message on the band's wait queue with a per-message TTL instead;
// it re-enters the work queue when the TTL expires.
func (c *Client) Publish(ctx context.Context, msg domain.JobMessage, priority domain.JobPriority, delay time.Duration) error {
	tracer := otel.Tracer("broker")
	ctx, span := tracer.Start(ctx, "broker.Publish")
	defer span.End()

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("op=broker.publish_marshal: %w", err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     PriorityByte(priority),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	routingKey := WorkQueue(priority)
	if delay > 0 {
		pub.Expiration = expiration(delay)
		routingKey = WaitQueue(priority)
	}

	ch, err := c.channel()
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, "", routingKey, false, false, pub); err != nil {
		return fmt.Errorf("op=broker.publish: %w", err)
	}
	c.log.Debug("published job message",
		slog.String("job_id", msg.JobID),
		slog.String("queue", routingKey),
		slog.Duration("delay", delay))
	return nil
}
