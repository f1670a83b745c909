package rabbitmq

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Disposition is what happens to a delivery after handling.
type Disposition int

const (
	// Ack removes the message from the queue.
	Ack Disposition = iota
	// Reject drops the message without requeue; the queue's dead-letter
	// exchange routes it to jobs.dead_letter.
	Reject
	// Requeue returns the message to the queue for redelivery. Used for
	// transient infrastructure errors, never for handler failures.
	Requeue
)

// HandlerFunc processes one delivery body and decides its disposition.
type HandlerFunc func(ctx context.Context, body []byte) Disposition

// Consume attaches consumers to all three work queues and runs each delivery
// through fn on its own goroutine, at most concurrency at a time, until ctx
// is done. Acks are manual. Blocks until all in-flight handlers drain after
// cancellation.
func (c *Client) Consume(ctx context.Context, prefetch, concurrency int, fn HandlerFunc) error {
	ch, err := c.channel()
	if err != nil {
		return err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}
	slots := make(chan struct{}, concurrency)

	var wg sync.WaitGroup
	for _, band := range bands {
		deliveries, err := ch.Consume(WorkQueue(band), "", false, false, false, false, nil)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(queue string, deliveries <-chan amqp.Delivery) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					select {
					case slots <- struct{}{}:
					case <-ctx.Done():
						return
					}
					wg.Add(1)
					go func(d amqp.Delivery) {
						defer wg.Done()
						defer func() { <-slots }()
						c.settle(queue, d, fn(ctx, d.Body))
					}(d)
				}
			}
		}(WorkQueue(band), deliveries)
	}
	wg.Wait()
	return nil
}

func (c *Client) settle(queue string, d amqp.Delivery, disp Disposition) {
	var err error
	switch disp {
	case Ack:
		err = d.Ack(false)
	case Requeue:
		err = d.Nack(false, true)
	default:
		err = d.Reject(false)
	}
	if err != nil {
		c.log.Error("delivery settle failed", slog.String("queue", queue), slog.Any("error", err))
	}
}
