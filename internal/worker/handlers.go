package worker

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/relayq/relayq/internal/domain"
)

// Handler executes one job attempt. A nil return marks the job completed;
// an error routes through the retry controller.
type Handler func(ctx context.Context, payload domain.Payload) error

// Registry maps job types to handlers. Fixed at startup.
type Registry map[domain.JobType]Handler

// NewRegistry returns the built-in handler set. The handlers simulate work:
// they validate their payload, sleep for a bounded duration, and fail with
// probability payload["failure_rate"] so retry behavior can be exercised
// end to end.
func NewRegistry() Registry {
	return Registry{
		domain.TypeSendEmail:     sendEmail,
		domain.TypeProcessVideo:  processVideo,
		domain.TypeScrapeWebsite: scrapeWebsite,
	}
}

func sendEmail(ctx context.Context, payload domain.Payload) error {
	if err := requireFields(payload, "to", "subject"); err != nil {
		return err
	}
	if err := simulate(ctx, payload, 200*time.Millisecond); err != nil {
		return fmt.Errorf("smtp delivery failed: %w", err)
	}
	return nil
}

func processVideo(ctx context.Context, payload domain.Payload) error {
	if err := requireFields(payload, "url"); err != nil {
		return err
	}
	if err := simulate(ctx, payload, 2*time.Second); err != nil {
		return fmt.Errorf("transcode failed: %w", err)
	}
	return nil
}

func scrapeWebsite(ctx context.Context, payload domain.Payload) error {
	if err := requireFields(payload, "url"); err != nil {
		return err
	}
	if err := simulate(ctx, payload, 500*time.Millisecond); err != nil {
		return fmt.Errorf("fetch failed: %w", err)
	}
	return nil
}

func requireFields(payload domain.Payload, fields ...string) error {
	for _, f := range fields {
		v, ok := payload[f]
		if !ok || v == "" || v == nil {
			return fmt.Errorf("payload missing required field %q", f)
		}
	}
	return nil
}

// simulate sleeps up to maxWork honoring cancellation, then fails with the
// payload's failure_rate probability.
func simulate(ctx context.Context, payload domain.Payload, maxWork time.Duration) error {
	d := time.Duration(rand.Int63n(int64(maxWork)))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
	}
	if rate, ok := payload["failure_rate"].(float64); ok && rand.Float64() < rate {
		return fmt.Errorf("simulated failure (rate %.2f)", rate)
	}
	return nil
}
