package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq/internal/domain"
)

func TestRetryPolicy_Rule_PerTypeAndFallback(t *testing.T) {
	p := domain.DefaultRetryPolicy()

	video := p.Rule(domain.TypeProcessVideo)
	assert.Equal(t, 5, video.MaxRetries)
	assert.Equal(t, 5*time.Second, video.BaseDelay)
	assert.Equal(t, 3600*time.Second, video.MaxDelay)

	unknown := p.Rule(domain.JobType("reindex_catalog"))
	assert.Equal(t, p.Defaults, unknown)
}

func TestRetryPolicy_ShouldRetry_Boundary(t *testing.T) {
	p := domain.DefaultRetryPolicy()

	// max_retries=3 admits retries at counts 1..3; count 4 dead-letters.
	assert.True(t, p.ShouldRetry(1, 3))
	assert.True(t, p.ShouldRetry(2, 3))
	assert.True(t, p.ShouldRetry(3, 3))
	assert.False(t, p.ShouldRetry(4, 3))

	// max_retries=0 means a single run, no retries.
	assert.False(t, p.ShouldRetry(1, 0))
}

func TestRetryPolicy_Backoff_BoundsAndDoubling(t *testing.T) {
	p := domain.DefaultRetryPolicy()

	// send_email: base 2s. Attempt n has raw delay 2*2^(n-1) with ±20%
	// jitter, so the observed delay must stay inside [0.8, 1.2] * raw.
	for attempt := 1; attempt <= 5; attempt++ {
		raw := 2 * time.Second * (1 << (attempt - 1))
		lo := time.Duration(float64(raw)*0.8) - time.Second // second flooring
		hi := time.Duration(float64(raw) * 1.2)
		for i := 0; i < 200; i++ {
			d := p.Backoff(domain.TypeSendEmail, attempt)
			require.GreaterOrEqual(t, d, time.Duration(0))
			assert.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
			assert.LessOrEqual(t, d, hi, "attempt %d", attempt)
			assert.Zero(t, d%time.Second, "delay must be whole seconds")
		}
	}
}

func TestRetryPolicy_Backoff_ClampedAfterJitter(t *testing.T) {
	p := domain.DefaultRetryPolicy()

	// scrape_website caps at 600s; attempt 12 has raw 10*2^11 >> cap, and the
	// clamp applies after jitter so the cap is never exceeded.
	for i := 0; i < 100; i++ {
		d := p.Backoff(domain.TypeScrapeWebsite, 12)
		assert.LessOrEqual(t, d, 600*time.Second)
	}
}

func TestRetryPolicy_Backoff_ExpectedDoubling(t *testing.T) {
	p := domain.DefaultRetryPolicy()

	mean := func(attempt int) time.Duration {
		var sum time.Duration
		const n = 500
		for i := 0; i < n; i++ {
			sum += p.Backoff(domain.TypeProcessVideo, attempt)
		}
		return sum / n
	}

	m1, m2 := mean(1), mean(2)
	// Expected delay doubles between successive uncapped attempts; jitter is
	// symmetric so the sample means should sit near 5s and 10s.
	assert.InDelta(t, float64(5*time.Second), float64(m1), float64(2*time.Second))
	assert.InDelta(t, float64(10*time.Second), float64(m2), float64(3*time.Second))
}

func TestJobStatus_Terminal(t *testing.T) {
	assert.True(t, domain.JobCompleted.Terminal())
	assert.True(t, domain.JobCancelled.Terminal())
	assert.True(t, domain.JobFailed.Terminal())
	assert.False(t, domain.JobPending.Terminal())
	assert.False(t, domain.JobRunning.Terminal())
	assert.False(t, domain.JobRetrying.Terminal())
}

func TestEnums_Valid(t *testing.T) {
	assert.True(t, domain.PriorityHigh.Valid())
	assert.False(t, domain.JobPriority("urgent").Valid())
	assert.True(t, domain.TypeSendEmail.Valid())
	assert.False(t, domain.JobType("mine_bitcoin").Valid())
	assert.True(t, domain.JobRetrying.Valid())
	assert.False(t, domain.JobStatus("paused").Valid())
}
