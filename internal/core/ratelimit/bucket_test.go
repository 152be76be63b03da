package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atvirokodosprendimai/keyring/internal/core/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func limit(max, amount, intervalMs int64) domain.RateLimit {
	return domain.RateLimit{
		Enabled:          true,
		WindowMs:         intervalMs,
		Max:              max,
		RefillIntervalMs: intervalMs,
		RefillAmount:     amount,
	}
}

func TestApplyDisabledAdmitsWithoutChange(t *testing.T) {
	cfg := limit(5, 5, 1000)
	cfg.Enabled = false
	b := domain.Bucket{Remaining: 0, LastRefillAt: t0}

	d := Apply(cfg, b, t0.Add(time.Hour))
	assert.True(t, d.Admitted)
	assert.Equal(t, b, d.Bucket)
}

func TestRefillIdempotentWithoutTimeAdvance(t *testing.T) {
	cfg := limit(10, 3, 60_000)
	b := domain.Bucket{Remaining: 4, LastRefillAt: t0}
	now := t0.Add(90 * time.Second)

	first := Refill(cfg, b, now)
	second := Refill(cfg, first, now)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(7), first.Remaining)
	assert.Equal(t, t0.Add(time.Minute), first.LastRefillAt, "partial period is kept")
}

func TestRefillMonotonicity(t *testing.T) {
	cfg := limit(20, 3, 1000)
	for n := int64(0); n <= 10; n++ {
		b := domain.Bucket{Remaining: 2, LastRefillAt: t0}
		got := Refill(cfg, b, t0.Add(time.Duration(n)*time.Second))
		assert.Equal(t, min(cfg.Max, 2+n*cfg.RefillAmount), got.Remaining, "periods=%d", n)
	}
}

func TestRefillSaturatesOnLongIdle(t *testing.T) {
	cfg := limit(10, 10, 1)
	b := domain.Bucket{Remaining: 0, LastRefillAt: time.UnixMilli(0).UTC()}
	got := Refill(cfg, b, t0)
	assert.Equal(t, int64(10), got.Remaining)
}

func TestRefillWithoutIntervalNeverRefills(t *testing.T) {
	cfg := limit(10, 10, 0)
	b := domain.Bucket{Remaining: 1, LastRefillAt: t0}
	assert.Equal(t, b, Refill(cfg, b, t0.Add(48*time.Hour)))
}

func TestApplyScenario(t *testing.T) {
	cfg := limit(2, 2, 60_000)
	b := domain.Bucket{Remaining: 2, LastRefillAt: t0}

	d := Apply(cfg, b, t0.Add(time.Second))
	require.True(t, d.Admitted)
	assert.Equal(t, int64(1), d.Bucket.Remaining)

	d = Apply(cfg, d.Bucket, t0.Add(2*time.Second))
	require.True(t, d.Admitted)
	assert.Equal(t, int64(0), d.Bucket.Remaining)

	d = Apply(cfg, d.Bucket, t0.Add(3*time.Second))
	assert.False(t, d.Admitted)
	assert.Equal(t, int64(0), d.Bucket.Remaining)

	d = Apply(cfg, d.Bucket, t0.Add(61*time.Second))
	require.True(t, d.Admitted)
	assert.Equal(t, int64(1), d.Bucket.Remaining)
	assert.Equal(t, t0.Add(time.Minute), d.Bucket.LastRefillAt)
}
