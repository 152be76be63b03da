// Package ratelimit implements the per-key token bucket. It is pure: callers
// load the bucket, apply a decision and persist the result themselves.
package ratelimit

import (
	"time"

	"github.com/atvirokodosprendimai/keyring/internal/core/domain"
)

type Decision struct {
	Bucket   domain.Bucket
	Admitted bool
}

// Refill credits whole elapsed refill intervals. LastRefillAt advances by
// exactly periods*interval so partial progress toward the next period is kept.
func Refill(cfg domain.RateLimit, b domain.Bucket, now time.Time) domain.Bucket {
	if !cfg.Enabled || cfg.RefillIntervalMs <= 0 {
		return b
	}
	elapsed := now.UnixMilli() - b.LastRefillAt.UnixMilli()
	if elapsed <= 0 {
		return b
	}
	periods := elapsed / cfg.RefillIntervalMs
	if periods == 0 {
		return b
	}

	remaining := b.Remaining
	if cfg.RefillAmount > 0 {
		// Saturate instead of overflowing on very long idle periods.
		room := cfg.Max - remaining
		if room <= 0 {
			remaining = max(remaining, cfg.Max)
		} else if periods >= (room+cfg.RefillAmount-1)/cfg.RefillAmount {
			remaining = cfg.Max
		} else {
			remaining += periods * cfg.RefillAmount
		}
	}
	remaining = min(remaining, cfg.Max)

	return domain.Bucket{
		Remaining:    remaining,
		LastRefillAt: time.UnixMilli(b.LastRefillAt.UnixMilli() + periods*cfg.RefillIntervalMs).UTC(),
	}
}

// Apply refills, then consumes one token if any is left. A disabled limiter
// admits without touching the bucket.
func Apply(cfg domain.RateLimit, b domain.Bucket, now time.Time) Decision {
	if !cfg.Enabled {
		return Decision{Bucket: b, Admitted: true}
	}
	next := Refill(cfg, b, now)
	if next.Remaining <= 0 {
		return Decision{Bucket: next, Admitted: false}
	}
	next.Remaining--
	return Decision{Bucket: next, Admitted: true}
}
