package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/atvirokodosprendimai/keyring/internal/core/domain"
	"github.com/atvirokodosprendimai/keyring/internal/core/ports"
	"github.com/atvirokodosprendimai/keyring/internal/core/ratelimit"
	"github.com/atvirokodosprendimai/keyring/internal/core/secrets"
)

const maxUsageAttempts = 3

// Validator answers whether a presented secret is valid and within budget,
// and records the usage when it is.
type Validator struct {
	repo     ports.APIKeyRepository
	observer ports.ValidationObserver
	log      zerolog.Logger
	now      func() time.Time
}

func NewValidator(repo ports.APIKeyRepository, observer ports.ValidationObserver, logger zerolog.Logger) *Validator {
	return &Validator{
		repo:     repo,
		observer: observer,
		log:      logger.With().Str("component", "apikey_validator").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Verify walks Presented → Looked Up → {NotFound | Disabled | Expired |
// RateLimited | Admitted}. Every non-admitted outcome comes back as an error
// from the domain taxonomy alongside the matching Verification.
func (v *Validator) Verify(ctx context.Context, presented string) (domain.Verification, error) {
	started := time.Now()
	res, err := v.verify(ctx, strings.TrimSpace(presented))
	if v.observer != nil {
		v.observer.ObserveValidation(res.Outcome, time.Since(started))
	}
	return res, err
}

func (v *Validator) verify(ctx context.Context, presented string) (domain.Verification, error) {
	if presented == "" {
		return domain.Verification{Outcome: domain.VerifyNotFound}, domain.ErrNotFound
	}
	hash := secrets.Hash(presented)

	for attempt := 1; attempt <= maxUsageAttempts; attempt++ {
		key, err := v.repo.GetBySecretHash(ctx, hash)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Verification{Outcome: domain.VerifyNotFound}, domain.ErrNotFound
		}
		if err != nil {
			return v.internal("lookup", err)
		}
		if !secrets.Verify(presented, key.SecretHash) || key.Lifecycle.IsDeleted() {
			return domain.Verification{Outcome: domain.VerifyNotFound}, domain.ErrNotFound
		}
		if !key.Enabled {
			return domain.Verification{Outcome: domain.VerifyDisabled}, domain.ErrDisabled
		}
		now := v.now()
		if key.IsExpired(now) {
			return domain.Verification{Outcome: domain.VerifyExpired}, domain.ErrExpired
		}
		if err := key.RateLimit.Validate(); err != nil {
			v.log.Error().Err(err).Str("api_key_id", key.ID).Msg("stored rate limit is invalid")
			return domain.Verification{Outcome: domain.VerifyError}, domain.ErrInternal
		}

		decision := ratelimit.Apply(key.RateLimit, key.Bucket, now)
		if !decision.Admitted {
			return domain.Verification{Outcome: domain.VerifyRateLimited}, domain.ErrRateLimited
		}

		ok, err := v.repo.RecordUsage(ctx, key, decision.Bucket, now)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Verification{Outcome: domain.VerifyNotFound}, domain.ErrNotFound
		}
		if err != nil {
			return v.internal("record usage", err)
		}
		if !ok {
			v.log.Debug().Int("attempt", attempt).Str("api_key_id", key.ID).Msg("key changed concurrently, retrying")
			continue
		}

		key.Bucket = decision.Bucket
		key.RequestCount++
		key.LastRequestAt = &now
		return domain.Verification{Outcome: domain.VerifyAdmitted, Key: key.Redacted()}, nil
	}

	// Persistent contention: refuse rather than admit without accounting.
	v.log.Warn().Msg("usage not recorded after retries, rejecting")
	return domain.Verification{Outcome: domain.VerifyRateLimited}, domain.ErrRateLimited
}

func (v *Validator) internal(op string, err error) (domain.Verification, error) {
	v.log.Error().Err(err).Str("op", op).Msg("api key validation failed")
	return domain.Verification{Outcome: domain.VerifyError}, fmt.Errorf("%s: %w", op, domain.ErrInternal)
}
