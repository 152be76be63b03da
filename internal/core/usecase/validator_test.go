package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atvirokodosprendimai/keyring/internal/core/domain"
)

func newValidator(f *lifecycleFixture) (*Validator, *observerStub) {
	obs := &observerStub{}
	return NewValidator(f.repo, obs, zerolog.Nop()).WithClock(f.clock.Now), obs
}

func TestVerifyRateLimitScenario(t *testing.T) {
	f := newLifecycle(t, nil)
	v, obs := newValidator(f)
	ctx := context.Background()

	issued, err := f.svc.Create(ctx, alice, "o1", CreateInput{
		RateLimitMax:   int64p(2),
		RefillAmount:   int64p(2),
		RefillInterval: int64p(60_000),
	})
	require.NoError(t, err)

	res, err := v.Verify(ctx, issued.Secret)
	require.NoError(t, err)
	assert.Equal(t, domain.VerifyAdmitted, res.Outcome)
	assert.Equal(t, int64(1), res.Key.Bucket.Remaining)

	f.clock.Advance(time.Second)
	res, err = v.Verify(ctx, issued.Secret)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Key.Bucket.Remaining)

	res, err = v.Verify(ctx, issued.Secret)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, domain.VerifyRateLimited, res.Outcome)

	f.clock.Advance(time.Minute)
	res, err = v.Verify(ctx, issued.Secret)
	require.NoError(t, err)
	assert.Equal(t, domain.VerifyAdmitted, res.Outcome)
	assert.Equal(t, int64(1), res.Key.Bucket.Remaining)

	stored := f.repo.raw(issued.Key.ID)
	assert.Equal(t, int64(3), stored.RequestCount)
	require.NotNil(t, stored.LastRequestAt)
	assert.Equal(t, f.clock.Now(), *stored.LastRequestAt)
	assert.Equal(t, []domain.VerifyOutcome{
		domain.VerifyAdmitted, domain.VerifyAdmitted, domain.VerifyRateLimited, domain.VerifyAdmitted,
	}, obs.outcomes)
}

func TestVerifyAdmittedKeyIsRedacted(t *testing.T) {
	f := newLifecycle(t, nil)
	v, _ := newValidator(f)
	issued, err := f.svc.Create(context.Background(), alice, "o1", CreateInput{Name: "ci"})
	require.NoError(t, err)

	res, err := v.Verify(context.Background(), "  "+issued.Secret+"\n")
	require.NoError(t, err)
	assert.Equal(t, issued.Key.ID, res.Key.ID)
	assert.Equal(t, "ci", res.Key.Name)
	assert.Empty(t, res.Key.SecretHash)
	assert.Empty(t, res.Key.EncryptedSecret)
}

func TestVerifyAfterRotate(t *testing.T) {
	f := newLifecycle(t, nil)
	v, _ := newValidator(f)
	ctx := context.Background()
	issued, err := f.svc.Create(ctx, alice, "o1", CreateInput{})
	require.NoError(t, err)

	rotated, err := f.svc.Rotate(ctx, alice, "o1", issued.Key.ID)
	require.NoError(t, err)

	res, err := v.Verify(ctx, issued.Secret)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.VerifyNotFound, res.Outcome)

	res, err = v.Verify(ctx, rotated.Secret)
	require.NoError(t, err)
	assert.Equal(t, domain.VerifyAdmitted, res.Outcome)
	assert.Equal(t, issued.Key.ID, res.Key.ID)
}

func TestVerifyDisabledIgnoresBudget(t *testing.T) {
	f := newLifecycle(t, nil)
	v, _ := newValidator(f)
	ctx := context.Background()
	issued, err := f.svc.Create(ctx, alice, "o1", CreateInput{})
	require.NoError(t, err)

	stored := f.repo.raw(issued.Key.ID)
	stored.Bucket.Remaining = 0
	f.repo.put(stored)
	_, err = f.svc.Disable(ctx, alice, "o1", issued.Key.ID)
	require.NoError(t, err)

	res, err := v.Verify(ctx, issued.Secret)
	assert.ErrorIs(t, err, domain.ErrDisabled)
	assert.Equal(t, domain.VerifyDisabled, res.Outcome)

	stored.Bucket.Remaining = 10
	stored.Enabled = false
	f.repo.put(stored)
	_, err = v.Verify(ctx, issued.Secret)
	assert.ErrorIs(t, err, domain.ErrDisabled)
}

func TestVerifyExpired(t *testing.T) {
	f := newLifecycle(t, nil)
	v, _ := newValidator(f)
	ctx := context.Background()
	expires := f.clock.Now().Add(time.Hour)
	issued, err := f.svc.Create(ctx, alice, "o1", CreateInput{ExpiresAt: &expires})
	require.NoError(t, err)

	_, err = v.Verify(ctx, issued.Secret)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	res, err := v.Verify(ctx, issued.Secret)
	assert.ErrorIs(t, err, domain.ErrExpired)
	assert.Equal(t, domain.VerifyExpired, res.Outcome)
}

func TestVerifyUnknownEmptyAndDeleted(t *testing.T) {
	f := newLifecycle(t, nil)
	v, _ := newValidator(f)
	ctx := context.Background()
	issued, err := f.svc.Create(ctx, alice, "o1", CreateInput{})
	require.NoError(t, err)

	for _, presented := range []string{"", "   ", "rl_unknown", issued.Secret + "x"} {
		_, err := v.Verify(ctx, presented)
		assert.ErrorIs(t, err, domain.ErrNotFound, "presented %q", presented)
	}

	require.NoError(t, f.svc.Delete(ctx, alice, "o1", issued.Key.ID))
	_, err = v.Verify(ctx, issued.Secret)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestVerifyRateLimitDisabledAlwaysAdmits(t *testing.T) {
	f := newLifecycle(t, nil)
	v, _ := newValidator(f)
	ctx := context.Background()
	issued, err := f.svc.Create(ctx, alice, "o1", CreateInput{
		RateLimitEnabled: boolp(false),
		RateLimitMax:     int64p(1),
	})
	require.NoError(t, err)

	for range 5 {
		_, err := v.Verify(ctx, issued.Secret)
		require.NoError(t, err)
	}
	stored := f.repo.raw(issued.Key.ID)
	assert.Equal(t, int64(5), stored.RequestCount)
	assert.Equal(t, int64(1), stored.Bucket.Remaining)
}

func TestVerifyRetriesOnConcurrentUsage(t *testing.T) {
	f := newLifecycle(t, nil)
	v, _ := newValidator(f)
	ctx := context.Background()
	issued, err := f.svc.Create(ctx, alice, "o1", CreateInput{})
	require.NoError(t, err)

	calls := 0
	f.repo.recordUsageFn = func(_ context.Context, observed domain.APIKey, next domain.Bucket, at time.Time) (bool, error) {
		calls++
		if calls == 1 {
			// Another request consumed a token in between.
			k := f.repo.raw(observed.ID)
			k.Bucket.Remaining--
			k.RequestCount++
			f.repo.put(k)
			return false, nil
		}
		return f.repo.recordUsage(observed, next, at)
	}

	res, err := v.Verify(ctx, issued.Secret)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, int64(8), res.Key.Bucket.Remaining)
	assert.Equal(t, int64(2), f.repo.raw(issued.Key.ID).RequestCount)
}

func TestVerifyFailsClosedUnderPersistentContention(t *testing.T) {
	f := newLifecycle(t, nil)
	v, obs := newValidator(f)
	ctx := context.Background()
	issued, err := f.svc.Create(ctx, alice, "o1", CreateInput{})
	require.NoError(t, err)

	calls := 0
	f.repo.recordUsageFn = func(context.Context, domain.APIKey, domain.Bucket, time.Time) (bool, error) {
		calls++
		return false, nil
	}

	res, err := v.Verify(ctx, issued.Secret)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, domain.VerifyRateLimited, res.Outcome)
	assert.Equal(t, maxUsageAttempts, calls)
	assert.Equal(t, []domain.VerifyOutcome{domain.VerifyRateLimited}, obs.outcomes)
}

func TestVerifyStorageErrorIsInternal(t *testing.T) {
	f := newLifecycle(t, nil)
	v, obs := newValidator(f)
	ctx := context.Background()
	issued, err := f.svc.Create(ctx, alice, "o1", CreateInput{})
	require.NoError(t, err)

	f.repo.recordUsageFn = func(context.Context, domain.APIKey, domain.Bucket, time.Time) (bool, error) {
		return false, errors.New("database is locked")
	}

	res, err := v.Verify(ctx, issued.Secret)
	require.ErrorIs(t, err, domain.ErrInternal)
	assert.NotContains(t, err.Error(), "locked")
	assert.Equal(t, domain.VerifyError, res.Outcome)
	assert.Equal(t, []domain.VerifyOutcome{domain.VerifyError}, obs.outcomes)
}

// mutateBeforeUsage runs mutate once, after the validator has read the key
// and before its usage write lands.
func mutateBeforeUsage(f *lifecycleFixture, mutate func()) {
	done := false
	f.repo.recordUsageFn = func(_ context.Context, observed domain.APIKey, next domain.Bucket, at time.Time) (bool, error) {
		if !done {
			done = true
			mutate()
		}
		return f.repo.recordUsage(observed, next, at)
	}
}

func TestVerifyDisableBetweenLookupAndUsageWrite(t *testing.T) {
	f := newLifecycle(t, nil)
	v, obs := newValidator(f)
	ctx := context.Background()
	issued, err := f.svc.Create(ctx, alice, "o1", CreateInput{})
	require.NoError(t, err)

	mutateBeforeUsage(f, func() {
		_, err := f.svc.Disable(ctx, alice, "o1", issued.Key.ID)
		require.NoError(t, err)
	})

	res, err := v.Verify(ctx, issued.Secret)
	assert.ErrorIs(t, err, domain.ErrDisabled)
	assert.Equal(t, domain.VerifyDisabled, res.Outcome)
	assert.Equal(t, []domain.VerifyOutcome{domain.VerifyDisabled}, obs.outcomes)

	stored := f.repo.raw(issued.Key.ID)
	assert.False(t, stored.Enabled)
	assert.Zero(t, stored.RequestCount)
	assert.Equal(t, issued.Key.Bucket.Remaining, stored.Bucket.Remaining)
}

func TestVerifyRotateBetweenLookupAndUsageWrite(t *testing.T) {
	f := newLifecycle(t, nil)
	v, _ := newValidator(f)
	ctx := context.Background()
	issued, err := f.svc.Create(ctx, alice, "o1", CreateInput{})
	require.NoError(t, err)

	var rotated Issued
	mutateBeforeUsage(f, func() {
		var err error
		rotated, err = f.svc.Rotate(ctx, alice, "o1", issued.Key.ID)
		require.NoError(t, err)
	})

	res, err := v.Verify(ctx, issued.Secret)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.VerifyNotFound, res.Outcome)
	assert.Zero(t, f.repo.raw(issued.Key.ID).RequestCount)

	res, err = v.Verify(ctx, rotated.Secret)
	require.NoError(t, err)
	assert.Equal(t, domain.VerifyAdmitted, res.Outcome)
	assert.Equal(t, int64(1), f.repo.raw(issued.Key.ID).RequestCount)
}

func TestVerifyLimitChangeBetweenLookupAndUsageWrite(t *testing.T) {
	f := newLifecycle(t, nil)
	v, _ := newValidator(f)
	ctx := context.Background()
	issued, err := f.svc.Create(ctx, alice, "o1", CreateInput{
		RateLimitMax:   int64p(10),
		RefillAmount:   int64p(10),
		RefillInterval: int64p(60_000),
	})
	require.NoError(t, err)
	for range 8 {
		_, err := v.Verify(ctx, issued.Secret)
		require.NoError(t, err)
	}

	mutateBeforeUsage(f, func() {
		_, err := f.svc.Update(ctx, alice, "o1", issued.Key.ID, domain.KeyPatch{
			RateLimitMax: int64p(5),
			RefillAmount: int64p(5),
		})
		require.NoError(t, err)
	})

	res, err := v.Verify(ctx, issued.Secret)
	require.NoError(t, err)
	assert.Equal(t, domain.VerifyAdmitted, res.Outcome)
	assert.Equal(t, int64(5), res.Key.RateLimit.Max)

	stored := f.repo.raw(issued.Key.ID)
	assert.Equal(t, int64(5), stored.RateLimit.Max)
	assert.Equal(t, int64(1), stored.Bucket.Remaining)
	assert.Equal(t, int64(9), stored.RequestCount)
}
