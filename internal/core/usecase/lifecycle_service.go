package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/atvirokodosprendimai/keyring/internal/core/domain"
	"github.com/atvirokodosprendimai/keyring/internal/core/ports"
	"github.com/atvirokodosprendimai/keyring/internal/core/ratelimit"
	"github.com/atvirokodosprendimai/keyring/internal/core/secrets"
)

const (
	maxSecretAttempts = 3
	invalidateTimeout = 5 * time.Second
	defaultListLimit  = 50
	maxListLimit      = 200
)

// CreateInput is the caller-supplied configuration of a new key. Nil fields
// take defaults.
type CreateInput struct {
	Name             string
	RateLimitEnabled *bool
	RateLimitWindow  *int64
	RateLimitMax     *int64
	RefillInterval   *int64
	RefillAmount     *int64
	ExpiresAt        *time.Time
	Permissions      json.RawMessage
	Metadata         json.RawMessage
}

// Issued carries a key together with its plaintext secret. It is returned by
// Create and Rotate only.
type Issued struct {
	Key    domain.APIKey
	Secret string
}

type LifecycleDeps struct {
	Repo     ports.APIKeyRepository
	Members  ports.MembershipDirectory
	Codec    *secrets.Codec
	Cache    ports.CacheInvalidator
	Activity ports.ActivitySink
	Logger   zerolog.Logger
	Now      func() time.Time
}

// LifecycleService creates, mutates and reads API keys on behalf of an
// authenticated actor.
type LifecycleService struct {
	repo     ports.APIKeyRepository
	members  ports.MembershipDirectory
	codec    *secrets.Codec
	cache    ports.CacheInvalidator
	activity ports.ActivitySink
	log      zerolog.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

func NewLifecycleService(deps LifecycleDeps) *LifecycleService {
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &LifecycleService{
		repo:     deps.Repo,
		members:  deps.Members,
		codec:    deps.Codec,
		cache:    deps.Cache,
		activity: deps.Activity,
		log:      deps.Logger.With().Str("component", "apikey_lifecycle").Logger(),
		now:      now,
	}
}

// Close waits for in-flight cache invalidations.
func (s *LifecycleService) Close() error {
	s.wg.Wait()
	return nil
}

func (s *LifecycleService) Create(ctx context.Context, actor domain.Actor, organizationID string, in CreateInput) (issued Issued, err error) {
	organizationID = s.scope(actor, organizationID)
	started := time.Now()
	defer func() { s.record(ctx, domain.ActionCreate, actor, organizationID, issued.Key.ID, started, err) }()

	role, err := roleIn(ctx, s.members, actor, organizationID)
	if err != nil {
		return Issued{}, s.fail("create", err)
	}
	if role == domain.RoleNone {
		return Issued{}, domain.ErrNotFound
	}

	now := s.now()
	key, err := s.newKey(actor, organizationID, in, now)
	if err != nil {
		return Issued{}, err
	}

	for attempt := 1; ; attempt++ {
		plaintext, material, err := s.mint()
		if err != nil {
			return Issued{}, s.fail("create", err)
		}
		key.ID = uuid.NewString()
		key.SecretHash = material.Hash
		key.EncryptedSecret = material.Encrypted
		key.DisplayPrefix = material.DisplayPrefix

		created, err := s.repo.Create(ctx, key)
		if errors.Is(err, domain.ErrConflict) && attempt < maxSecretAttempts {
			s.log.Warn().Int("attempt", attempt).Msg("secret hash collision on create, regenerating")
			continue
		}
		if err != nil {
			return Issued{}, s.fail("create", err)
		}
		s.log.Info().
			Str("api_key_id", created.ID).
			Str("organization_id", created.OrganizationID).
			Str("display_prefix", created.DisplayPrefix).
			Msg("api key created")
		return Issued{Key: created.Redacted(), Secret: plaintext}, nil
	}
}

func (s *LifecycleService) newKey(actor domain.Actor, organizationID string, in CreateInput, now time.Time) (domain.APIKey, error) {
	rl := domain.RateLimit{
		Enabled:  true,
		WindowMs: domain.DefaultRateLimitWindowMs,
		Max:      domain.DefaultRateLimitMax,
	}
	if in.RateLimitEnabled != nil {
		rl.Enabled = *in.RateLimitEnabled
	}
	if in.RateLimitWindow != nil {
		rl.WindowMs = *in.RateLimitWindow
	}
	if in.RateLimitMax != nil {
		rl.Max = *in.RateLimitMax
	}
	rl.RefillIntervalMs = rl.WindowMs
	if in.RefillInterval != nil {
		rl.RefillIntervalMs = *in.RefillInterval
	}
	rl.RefillAmount = rl.Max
	if in.RefillAmount != nil {
		rl.RefillAmount = *in.RefillAmount
	}

	key := domain.APIKey{
		OrganizationID: organizationID,
		UserID:         actor.ID,
		Name:           strings.TrimSpace(in.Name),
		Enabled:        true,
		RateLimit:      rl,
		Bucket:         domain.Bucket{Remaining: rl.RefillAmount, LastRefillAt: now},
		Permissions:    in.Permissions,
		Metadata:       in.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
		Lifecycle:      domain.Active(),
	}
	if in.ExpiresAt != nil {
		if !in.ExpiresAt.After(now) {
			return domain.APIKey{}, &domain.ValidationError{Field: "expires_at", Reason: "must be in the future"}
		}
		at := in.ExpiresAt.UTC()
		key.ExpiresAt = &at
	}
	if err := key.Validate(); err != nil {
		return domain.APIKey{}, err
	}
	if err := ValidatePermissions(key.Permissions); err != nil {
		return domain.APIKey{}, err
	}
	if err := ValidateMetadata(key.Metadata); err != nil {
		return domain.APIKey{}, err
	}
	return key, nil
}

func (s *LifecycleService) mint() (string, domain.SecretMaterial, error) {
	plaintext, prefix := s.codec.Generate()
	encrypted, err := s.codec.Encrypt(plaintext)
	if err != nil {
		return "", domain.SecretMaterial{}, err
	}
	return plaintext, domain.SecretMaterial{
		Hash:          secrets.Hash(plaintext),
		Encrypted:     encrypted,
		DisplayPrefix: prefix,
	}, nil
}

// Rotate replaces the secret of a key, keeping its id, counters and
// configuration. The old secret stops resolving immediately.
func (s *LifecycleService) Rotate(ctx context.Context, actor domain.Actor, organizationID, id string) (issued Issued, err error) {
	organizationID = s.scope(actor, organizationID)
	started := time.Now()
	defer func() { s.record(ctx, domain.ActionRotate, actor, organizationID, id, started, err) }()

	key, err := s.authorize(ctx, actor, organizationID, id)
	if err != nil {
		return Issued{}, err
	}

	for attempt := 1; ; attempt++ {
		plaintext, material, err := s.mint()
		if err != nil {
			return Issued{}, s.fail("rotate", err)
		}
		rotated, err := s.repo.Update(ctx, key.ID, domain.KeyPatch{Secret: &material}, s.now())
		if errors.Is(err, domain.ErrConflict) && attempt < maxSecretAttempts {
			s.log.Warn().Int("attempt", attempt).Str("api_key_id", key.ID).Msg("secret hash collision on rotate, regenerating")
			continue
		}
		if err != nil {
			return Issued{}, s.fail("rotate", err)
		}
		s.invalidate(ctx, key)
		s.log.Info().
			Str("api_key_id", rotated.ID).
			Str("organization_id", rotated.OrganizationID).
			Str("display_prefix", rotated.DisplayPrefix).
			Msg("api key rotated")
		return Issued{Key: rotated.Redacted(), Secret: plaintext}, nil
	}
}

func (s *LifecycleService) Enable(ctx context.Context, actor domain.Actor, organizationID, id string) (domain.APIKey, error) {
	return s.setEnabled(ctx, actor, organizationID, id, true)
}

func (s *LifecycleService) Disable(ctx context.Context, actor domain.Actor, organizationID, id string) (domain.APIKey, error) {
	return s.setEnabled(ctx, actor, organizationID, id, false)
}

func (s *LifecycleService) setEnabled(ctx context.Context, actor domain.Actor, organizationID, id string, enabled bool) (out domain.APIKey, err error) {
	organizationID = s.scope(actor, organizationID)
	action := domain.ActionDisable
	if enabled {
		action = domain.ActionEnable
	}
	started := time.Now()
	defer func() { s.record(ctx, action, actor, organizationID, id, started, err) }()

	key, err := s.authorize(ctx, actor, organizationID, id)
	if err != nil {
		return domain.APIKey{}, err
	}
	if key.Enabled == enabled {
		return key.Redacted(), nil
	}
	updated, err := s.repo.Update(ctx, key.ID, domain.KeyPatch{Enabled: &enabled}, s.now())
	if err != nil {
		return domain.APIKey{}, s.fail(string(action), err)
	}
	if !enabled {
		s.invalidate(ctx, key)
	}
	return updated.Redacted(), nil
}

// Update applies a sparse patch. Lowering rate_limit_max without an explicit
// remaining or refill_amount clamps them to the new maximum.
func (s *LifecycleService) Update(ctx context.Context, actor domain.Actor, organizationID, id string, patch domain.KeyPatch) (out domain.APIKey, err error) {
	organizationID = s.scope(actor, organizationID)
	started := time.Now()
	defer func() { s.record(ctx, domain.ActionUpdate, actor, organizationID, id, started, err) }()

	patch.Secret = nil
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		patch.Name = &name
	}

	key, err := s.authorize(ctx, actor, organizationID, id)
	if err != nil {
		return domain.APIKey{}, err
	}
	if patch.IsEmpty() {
		return key.Redacted(), nil
	}

	now := s.now()
	if patch.ExpiresAt != nil && !patch.ExpiresAt.After(now) {
		return domain.APIKey{}, &domain.ValidationError{Field: "expires_at", Reason: "must be in the future"}
	}
	next := patch.Apply(key)
	if patch.Remaining == nil && next.Bucket.Remaining > next.RateLimit.Max {
		clamped := next.RateLimit.Max
		patch.Remaining = &clamped
	}
	if patch.RefillAmount == nil && next.RateLimit.RefillAmount > next.RateLimit.Max {
		clamped := next.RateLimit.Max
		patch.RefillAmount = &clamped
	}
	if err := patch.Apply(key).Validate(); err != nil {
		return domain.APIKey{}, err
	}
	if err := ValidatePermissions(patch.Permissions); err != nil {
		return domain.APIKey{}, err
	}
	if err := ValidateMetadata(patch.Metadata); err != nil {
		return domain.APIKey{}, err
	}

	updated, err := s.repo.Update(ctx, key.ID, patch, now)
	if err != nil {
		return domain.APIKey{}, s.fail("update", err)
	}
	s.invalidate(ctx, key)
	return updated.Redacted(), nil
}

// Delete soft-deletes a key. A second call reports domain.ErrNotFound.
func (s *LifecycleService) Delete(ctx context.Context, actor domain.Actor, organizationID, id string) (err error) {
	organizationID = s.scope(actor, organizationID)
	started := time.Now()
	defer func() { s.record(ctx, domain.ActionDelete, actor, organizationID, id, started, err) }()

	key, err := s.authorize(ctx, actor, organizationID, id)
	if err != nil {
		return err
	}
	if err := s.repo.SoftDelete(ctx, key.ID, s.now()); err != nil {
		return s.fail("delete", err)
	}
	s.invalidate(ctx, key)
	s.log.Info().
		Str("api_key_id", key.ID).
		Str("organization_id", key.OrganizationID).
		Str("actor_id", actor.ID).
		Msg("api key deleted")
	return nil
}

func (s *LifecycleService) Get(ctx context.Context, actor domain.Actor, organizationID, id string) (domain.APIKey, error) {
	organizationID = s.scope(actor, organizationID)
	if err := s.requireMember(ctx, actor, organizationID); err != nil {
		return domain.APIKey{}, err
	}
	key, err := s.repo.GetByOrganization(ctx, id, organizationID)
	if err != nil {
		return domain.APIKey{}, s.fail("get", err)
	}
	return key.Redacted(), nil
}

func (s *LifecycleService) List(ctx context.Context, actor domain.Actor, organizationID string, filter domain.ListFilter) (domain.Page, error) {
	organizationID = s.scope(actor, organizationID)
	if err := s.requireMember(ctx, actor, organizationID); err != nil {
		return domain.Page{}, err
	}
	if filter.Offset < 0 {
		return domain.Page{}, &domain.ValidationError{Field: "offset", Reason: "must not be negative"}
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	filter.Limit = min(filter.Limit, maxListLimit)

	page, err := s.repo.ListByOrganization(ctx, organizationID, filter)
	if err != nil {
		return domain.Page{}, s.fail("list", err)
	}
	for i := range page.Items {
		page.Items[i] = page.Items[i].Redacted()
	}
	return page, nil
}

// UsageStats reports counters as of now. Remaining includes refill that is
// due but not yet persisted.
func (s *LifecycleService) UsageStats(ctx context.Context, actor domain.Actor, organizationID, id string) (domain.UsageStats, error) {
	organizationID = s.scope(actor, organizationID)
	if err := s.requireMember(ctx, actor, organizationID); err != nil {
		return domain.UsageStats{}, err
	}
	key, err := s.repo.GetByOrganization(ctx, id, organizationID)
	if err != nil {
		return domain.UsageStats{}, s.fail("usage", err)
	}
	bucket := ratelimit.Refill(key.RateLimit, key.Bucket, s.now())
	return domain.UsageStats{
		ID:            key.ID,
		RequestCount:  key.RequestCount,
		Remaining:     bucket.Remaining,
		LastRequestAt: key.LastRequestAt,
		LastRefillAt:  bucket.LastRefillAt,
		RateLimit:     key.RateLimit,
	}, nil
}

// scope defaults the addressed organization to the actor's active one.
func (s *LifecycleService) scope(actor domain.Actor, organizationID string) string {
	if organizationID == "" {
		return actor.ActiveOrganizationID
	}
	return organizationID
}

// authorize loads the key and applies CanManage. Actors with no standing in
// the key's organization see domain.ErrNotFound so existence does not leak.
func (s *LifecycleService) authorize(ctx context.Context, actor domain.Actor, organizationID, id string) (domain.APIKey, error) {
	key, err := s.repo.GetByOrganization(ctx, id, organizationID)
	if err != nil {
		return domain.APIKey{}, s.fail("load", err)
	}
	role, err := roleIn(ctx, s.members, actor, key.OrganizationID)
	if err != nil {
		return domain.APIKey{}, s.fail("resolve role", err)
	}
	if CanManage(actor, key, role) {
		return key, nil
	}
	if role == domain.RoleNone {
		return domain.APIKey{}, domain.ErrNotFound
	}
	return domain.APIKey{}, domain.ErrForbidden
}

func (s *LifecycleService) requireMember(ctx context.Context, actor domain.Actor, organizationID string) error {
	role, err := roleIn(ctx, s.members, actor, organizationID)
	if err != nil {
		return s.fail("resolve role", err)
	}
	if role == domain.RoleNone {
		return domain.ErrNotFound
	}
	return nil
}

// fail keeps taxonomy errors and hides everything else behind ErrInternal.
func (s *LifecycleService) fail(op string, err error) error {
	if domain.IsTaxonomy(err) {
		return err
	}
	s.log.Error().Err(err).Str("op", op).Msg("api key operation failed")
	return fmt.Errorf("%s: %w", op, domain.ErrInternal)
}

// invalidate clears the cache entry of the key's current secret without
// blocking or failing the caller.
func (s *LifecycleService) invalidate(ctx context.Context, key domain.APIKey) {
	if s.cache == nil || key.SecretHash == "" {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidateTimeout)
		defer cancel()
		if err := s.cache.Invalidate(ctx, key.SecretHash); err != nil {
			s.log.Warn().Err(err).Str("api_key_id", key.ID).Msg("cache invalidation failed")
		}
	}()
}

func (s *LifecycleService) record(ctx context.Context, action domain.ActivityAction, actor domain.Actor, organizationID, resourceID string, started time.Time, opErr error) {
	if s.activity == nil {
		return
	}
	event := domain.ActivityEvent{
		EventID:        uuid.NewString(),
		ResourceType:   domain.ResourceTypeAPIKey,
		ResourceID:     resourceID,
		OrganizationID: organizationID,
		ActorID:        actor.ID,
		Action:         action,
		Outcome:        domain.OutcomeSuccess,
		Duration:       time.Since(started),
		OccurredAt:     s.now(),
	}
	if opErr != nil {
		event.Outcome = domain.OutcomeFailure
		event.Error = opErr.Error()
	}
	if err := s.activity.Record(context.WithoutCancel(ctx), event); err != nil {
		s.log.Warn().Err(err).Str("action", string(action)).Msg("record activity")
	}
}
