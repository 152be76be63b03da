package ports

import (
	"context"
	"time"

	"github.com/atvirokodosprendimai/keyring/internal/core/domain"
)

// APIKeyRepository is the persistence boundary for keys. Lookups exclude
// soft-deleted keys and report domain.ErrNotFound.
type APIKeyRepository interface {
	// Create fails with domain.ErrConflict when the secret hash is already taken.
	Create(ctx context.Context, key domain.APIKey) (domain.APIKey, error)
	GetByOrganization(ctx context.Context, id, organizationID string) (domain.APIKey, error)
	GetBySecretHash(ctx context.Context, secretHash string) (domain.APIKey, error)
	ListByOrganization(ctx context.Context, organizationID string, filter domain.ListFilter) (domain.Page, error)
	// Update applies a sparse patch and bumps updated_at. A secret change that
	// collides with another key fails with domain.ErrConflict.
	Update(ctx context.Context, id string, patch domain.KeyPatch, at time.Time) (domain.APIKey, error)
	// RecordUsage stores next as the bucket state only if the stored key still
	// matches observed in its secret hash, enabled flag, rate-limit
	// configuration and bucket, incrementing request_count and setting
	// last_request_at. It reports false when the compare failed.
	RecordUsage(ctx context.Context, observed domain.APIKey, next domain.Bucket, at time.Time) (bool, error)
	SoftDelete(ctx context.Context, id string, at time.Time) error
}

// MembershipDirectory answers role lookups in organizations other than the
// caller's active one.
type MembershipDirectory interface {
	// Role returns domain.ErrNotFound when userID is not a member of organizationID.
	Role(ctx context.Context, organizationID, userID string) (domain.Role, error)
}

// CacheInvalidator clears fast-path cache entries keyed by a secret hash.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, secretHash string) error
}

// ValidationObserver receives validator outcomes.
type ValidationObserver interface {
	ObserveValidation(outcome domain.VerifyOutcome, elapsed time.Duration)
}
