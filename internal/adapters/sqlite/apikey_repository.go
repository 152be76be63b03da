package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/atvirokodosprendimai/keyring/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/keyring/internal/core/domain"
)

type apiKeyModel struct {
	ID                string         `gorm:"column:id;primaryKey"`
	DisplayPrefix     string         `gorm:"column:display_prefix;not null"`
	SecretHash        string         `gorm:"column:secret_hash;not null"`
	EncryptedSecret   string         `gorm:"column:encrypted_secret;not null"`
	OrganizationID    string         `gorm:"column:organization_id;not null"`
	UserID            string         `gorm:"column:user_id;not null"`
	Name              string         `gorm:"column:name;not null"`
	Enabled           bool           `gorm:"column:enabled;not null"`
	RateLimitEnabled  bool           `gorm:"column:rate_limit_enabled;not null"`
	RateLimitWindowMs int64          `gorm:"column:rate_limit_window_ms;not null"`
	RateLimitMax      int64          `gorm:"column:rate_limit_max;not null"`
	RefillIntervalMs  int64          `gorm:"column:refill_interval_ms;not null"`
	RefillAmount      int64          `gorm:"column:refill_amount;not null"`
	Remaining         int64          `gorm:"column:remaining;not null"`
	LastRefillAtMs    int64          `gorm:"column:last_refill_at_ms;not null"`
	RequestCount      int64          `gorm:"column:request_count;not null"`
	LastRequestAt     *time.Time     `gorm:"column:last_request_at"`
	ExpiresAt         *time.Time     `gorm:"column:expires_at"`
	Permissions       *string        `gorm:"column:permissions"`
	Metadata          *string        `gorm:"column:metadata"`
	CreatedAt         time.Time      `gorm:"column:created_at;not null"`
	UpdatedAt         time.Time      `gorm:"column:updated_at;not null"`
	DeletedAt         gorm.DeletedAt `gorm:"column:deleted_at"`
}

func (apiKeyModel) TableName() string {
	return "api_keys"
}

type APIKeyRepository struct {
	db *gormsqlite.DB
}

func NewAPIKeyRepository(db *gormsqlite.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

func (r *APIKeyRepository) Create(ctx context.Context, key domain.APIKey) (domain.APIKey, error) {
	model := toAPIKeyModel(key)
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Create(&model).Error
	})
	if isUniqueViolation(err) {
		return domain.APIKey{}, fmt.Errorf("create api key: %w", domain.ErrConflict)
	}
	if err != nil {
		return domain.APIKey{}, fmt.Errorf("create api key: %w", err)
	}
	return fromAPIKeyModel(model), nil
}

// GetByIDUnscoped also returns soft-deleted keys, for administrative reads.
func (r *APIKeyRepository) GetByIDUnscoped(ctx context.Context, id string) (domain.APIKey, error) {
	return r.first(ctx, "get api key unscoped", func(tx *gorm.DB) *gorm.DB {
		return tx.Unscoped().Where("id = ?", id)
	})
}

func (r *APIKeyRepository) GetByOrganization(ctx context.Context, id, organizationID string) (domain.APIKey, error) {
	return r.first(ctx, "get api key", func(tx *gorm.DB) *gorm.DB {
		return tx.Where("id = ? AND organization_id = ?", id, organizationID)
	})
}

// GetBySecretHash is a point lookup on the partial unique index.
func (r *APIKeyRepository) GetBySecretHash(ctx context.Context, secretHash string) (domain.APIKey, error) {
	return r.first(ctx, "get api key by hash", func(tx *gorm.DB) *gorm.DB {
		return tx.Where("secret_hash = ?", secretHash)
	})
}

func (r *APIKeyRepository) first(ctx context.Context, op string, scope func(tx *gorm.DB) *gorm.DB) (domain.APIKey, error) {
	var model apiKeyModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return scope(tx.DB).First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.APIKey{}, fmt.Errorf("%s: %w", op, domain.ErrNotFound)
		}
		return domain.APIKey{}, fmt.Errorf("%s: %w", op, err)
	}
	return fromAPIKeyModel(model), nil
}

func (r *APIKeyRepository) ListByOrganization(ctx context.Context, organizationID string, filter domain.ListFilter) (domain.Page, error) {
	var (
		rows  []apiKeyModel
		total int64
	)
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		scoped := func() *gorm.DB {
			q := tx.Model(&apiKeyModel{}).Where("organization_id = ?", organizationID)
			if filter.Enabled != nil {
				q = q.Where("enabled = ?", *filter.Enabled)
			}
			return q
		}
		if err := scoped().Count(&total).Error; err != nil {
			return err
		}
		return scoped().
			Order("created_at DESC, id ASC").
			Offset(filter.Offset).
			Limit(filter.Limit).
			Find(&rows).Error
	})
	if err != nil {
		return domain.Page{}, fmt.Errorf("list api keys: %w", err)
	}

	page := domain.Page{Items: make([]domain.APIKey, 0, len(rows)), Total: total}
	for _, row := range rows {
		page.Items = append(page.Items, fromAPIKeyModel(row))
	}
	return page, nil
}

func (r *APIKeyRepository) Update(ctx context.Context, id string, patch domain.KeyPatch, at time.Time) (domain.APIKey, error) {
	var model apiKeyModel
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		updates := patchColumns(patch)
		updates["updated_at"] = at.UTC()
		res := tx.Model(&apiKeyModel{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return tx.Where("id = ?", id).First(&model).Error
	})
	switch {
	case err == nil:
		return fromAPIKeyModel(model), nil
	case errors.Is(err, domain.ErrNotFound):
		return domain.APIKey{}, fmt.Errorf("update api key: %w", domain.ErrNotFound)
	case isUniqueViolation(err):
		return domain.APIKey{}, fmt.Errorf("update api key: %w", domain.ErrConflict)
	default:
		return domain.APIKey{}, fmt.Errorf("update api key: %w", err)
	}
}

// RecordUsage is a compare-and-swap on every column the admission decision
// read: the secret, the enabled flag, the rate-limit configuration and the
// bucket. A concurrent disable, rotate or reconfiguration makes it miss.
func (r *APIKeyRepository) RecordUsage(ctx context.Context, observed domain.APIKey, next domain.Bucket, at time.Time) (bool, error) {
	swapped := false
	id := observed.ID
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		at := at.UTC()
		rl := observed.RateLimit
		res := tx.Model(&apiKeyModel{}).
			Where("id = ? AND secret_hash = ? AND enabled = ?", id, observed.SecretHash, true).
			Where("rate_limit_enabled = ? AND rate_limit_window_ms = ? AND rate_limit_max = ? AND refill_interval_ms = ? AND refill_amount = ?",
				rl.Enabled, rl.WindowMs, rl.Max, rl.RefillIntervalMs, rl.RefillAmount).
			Where("remaining = ? AND last_refill_at_ms = ?", observed.Bucket.Remaining, observed.Bucket.LastRefillAt.UnixMilli()).
			Updates(map[string]any{
				"remaining":         next.Remaining,
				"last_refill_at_ms": next.LastRefillAt.UnixMilli(),
				"request_count":     gorm.Expr("request_count + 1"),
				"last_request_at":   at,
				"updated_at":        at,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 1 {
			swapped = true
			return nil
		}
		var count int64
		if err := tx.Model(&apiKeyModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		return false, fmt.Errorf("record api key usage: %w", domain.ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("record api key usage: %w", err)
	}
	return swapped, nil
}

func (r *APIKeyRepository) SoftDelete(ctx context.Context, id string, at time.Time) error {
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		res := tx.Model(&apiKeyModel{}).Where("id = ?", id).Update("deleted_at", at.UTC())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("delete api key: %w", domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	return nil
}

func patchColumns(p domain.KeyPatch) map[string]any {
	cols := map[string]any{}
	if p.Name != nil {
		cols["name"] = *p.Name
	}
	if p.Enabled != nil {
		cols["enabled"] = *p.Enabled
	}
	if p.RateLimitEnabled != nil {
		cols["rate_limit_enabled"] = *p.RateLimitEnabled
	}
	if p.RateLimitWindow != nil {
		cols["rate_limit_window_ms"] = *p.RateLimitWindow
	}
	if p.RateLimitMax != nil {
		cols["rate_limit_max"] = *p.RateLimitMax
	}
	if p.RefillInterval != nil {
		cols["refill_interval_ms"] = *p.RefillInterval
	}
	if p.RefillAmount != nil {
		cols["refill_amount"] = *p.RefillAmount
	}
	if p.Remaining != nil {
		cols["remaining"] = *p.Remaining
	}
	if p.ClearExpiry {
		cols["expires_at"] = nil
	}
	if p.ExpiresAt != nil {
		cols["expires_at"] = p.ExpiresAt.UTC()
	}
	if p.Permissions != nil {
		cols["permissions"] = jsonColumn(p.Permissions)
	}
	if p.Metadata != nil {
		cols["metadata"] = jsonColumn(p.Metadata)
	}
	if p.Secret != nil {
		cols["secret_hash"] = p.Secret.Hash
		cols["encrypted_secret"] = p.Secret.Encrypted
		cols["display_prefix"] = p.Secret.DisplayPrefix
	}
	return cols
}

func jsonColumn(raw json.RawMessage) *string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return &trimmed
}

func toAPIKeyModel(k domain.APIKey) apiKeyModel {
	m := apiKeyModel{
		ID:                k.ID,
		DisplayPrefix:     k.DisplayPrefix,
		SecretHash:        k.SecretHash,
		EncryptedSecret:   k.EncryptedSecret,
		OrganizationID:    k.OrganizationID,
		UserID:            k.UserID,
		Name:              k.Name,
		Enabled:           k.Enabled,
		RateLimitEnabled:  k.RateLimit.Enabled,
		RateLimitWindowMs: k.RateLimit.WindowMs,
		RateLimitMax:      k.RateLimit.Max,
		RefillIntervalMs:  k.RateLimit.RefillIntervalMs,
		RefillAmount:      k.RateLimit.RefillAmount,
		Remaining:         k.Bucket.Remaining,
		LastRefillAtMs:    k.Bucket.LastRefillAt.UnixMilli(),
		RequestCount:      k.RequestCount,
		LastRequestAt:     utcPtr(k.LastRequestAt),
		ExpiresAt:         utcPtr(k.ExpiresAt),
		Permissions:       jsonColumn(k.Permissions),
		Metadata:          jsonColumn(k.Metadata),
		CreatedAt:         k.CreatedAt.UTC(),
		UpdatedAt:         k.UpdatedAt.UTC(),
	}
	if at, deleted := k.Lifecycle.DeletedAt(); deleted {
		m.DeletedAt = gorm.DeletedAt{Time: at, Valid: true}
	}
	return m
}

func fromAPIKeyModel(m apiKeyModel) domain.APIKey {
	k := domain.APIKey{
		ID:              m.ID,
		DisplayPrefix:   m.DisplayPrefix,
		SecretHash:      m.SecretHash,
		EncryptedSecret: m.EncryptedSecret,
		OrganizationID:  m.OrganizationID,
		UserID:          m.UserID,
		Name:            m.Name,
		Enabled:         m.Enabled,
		RateLimit: domain.RateLimit{
			Enabled:          m.RateLimitEnabled,
			WindowMs:         m.RateLimitWindowMs,
			Max:              m.RateLimitMax,
			RefillIntervalMs: m.RefillIntervalMs,
			RefillAmount:     m.RefillAmount,
		},
		Bucket: domain.Bucket{
			Remaining:    m.Remaining,
			LastRefillAt: time.UnixMilli(m.LastRefillAtMs).UTC(),
		},
		RequestCount:  m.RequestCount,
		LastRequestAt: utcPtr(m.LastRequestAt),
		ExpiresAt:     utcPtr(m.ExpiresAt),
		CreatedAt:     m.CreatedAt.UTC(),
		UpdatedAt:     m.UpdatedAt.UTC(),
		Lifecycle:     domain.Active(),
	}
	if m.Permissions != nil {
		k.Permissions = json.RawMessage(*m.Permissions)
	}
	if m.Metadata != nil {
		k.Metadata = json.RawMessage(*m.Metadata)
	}
	if m.DeletedAt.Valid {
		k.Lifecycle = domain.Deleted(m.DeletedAt.Time)
	}
	return k
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}
