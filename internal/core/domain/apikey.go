package domain

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultRateLimitMax      int64 = 10
	DefaultRateLimitWindowMs int64 = 24 * 60 * 60 * 1000

	MaxNameLength = 100
)

// RateLimit is the static rate-limit configuration of a key.
type RateLimit struct {
	Enabled          bool
	WindowMs         int64
	Max              int64
	RefillIntervalMs int64
	RefillAmount     int64
}

func (r RateLimit) Validate() error {
	if r.WindowMs < 0 {
		return invalid("rate_limit_window_ms", "must not be negative")
	}
	if r.Max < 0 {
		return invalid("rate_limit_max", "must not be negative")
	}
	if r.RefillIntervalMs < 0 {
		return invalid("refill_interval_ms", "must not be negative")
	}
	if r.RefillAmount < 0 {
		return invalid("refill_amount", "must not be negative")
	}
	if r.Enabled && r.Max == 0 {
		return invalid("rate_limit_max", "must be positive when rate limiting is enabled")
	}
	if r.RefillAmount > r.Max {
		return invalid("refill_amount", "must not exceed rate_limit_max")
	}
	return nil
}

// Bucket holds the mutable token-bucket counters of a key.
type Bucket struct {
	Remaining    int64
	LastRefillAt time.Time
}

// Lifecycle is the deletion state of a key: either active or deleted at a
// point in time. The zero value is active.
type Lifecycle struct {
	deletedAt time.Time
	deleted   bool
}

func Active() Lifecycle {
	return Lifecycle{}
}

func Deleted(at time.Time) Lifecycle {
	return Lifecycle{deletedAt: at.UTC(), deleted: true}
}

func (l Lifecycle) IsDeleted() bool {
	return l.deleted
}

// DeletedAt returns the deletion time and true for deleted keys.
func (l Lifecycle) DeletedAt() (time.Time, bool) {
	return l.deletedAt, l.deleted
}

// APIKey is the persisted credential. SecretHash and EncryptedSecret must never be
// serialized for display.
type APIKey struct {
	ID              string
	DisplayPrefix   string
	SecretHash      string
	EncryptedSecret string
	OrganizationID  string
	UserID          string
	Name            string
	Enabled         bool
	RateLimit       RateLimit
	Bucket          Bucket
	RequestCount    int64
	LastRequestAt   *time.Time
	ExpiresAt       *time.Time
	Permissions     json.RawMessage
	Metadata        json.RawMessage
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Lifecycle       Lifecycle
}

// Redacted returns a copy without secret material.
func (k APIKey) Redacted() APIKey {
	k.SecretHash = ""
	k.EncryptedSecret = ""
	return k
}

// IsExpired reports whether the key has an expiry at or before now.
func (k APIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

func (k APIKey) Validate() error {
	if err := ValidateName(k.Name); err != nil {
		return err
	}
	if err := k.RateLimit.Validate(); err != nil {
		return err
	}
	if k.Bucket.Remaining < 0 {
		return invalid("remaining", "must not be negative")
	}
	if k.Bucket.Remaining > k.RateLimit.Max {
		return invalid("remaining", "must not exceed rate_limit_max")
	}
	return nil
}

func ValidateName(name string) error {
	if utf8.RuneCountInString(name) > MaxNameLength {
		return invalid("name", "must be at most 100 characters")
	}
	if name != "" && strings.TrimSpace(name) == "" {
		return invalid("name", "must not be blank")
	}
	return nil
}

// SecretMaterial is everything a rotation replaces.
type SecretMaterial struct {
	Hash          string
	Encrypted     string
	DisplayPrefix string
}

// KeyPatch is a sparse update: nil fields are left untouched.
type KeyPatch struct {
	Name             *string
	Enabled          *bool
	RateLimitEnabled *bool
	RateLimitWindow  *int64
	RateLimitMax     *int64
	RefillInterval   *int64
	RefillAmount     *int64
	Remaining        *int64
	ExpiresAt        *time.Time
	ClearExpiry      bool
	Permissions      json.RawMessage
	Metadata         json.RawMessage
	Secret           *SecretMaterial
}

func (p KeyPatch) IsEmpty() bool {
	return p.Name == nil && p.Enabled == nil && p.RateLimitEnabled == nil &&
		p.RateLimitWindow == nil && p.RateLimitMax == nil && p.RefillInterval == nil &&
		p.RefillAmount == nil && p.Remaining == nil && p.ExpiresAt == nil && !p.ClearExpiry &&
		p.Permissions == nil && p.Metadata == nil && p.Secret == nil
}

// Apply returns k with the patch applied. It does not touch timestamps.
func (p KeyPatch) Apply(k APIKey) APIKey {
	if p.Name != nil {
		k.Name = *p.Name
	}
	if p.Enabled != nil {
		k.Enabled = *p.Enabled
	}
	if p.RateLimitEnabled != nil {
		k.RateLimit.Enabled = *p.RateLimitEnabled
	}
	if p.RateLimitWindow != nil {
		k.RateLimit.WindowMs = *p.RateLimitWindow
	}
	if p.RateLimitMax != nil {
		k.RateLimit.Max = *p.RateLimitMax
	}
	if p.RefillInterval != nil {
		k.RateLimit.RefillIntervalMs = *p.RefillInterval
	}
	if p.RefillAmount != nil {
		k.RateLimit.RefillAmount = *p.RefillAmount
	}
	if p.Remaining != nil {
		k.Bucket.Remaining = *p.Remaining
	}
	if p.ClearExpiry {
		k.ExpiresAt = nil
	}
	if p.ExpiresAt != nil {
		at := p.ExpiresAt.UTC()
		k.ExpiresAt = &at
	}
	if p.Permissions != nil {
		k.Permissions = p.Permissions
	}
	if p.Metadata != nil {
		k.Metadata = p.Metadata
	}
	if p.Secret != nil {
		k.SecretHash = p.Secret.Hash
		k.EncryptedSecret = p.Secret.Encrypted
		k.DisplayPrefix = p.Secret.DisplayPrefix
	}
	return k
}

// ListFilter scopes an organization listing. Offset pagination.
type ListFilter struct {
	Enabled *bool
	Offset  int
	Limit   int
}

type Page struct {
	Items []APIKey
	Total int64
}

// UsageStats is the read-only usage view of a key.
type UsageStats struct {
	ID            string
	RequestCount  int64
	Remaining     int64
	LastRequestAt *time.Time
	LastRefillAt  time.Time
	RateLimit     RateLimit
}
