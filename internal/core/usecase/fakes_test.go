package usecase

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atvirokodosprendimai/keyring/internal/core/domain"
)

// memRepo is an in-memory APIKeyRepository. The *Fn fields override single
// operations.
type memRepo struct {
	mu   sync.Mutex
	keys map[string]domain.APIKey

	createFn      func(ctx context.Context, key domain.APIKey) (domain.APIKey, error)
	recordUsageFn func(ctx context.Context, observed domain.APIKey, next domain.Bucket, at time.Time) (bool, error)
}

func newMemRepo() *memRepo {
	return &memRepo{keys: map[string]domain.APIKey{}}
}

func (r *memRepo) put(key domain.APIKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[key.ID] = key
}

func (r *memRepo) raw(id string) domain.APIKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keys[id]
}

func (r *memRepo) hashTaken(hash, exceptID string) bool {
	for _, k := range r.keys {
		if k.ID != exceptID && !k.Lifecycle.IsDeleted() && k.SecretHash == hash {
			return true
		}
	}
	return false
}

func (r *memRepo) Create(ctx context.Context, key domain.APIKey) (domain.APIKey, error) {
	if r.createFn != nil {
		return r.createFn(ctx, key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hashTaken(key.SecretHash, "") {
		return domain.APIKey{}, domain.ErrConflict
	}
	r.keys[key.ID] = key
	return key, nil
}

func (r *memRepo) GetByOrganization(_ context.Context, id, organizationID string) (domain.APIKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[id]
	if !ok || k.Lifecycle.IsDeleted() || k.OrganizationID != organizationID {
		return domain.APIKey{}, domain.ErrNotFound
	}
	return k, nil
}

func (r *memRepo) GetBySecretHash(_ context.Context, secretHash string) (domain.APIKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.keys {
		if !k.Lifecycle.IsDeleted() && k.SecretHash == secretHash {
			return k, nil
		}
	}
	return domain.APIKey{}, domain.ErrNotFound
}

func (r *memRepo) ListByOrganization(_ context.Context, organizationID string, filter domain.ListFilter) (domain.Page, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []domain.APIKey
	for _, k := range r.keys {
		if k.Lifecycle.IsDeleted() || k.OrganizationID != organizationID {
			continue
		}
		if filter.Enabled != nil && k.Enabled != *filter.Enabled {
			continue
		}
		all = append(all, k)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	page := domain.Page{Total: int64(len(all))}
	if filter.Offset < len(all) {
		end := min(len(all), filter.Offset+filter.Limit)
		page.Items = all[filter.Offset:end]
	}
	return page, nil
}

func (r *memRepo) Update(_ context.Context, id string, patch domain.KeyPatch, at time.Time) (domain.APIKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[id]
	if !ok || k.Lifecycle.IsDeleted() {
		return domain.APIKey{}, domain.ErrNotFound
	}
	if patch.Secret != nil && r.hashTaken(patch.Secret.Hash, id) {
		return domain.APIKey{}, domain.ErrConflict
	}
	k = patch.Apply(k)
	k.UpdatedAt = at
	r.keys[id] = k
	return k, nil
}

func (r *memRepo) RecordUsage(ctx context.Context, observed domain.APIKey, next domain.Bucket, at time.Time) (bool, error) {
	if r.recordUsageFn != nil {
		return r.recordUsageFn(ctx, observed, next, at)
	}
	return r.recordUsage(observed, next, at)
}

func (r *memRepo) recordUsage(observed domain.APIKey, next domain.Bucket, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := observed.ID
	k, ok := r.keys[id]
	if !ok || k.Lifecycle.IsDeleted() {
		return false, domain.ErrNotFound
	}
	if k.SecretHash != observed.SecretHash || !k.Enabled || k.RateLimit != observed.RateLimit ||
		k.Bucket.Remaining != observed.Bucket.Remaining || !k.Bucket.LastRefillAt.Equal(observed.Bucket.LastRefillAt) {
		return false, nil
	}
	k.Bucket = next
	k.RequestCount++
	k.LastRequestAt = &at
	k.UpdatedAt = at
	r.keys[id] = k
	return true, nil
}

func (r *memRepo) SoftDelete(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[id]
	if !ok || k.Lifecycle.IsDeleted() {
		return domain.ErrNotFound
	}
	k.Lifecycle = domain.Deleted(at)
	r.keys[id] = k
	return nil
}

// memberDirectory maps "org/user" to a role.
type memberDirectory map[string]domain.Role

func (m memberDirectory) Role(_ context.Context, organizationID, userID string) (domain.Role, error) {
	role, ok := m[organizationID+"/"+userID]
	if !ok {
		return domain.RoleNone, domain.ErrNotFound
	}
	return role, nil
}

type invalidatorStub struct {
	mu     sync.Mutex
	hashes []string
	err    error
}

func (i *invalidatorStub) Invalidate(_ context.Context, secretHash string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.hashes = append(i.hashes, secretHash)
	return i.err
}

func (i *invalidatorStub) invalidated() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.hashes...)
}

type activityStub struct {
	mu     sync.Mutex
	events []domain.ActivityEvent
	err    error
}

func (a *activityStub) Record(_ context.Context, event domain.ActivityEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return a.err
}

func (a *activityStub) recorded() []domain.ActivityEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.ActivityEvent(nil), a.events...)
}

type observerStub struct {
	mu       sync.Mutex
	outcomes []domain.VerifyOutcome
}

func (o *observerStub) ObserveValidation(outcome domain.VerifyOutcome, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
