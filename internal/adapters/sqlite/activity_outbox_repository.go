package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atvirokodosprendimai/keyring/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/keyring/internal/core/domain"
)

type activityOutboxModel struct {
	ID             int64      `gorm:"column:id;primaryKey;autoIncrement"`
	EventID        string     `gorm:"column:event_id;not null"`
	OrganizationID string     `gorm:"column:organization_id;not null"`
	ResourceID     string     `gorm:"column:resource_id;not null"`
	Action         string     `gorm:"column:action;not null"`
	PayloadJSON    string     `gorm:"column:payload_json;not null"`
	Status         string     `gorm:"column:status;not null"`
	Attempts       int        `gorm:"column:attempts;not null"`
	NextAttemptAt  time.Time  `gorm:"column:next_attempt_at;not null"`
	LastError      string     `gorm:"column:last_error;not null"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null"`
	DispatchedAt   *time.Time `gorm:"column:dispatched_at"`
}

func (activityOutboxModel) TableName() string {
	return "activity_outbox"
}

// ActivityOutboxRepository is both the ActivitySink used by the lifecycle
// service and the ActivityOutbox drained by the dispatcher.
type ActivityOutboxRepository struct {
	db  *gormsqlite.DB
	now func() time.Time
}

func NewActivityOutboxRepository(db *gormsqlite.DB) *ActivityOutboxRepository {
	return &ActivityOutboxRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (r *ActivityOutboxRepository) Record(ctx context.Context, event domain.ActivityEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode activity: %w", err)
	}
	now := r.now()
	model := activityOutboxModel{
		EventID:        event.EventID,
		OrganizationID: event.OrganizationID,
		ResourceID:     event.ResourceID,
		Action:         string(event.Action),
		PayloadJSON:    string(payload),
		Status:         domain.OutboxPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
	}
	err = r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Create(&model).Error
	})
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}

func (r *ActivityOutboxRepository) FetchPending(ctx context.Context, limit int) ([]domain.OutboxActivity, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []activityOutboxModel
	now := r.now()
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("status = ? AND next_attempt_at <= ?", domain.OutboxPending, now).
			Order("id ASC").
			Limit(limit).
			Find(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("fetch pending activity: %w", err)
	}

	result := make([]domain.OutboxActivity, 0, len(rows))
	for _, row := range rows {
		item := domain.OutboxActivity{
			ID:            row.ID,
			Status:        row.Status,
			Attempts:      row.Attempts,
			NextAttemptAt: row.NextAttemptAt,
			LastError:     row.LastError,
			DispatchedAt:  row.DispatchedAt,
		}
		if err := json.Unmarshal([]byte(row.PayloadJSON), &item.Event); err != nil {
			// Undecodable rows would block the queue forever.
			if markErr := r.MarkDead(ctx, row.ID, row.Attempts, fmt.Sprintf("decode payload: %v", err)); markErr != nil {
				return nil, markErr
			}
			continue
		}
		result = append(result, item)
	}
	return result, nil
}

func (r *ActivityOutboxRepository) MarkDispatched(ctx context.Context, id int64) error {
	now := r.now()
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&activityOutboxModel{}).
			Where("id = ?", id).
			Updates(map[string]any{"status": domain.OutboxDispatched, "dispatched_at": &now, "last_error": ""}).Error
	})
	if err != nil {
		return fmt.Errorf("mark activity dispatched: %w", err)
	}
	return nil
}

func (r *ActivityOutboxRepository) MarkFailed(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, errMsg string) error {
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&activityOutboxModel{}).
			Where("id = ?", id).
			Updates(map[string]any{"attempts": attempts, "next_attempt_at": nextAttemptAt.UTC(), "last_error": errMsg}).Error
	})
	if err != nil {
		return fmt.Errorf("mark activity failed: %w", err)
	}
	return nil
}

func (r *ActivityOutboxRepository) MarkDead(ctx context.Context, id int64, attempts int, errMsg string) error {
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Model(&activityOutboxModel{}).
			Where("id = ?", id).
			Updates(map[string]any{"status": domain.OutboxDead, "attempts": attempts, "last_error": errMsg}).Error
	})
	if err != nil {
		return fmt.Errorf("mark activity dead: %w", err)
	}
	return nil
}
