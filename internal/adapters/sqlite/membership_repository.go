package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/atvirokodosprendimai/keyring/internal/adapters/sqlite/gormsqlite"
	"github.com/atvirokodosprendimai/keyring/internal/core/domain"
)

type membershipModel struct {
	OrganizationID string    `gorm:"column:organization_id;primaryKey"`
	UserID         string    `gorm:"column:user_id;primaryKey"`
	Role           string    `gorm:"column:role;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
	UpdatedAt      time.Time `gorm:"column:updated_at;not null"`
}

func (membershipModel) TableName() string {
	return "organization_members"
}

// MembershipRepository mirrors organization membership owned by the external
// organization service.
type MembershipRepository struct {
	db *gormsqlite.DB
}

func NewMembershipRepository(db *gormsqlite.DB) *MembershipRepository {
	return &MembershipRepository{db: db}
}

func (r *MembershipRepository) Role(ctx context.Context, organizationID, userID string) (domain.Role, error) {
	var model membershipModel
	err := r.db.ReadTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Where("organization_id = ? AND user_id = ?", organizationID, userID).First(&model).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.RoleNone, domain.ErrNotFound
		}
		return domain.RoleNone, fmt.Errorf("find membership: %w", err)
	}
	return domain.Role(model.Role), nil
}

func (r *MembershipRepository) Upsert(ctx context.Context, m domain.Membership) error {
	if m.OrganizationID == "" || m.UserID == "" {
		return &domain.ValidationError{Field: "membership", Reason: "organization and user are required"}
	}
	if !m.Role.Valid() {
		return &domain.ValidationError{Field: "role", Reason: "must be member, admin or owner"}
	}

	now := time.Now().UTC()
	model := membershipModel{
		OrganizationID: m.OrganizationID,
		UserID:         m.UserID,
		Role:           string(m.Role),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "organization_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role", "updated_at"}),
		}).Create(&model).Error
	})
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

func (r *MembershipRepository) Remove(ctx context.Context, organizationID, userID string) error {
	err := r.db.WriteTX(ctx, func(tx *gormsqlite.Tx) error {
		res := tx.Where("organization_id = ? AND user_id = ?", organizationID, userID).Delete(&membershipModel{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("remove membership: %w", err)
	}
	return nil
}
