package repository

import (
	"context"
	"fmt"

	"github.com/RigelNana/arkstudy/materialcore/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AssignerInfo struct {
	ID          uuid.UUID
	DisplayName string
	Email       string
}

type MembershipRepository interface {
	HasTeacherOrAdminRole(ctx context.Context, userID, unitID uuid.UUID) (bool, error)
	GetUserInfo(ctx context.Context, userID uuid.UUID) (*AssignerInfo, error)
}

type MembershipRepositoryImpl struct {
	db *gorm.DB
}

func NewMembershipRepository(db *gorm.DB) *MembershipRepositoryImpl {
	return &MembershipRepositoryImpl{db: db}
}

func (r *MembershipRepositoryImpl) HasTeacherOrAdminRole(ctx context.Context, userID, unitID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.UnitMembership{}).
		Where("user_id = ? AND unit_id = ? AND role IN ?", userID, unitID,
			[]models.MemberRole{models.RoleTeacher, models.RoleAdmin}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check role of user %s in unit %s: %w", userID, unitID, err)
	}
	return count > 0, nil
}

func (r *MembershipRepositoryImpl) GetUserInfo(ctx context.Context, userID uuid.UUID) (*AssignerInfo, error) {
	var u models.UserProfile
	if err := r.db.WithContext(ctx).First(&u, "id = ?", userID).Error; err != nil {
		return nil, translate(err)
	}
	return &AssignerInfo{ID: u.ID, DisplayName: u.DisplayName, Email: u.Email}, nil
}
