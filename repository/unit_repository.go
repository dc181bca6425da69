package repository

import (
	"context"
	"fmt"

	"github.com/RigelNana/arkstudy/materialcore/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UnitInfo struct {
	ID       uuid.UUID
	SchoolID uuid.UUID
	Name     string
}

type UnitRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*UnitInfo, error)
	ListStudents(ctx context.Context, unitID uuid.UUID) ([]uuid.UUID, error)
}

type UnitRepositoryImpl struct {
	*BaseRepositoryImpl[models.AcademicUnit]
}

func NewUnitRepository(db *gorm.DB) *UnitRepositoryImpl {
	return &UnitRepositoryImpl{
		BaseRepositoryImpl: NewBaseRepository[models.AcademicUnit](db),
	}
}

func (r *UnitRepositoryImpl) Get(ctx context.Context, id uuid.UUID) (*UnitInfo, error) {
	u, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &UnitInfo{ID: u.ID, SchoolID: u.SchoolID, Name: u.Name}, nil
}

func (r *UnitRepositoryImpl) ListStudents(ctx context.Context, unitID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&models.UnitMembership{}).
		Where("unit_id = ? AND role = ?", unitID, models.RoleStudent).
		Order("created_at ASC").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list students of unit %s: %w", unitID, err)
	}
	return ids, nil
}
