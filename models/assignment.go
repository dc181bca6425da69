package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MaterialAssignment makes a material visible to every student of a unit.
// A (material, unit) pair is assigned at most once and never mutated afterwards.
type MaterialAssignment struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	MaterialID uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_material_unit" json:"material_id"`
	UnitID     uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_material_unit;index" json:"unit_id"`
	AssignedBy uuid.UUID  `gorm:"type:uuid;not null" json:"assigned_by"`
	AssignedAt time.Time  `gorm:"not null" json:"assigned_at"`
	DueDate    *time.Time `json:"due_date,omitempty"`
	Visible    bool       `gorm:"not null;default:true" json:"visible"`
}

func (MaterialAssignment) TableName() string {
	return "material_assignments"
}

func (a *MaterialAssignment) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.AssignedAt.IsZero() {
		a.AssignedAt = time.Now()
	}
	return nil
}
