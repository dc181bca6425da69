package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type MaterialStatus string

const (
	MaterialStatusUploaded   MaterialStatus = "uploaded"
	MaterialStatusProcessing MaterialStatus = "processing"
	MaterialStatusReady      MaterialStatus = "ready"
	MaterialStatusFailed     MaterialStatus = "failed"
)

func (s MaterialStatus) String() string {
	return string(s)
}

func (s MaterialStatus) Valid() bool {
	switch s {
	case MaterialStatusUploaded, MaterialStatusProcessing, MaterialStatusReady, MaterialStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether server-side processing has finished for the material.
func (s MaterialStatus) Terminal() bool {
	return s == MaterialStatusReady || s == MaterialStatusFailed
}

// CanTransitionTo 状态只能前进: uploaded -> processing -> ready/failed
func (s MaterialStatus) CanTransitionTo(next MaterialStatus) bool {
	switch s {
	case MaterialStatusUploaded:
		return next == MaterialStatusProcessing
	case MaterialStatusProcessing:
		return next == MaterialStatusReady || next == MaterialStatusFailed
	default:
		return false
	}
}

type Material struct {
	Base
	Title                 string         `gorm:"not null" json:"title"`
	Description           *string        `gorm:"type:text" json:"description,omitempty"`
	Status                MaterialStatus `gorm:"type:varchar(20);not null;index;default:'uploaded'" json:"status"`
	FileURL               *string        `json:"file_url,omitempty"`
	FileType              *string        `gorm:"type:varchar(100);index" json:"file_type,omitempty"`
	FileSizeBytes         *int64         `json:"file_size_bytes,omitempty"`
	SchoolID              uuid.UUID      `gorm:"type:uuid;not null;index" json:"school_id"`
	AcademicUnitID        *uuid.UUID     `gorm:"type:uuid;index" json:"academic_unit_id,omitempty"`
	UploadedByID          *uuid.UUID     `gorm:"type:uuid;index" json:"uploaded_by_id,omitempty"`
	Subject               *string        `gorm:"index" json:"subject,omitempty"`
	Grade                 *string        `json:"grade,omitempty"`
	IsPublic              bool           `gorm:"not null;default:false" json:"is_public"`
	ProcessingStartedAt   *time.Time     `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time     `json:"processing_completed_at,omitempty"`
	Metadata              datatypes.JSON `gorm:"type:jsonb" json:"metadata,omitempty"`
}

func (Material) TableName() string {
	return "materials"
}
