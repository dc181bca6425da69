package models

import "github.com/google/uuid"

type MemberRole string

const (
	RoleStudent MemberRole = "student"
	RoleTeacher MemberRole = "teacher"
	RoleAdmin   MemberRole = "admin"
)

type AcademicUnit struct {
	Base
	SchoolID uuid.UUID `gorm:"type:uuid;not null;index" json:"school_id"`
	Name     string    `gorm:"not null" json:"name"`
}

func (AcademicUnit) TableName() string {
	return "academic_units"
}

type UnitMembership struct {
	Base
	UnitID uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_unit_user" json:"unit_id"`
	UserID uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_unit_user;index" json:"user_id"`
	Role   MemberRole `gorm:"type:varchar(20);not null;index" json:"role"`
}

func (UnitMembership) TableName() string {
	return "unit_memberships"
}

type UserProfile struct {
	Base
	DisplayName string `gorm:"not null" json:"display_name"`
	Email       string `gorm:"uniqueIndex;not null" json:"email"`
}

func (UserProfile) TableName() string {
	return "user_profiles"
}
