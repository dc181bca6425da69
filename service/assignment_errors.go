package service

import (
	"fmt"
	"time"

	"github.com/RigelNana/arkstudy/materialcore/models"
	"github.com/google/uuid"
)

type AssignmentErrorCode int

const (
	AssignMaterialNotFound AssignmentErrorCode = iota + 1
	AssignMaterialNotReady
	AssignUnitNotFound
	AssignUserNotFound
	AssignInsufficientPermissions
	AssignDueDateInPast
	AssignFailed
)

func (c AssignmentErrorCode) String() string {
	switch c {
	case AssignMaterialNotFound:
		return "material not found"
	case AssignMaterialNotReady:
		return "material not ready"
	case AssignUnitNotFound:
		return "unit not found"
	case AssignUserNotFound:
		return "user not found"
	case AssignInsufficientPermissions:
		return "insufficient permissions"
	case AssignDueDateInPast:
		return "due date in past"
	case AssignFailed:
		return "assignment failed"
	}
	return fmt.Sprintf("assignment error %d", int(c))
}

// AssignmentError carries the id or value that made the assignment fail.
type AssignmentError struct {
	Code          AssignmentErrorCode
	MaterialID    uuid.UUID
	UnitID        uuid.UUID
	UserID        uuid.UUID
	CurrentStatus models.MaterialStatus
	DueDate       *time.Time
	Reason        string
	Err           error
}

var (
	ErrMaterialNotFound        = &AssignmentError{Code: AssignMaterialNotFound}
	ErrMaterialNotReady        = &AssignmentError{Code: AssignMaterialNotReady}
	ErrUnitNotFound            = &AssignmentError{Code: AssignUnitNotFound}
	ErrUserNotFound            = &AssignmentError{Code: AssignUserNotFound}
	ErrInsufficientPermissions = &AssignmentError{Code: AssignInsufficientPermissions}
	ErrDueDateInPast           = &AssignmentError{Code: AssignDueDateInPast}
	ErrAssignmentFailed        = &AssignmentError{Code: AssignFailed}
)

func (e *AssignmentError) Error() string {
	var msg string
	switch e.Code {
	case AssignMaterialNotFound:
		msg = fmt.Sprintf("%s: %s", e.Code, e.MaterialID)
	case AssignMaterialNotReady:
		msg = fmt.Sprintf("%s: material %s is %s", e.Code, e.MaterialID, e.CurrentStatus)
	case AssignUnitNotFound:
		msg = fmt.Sprintf("%s: %s", e.Code, e.UnitID)
	case AssignUserNotFound:
		msg = fmt.Sprintf("%s: %s", e.Code, e.UserID)
	case AssignInsufficientPermissions:
		msg = fmt.Sprintf("%s: user %s cannot assign to unit %s", e.Code, e.UserID, e.UnitID)
	case AssignDueDateInPast:
		if e.DueDate != nil {
			msg = fmt.Sprintf("%s: %s", e.Code, e.DueDate.Format(time.RFC3339))
		} else {
			msg = e.Code.String()
		}
	default:
		msg = e.Code.String()
		if e.Reason != "" {
			msg += ": " + e.Reason
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AssignmentError) Unwrap() error {
	return e.Err
}

func (e *AssignmentError) Is(target error) bool {
	t, ok := target.(*AssignmentError)
	return ok && t.Code == e.Code
}

func assignFailed(reason string, err error) *AssignmentError {
	return &AssignmentError{Code: AssignFailed, Reason: reason, Err: err}
}
