package service

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// NotificationService delivers a single "material assigned" message to a student.
type NotificationService interface {
	NotifyStudent(ctx context.Context, studentID uuid.UUID, materialTitle, unitName string, dueDate *time.Time) error
}

// FileValidator inspects the file an upload starts from.
type FileValidator interface {
	Exists(ctx context.Context, path string) (bool, error)
	Size(ctx context.Context, path string) (int64, error)
	MIMEType(ctx context.Context, path string) (string, error)
}
