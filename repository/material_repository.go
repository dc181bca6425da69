package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RigelNana/arkstudy/materialcore/messaging"
	"github.com/RigelNana/arkstudy/materialcore/models"
	"github.com/RigelNana/arkstudy/materialcore/storage"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrUploadTargetRejected marks an upload target that expired or became invalid.
var ErrUploadTargetRejected = storage.ErrTargetRejected

// ErrInvalidTransition is returned when a write would move a material's status backwards.
var ErrInvalidTransition = errors.New("invalid material status transition")

type NewMaterial struct {
	Title          string
	Description    *string
	Subject        *string
	Grade          *string
	SchoolID       uuid.UUID
	AcademicUnitID *uuid.UUID
	UploadedByID   *uuid.UUID
	IsPublic       bool
}

type NewAssignment struct {
	MaterialID uuid.UUID
	UnitID     uuid.UUID
	AssignedBy uuid.UUID
	DueDate    *time.Time
	Visible    bool
}

type UploadLocation struct {
	UploadURL string
	FinalURL  string
	ExpiresIn time.Duration
}

// MaterialLister is the read side used by the listing cache.
type MaterialLister interface {
	List(ctx context.Context, q MaterialQuery) (*MaterialListResult, error)
}

// AssignmentRepository is the subset the assignment flow needs.
type AssignmentRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Material, error)
	CreateAssignment(ctx context.Context, in NewAssignment) (*models.MaterialAssignment, error)
	// GetExistingAssignment returns nil, nil when the pair is not assigned.
	GetExistingAssignment(ctx context.Context, materialID, unitID uuid.UUID) (*models.MaterialAssignment, error)
}

type MaterialRepository interface {
	MaterialLister
	AssignmentRepository
	Create(ctx context.Context, in NewMaterial) (*models.Material, error)
	RequestUploadLocation(ctx context.Context, materialID uuid.UUID, fileName, contentType string) (UploadLocation, error)
	UploadBytes(ctx context.Context, filePath string, target UploadLocation, contentType string, onProgress func(percent int)) error
	NotifyUploadComplete(ctx context.Context, materialID uuid.UUID, finalURL, contentType string, sizeBytes int64) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type ObjectStore interface {
	PresignUpload(ctx context.Context, objectName string) (storage.UploadTarget, error)
	Put(ctx context.Context, filePath, uploadURL, contentType string, onProgress func(int)) error
	RemoveMaterialObjects(ctx context.Context, materialID uuid.UUID) error
}

type JobPublisher interface {
	PublishProcessingJob(ctx context.Context, job messaging.ProcessingJob) error
}

type MaterialRepositoryImpl struct {
	*BaseRepositoryImpl[models.Material]
	store ObjectStore
	jobs  JobPublisher
	now   func() time.Time
}

// NewMaterialRepository wires the gorm store with object storage. jobs may be
// nil, in which case no processing job is published on upload completion.
func NewMaterialRepository(db *gorm.DB, store ObjectStore, jobs JobPublisher) *MaterialRepositoryImpl {
	return &MaterialRepositoryImpl{
		BaseRepositoryImpl: NewBaseRepository[models.Material](db),
		store:              store,
		jobs:               jobs,
		now:                time.Now,
	}
}

func (r *MaterialRepositoryImpl) Get(ctx context.Context, id uuid.UUID) (*models.Material, error) {
	return r.GetByID(ctx, id)
}

func (r *MaterialRepositoryImpl) Create(ctx context.Context, in NewMaterial) (*models.Material, error) {
	m := &models.Material{
		Title:          in.Title,
		Description:    in.Description,
		Subject:        in.Subject,
		Grade:          in.Grade,
		SchoolID:       in.SchoolID,
		AcademicUnitID: in.AcademicUnitID,
		UploadedByID:   in.UploadedByID,
		IsPublic:       in.IsPublic,
		Status:         models.MaterialStatusUploaded,
	}
	if err := r.BaseRepositoryImpl.Create(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to save material record: %w", err)
	}
	return m, nil
}

func (r *MaterialRepositoryImpl) RequestUploadLocation(ctx context.Context, materialID uuid.UUID, fileName, contentType string) (UploadLocation, error) {
	t, err := r.store.PresignUpload(ctx, storage.ObjectName(materialID, fileName))
	if err != nil {
		return UploadLocation{}, err
	}
	return UploadLocation{UploadURL: t.UploadURL, FinalURL: t.FinalURL, ExpiresIn: t.ExpiresIn}, nil
}

func (r *MaterialRepositoryImpl) UploadBytes(ctx context.Context, filePath string, target UploadLocation, contentType string, onProgress func(percent int)) error {
	return r.store.Put(ctx, filePath, target.UploadURL, contentType, onProgress)
}

// NotifyUploadComplete 记录文件信息并把状态推进到 processing，然后投递处理任务
func (r *MaterialRepositoryImpl) NotifyUploadComplete(ctx context.Context, materialID uuid.UUID, finalURL, contentType string, sizeBytes int64) error {
	now := r.now()
	res := r.db.WithContext(ctx).
		Model(&models.Material{}).
		Where("id = ? AND status = ?", materialID, models.MaterialStatusUploaded).
		Updates(map[string]interface{}{
			"file_url":              finalURL,
			"file_type":             contentType,
			"file_size_bytes":       sizeBytes,
			"status":                models.MaterialStatusProcessing,
			"processing_started_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update material: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, materialID); err != nil {
			return err
		}
		return fmt.Errorf("%w: material %s is not awaiting upload", ErrInvalidTransition, materialID)
	}

	if r.jobs == nil {
		return nil
	}
	job := messaging.ProcessingJob{
		MaterialID: materialID.String(),
		FileURL:    finalURL,
		FileType:   contentType,
		SizeBytes:  sizeBytes,
	}
	if err := r.jobs.PublishProcessingJob(ctx, job); err != nil {
		return fmt.Errorf("failed to publish processing job: %w", err)
	}
	return nil
}

// ApplyProcessingResult 处理完成后把状态从 processing 推进到 ready 或 failed
func (r *MaterialRepositoryImpl) ApplyProcessingResult(ctx context.Context, res messaging.ProcessingResult) error {
	id, err := uuid.Parse(res.MaterialID)
	if err != nil {
		return fmt.Errorf("invalid material id %q: %w", res.MaterialID, err)
	}
	var next models.MaterialStatus
	switch res.Status {
	case messaging.ResultCompleted:
		next = models.MaterialStatusReady
	case messaging.ResultFailed:
		next = models.MaterialStatusFailed
	default:
		return fmt.Errorf("unknown processing status %q for material %s", res.Status, id)
	}
	if !models.MaterialStatusProcessing.CanTransitionTo(next) {
		return fmt.Errorf("%w: processing -> %s", ErrInvalidTransition, next)
	}

	meta := map[string]string{}
	for k, v := range res.Metadata {
		meta[k] = v
	}
	if res.TaskID != "" {
		meta["task_id"] = res.TaskID
	}
	if res.ErrorMessage != "" {
		meta["error"] = res.ErrorMessage
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode processing metadata: %w", err)
	}

	result := r.db.WithContext(ctx).
		Model(&models.Material{}).
		Where("id = ? AND status = ?", id, models.MaterialStatusProcessing).
		Updates(map[string]interface{}{
			"status":                  next,
			"processing_completed_at": r.now(),
			"metadata":                datatypes.JSON(raw),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update material: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: material %s is not processing", ErrInvalidTransition, id)
	}
	return nil
}

// Delete removes stored objects first so a failed removal leaves the row for a retry.
func (r *MaterialRepositoryImpl) Delete(ctx context.Context, id uuid.UUID) error {
	if err := r.store.RemoveMaterialObjects(ctx, id); err != nil {
		return err
	}
	return r.BaseRepositoryImpl.Delete(ctx, id)
}

func (r *MaterialRepositoryImpl) CreateAssignment(ctx context.Context, in NewAssignment) (*models.MaterialAssignment, error) {
	a := &models.MaterialAssignment{
		MaterialID: in.MaterialID,
		UnitID:     in.UnitID,
		AssignedBy: in.AssignedBy,
		AssignedAt: r.now(),
		DueDate:    in.DueDate,
		Visible:    in.Visible,
	}
	if err := r.db.WithContext(ctx).Create(a).Error; err != nil {
		return nil, translate(err)
	}
	return a, nil
}

func (r *MaterialRepositoryImpl) GetExistingAssignment(ctx context.Context, materialID, unitID uuid.UUID) (*models.MaterialAssignment, error) {
	var a models.MaterialAssignment
	err := r.db.WithContext(ctx).
		Where("material_id = ? AND unit_id = ?", materialID, unitID).
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *MaterialRepositoryImpl) List(ctx context.Context, q MaterialQuery) (*MaterialListResult, error) {
	builder, err := buildListQuery(q)
	if err != nil {
		return nil, err
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}

	var items []models.Material
	if err := r.db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, fmt.Errorf("list materials: %w", err)
	}

	out := &MaterialListResult{}
	if len(items) > q.Limit {
		items = items[:q.Limit]
		next := encodeCursor(q.SortField, items[len(items)-1])
		out.NextCursor = &next
	}
	out.Items = items

	// 总数只在第一页计算
	if q.Cursor == nil {
		countSQL, countArgs, err := buildCountQuery(q).ToSql()
		if err != nil {
			return nil, fmt.Errorf("build count query: %w", err)
		}
		var total int64
		if err := r.db.WithContext(ctx).Raw(countSQL, countArgs...).Scan(&total).Error; err != nil {
			return nil, fmt.Errorf("count materials: %w", err)
		}
		out.TotalCount = &total
	}
	return out, nil
}
