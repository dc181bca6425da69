package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/RigelNana/arkstudy/materialcore/models"
	"github.com/RigelNana/arkstudy/materialcore/pkg/metrics"
	"github.com/RigelNana/arkstudy/materialcore/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type UploadConfig struct {
	MinTitleLength    int
	MaxTitleLength    int
	MaxFileSizeBytes  int64
	AllowedMIMETypes  []string
	PollInterval      time.Duration
	ProcessingTimeout time.Duration
	// CleanupTimeout bounds the compensating delete, which runs even when
	// the caller's context is already cancelled.
	CleanupTimeout time.Duration
}

func DefaultUploadConfig() UploadConfig {
	return UploadConfig{
		MinTitleLength:    3,
		MaxTitleLength:    200,
		MaxFileSizeBytes:  50 << 20,
		AllowedMIMETypes:  []string{"application/pdf"},
		PollInterval:      time.Second,
		ProcessingTimeout: 30 * time.Second,
		CleanupTimeout:    10 * time.Second,
	}
}

func (c UploadConfig) withDefaults() UploadConfig {
	d := DefaultUploadConfig()
	if c.MinTitleLength <= 0 {
		c.MinTitleLength = d.MinTitleLength
	}
	if c.MaxTitleLength <= 0 {
		c.MaxTitleLength = d.MaxTitleLength
	}
	if c.MaxFileSizeBytes <= 0 {
		c.MaxFileSizeBytes = d.MaxFileSizeBytes
	}
	if len(c.AllowedMIMETypes) == 0 {
		c.AllowedMIMETypes = d.AllowedMIMETypes
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = d.ProcessingTimeout
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = d.CleanupTimeout
	}
	return c
}

type UploadInput struct {
	Title       string
	Description *string
	Subject     *string
	Grade       *string
	// FilePath is the local file to upload. FileName defaults to its base name.
	FilePath       string
	FileName       string
	SchoolID       uuid.UUID
	AcademicUnitID *uuid.UUID
	UploadedByID   *uuid.UUID
	IsPublic       bool
}

type validatedFile struct {
	title    string
	name     string
	mimeType string
	size     int64
}

// UploadOrchestrator drives Validate → Create → RequestLocation → Upload →
// NotifyComplete → PollUntilReady. A material created by the pipeline is
// deleted again unless the pipeline reaches ready.
type UploadOrchestrator struct {
	materials repository.MaterialRepository
	files     FileValidator
	cfg       UploadConfig
	allowed   map[string]struct{}
	logger    logrus.FieldLogger

	mu      sync.Mutex
	pending map[uuid.UUID]struct{}
}

func NewUploadOrchestrator(materials repository.MaterialRepository, files FileValidator, cfg UploadConfig, logger logrus.FieldLogger) *UploadOrchestrator {
	cfg = cfg.withDefaults()
	allowed := make(map[string]struct{}, len(cfg.AllowedMIMETypes))
	for _, t := range cfg.AllowedMIMETypes {
		allowed[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &UploadOrchestrator{
		materials: materials,
		files:     files,
		cfg:       cfg,
		allowed:   allowed,
		logger:    logger,
		pending:   make(map[uuid.UUID]struct{}),
	}
}

// Execute runs the pipeline to completion. The returned material is always
// ready; every failure is an *UploadError.
func (o *UploadOrchestrator) Execute(ctx context.Context, in UploadInput) (*models.Material, error) {
	return o.run(ctx, in, func(UploadProgress) {})
}

// ExecuteWithProgress starts the pipeline in the background.
func (o *UploadOrchestrator) ExecuteWithProgress(ctx context.Context, in UploadInput) *UploadRun {
	feed := newProgressFeed()
	r := &UploadRun{progress: feed.out, done: make(chan struct{})}
	go func() {
		defer close(r.done)
		defer feed.close()
		r.material, r.err = o.run(ctx, in, feed.emit)
	}()
	return r
}

// PendingCleanups reports materials created by in-flight pipelines that have
// not yet reached ready or been cleaned up.
func (o *UploadOrchestrator) PendingCleanups() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}

func (o *UploadOrchestrator) run(ctx context.Context, in UploadInput, emit func(UploadProgress)) (mat *models.Material, err error) {
	start := time.Now()
	log := o.logger.WithField("file", in.FilePath)
	var created uuid.UUID

	defer func() {
		if err == nil {
			o.untrack(created)
			metrics.UploadDuration.WithLabelValues("ready").Observe(time.Since(start).Seconds())
			log.WithField("material_id", created).Info("material upload ready")
			emit(UploadProgress{Stage: StageReady})
			return
		}
		var ue *UploadError
		if !errors.As(err, &ue) {
			ue = uploadErr(UploadNetworkError, created, err)
			err = ue
		}
		if created != uuid.Nil {
			o.cleanup(ctx, created, log)
		}
		metrics.UploadDuration.WithLabelValues(ue.Code.String()).Observe(time.Since(start).Seconds())
		log.WithError(err).WithField("material_id", created).Warn("material upload did not complete")
		emit(UploadProgress{Stage: StageFailed, Reason: ue.Code.String(), Err: err})
	}()

	// 1. validate
	emit(UploadProgress{Stage: StageValidating})
	if err := checkpoint(ctx, uuid.Nil); err != nil {
		return nil, err
	}
	file, err := o.validate(ctx, in)
	if err = o.stageDone("validate", err); err != nil {
		return nil, err
	}

	// 2. create
	emit(UploadProgress{Stage: StageCreating})
	if err := checkpoint(ctx, uuid.Nil); err != nil {
		return nil, err
	}
	m, err := o.materials.Create(ctx, repository.NewMaterial{
		Title:          file.title,
		Description:    in.Description,
		Subject:        in.Subject,
		Grade:          in.Grade,
		SchoolID:       in.SchoolID,
		AcademicUnitID: in.AcademicUnitID,
		UploadedByID:   in.UploadedByID,
		IsPublic:       in.IsPublic,
	})
	if err != nil {
		return nil, o.stageDone("create", stageErr(ctx, UploadMaterialCreationFailed, uuid.Nil, err))
	}
	created = m.ID
	o.track(created)
	log = log.WithField("material_id", created)
	o.stageDone("create", nil)

	// 3. request location
	emit(UploadProgress{Stage: StageUploading, Percent: 0})
	if err := checkpoint(ctx, created); err != nil {
		return nil, err
	}
	loc, err := o.materials.RequestUploadLocation(ctx, created, file.name, file.mimeType)
	if err != nil {
		return nil, o.stageDone("request_location", stageErr(ctx, UploadLocationFailed, created, err))
	}
	o.stageDone("request_location", nil)

	// 4. upload, regenerating the location once if the target is rejected
	if err := checkpoint(ctx, created); err != nil {
		return nil, err
	}
	last := 0
	onProgress := func(pct int) {
		if pct > last && pct <= 100 {
			last = pct
			emit(UploadProgress{Stage: StageUploading, Percent: pct})
		}
	}
	err = o.materials.UploadBytes(ctx, in.FilePath, loc, file.mimeType, onProgress)
	if errors.Is(err, repository.ErrUploadTargetRejected) {
		log.WithError(err).Warn("upload target rejected, regenerating location")
		if cerr := checkpoint(ctx, created); cerr != nil {
			return nil, cerr
		}
		loc, err = o.materials.RequestUploadLocation(ctx, created, file.name, file.mimeType)
		if err != nil {
			return nil, o.stageDone("request_location", stageErr(ctx, UploadLocationFailed, created, err))
		}
		err = o.materials.UploadBytes(ctx, in.FilePath, loc, file.mimeType, onProgress)
	}
	if err != nil {
		return nil, o.stageDone("upload", stageErr(ctx, UploadFailed, created, err))
	}
	o.stageDone("upload", nil)

	// 5. notify complete
	emit(UploadProgress{Stage: StageProcessing})
	if err := checkpoint(ctx, created); err != nil {
		return nil, err
	}
	if err := o.materials.NotifyUploadComplete(ctx, created, loc.FinalURL, file.mimeType, file.size); err != nil {
		return nil, o.stageDone("notify_complete", stageErr(ctx, UploadNotifyCompleteFailed, created, err))
	}
	o.stageDone("notify_complete", nil)

	// 6. poll
	if err := checkpoint(ctx, created); err != nil {
		return nil, err
	}
	m, err = o.pollUntilReady(ctx, created)
	if err = o.stageDone("poll", err); err != nil {
		return nil, err
	}
	return m, nil
}

func (o *UploadOrchestrator) validate(ctx context.Context, in UploadInput) (validatedFile, error) {
	title := strings.TrimSpace(in.Title)
	if n := utf8.RuneCountInString(title); n < o.cfg.MinTitleLength || n > o.cfg.MaxTitleLength {
		return validatedFile{}, &UploadError{
			Code:  UploadInvalidTitleLength,
			Value: title,
			Limit: int64(o.cfg.MaxTitleLength),
			Err:   fmt.Errorf("length %d outside [%d, %d]", n, o.cfg.MinTitleLength, o.cfg.MaxTitleLength),
		}
	}

	exists, err := o.files.Exists(ctx, in.FilePath)
	if err != nil {
		return validatedFile{}, &UploadError{Code: UploadFileReadError, Value: in.FilePath, Err: err}
	}
	if !exists {
		return validatedFile{}, &UploadError{Code: UploadFileNotFound, Value: in.FilePath}
	}

	mimeType, err := o.files.MIMEType(ctx, in.FilePath)
	if err != nil {
		return validatedFile{}, &UploadError{Code: UploadFileReadError, Value: in.FilePath, Err: err}
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if _, ok := o.allowed[mimeType]; !ok {
		return validatedFile{}, &UploadError{Code: UploadUnsupportedFileType, Value: mimeType}
	}

	size, err := o.files.Size(ctx, in.FilePath)
	if err != nil {
		return validatedFile{}, &UploadError{Code: UploadFileReadError, Value: in.FilePath, Err: err}
	}
	if size > o.cfg.MaxFileSizeBytes {
		return validatedFile{}, &UploadError{
			Code:  UploadFileTooLarge,
			Value: strconv.FormatInt(size, 10),
			Limit: o.cfg.MaxFileSizeBytes,
		}
	}

	name := in.FileName
	if name == "" {
		name = filepath.Base(in.FilePath)
	}
	return validatedFile{title: title, name: name, mimeType: mimeType, size: size}, nil
}

// pollUntilReady re-fetches the material until it is ready or failed. The
// deadline is wall-clock and also bounds each Get; a timeout means
// unresolved, not failed.
func (o *UploadOrchestrator) pollUntilReady(ctx context.Context, id uuid.UUID) (*models.Material, error) {
	pctx, cancel := context.WithTimeout(ctx, o.cfg.ProcessingTimeout)
	defer cancel()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pctx.Done():
			return nil, o.pollExpired(ctx, id)
		case <-ticker.C:
		}

		m, err := o.materials.Get(pctx, id)
		if err != nil {
			if pctx.Err() != nil {
				return nil, o.pollExpired(ctx, id)
			}
			return nil, uploadErr(UploadNetworkError, id, err)
		}
		if !m.Status.Terminal() {
			continue
		}
		if m.Status == models.MaterialStatusFailed {
			return nil, &UploadError{Code: UploadProcessingFailed, MaterialID: id, Value: string(m.Status)}
		}
		return m, nil
	}
}

// pollExpired tells the caller's own cancellation apart from the processing
// deadline.
func (o *UploadOrchestrator) pollExpired(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return uploadErr(UploadCancelled, id, err)
	}
	return &UploadError{
		Code:       UploadProcessingTimeout,
		MaterialID: id,
		Limit:      o.cfg.ProcessingTimeout.Milliseconds(),
	}
}

func (o *UploadOrchestrator) cleanup(ctx context.Context, id uuid.UUID, log logrus.FieldLogger) {
	defer o.untrack(id)
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CleanupTimeout)
	defer cancel()

	if err := o.materials.Delete(cctx, id); err != nil {
		metrics.UploadCleanupsTotal.WithLabelValues("error").Inc()
		log.WithError(err).Warn("failed to delete abandoned material")
		return
	}
	metrics.UploadCleanupsTotal.WithLabelValues("ok").Inc()
	log.Info("deleted abandoned material")
}

func (o *UploadOrchestrator) track(id uuid.UUID) {
	o.mu.Lock()
	o.pending[id] = struct{}{}
	o.mu.Unlock()
}

func (o *UploadOrchestrator) untrack(id uuid.UUID) {
	if id == uuid.Nil {
		return
	}
	o.mu.Lock()
	delete(o.pending, id)
	o.mu.Unlock()
}

func (o *UploadOrchestrator) stageDone(stage string, err error) error {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.UploadStagesTotal.WithLabelValues(stage, result).Inc()
	return err
}

func checkpoint(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return uploadErr(UploadCancelled, id, err)
	}
	return nil
}

// stageErr reports a collaborator failure caused by the caller's own
// cancellation as Cancelled rather than as the stage's failure.
func stageErr(ctx context.Context, code UploadErrorCode, id uuid.UUID, err error) *UploadError {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return uploadErr(UploadCancelled, id, ctx.Err())
	}
	return uploadErr(code, id, err)
}
