package http

import (
	"context"
	"errors"
	"io"
	nethttp "net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/RigelNana/arkstudy/materialcore/models"
	"github.com/RigelNana/arkstudy/materialcore/repository"
	"github.com/RigelNana/arkstudy/materialcore/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type MaterialDeleter interface {
	Delete(ctx context.Context, id uuid.UUID) error
}

type MaterialHandler struct {
	uploads  *service.UploadOrchestrator
	listing  *service.ListingCache
	assigner *service.AssignmentOrchestrator
	deleter  MaterialDeleter
	tempDir  string
	logger   logrus.FieldLogger
}

func NewMaterialHandler(
	uploads *service.UploadOrchestrator,
	listing *service.ListingCache,
	assigner *service.AssignmentOrchestrator,
	deleter MaterialDeleter,
	tempDir string,
	logger logrus.FieldLogger,
) *MaterialHandler {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &MaterialHandler{
		uploads:  uploads,
		listing:  listing,
		assigner: assigner,
		deleter:  deleter,
		tempDir:  tempDir,
		logger:   logger,
	}
}

type uploadForm struct {
	Title       string `form:"title"`
	Description string `form:"description"`
	Subject     string `form:"subject"`
	Grade       string `form:"grade"`
	SchoolID    string `form:"school_id" binding:"required,uuid"`
	UnitID      string `form:"unit_id" binding:"omitempty,uuid"`
	IsPublic    bool   `form:"is_public"`
}

// UploadMaterial 上传文件并等待处理完成
// POST /api/materials
func (h *MaterialHandler) UploadMaterial(c *gin.Context) {
	in, cleanup, ok := h.receiveUpload(c)
	if !ok {
		return
	}
	defer cleanup()

	m, err := h.uploads.Execute(c.Request.Context(), in)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.listing.InvalidateAll()
	c.JSON(nethttp.StatusCreated, m)
}

// UploadMaterialStream 与 UploadMaterial 相同，但以 SSE 推送每个阶段
// POST /api/materials/stream
func (h *MaterialHandler) UploadMaterialStream(c *gin.Context) {
	in, cleanup, ok := h.receiveUpload(c)
	if !ok {
		return
	}
	defer cleanup()

	run := h.uploads.ExecuteWithProgress(c.Request.Context(), in)
	progress := run.Progress()
	c.Stream(func(w io.Writer) bool {
		p, open := <-progress
		if !open {
			return false
		}
		body := gin.H{"stage": p.Stage.String()}
		if p.Stage == service.StageUploading {
			body["percent"] = p.Percent
		}
		if p.Stage == service.StageFailed {
			body["reason"] = p.Reason
		}
		c.SSEvent("progress", body)
		return true
	})
	// the client may have gone away mid-stream
	go func() {
		for range progress {
		}
	}()

	m, err := run.Wait()
	if err != nil {
		_, body := errorResponse(err)
		c.SSEvent("error", body)
		c.Writer.Flush()
		return
	}
	h.listing.InvalidateAll()
	c.SSEvent("material", m)
	c.Writer.Flush()
}

// receiveUpload saves the multipart file to a temp path for the pipeline.
func (h *MaterialHandler) receiveUpload(c *gin.Context) (service.UploadInput, func(), bool) {
	var form uploadForm
	if err := c.ShouldBind(&form); err != nil {
		c.JSON(nethttp.StatusBadRequest, gin.H{"error": "invalid form", "detail": err.Error()})
		return service.UploadInput{}, nil, false
	}
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(nethttp.StatusBadRequest, gin.H{"error": "file is required", "detail": err.Error()})
		return service.UploadInput{}, nil, false
	}

	name := filepath.Base(strings.ReplaceAll(header.Filename, "\\", "/"))
	dst := filepath.Join(h.tempDir, uuid.NewString()+filepath.Ext(name))
	if err := c.SaveUploadedFile(header, dst); err != nil {
		h.logger.WithError(err).Error("failed to save uploaded file")
		c.JSON(nethttp.StatusInternalServerError, gin.H{"error": "failed to read file", "detail": err.Error()})
		return service.UploadInput{}, nil, false
	}
	cleanup := func() {
		if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
			h.logger.WithError(err).WithField("path", dst).Warn("failed to remove temp upload")
		}
	}

	uploader := userID(c)
	in := service.UploadInput{
		Title:        form.Title,
		Description:  optional(form.Description),
		Subject:      optional(form.Subject),
		Grade:        optional(form.Grade),
		FilePath:     dst,
		FileName:     name,
		SchoolID:     uuid.MustParse(form.SchoolID),
		UploadedByID: &uploader,
		IsPublic:     form.IsPublic,
	}
	if form.UnitID != "" {
		unit := uuid.MustParse(form.UnitID)
		in.AcademicUnitID = &unit
	}
	h.logger.WithFields(logrus.Fields{
		"user_id":  uploader,
		"title":    form.Title,
		"filename": name,
		"size":     header.Size,
	}).Info("upload received")
	return in, cleanup, true
}

// ListMaterials 分页获取材料列表
// GET /api/materials?subject_id=&unit_id=&type=&status=&q=&cursor=&limit=&sort=&order=
func (h *MaterialHandler) ListMaterials(c *gin.Context) {
	var q service.ListQuery
	if v := c.Query("subject_id"); v != "" {
		q.SubjectID = &v
	}
	if v := c.Query("unit_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			c.JSON(nethttp.StatusBadRequest, gin.H{"error": "invalid unit_id", "detail": err.Error()})
			return
		}
		q.UnitID = &id
	}
	if v := c.Query("type"); v != "" {
		q.FileType = &v
	}
	if v := c.Query("status"); v != "" {
		s := models.MaterialStatus(v)
		if !s.Valid() {
			c.JSON(nethttp.StatusBadRequest, gin.H{"error": "invalid status", "detail": v})
			return
		}
		q.Status = &s
	}
	if v := c.Query("q"); v != "" {
		q.Search = &v
	}
	if v := c.Query("cursor"); v != "" {
		q.Cursor = &v
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			c.JSON(nethttp.StatusBadRequest, gin.H{"error": "invalid limit", "detail": err.Error()})
			return
		}
		q.Limit = n
	}
	q.SortField = repository.SortField(c.Query("sort"))
	q.SortDirection = repository.SortDirection(c.Query("order"))

	page, err := h.listing.Fetch(c.Request.Context(), q)
	if err != nil {
		h.writeError(c, err)
		return
	}
	items := page.Items
	if items == nil {
		items = []models.Material{}
	}
	c.JSON(nethttp.StatusOK, gin.H{
		"items":       items,
		"next_cursor": page.NextCursor,
		"total_count": page.TotalCount,
		"has_more":    page.HasMore,
		"is_stale":    page.IsStale,
	})
}

// DeleteMaterial 删除材料及其存储对象
// DELETE /api/materials/:id
func (h *MaterialHandler) DeleteMaterial(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(nethttp.StatusBadRequest, gin.H{"error": "invalid material_id", "detail": err.Error()})
		return
	}
	if err := h.deleter.Delete(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	h.listing.Invalidate(id)
	h.logger.WithFields(logrus.Fields{"material_id": id, "user_id": userID(c)}).Info("material deleted")
	c.JSON(nethttp.StatusOK, gin.H{"success": true})
}

type assignRequest struct {
	UnitID         string     `json:"unit_id" binding:"required,uuid"`
	DueDate        *time.Time `json:"due_date"`
	Visible        *bool      `json:"visible"`
	NotifyStudents bool       `json:"notify_students"`
}

// AssignMaterial 把材料分配给班级
// POST /api/materials/:id/assignments
func (h *MaterialHandler) AssignMaterial(c *gin.Context) {
	materialID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(nethttp.StatusBadRequest, gin.H{"error": "invalid material_id", "detail": err.Error()})
		return
	}
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(nethttp.StatusBadRequest, gin.H{"error": "invalid request", "detail": err.Error()})
		return
	}
	visible := true
	if req.Visible != nil {
		visible = *req.Visible
	}

	res, err := h.assigner.Execute(c.Request.Context(), service.AssignInput{
		MaterialID:     materialID,
		UnitID:         uuid.MustParse(req.UnitID),
		AssignedBy:     userID(c),
		DueDate:        req.DueDate,
		Visible:        visible,
		NotifyStudents: req.NotifyStudents,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	body := gin.H{
		"assignment":           res.Assignment,
		"was_already_assigned": res.WasAlreadyAssigned,
	}
	if n := res.Notifications; n != nil {
		failures := make([]gin.H, 0, len(n.Failures))
		for _, f := range n.Failures {
			failures = append(failures, gin.H{"student_id": f.StudentID, "error": f.Err.Error()})
		}
		body["notifications"] = gin.H{
			"total_students": n.TotalStudents,
			"success_count":  n.SuccessCount,
			"failed_count":   n.FailedCount,
			"failures":       failures,
		}
	}
	status := nethttp.StatusCreated
	if res.WasAlreadyAssigned {
		status = nethttp.StatusOK
	}
	c.JSON(status, body)
}

func (h *MaterialHandler) writeError(c *gin.Context, err error) {
	status, body := errorResponse(err)
	if status >= 500 {
		h.logger.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.JSON(status, body)
}

// errorResponse maps domain errors onto HTTP statuses.
func errorResponse(err error) (int, gin.H) {
	var (
		ue *service.UploadError
		ae *service.AssignmentError
		pe *service.PreconditionError
	)
	switch {
	case errors.As(err, &ue):
		return uploadStatus(ue.Code), gin.H{"error": ue.Code.String(), "detail": err.Error()}
	case errors.As(err, &ae):
		return assignmentStatus(ae.Code), gin.H{"error": ae.Code.String(), "detail": err.Error()}
	case errors.As(err, &pe):
		return nethttp.StatusBadRequest, gin.H{"error": "invalid request", "detail": err.Error()}
	case errors.Is(err, repository.ErrNotFound):
		return nethttp.StatusNotFound, gin.H{"error": "material not found"}
	case errors.Is(err, repository.ErrInvalidCursor):
		return nethttp.StatusBadRequest, gin.H{"error": "invalid cursor"}
	}
	return nethttp.StatusInternalServerError, gin.H{"error": "internal server error", "detail": err.Error()}
}

func uploadStatus(code service.UploadErrorCode) int {
	switch code {
	case service.UploadInvalidTitleLength, service.UploadFileNotFound:
		return nethttp.StatusBadRequest
	case service.UploadUnsupportedFileType:
		return nethttp.StatusUnsupportedMediaType
	case service.UploadFileTooLarge:
		return nethttp.StatusRequestEntityTooLarge
	case service.UploadProcessingFailed:
		return nethttp.StatusUnprocessableEntity
	case service.UploadProcessingTimeout:
		return nethttp.StatusGatewayTimeout
	case service.UploadCancelled:
		return nethttp.StatusRequestTimeout
	case service.UploadFileReadError:
		return nethttp.StatusInternalServerError
	}
	return nethttp.StatusBadGateway
}

func assignmentStatus(code service.AssignmentErrorCode) int {
	switch code {
	case service.AssignMaterialNotFound, service.AssignUnitNotFound, service.AssignUserNotFound:
		return nethttp.StatusNotFound
	case service.AssignMaterialNotReady:
		return nethttp.StatusConflict
	case service.AssignInsufficientPermissions:
		return nethttp.StatusForbidden
	case service.AssignDueDateInPast:
		return nethttp.StatusBadRequest
	}
	return nethttp.StatusInternalServerError
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
