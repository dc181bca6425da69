package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/RigelNana/arkstudy/materialcore/filecheck"
	"github.com/RigelNana/arkstudy/materialcore/models"
	"github.com/RigelNana/arkstudy/materialcore/repository"
	"github.com/RigelNana/arkstudy/materialcore/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeRepo marks a material ready as soon as its upload completes.
type fakeRepo struct {
	mu          sync.Mutex
	materials   map[uuid.UUID]*models.Material
	assignments map[string]*models.MaterialAssignment
	creates     int
	lists       int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		materials:   make(map[uuid.UUID]*models.Material),
		assignments: make(map[string]*models.MaterialAssignment),
	}
}

func (r *fakeRepo) add(m *models.Material) {
	r.mu.Lock()
	r.materials[m.ID] = m
	r.mu.Unlock()
}

func (r *fakeRepo) Get(ctx context.Context, id uuid.UUID) (*models.Material, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.materials[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *fakeRepo) Create(ctx context.Context, in repository.NewMaterial) (*models.Material, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates++
	m := &models.Material{Title: in.Title, SchoolID: in.SchoolID, Status: models.MaterialStatusUploaded}
	m.ID = uuid.New()
	r.materials[m.ID] = m
	cp := *m
	return &cp, nil
}

func (r *fakeRepo) RequestUploadLocation(ctx context.Context, materialID uuid.UUID, fileName, contentType string) (repository.UploadLocation, error) {
	return repository.UploadLocation{
		UploadURL: "https://minio.local/upload/" + fileName,
		FinalURL:  "s3://materials/" + materialID.String() + "/" + fileName,
		ExpiresIn: time.Minute,
	}, nil
}

func (r *fakeRepo) UploadBytes(ctx context.Context, filePath string, target repository.UploadLocation, contentType string, onProgress func(percent int)) error {
	if _, err := os.Stat(filePath); err != nil {
		return err
	}
	onProgress(0)
	onProgress(100)
	return nil
}

func (r *fakeRepo) NotifyUploadComplete(ctx context.Context, materialID uuid.UUID, finalURL, contentType string, sizeBytes int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.materials[materialID]
	m.Status = models.MaterialStatusReady
	m.FileURL = &finalURL
	m.FileType = &contentType
	m.FileSizeBytes = &sizeBytes
	return nil
}

func (r *fakeRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.materials[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.materials, id)
	return nil
}

func (r *fakeRepo) List(ctx context.Context, q repository.MaterialQuery) (*repository.MaterialListResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lists++
	res := &repository.MaterialListResult{}
	for _, m := range r.materials {
		res.Items = append(res.Items, *m)
	}
	total := int64(len(res.Items))
	res.TotalCount = &total
	return res, nil
}

func (r *fakeRepo) listCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lists
}

func (r *fakeRepo) CreateAssignment(ctx context.Context, in repository.NewAssignment) (*models.MaterialAssignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := &models.MaterialAssignment{ID: uuid.New(), MaterialID: in.MaterialID, UnitID: in.UnitID, AssignedBy: in.AssignedBy, DueDate: in.DueDate, Visible: in.Visible}
	r.assignments[in.MaterialID.String()+in.UnitID.String()] = a
	return a, nil
}

func (r *fakeRepo) GetExistingAssignment(ctx context.Context, materialID, unitID uuid.UUID) (*models.MaterialAssignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.assignments[materialID.String()+unitID.String()], nil
}

type stubUnits struct{ unit uuid.UUID }

func (u stubUnits) Get(ctx context.Context, id uuid.UUID) (*repository.UnitInfo, error) {
	if id != u.unit {
		return nil, repository.ErrNotFound
	}
	return &repository.UnitInfo{ID: id, Name: "Class 3B"}, nil
}

func (u stubUnits) ListStudents(ctx context.Context, unitID uuid.UUID) ([]uuid.UUID, error) {
	return []uuid.UUID{uuid.New(), uuid.New()}, nil
}

type stubMembers struct{}

func (stubMembers) HasTeacherOrAdminRole(ctx context.Context, userID, unitID uuid.UUID) (bool, error) {
	return true, nil
}

func (stubMembers) GetUserInfo(ctx context.Context, userID uuid.UUID) (*repository.AssignerInfo, error) {
	return &repository.AssignerInfo{ID: userID}, nil
}

type countingNotifier struct {
	mu   sync.Mutex
	sent int
}

func (n *countingNotifier) NotifyStudent(ctx context.Context, studentID uuid.UUID, materialTitle, unitName string, dueDate *time.Time) error {
	n.mu.Lock()
	n.sent++
	n.mu.Unlock()
	return nil
}

type testServer struct {
	router  *gin.Engine
	repo    *fakeRepo
	unit    uuid.UUID
	user    uuid.UUID
	tempDir string
}

func newTestServer(t *testing.T) *testServer {
	logger, _ := test.NewNullLogger()
	repo := newFakeRepo()
	unit := uuid.New()

	upCfg := service.DefaultUploadConfig()
	upCfg.PollInterval = time.Millisecond
	uploads := service.NewUploadOrchestrator(repo, filecheck.NewLocalValidator(), upCfg, logger)
	listing := service.NewListingCache(repo, service.DefaultListingConfig(), logger)
	assigner := service.NewAssignmentOrchestrator(repo, stubUnits{unit: unit}, stubMembers{}, &countingNotifier{}, service.DefaultAssignmentConfig(), logger)

	dir := t.TempDir()
	h := NewMaterialHandler(uploads, listing, assigner, repo, dir, logger)
	return &testServer{router: Setup(h, "material-core-test"), repo: repo, unit: unit, user: uuid.New(), tempDir: dir}
}

func (s *testServer) do(req *nethttp.Request) *httptest.ResponseRecorder {
	req.Header.Set(UserIDHeader, s.user.String())
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

var pdfBytes = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

func uploadRequest(t *testing.T, path, title, fileName string, content []byte) *nethttp.Request {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("title", title))
	require.NoError(t, mw.WriteField("school_id", uuid.NewString()))
	fw, err := mw.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(nethttp.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadMaterial(t *testing.T) {
	s := newTestServer(t)

	w := s.do(httptest.NewRequest(nethttp.MethodGet, "/api/materials", nil))
	require.Equal(t, nethttp.StatusOK, w.Code)

	w = s.do(uploadRequest(t, "/api/materials", "Intro", "intro.pdf", pdfBytes))
	require.Equal(t, nethttp.StatusCreated, w.Code, w.Body.String())

	var m models.Material
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	assert.Equal(t, models.MaterialStatusReady, m.Status)
	assert.Equal(t, "Intro", m.Title)
	require.NotNil(t, m.FileSizeBytes)
	assert.Equal(t, int64(len(pdfBytes)), *m.FileSizeBytes)

	entries, err := os.ReadDir(s.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp upload must be removed")

	w = s.do(httptest.NewRequest(nethttp.MethodGet, "/api/materials", nil))
	require.Equal(t, nethttp.StatusOK, w.Code)
	assert.Equal(t, 2, s.repo.listCalls(), "upload must invalidate cached listings")
	assert.Contains(t, w.Body.String(), m.ID.String())
}

func TestUploadMaterialRejectsNonPDF(t *testing.T) {
	s := newTestServer(t)
	docx := append([]byte("PK\x03\x04"), bytes.Repeat([]byte{0}, 64)...)

	w := s.do(uploadRequest(t, "/api/materials", "Notes", "notes.docx", docx))
	assert.Equal(t, nethttp.StatusUnsupportedMediaType, w.Code)
	assert.Contains(t, w.Body.String(), "unsupported file type")
	assert.Zero(t, s.repo.creates)
}

func TestUploadMaterialInvalidTitle(t *testing.T) {
	s := newTestServer(t)

	w := s.do(uploadRequest(t, "/api/materials", "ab", "intro.pdf", pdfBytes))
	assert.Equal(t, nethttp.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid title length")
}

func TestUploadMaterialStream(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	req := uploadRequest(t, srv.URL+"/api/materials/stream", "Intro", "intro.pdf", pdfBytes)
	req.RequestURI = ""
	req.Header.Set(UserIDHeader, s.user.String())
	resp, err := nethttp.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	events := string(body)
	assert.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Contains(t, events, `"stage":"validating"`)
	assert.Contains(t, events, `"percent":100`)
	assert.Contains(t, events, `"stage":"ready"`)
	assert.Contains(t, events, "event:material")
	assert.Less(t, strings.Index(events, `"stage":"validating"`), strings.Index(events, `"stage":"ready"`))
}

func TestRequestsWithoutUserAreRejected(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(nethttp.MethodGet, "/api/materials", nil))
	assert.Equal(t, nethttp.StatusUnauthorized, w.Code)
}

func TestListMaterialsValidatesQuery(t *testing.T) {
	s := newTestServer(t)

	for _, q := range []string{"limit=150", "limit=abc", "status=archived", "unit_id=nope", "sort=popularity"} {
		w := s.do(httptest.NewRequest(nethttp.MethodGet, "/api/materials?"+q, nil))
		assert.Equal(t, nethttp.StatusBadRequest, w.Code, q)
	}
	assert.Zero(t, s.repo.listCalls())
}

func TestListMaterials(t *testing.T) {
	s := newTestServer(t)
	m := &models.Material{Title: "Photosynthesis", Status: models.MaterialStatusReady}
	m.ID = uuid.New()
	s.repo.add(m)

	w := s.do(httptest.NewRequest(nethttp.MethodGet, "/api/materials?limit=10&sort=title&order=asc", nil))
	require.Equal(t, nethttp.StatusOK, w.Code)

	var body struct {
		Items      []models.Material `json:"items"`
		TotalCount *int64            `json:"total_count"`
		HasMore    bool              `json:"has_more"`
		IsStale    bool              `json:"is_stale"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, "Photosynthesis", body.Items[0].Title)
	assert.Equal(t, int64(1), *body.TotalCount)
	assert.False(t, body.HasMore)
	assert.False(t, body.IsStale)
}

func TestDeleteMaterial(t *testing.T) {
	s := newTestServer(t)
	m := &models.Material{Title: "Old notes", Status: models.MaterialStatusReady}
	m.ID = uuid.New()
	s.repo.add(m)

	require.Equal(t, nethttp.StatusOK, s.do(httptest.NewRequest(nethttp.MethodGet, "/api/materials", nil)).Code)
	w := s.do(httptest.NewRequest(nethttp.MethodDelete, "/api/materials/"+m.ID.String(), nil))
	require.Equal(t, nethttp.StatusOK, w.Code)

	w = s.do(httptest.NewRequest(nethttp.MethodGet, "/api/materials", nil))
	require.Equal(t, nethttp.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), m.ID.String())
	assert.Equal(t, 2, s.repo.listCalls())

	w = s.do(httptest.NewRequest(nethttp.MethodDelete, "/api/materials/"+m.ID.String(), nil))
	assert.Equal(t, nethttp.StatusNotFound, w.Code)
}

func assignRequestBody(t *testing.T, v any) io.Reader {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func TestAssignMaterial(t *testing.T) {
	s := newTestServer(t)
	m := &models.Material{Title: "Fractions", Status: models.MaterialStatusReady}
	m.ID = uuid.New()
	s.repo.add(m)
	path := "/api/materials/" + m.ID.String() + "/assignments"
	due := time.Now().Add(48 * time.Hour).UTC()

	req := httptest.NewRequest(nethttp.MethodPost, path, assignRequestBody(t, gin.H{
		"unit_id": s.unit, "due_date": due, "notify_students": true,
	}))
	req.Header.Set("Content-Type", "application/json")
	w := s.do(req)
	require.Equal(t, nethttp.StatusCreated, w.Code, w.Body.String())

	var body struct {
		WasAlreadyAssigned bool `json:"was_already_assigned"`
		Notifications      struct {
			TotalStudents int `json:"total_students"`
			SuccessCount  int `json:"success_count"`
		} `json:"notifications"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.WasAlreadyAssigned)
	assert.Equal(t, 2, body.Notifications.TotalStudents)
	assert.Equal(t, 2, body.Notifications.SuccessCount)

	req = httptest.NewRequest(nethttp.MethodPost, path, assignRequestBody(t, gin.H{"unit_id": s.unit}))
	req.Header.Set("Content-Type", "application/json")
	w = s.do(req)
	require.Equal(t, nethttp.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"was_already_assigned":true`)
}

func TestAssignMaterialErrors(t *testing.T) {
	s := newTestServer(t)
	processing := &models.Material{Title: "Draft", Status: models.MaterialStatusProcessing}
	processing.ID = uuid.New()
	s.repo.add(processing)

	tests := []struct {
		name     string
		material uuid.UUID
		body     gin.H
		want     int
	}{
		{"past due date", processing.ID, gin.H{"unit_id": s.unit, "due_date": time.Now().Add(-time.Hour)}, nethttp.StatusBadRequest},
		{"not ready", processing.ID, gin.H{"unit_id": s.unit}, nethttp.StatusConflict},
		{"unknown material", uuid.New(), gin.H{"unit_id": s.unit}, nethttp.StatusNotFound},
		{"missing unit", processing.ID, gin.H{}, nethttp.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(nethttp.MethodPost, "/api/materials/"+tt.material.String()+"/assignments", assignRequestBody(t, tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := s.do(req)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}
