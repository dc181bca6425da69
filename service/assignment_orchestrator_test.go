package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/RigelNana/arkstudy/materialcore/models"
	"github.com/RigelNana/arkstudy/materialcore/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAssignments struct {
	mu          sync.Mutex
	calls       []string
	materials   map[uuid.UUID]*models.Material
	assignments map[string]*models.MaterialAssignment
	creates     int
	createDelay time.Duration
	// insertedElsewhere makes the next create collide with a row written
	// by another process.
	insertedElsewhere bool
}

func pairKey(materialID, unitID uuid.UUID) string {
	return materialID.String() + "/" + unitID.String()
}

func (f *fakeAssignments) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeAssignments) Get(ctx context.Context, id uuid.UUID) (*models.Material, error) {
	f.record("Get")
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.materials[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return m, nil
}

func (f *fakeAssignments) GetExistingAssignment(ctx context.Context, materialID, unitID uuid.UUID) (*models.MaterialAssignment, error) {
	f.record("GetExistingAssignment")
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.assignments[pairKey(materialID, unitID)], nil
}

func (f *fakeAssignments) CreateAssignment(ctx context.Context, in repository.NewAssignment) (*models.MaterialAssignment, error) {
	f.record("CreateAssignment")
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := pairKey(in.MaterialID, in.UnitID)
	if f.insertedElsewhere {
		f.insertedElsewhere = false
		f.assignments[key] = &models.MaterialAssignment{ID: uuid.New(), MaterialID: in.MaterialID, UnitID: in.UnitID}
		return nil, repository.ErrAlreadyExists
	}
	if _, ok := f.assignments[key]; ok {
		return nil, repository.ErrAlreadyExists
	}
	f.creates++
	a := &models.MaterialAssignment{
		ID:         uuid.New(),
		MaterialID: in.MaterialID,
		UnitID:     in.UnitID,
		AssignedBy: in.AssignedBy,
		DueDate:    in.DueDate,
		Visible:    in.Visible,
	}
	f.assignments[key] = a
	return a, nil
}

type fakeUnits struct {
	mu       sync.Mutex
	units    map[uuid.UUID]*repository.UnitInfo
	students map[uuid.UUID][]uuid.UUID
	listErr  error
	calls    int
}

func (f *fakeUnits) Get(ctx context.Context, id uuid.UUID) (*repository.UnitInfo, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	u, ok := f.units[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u, nil
}

func (f *fakeUnits) ListStudents(ctx context.Context, unitID uuid.UUID) ([]uuid.UUID, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.students[unitID], nil
}

type fakeMembers struct {
	mu       sync.Mutex
	teachers map[uuid.UUID]bool
	users    map[uuid.UUID]bool
	calls    int
}

func (f *fakeMembers) count() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *fakeMembers) HasTeacherOrAdminRole(ctx context.Context, userID, unitID uuid.UUID) (bool, error) {
	f.count()
	return f.teachers[userID], nil
}

func (f *fakeMembers) GetUserInfo(ctx context.Context, userID uuid.UUID) (*repository.AssignerInfo, error) {
	f.count()
	if !f.users[userID] {
		return nil, repository.ErrNotFound
	}
	return &repository.AssignerInfo{ID: userID, DisplayName: "Ms. Chen"}, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []uuid.UUID
	// slow students never answer in time; the send ignores ctx on purpose.
	slow   map[uuid.UUID]bool
	failed map[uuid.UUID]bool
}

func (f *fakeNotifier) NotifyStudent(ctx context.Context, studentID uuid.UUID, materialTitle, unitName string, dueDate *time.Time) error {
	if f.slow[studentID] {
		time.Sleep(500 * time.Millisecond)
		return nil
	}
	if f.failed[studentID] {
		return errors.New("broker unavailable")
	}
	f.mu.Lock()
	f.sent = append(f.sent, studentID)
	f.mu.Unlock()
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type assignFixture struct {
	materials *fakeAssignments
	units     *fakeUnits
	members   *fakeMembers
	notifier  *fakeNotifier
	now       time.Time

	teacher  uuid.UUID
	material uuid.UUID
	unit     uuid.UUID
	students []uuid.UUID
}

func newAssignFixture(studentCount int) *assignFixture {
	f := &assignFixture{
		now:      time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC),
		teacher:  uuid.New(),
		material: uuid.New(),
		unit:     uuid.New(),
	}
	for i := 0; i < studentCount; i++ {
		f.students = append(f.students, uuid.New())
	}
	ready := &models.Material{Title: "Fractions worksheet", Status: models.MaterialStatusReady}
	ready.ID = f.material
	f.materials = &fakeAssignments{
		materials:   map[uuid.UUID]*models.Material{f.material: ready},
		assignments: make(map[string]*models.MaterialAssignment),
	}
	f.units = &fakeUnits{
		units:    map[uuid.UUID]*repository.UnitInfo{f.unit: {ID: f.unit, Name: "Grade 5 Math"}},
		students: map[uuid.UUID][]uuid.UUID{f.unit: f.students},
	}
	f.members = &fakeMembers{
		teachers: map[uuid.UUID]bool{f.teacher: true},
		users:    map[uuid.UUID]bool{f.teacher: true},
	}
	f.notifier = &fakeNotifier{slow: map[uuid.UUID]bool{}, failed: map[uuid.UUID]bool{}}
	return f
}

func (f *assignFixture) orchestrator(notifier NotificationService) *AssignmentOrchestrator {
	logger, _ := test.NewNullLogger()
	cfg := AssignmentConfig{
		NotificationTimeout: 50 * time.Millisecond,
		Now:                 func() time.Time { return f.now },
	}
	return NewAssignmentOrchestrator(f.materials, f.units, f.members, notifier, cfg, logger)
}

func (f *assignFixture) input() AssignInput {
	due := f.now.Add(7 * 24 * time.Hour)
	return AssignInput{
		MaterialID:     f.material,
		UnitID:         f.unit,
		AssignedBy:     f.teacher,
		DueDate:        &due,
		Visible:        true,
		NotifyStudents: true,
	}
}

func TestAssignCountsTimedOutNotificationsAsFailures(t *testing.T) {
	f := newAssignFixture(5)
	f.notifier.slow[f.students[1]] = true
	f.notifier.slow[f.students[3]] = true
	o := f.orchestrator(f.notifier)

	start := time.Now()
	res, err := o.Execute(context.Background(), f.input())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond)

	require.NotNil(t, res.Assignment)
	assert.False(t, res.WasAlreadyAssigned)
	require.NotNil(t, res.Notifications)
	assert.Equal(t, 5, res.Notifications.TotalStudents)
	assert.Equal(t, 3, res.Notifications.SuccessCount)
	assert.Equal(t, 2, res.Notifications.FailedCount)

	var failedIDs []uuid.UUID
	for _, fl := range res.Notifications.Failures {
		failedIDs = append(failedIDs, fl.StudentID)
		assert.ErrorIs(t, fl.Err, errNotificationTimeout)
	}
	assert.ElementsMatch(t, []uuid.UUID{f.students[1], f.students[3]}, failedIDs)
}

func TestAssignFoldsNotificationErrorsIntoResult(t *testing.T) {
	f := newAssignFixture(3)
	f.notifier.failed[f.students[0]] = true
	o := f.orchestrator(f.notifier)

	res, err := o.Execute(context.Background(), f.input())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Notifications.SuccessCount)
	require.Len(t, res.Notifications.Failures, 1)
	assert.EqualError(t, res.Notifications.Failures[0].Err, "broker unavailable")
}

func TestAssignRejectsDueDateBeforeAnyLookup(t *testing.T) {
	for _, offset := range []time.Duration{-time.Hour, 0} {
		f := newAssignFixture(1)
		o := f.orchestrator(f.notifier)
		in := f.input()
		due := f.now.Add(offset)
		in.DueDate = &due

		_, err := o.Execute(context.Background(), in)
		require.ErrorIs(t, err, ErrDueDateInPast)
		assert.Empty(t, f.materials.calls)
		assert.Zero(t, f.members.calls)
		assert.Zero(t, f.units.calls)
	}
}

func TestAssignPreconditionOrder(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*assignFixture)
		want  error
	}{
		{"not a teacher", func(f *assignFixture) {
			f.members.teachers[f.teacher] = false
			delete(f.materials.materials, f.material)
		}, ErrInsufficientPermissions},
		{"material missing", func(f *assignFixture) {
			delete(f.materials.materials, f.material)
			delete(f.units.units, f.unit)
		}, ErrMaterialNotFound},
		{"material processing", func(f *assignFixture) {
			f.materials.materials[f.material].Status = models.MaterialStatusProcessing
			delete(f.units.units, f.unit)
		}, ErrMaterialNotReady},
		{"unit missing", func(f *assignFixture) {
			delete(f.units.units, f.unit)
			f.members.users[f.teacher] = false
		}, ErrUnitNotFound},
		{"assigner profile missing", func(f *assignFixture) {
			f.members.users[f.teacher] = false
		}, ErrUserNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAssignFixture(2)
			tt.setup(f)
			o := f.orchestrator(f.notifier)

			_, err := o.Execute(context.Background(), f.input())
			require.ErrorIs(t, err, tt.want)
			assert.NotContains(t, f.materials.calls, "CreateAssignment")
			assert.Zero(t, f.notifier.count())
		})
	}
}

func TestAssignMaterialNotReadyCarriesStatus(t *testing.T) {
	f := newAssignFixture(1)
	f.materials.materials[f.material].Status = models.MaterialStatusFailed
	o := f.orchestrator(f.notifier)

	_, err := o.Execute(context.Background(), f.input())
	var ae *AssignmentError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, models.MaterialStatusFailed, ae.CurrentStatus)
	assert.Contains(t, err.Error(), f.material.String())
}

func TestAssignIsIdempotent(t *testing.T) {
	f := newAssignFixture(4)
	o := f.orchestrator(f.notifier)
	ctx := context.Background()

	first, err := o.Execute(ctx, f.input())
	require.NoError(t, err)
	second, err := o.Execute(ctx, f.input())
	require.NoError(t, err)

	assert.True(t, second.WasAlreadyAssigned)
	assert.Equal(t, first.Assignment.ID, second.Assignment.ID)
	assert.Nil(t, second.Notifications)
	assert.Equal(t, 1, f.materials.creates)
	assert.Equal(t, 4, f.notifier.count())
}

func TestConcurrentAssignCreatesOnce(t *testing.T) {
	f := newAssignFixture(2)
	f.materials.createDelay = 10 * time.Millisecond
	o := f.orchestrator(f.notifier)

	const callers = 8
	results := make([]*AssignResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := o.Execute(context.Background(), f.input())
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	created := 0
	for _, r := range results {
		require.NotNil(t, r)
		if !r.WasAlreadyAssigned {
			created++
		}
		assert.Equal(t, results[0].Assignment.ID, r.Assignment.ID)
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, f.materials.creates)
	assert.Equal(t, 2, f.notifier.count())
	assert.Equal(t, 0, o.locks.size())
}

func TestAssignDuplicateFromAnotherWriter(t *testing.T) {
	f := newAssignFixture(2)
	f.materials.insertedElsewhere = true
	o := f.orchestrator(f.notifier)

	res, err := o.Execute(context.Background(), f.input())
	require.NoError(t, err)
	assert.True(t, res.WasAlreadyAssigned)
	assert.Nil(t, res.Notifications)
	assert.Zero(t, f.notifier.count())
}

func TestAssignWithoutNotifications(t *testing.T) {
	f := newAssignFixture(3)

	res, err := f.orchestrator(nil).Execute(context.Background(), f.input())
	require.NoError(t, err)
	assert.Nil(t, res.Notifications)

	g := newAssignFixture(3)
	in := g.input()
	in.NotifyStudents = false
	res, err = g.orchestrator(g.notifier).Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Nil(t, res.Notifications)
	assert.Zero(t, g.notifier.count())
}

func TestAssignEmptyUnit(t *testing.T) {
	f := newAssignFixture(0)

	res, err := f.orchestrator(f.notifier).Execute(context.Background(), f.input())
	require.NoError(t, err)
	require.NotNil(t, res.Notifications)
	assert.Equal(t, NotificationResult{}, *res.Notifications)
}

func TestAssignStudentListFailureDoesNotFailAssignment(t *testing.T) {
	f := newAssignFixture(2)
	f.units.listErr = errors.New("db down")

	res, err := f.orchestrator(f.notifier).Execute(context.Background(), f.input())
	require.NoError(t, err)
	assert.NotNil(t, res.Assignment)
	assert.Nil(t, res.Notifications)
}

func TestKeyLockHonoursContext(t *testing.T) {
	k := newKeyLock()
	unlock, err := k.lock(context.Background(), "m/u")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = k.lock(ctx, "m/u")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Equal(t, 0, k.size())
}
