package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RigelNana/arkstudy/materialcore/models"
	"github.com/RigelNana/arkstudy/materialcore/pkg/metrics"
	"github.com/RigelNana/arkstudy/materialcore/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

var errNotificationTimeout = errors.New("notification timed out")

type AssignmentConfig struct {
	NotificationTimeout time.Duration
	Now                 func() time.Time
}

func DefaultAssignmentConfig() AssignmentConfig {
	return AssignmentConfig{NotificationTimeout: 2 * time.Second, Now: time.Now}
}

type AssignInput struct {
	MaterialID uuid.UUID
	UnitID     uuid.UUID
	AssignedBy uuid.UUID
	DueDate    *time.Time
	Visible    bool
	// NotifyStudents requests the fan-out; it is ignored without a notifier.
	NotifyStudents bool
}

type NotificationFailure struct {
	StudentID uuid.UUID
	Err       error
}

type NotificationResult struct {
	TotalStudents int
	SuccessCount  int
	FailedCount   int
	Failures      []NotificationFailure
}

type AssignResult struct {
	Assignment         *models.MaterialAssignment
	WasAlreadyAssigned bool
	// Notifications is nil when no fan-out was attempted.
	Notifications *NotificationResult
}

type AssignmentOrchestrator struct {
	materials repository.AssignmentRepository
	units     repository.UnitRepository
	members   repository.MembershipRepository
	notifier  NotificationService
	cfg       AssignmentConfig
	logger    logrus.FieldLogger
	locks     *keyLock
}

func NewAssignmentOrchestrator(
	materials repository.AssignmentRepository,
	units repository.UnitRepository,
	members repository.MembershipRepository,
	notifier NotificationService,
	cfg AssignmentConfig,
	logger logrus.FieldLogger,
) *AssignmentOrchestrator {
	if cfg.NotificationTimeout <= 0 {
		cfg.NotificationTimeout = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AssignmentOrchestrator{
		materials: materials,
		units:     units,
		members:   members,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
		locks:     newKeyLock(),
	}
}

// Execute assigns a ready material to a unit at most once. Re-running the
// same request returns the original assignment and sends nothing.
func (o *AssignmentOrchestrator) Execute(ctx context.Context, in AssignInput) (*AssignResult, error) {
	log := o.logger.WithFields(logrus.Fields{
		"material_id": in.MaterialID,
		"unit_id":     in.UnitID,
		"assigned_by": in.AssignedBy,
	})

	material, unit, err := o.checkPreconditions(ctx, in)
	if err != nil {
		o.record(err)
		log.WithError(err).Info("assignment rejected")
		return nil, err
	}

	assignment, existed, err := o.assignOnce(ctx, in)
	if err != nil {
		o.record(err)
		log.WithError(err).Error("assignment failed")
		return nil, err
	}
	res := &AssignResult{Assignment: assignment, WasAlreadyAssigned: existed}
	if existed {
		metrics.AssignmentsTotal.WithLabelValues("existing").Inc()
		log.Info("material already assigned")
		return res, nil
	}
	metrics.AssignmentsTotal.WithLabelValues("created").Inc()
	log.WithField("assignment_id", assignment.ID).Info("material assigned")

	if in.NotifyStudents && o.notifier != nil {
		res.Notifications = o.notifyStudents(ctx, unit, material.Title, in.DueDate, log)
	}
	return res, nil
}

// checkPreconditions fails on the first broken rule, in a fixed order, and
// performs no writes.
func (o *AssignmentOrchestrator) checkPreconditions(ctx context.Context, in AssignInput) (*models.Material, *repository.UnitInfo, error) {
	if in.DueDate != nil && !in.DueDate.After(o.cfg.Now()) {
		return nil, nil, &AssignmentError{Code: AssignDueDateInPast, DueDate: in.DueDate}
	}

	ok, err := o.members.HasTeacherOrAdminRole(ctx, in.AssignedBy, in.UnitID)
	if err != nil {
		return nil, nil, assignFailed("role lookup", err)
	}
	if !ok {
		return nil, nil, &AssignmentError{Code: AssignInsufficientPermissions, UserID: in.AssignedBy, UnitID: in.UnitID}
	}

	material, err := o.materials.Get(ctx, in.MaterialID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, &AssignmentError{Code: AssignMaterialNotFound, MaterialID: in.MaterialID}
	}
	if err != nil {
		return nil, nil, assignFailed("material lookup", err)
	}
	if material.Status != models.MaterialStatusReady {
		return nil, nil, &AssignmentError{Code: AssignMaterialNotReady, MaterialID: in.MaterialID, CurrentStatus: material.Status}
	}

	unit, err := o.units.Get(ctx, in.UnitID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, &AssignmentError{Code: AssignUnitNotFound, UnitID: in.UnitID}
	}
	if err != nil {
		return nil, nil, assignFailed("unit lookup", err)
	}

	if _, err := o.members.GetUserInfo(ctx, in.AssignedBy); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, &AssignmentError{Code: AssignUserNotFound, UserID: in.AssignedBy}
		}
		return nil, nil, assignFailed("user lookup", err)
	}
	return material, unit, nil
}

// assignOnce holds the (material, unit) lock across lookup and insert. The
// unique index covers writers in other processes.
func (o *AssignmentOrchestrator) assignOnce(ctx context.Context, in AssignInput) (*models.MaterialAssignment, bool, error) {
	unlock, err := o.locks.lock(ctx, in.MaterialID.String()+"/"+in.UnitID.String())
	if err != nil {
		return nil, false, assignFailed("waiting for concurrent assignment", err)
	}
	defer unlock()

	existing, err := o.materials.GetExistingAssignment(ctx, in.MaterialID, in.UnitID)
	if err != nil {
		return nil, false, assignFailed("existing assignment lookup", err)
	}
	if existing != nil {
		return existing, true, nil
	}

	created, err := o.materials.CreateAssignment(ctx, repository.NewAssignment{
		MaterialID: in.MaterialID,
		UnitID:     in.UnitID,
		AssignedBy: in.AssignedBy,
		DueDate:    in.DueDate,
		Visible:    in.Visible,
	})
	if errors.Is(err, repository.ErrAlreadyExists) {
		existing, lookupErr := o.materials.GetExistingAssignment(ctx, in.MaterialID, in.UnitID)
		if lookupErr != nil || existing == nil {
			return nil, false, assignFailed("assignment created concurrently", err)
		}
		return existing, true, nil
	}
	if err != nil {
		return nil, false, assignFailed("create assignment", err)
	}
	return created, false, nil
}

// notifyStudents sends one notification per student in parallel. Each
// send gets its own timeout and a slow send never delays its siblings.
func (o *AssignmentOrchestrator) notifyStudents(ctx context.Context, unit *repository.UnitInfo, title string, dueDate *time.Time, log logrus.FieldLogger) *NotificationResult {
	students, err := o.units.ListStudents(ctx, unit.ID)
	if err != nil {
		log.WithError(err).Warn("could not list students, skipping notifications")
		return nil
	}
	res := &NotificationResult{TotalStudents: len(students)}
	if len(students) == 0 {
		return res
	}

	errs := make([]error, len(students))
	var wg conc.WaitGroup
	for i, id := range students {
		wg.Go(func() {
			errs[i] = o.notifyOne(ctx, id, title, unit.Name, dueDate)
		})
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			res.SuccessCount++
			metrics.NotificationsTotal.WithLabelValues("ok").Inc()
			continue
		}
		res.FailedCount++
		res.Failures = append(res.Failures, NotificationFailure{StudentID: students[i], Err: err})
		if errors.Is(err, errNotificationTimeout) {
			metrics.NotificationsTotal.WithLabelValues("timeout").Inc()
		} else {
			metrics.NotificationsTotal.WithLabelValues("error").Inc()
		}
		log.WithError(err).WithField("student_id", students[i]).Warn("student notification failed")
	}
	return res
}

func (o *AssignmentOrchestrator) notifyOne(ctx context.Context, studentID uuid.UUID, title, unitName string, dueDate *time.Time) error {
	tctx, cancel := context.WithTimeout(ctx, o.cfg.NotificationTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- o.notifier.NotifyStudent(tctx, studentID, title, unitName, dueDate)
	}()
	select {
	case err := <-done:
		return err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", errNotificationTimeout, o.cfg.NotificationTimeout)
	}
}

func (o *AssignmentOrchestrator) record(err error) {
	var ae *AssignmentError
	if errors.As(err, &ae) {
		metrics.AssignmentsTotal.WithLabelValues(ae.Code.String()).Inc()
		return
	}
	metrics.AssignmentsTotal.WithLabelValues("error").Inc()
}
