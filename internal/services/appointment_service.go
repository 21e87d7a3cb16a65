package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/philocalist9/gym-manage-sub000/internal/logging"
	"github.com/philocalist9/gym-manage-sub000/internal/models"
	"github.com/philocalist9/gym-manage-sub000/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/philocalist9/gym-manage-sub000/internal/services"

	maxListRangeDays     = 62
	pendingLookbackDays  = 365
	maxCompareAndSwapTry = 3

	ReasonExpired = "expired"
)

type appointmentStore interface {
	GetByID(ctx context.Context, id string) (*models.Appointment, error)
	ListRange(ctx context.Context, filter repository.AppointmentRangeFilter) ([]models.Appointment, error)
	UpdateIfVersion(ctx context.Context, id string, version int64, changes repository.AppointmentChanges) (*models.Appointment, error)
}

type eventPublisher interface {
	Enqueue(event models.AppointmentEvent)
}

type AppointmentService struct {
	store     appointmentStore
	locker    repository.TrainerLocker
	policy    SchedulingPolicy
	validator *ConflictValidator
	machine   *StatusMachine
	events    eventPublisher
	now       func() time.Time
	tracer    trace.Tracer
	metrics   serviceMetrics
}

type AppointmentServiceOption func(*AppointmentService)

func WithClock(now func() time.Time) AppointmentServiceOption {
	return func(s *AppointmentService) {
		s.now = now
	}
}

func WithEventPublisher(publisher eventPublisher) AppointmentServiceOption {
	return func(s *AppointmentService) {
		s.events = publisher
	}
}

func NewAppointmentService(
	store appointmentStore,
	locker repository.TrainerLocker,
	policy SchedulingPolicy,
	opts ...AppointmentServiceOption,
) *AppointmentService {
	s := &AppointmentService{
		store:   store,
		locker:  locker,
		policy:  policy,
		now:     time.Now,
		tracer:  otel.Tracer(instrumentationName),
		metrics: newServiceMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.validator = NewConflictValidator(policy, s.now)
	s.machine = NewStatusMachine(policy, s.now)
	return s
}

func (s *AppointmentService) BookAppointment(
	ctx context.Context,
	draft models.AppointmentDraft,
) (_ *models.Appointment, err error) {
	ctx, span := s.tracer.Start(ctx, "AppointmentService.BookAppointment", trace.WithAttributes(
		attribute.String("trainer.id", draft.TrainerID),
		attribute.String("appointment.date", draft.Date.String()),
	))
	defer func() { endSpan(span, err) }()

	draft.MemberID = strings.TrimSpace(draft.MemberID)
	draft.TrainerID = strings.TrimSpace(draft.TrainerID)
	draft.GymID = strings.TrimSpace(draft.GymID)
	if draft.Status == "" {
		draft.Status = models.StatusPending
		if draft.Initiator == models.InitiatorTrainer {
			draft.Status = models.StatusConfirmed
		}
	}
	draft.Notes = normalizeNotes(draft.Notes)

	if err := s.validator.ValidateDraft(&draft); err != nil {
		return nil, err
	}

	var created *models.Appointment
	err = s.locker.WithTrainerLock(ctx, draft.TrainerID, func(store repository.AppointmentStore) error {
		if err := s.validator.Check(ctx, store, draft.TrainerID, draft.Date, draft.StartTime, draft.EndTime, ""); err != nil {
			return err
		}

		appointment, err := store.Create(ctx, repository.CreateAppointmentInput{
			MemberID:  draft.MemberID,
			TrainerID: draft.TrainerID,
			GymID:     draft.GymID,
			Date:      draft.Date,
			StartTime: draft.StartTime,
			EndTime:   draft.EndTime,
			Type:      draft.Type,
			Status:    draft.Status,
			Notes:     draft.Notes,
		})
		if err != nil {
			return err
		}
		created = appointment
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrConflict):
			s.metrics.recordConflict(ctx)
			return nil, err
		case errors.Is(err, repository.ErrOverlap):
			s.metrics.recordConflict(ctx)
			return nil, &ConflictError{
				Message:        "requested time overlaps an existing appointment",
				ConflictingIDs: s.collidingIDs(ctx, draft),
			}
		case errors.Is(err, ErrStorage):
			return nil, err
		default:
			return nil, &StorageError{Op: "book appointment", Err: err}
		}
	}

	s.metrics.recordBooking(ctx, created.Status)
	logging.FromContext(ctx).Info().
		Str("appointment_id", created.ID).
		Str("trainer_id", created.TrainerID).
		Str("date", created.Date.String()).
		Str("start", created.StartTime.String()).
		Str("status", string(created.Status)).
		Msg("appointment booked")

	s.publish(models.EventAppointmentBooked, created, "", "")
	return created, nil
}

// collidingIDs is a best-effort lookup after the database rejected an insert.
func (s *AppointmentService) collidingIDs(ctx context.Context, draft models.AppointmentDraft) []string {
	candidates, err := s.store.ListRange(ctx, repository.AppointmentRangeFilter{
		TrainerID: draft.TrainerID,
		StartDate: draft.Date,
		EndDate:   draft.Date,
		Statuses:  models.ActiveStatuses,
	})
	if err != nil {
		logging.FromContext(ctx).Warn().Err(err).Msg("load colliding appointments")
		return nil
	}
	return s.validator.FindConflicts(candidates, draft.Date, draft.StartTime, draft.EndTime, "")
}

// AppointmentUpdate carries the optional parts of a PATCH. Nil fields are left
// untouched; empty notes clear the field.
type AppointmentUpdate struct {
	Status *string
	Notes  *string
}

func (s *AppointmentService) UpdateAppointmentStatus(
	ctx context.Context,
	appointmentID string,
	requestedStatus string,
) (*models.Appointment, error) {
	return s.UpdateAppointment(ctx, appointmentID, AppointmentUpdate{Status: &requestedStatus})
}

// UpdateAppointmentNotes replaces the free-text notes. Empty notes clear the field.
func (s *AppointmentService) UpdateAppointmentNotes(
	ctx context.Context,
	appointmentID string,
	notes *string,
) (*models.Appointment, error) {
	if notes == nil {
		empty := ""
		notes = &empty
	}
	return s.UpdateAppointment(ctx, appointmentID, AppointmentUpdate{Notes: notes})
}

// UpdateAppointment validates every requested field, then writes them together
// in one versioned update. A failed request changes nothing.
func (s *AppointmentService) UpdateAppointment(
	ctx context.Context,
	appointmentID string,
	update AppointmentUpdate,
) (_ *models.Appointment, err error) {
	ctx, span := s.tracer.Start(ctx, "AppointmentService.UpdateAppointment", trace.WithAttributes(
		attribute.String("appointment.id", appointmentID),
	))
	defer func() { endSpan(span, err) }()

	if update.Status == nil && update.Notes == nil {
		return nil, newValidationError("status", "status or notes is required")
	}

	var change appointmentChange
	if update.Status != nil {
		span.SetAttributes(attribute.String("appointment.requested_status", *update.Status))
		next, err := NormalizeStatus(*update.Status)
		if err != nil {
			return nil, err
		}
		change.status = &next
	}
	if update.Notes != nil {
		change.notes = normalizeNotes(update.Notes)
		change.setNotes = true
		if err := validateNotes(change.notes); err != nil {
			return nil, err
		}
	}

	return s.apply(ctx, appointmentID, change)
}

func (s *AppointmentService) transition(
	ctx context.Context,
	appointmentID string,
	next models.AppointmentStatus,
	reason string,
) (*models.Appointment, error) {
	return s.apply(ctx, appointmentID, appointmentChange{status: &next, reason: reason})
}

type appointmentChange struct {
	status   *models.AppointmentStatus
	notes    *string
	setNotes bool
	reason   string
}

func (c appointmentChange) satisfiedBy(appointment *models.Appointment) bool {
	if c.status != nil && appointment.Status != *c.status {
		return false
	}
	return !c.setNotes || equalNotes(appointment.Notes, c.notes)
}

// apply runs the compare-and-swap loop shared by every update. Fields already
// at their requested value are not rewritten.
func (s *AppointmentService) apply(
	ctx context.Context,
	appointmentID string,
	change appointmentChange,
) (*models.Appointment, error) {
	appointmentID = strings.TrimSpace(appointmentID)

	current, err := s.load(ctx, appointmentID)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		var write repository.AppointmentChanges
		if change.status != nil {
			applied, err := s.machine.Check(current, *change.status)
			if err != nil {
				return nil, err
			}
			if !applied {
				write.Status = change.status
			}
		}
		if change.setNotes && !equalNotes(current.Notes, change.notes) {
			write.Notes = change.notes
			write.SetNotes = true
		}
		if write.Status == nil && !write.SetNotes {
			return current, nil
		}

		updated, err := s.store.UpdateIfVersion(ctx, appointmentID, current.Version, write)
		if err == nil {
			if write.Status != nil {
				s.metrics.recordTransition(ctx, current.Status, *write.Status)
				logging.FromContext(ctx).Info().
					Str("appointment_id", updated.ID).
					Str("from", string(current.Status)).
					Str("to", string(*write.Status)).
					Str("reason", change.reason).
					Msg("appointment status changed")
				s.publish(models.EventAppointmentStatusChanged, updated, current.Status, change.reason)
			}
			return updated, nil
		}

		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, &NotFoundError{ID: appointmentID}
		case !errors.Is(err, repository.ErrVersionMismatch):
			return nil, &StorageError{Op: "update appointment", Err: err}
		}

		latest, loadErr := s.load(ctx, appointmentID)
		if loadErr != nil {
			return nil, loadErr
		}
		if change.satisfiedBy(latest) {
			return latest, nil
		}
		if change.status != nil && latest.Status != current.Status && latest.Status != *change.status {
			return nil, &ConflictError{
				Message:        fmt.Sprintf("appointment was modified concurrently; current status is %s", latest.Status),
				ConflictingIDs: []string{appointmentID},
			}
		}
		if attempt >= maxCompareAndSwapTry {
			return nil, &ConflictError{
				Message:        "appointment was modified concurrently",
				ConflictingIDs: []string{appointmentID},
			}
		}
		// Nothing the caller asked about moved underneath, so retry against the fresh version.
		current = latest
	}
}

func (s *AppointmentService) GetAppointment(ctx context.Context, appointmentID string) (*models.Appointment, error) {
	return s.load(ctx, appointmentID)
}

// ListAppointments returns a trainer's appointments between two dates
// inclusive, ordered by date then start time.
func (s *AppointmentService) ListAppointments(
	ctx context.Context,
	trainerID string,
	startDate models.Date,
	endDate models.Date,
) ([]models.Appointment, error) {
	trainerID = strings.TrimSpace(trainerID)
	if trainerID == "" {
		return nil, newValidationError("trainerId", "is required")
	}
	if startDate.IsZero() || endDate.IsZero() {
		return nil, newValidationError("startDate", "startDate and endDate are required")
	}
	if endDate.Before(startDate) {
		return nil, newValidationError("endDate", "must not be before startDate")
	}
	if startDate.DaysUntil(endDate) > maxListRangeDays {
		return nil, newValidationError("endDate", "range must not exceed %d days", maxListRangeDays)
	}

	appointments, err := s.store.ListRange(ctx, repository.AppointmentRangeFilter{
		TrainerID: trainerID,
		StartDate: startDate,
		EndDate:   endDate,
	})
	if err != nil {
		return nil, &StorageError{Op: "list appointments", Err: err}
	}
	return appointments, nil
}

func (s *AppointmentService) GetWeek(
	ctx context.Context,
	trainerID string,
	weekStart models.Date,
) (_ *models.WeekGrid, err error) {
	ctx, span := s.tracer.Start(ctx, "AppointmentService.GetWeek", trace.WithAttributes(
		attribute.String("trainer.id", trainerID),
		attribute.String("week.start", weekStart.String()),
	))
	defer func() { endSpan(span, err) }()

	appointments, err := s.ListAppointments(ctx, trainerID, weekStart, weekStart.AddDays(daysPerWeek-1))
	if err != nil {
		return nil, err
	}
	return ProjectWeek(strings.TrimSpace(trainerID), weekStart, appointments, s.policy.SlotStarts()), nil
}

// ExpireStalePending cancels pending requests whose start time has passed
// without a trainer decision. It returns how many were cancelled.
func (s *AppointmentService) ExpireStalePending(ctx context.Context) (int, error) {
	now := s.now()
	today := s.policy.Today(now)

	pending, err := s.store.ListRange(ctx, repository.AppointmentRangeFilter{
		StartDate: today.AddDays(-pendingLookbackDays),
		EndDate:   today,
		Statuses:  []models.AppointmentStatus{models.StatusPending},
	})
	if err != nil {
		return 0, &StorageError{Op: "list pending appointments", Err: err}
	}

	expired := 0
	var errs []error
	for i := range pending {
		appointment := &pending[i]
		if now.Before(s.policy.StartOf(appointment)) {
			continue
		}
		if _, err := s.transition(ctx, appointment.ID, models.StatusCancelled, ReasonExpired); err != nil {
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalidTransition) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		expired++
	}

	return expired, errors.Join(errs...)
}

func (s *AppointmentService) load(ctx context.Context, appointmentID string) (*models.Appointment, error) {
	appointment, err := s.store.GetByID(ctx, strings.TrimSpace(appointmentID))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &NotFoundError{ID: appointmentID}
		}
		return nil, &StorageError{Op: "load appointment", Err: err}
	}
	return appointment, nil
}

func (s *AppointmentService) publish(
	kind models.AppointmentEventType,
	appointment *models.Appointment,
	previous models.AppointmentStatus,
	reason string,
) {
	if s.events == nil {
		return
	}
	s.events.Enqueue(models.AppointmentEvent{
		ID:             uuid.NewString(),
		Type:           kind,
		AppointmentID:  appointment.ID,
		TrainerID:      appointment.TrainerID,
		MemberID:       appointment.MemberID,
		PreviousStatus: previous,
		Status:         appointment.Status,
		Reason:         reason,
		OccurredAt:     s.now().UTC(),
		Appointment:    *appointment,
	})
}

func normalizeNotes(notes *string) *string {
	if notes == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*notes)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func equalNotes(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type serviceMetrics struct {
	bookings    metric.Int64Counter
	conflicts   metric.Int64Counter
	transitions metric.Int64Counter
}

func newServiceMetrics() serviceMetrics {
	meter := otel.Meter(instrumentationName)

	var m serviceMetrics
	if counter, err := meter.Int64Counter(
		"appointments.booked",
		metric.WithDescription("Appointments created"),
	); err == nil {
		m.bookings = counter
	}
	if counter, err := meter.Int64Counter(
		"appointments.conflicts",
		metric.WithDescription("Booking attempts rejected because of an overlap"),
	); err == nil {
		m.conflicts = counter
	}
	if counter, err := meter.Int64Counter(
		"appointments.transitions",
		metric.WithDescription("Applied appointment status transitions"),
	); err == nil {
		m.transitions = counter
	}
	return m
}

func (m serviceMetrics) recordBooking(ctx context.Context, status models.AppointmentStatus) {
	if m.bookings == nil {
		return
	}
	m.bookings.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
}

func (m serviceMetrics) recordConflict(ctx context.Context) {
	if m.conflicts == nil {
		return
	}
	m.conflicts.Add(ctx, 1)
}

func (m serviceMetrics) recordTransition(ctx context.Context, from, to models.AppointmentStatus) {
	if m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}
