package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/philocalist9/gym-manage-sub000/internal/models"
)

var (
	ErrNotFound        = errors.New("appointment not found")
	ErrVersionMismatch = errors.New("appointment was modified concurrently")
	ErrOverlap         = errors.New("appointment overlaps an active booking")
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type CreateAppointmentInput struct {
	MemberID  string
	TrainerID string
	GymID     string
	Date      models.Date
	StartTime models.TimeOfDay
	EndTime   models.TimeOfDay
	Type      models.AppointmentType
	Status    models.AppointmentStatus
	Notes     *string
}

// AppointmentRangeFilter selects appointments with StartDate <= date <= EndDate.
// An empty TrainerID matches every trainer; empty Statuses matches every status.
type AppointmentRangeFilter struct {
	TrainerID string
	StartDate models.Date
	EndDate   models.Date
	Statuses  []models.AppointmentStatus
}

// AppointmentChanges lists the fields one UpdateIfVersion call writes. A nil
// Status keeps the stored status; Notes is written only when SetNotes is true.
type AppointmentChanges struct {
	Status   *models.AppointmentStatus
	Notes    *string
	SetNotes bool
}

type AppointmentStore interface {
	Create(ctx context.Context, input CreateAppointmentInput) (*models.Appointment, error)
	GetByID(ctx context.Context, id string) (*models.Appointment, error)
	ListRange(ctx context.Context, filter AppointmentRangeFilter) ([]models.Appointment, error)
	UpdateIfVersion(ctx context.Context, id string, version int64, changes AppointmentChanges) (*models.Appointment, error)
}

// TrainerLocker serializes writers per trainer. fn's effects are committed
// only when it returns nil.
type TrainerLocker interface {
	WithTrainerLock(ctx context.Context, trainerID string, fn func(store AppointmentStore) error) error
}
