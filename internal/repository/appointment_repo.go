package repository

import (
	"context"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/philocalist9/gym-manage-sub000/internal/models"
)

const (
	appointmentColumns = "id, member_id, trainer_id, gym_id, date, start_minute, end_minute, type, status, notes, version, created_at, updated_at"

	// SQLSTATE exclusion_violation, raised by appointments_no_overlap.
	exclusionViolation = "23P01"
)

var appointmentSelectColumns = []any{
	"id", "member_id", "trainer_id", "gym_id", "date", "start_minute", "end_minute",
	"type", "status", "notes", "version", "created_at", "updated_at",
}

var dialect = goqu.Dialect("postgres")

type AppointmentRepository struct {
	db DBTX
}

func NewAppointmentRepository(db DBTX) *AppointmentRepository {
	return &AppointmentRepository{db: db}
}

func (r *AppointmentRepository) Create(
	ctx context.Context,
	input CreateAppointmentInput,
) (*models.Appointment, error) {
	query := `
		INSERT INTO appointments (id, member_id, trainer_id, gym_id, date, start_minute, end_minute, type, status, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING ` + appointmentColumns

	appointment, err := scanAppointment(r.db.QueryRow(
		ctx,
		query,
		uuid.NewString(),
		input.MemberID,
		input.TrainerID,
		input.GymID,
		input.Date.Time(),
		input.StartTime.Minutes(),
		input.EndTime.Minutes(),
		string(input.Type),
		string(input.Status),
		input.Notes,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == exclusionViolation {
			return nil, ErrOverlap
		}
		return nil, err
	}
	return appointment, nil
}

func (r *AppointmentRepository) GetByID(ctx context.Context, id string) (*models.Appointment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	query := `
		SELECT ` + appointmentColumns + `
		FROM appointments
		WHERE id = $1
	`
	return scanAppointment(r.db.QueryRow(ctx, query, id))
}

func (r *AppointmentRepository) ListRange(
	ctx context.Context,
	filter AppointmentRangeFilter,
) ([]models.Appointment, error) {
	ds := dialect.From("appointments").
		Select(appointmentSelectColumns...).
		Where(goqu.C("date").Between(goqu.Range(filter.StartDate.Time(), filter.EndDate.Time()))).
		Order(goqu.C("date").Asc(), goqu.C("start_minute").Asc(), goqu.C("id").Asc()).
		Prepared(true)

	if filter.TrainerID != "" {
		ds = ds.Where(goqu.C("trainer_id").Eq(filter.TrainerID))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		ds = ds.Where(goqu.C("status").In(statuses))
	}

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	appointments := make([]models.Appointment, 0)
	for rows.Next() {
		appointment, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appointments = append(appointments, *appointment)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return appointments, nil
}

// UpdateIfVersion writes changes in one statement, guarded by the row version.
func (r *AppointmentRepository) UpdateIfVersion(
	ctx context.Context,
	id string,
	version int64,
	changes AppointmentChanges,
) (*models.Appointment, error) {
	record := goqu.Record{
		"version":    goqu.L("version + 1"),
		"updated_at": goqu.L("NOW()"),
	}
	if changes.Status != nil {
		record["status"] = string(*changes.Status)
	}
	if changes.SetNotes {
		var notes any
		if changes.Notes != nil {
			notes = *changes.Notes
		}
		record["notes"] = notes
	}

	query, args, err := dialect.Update("appointments").
		Set(record).
		Where(goqu.C("id").Eq(id), goqu.C("version").Eq(version)).
		Returning(appointmentSelectColumns...).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, err
	}

	return r.compareAndSwap(ctx, id, query, args...)
}

func (r *AppointmentRepository) compareAndSwap(
	ctx context.Context,
	id string,
	query string,
	args ...any,
) (*models.Appointment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	appointment, err := scanAppointment(r.db.QueryRow(ctx, query, args...))
	if err == nil {
		return appointment, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var exists bool
	if err := r.db.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)", id).Scan(&exists); err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrVersionMismatch
	}
	return nil, ErrNotFound
}

func scanAppointment(row pgx.Row) (*models.Appointment, error) {
	var (
		appointment models.Appointment
		date        time.Time
		startMinute int
		endMinute   int
		kind        string
		status      string
	)
	err := row.Scan(
		&appointment.ID,
		&appointment.MemberID,
		&appointment.TrainerID,
		&appointment.GymID,
		&date,
		&startMinute,
		&endMinute,
		&kind,
		&status,
		&appointment.Notes,
		&appointment.Version,
		&appointment.CreatedAt,
		&appointment.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	appointment.Date = models.DateOf(date)
	appointment.StartTime = models.TimeOfDay(startMinute)
	appointment.EndTime = models.TimeOfDay(endMinute)
	appointment.Type = models.AppointmentType(kind)
	appointment.Status = models.AppointmentStatus(status)
	return &appointment, nil
}
