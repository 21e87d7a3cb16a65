package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philocalist9/gym-manage-sub000/internal/models"
)

// MemoryStore keeps appointments in process. It enforces the same overlap
// exclusion as the Postgres schema and implements TrainerLocker with one
// mutex per trainer.
type MemoryStore struct {
	mu           sync.RWMutex
	appointments map[string]models.Appointment

	locksMu      sync.Mutex
	trainerLocks map[string]*sync.Mutex

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		appointments: make(map[string]models.Appointment),
		trainerLocks: make(map[string]*sync.Mutex),
		now:          time.Now,
	}
}

func (s *MemoryStore) WithTrainerLock(
	ctx context.Context,
	trainerID string,
	fn func(store AppointmentStore) error,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := s.trainerLock(trainerID)
	lock.Lock()
	defer lock.Unlock()

	return fn(s)
}

// trainerLock never evicts, so the map holds one mutex per trainer ever seen.
func (s *MemoryStore) trainerLock(trainerID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.trainerLocks[trainerID]
	if !ok {
		lock = &sync.Mutex{}
		s.trainerLocks[trainerID] = lock
	}
	return lock
}

func (s *MemoryStore) Create(
	ctx context.Context,
	input CreateAppointmentInput,
) (*models.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if input.Status.Active() {
		for _, existing := range s.appointments {
			if existing.TrainerID == input.TrainerID &&
				existing.Status.Active() &&
				existing.Overlaps(input.Date, input.StartTime, input.EndTime) {
				return nil, ErrOverlap
			}
		}
	}

	now := s.now().UTC()
	appointment := models.Appointment{
		ID:        uuid.NewString(),
		MemberID:  input.MemberID,
		TrainerID: input.TrainerID,
		GymID:     input.GymID,
		Date:      input.Date,
		StartTime: input.StartTime,
		EndTime:   input.EndTime,
		Type:      input.Type,
		Status:    input.Status,
		Notes:     copyNotes(input.Notes),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.appointments[appointment.ID] = appointment

	return cloneAppointment(appointment), nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*models.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	appointment, ok := s.appointments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAppointment(appointment), nil
}

func (s *MemoryStore) ListRange(
	ctx context.Context,
	filter AppointmentRangeFilter,
) ([]models.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	appointments := make([]models.Appointment, 0)
	for _, appointment := range s.appointments {
		if filter.TrainerID != "" && appointment.TrainerID != filter.TrainerID {
			continue
		}
		if appointment.Date.Before(filter.StartDate) || appointment.Date.After(filter.EndDate) {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, appointment.Status) {
			continue
		}
		appointments = append(appointments, *cloneAppointment(appointment))
	}

	sort.Slice(appointments, func(i, j int) bool {
		a, b := appointments[i], appointments[j]
		if a.Date != b.Date {
			return a.Date.Before(b.Date)
		}
		if a.StartTime != b.StartTime {
			return a.StartTime < b.StartTime
		}
		return a.ID < b.ID
	})

	return appointments, nil
}

func (s *MemoryStore) UpdateIfVersion(
	ctx context.Context,
	id string,
	version int64,
	changes AppointmentChanges,
) (*models.Appointment, error) {
	return s.compareAndSwap(ctx, id, version, func(appointment *models.Appointment) {
		if changes.Status != nil {
			appointment.Status = *changes.Status
		}
		if changes.SetNotes {
			appointment.Notes = copyNotes(changes.Notes)
		}
	})
}

func (s *MemoryStore) compareAndSwap(
	ctx context.Context,
	id string,
	version int64,
	mutate func(appointment *models.Appointment),
) (*models.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	appointment, ok := s.appointments[id]
	if !ok {
		return nil, ErrNotFound
	}
	if appointment.Version != version {
		return nil, ErrVersionMismatch
	}

	mutate(&appointment)
	appointment.Version++
	appointment.UpdatedAt = s.now().UTC()
	s.appointments[id] = appointment

	return cloneAppointment(appointment), nil
}

func containsStatus(statuses []models.AppointmentStatus, status models.AppointmentStatus) bool {
	for _, candidate := range statuses {
		if candidate == status {
			return true
		}
	}
	return false
}

func cloneAppointment(appointment models.Appointment) *models.Appointment {
	appointment.Notes = copyNotes(appointment.Notes)
	return &appointment
}

func copyNotes(notes *string) *string {
	if notes == nil {
		return nil
	}
	value := *notes
	return &value
}
