package services

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/philocalist9/gym-manage-sub000/internal/models"
	"github.com/philocalist9/gym-manage-sub000/internal/repository"
)

// maxNotesLength counts characters, not bytes, matching the request validator.
const maxNotesLength = 2000

type appointmentRangeReader interface {
	ListRange(ctx context.Context, filter repository.AppointmentRangeFilter) ([]models.Appointment, error)
}

// ConflictValidator checks drafts against facility rules and against the
// trainer's existing active appointments.
type ConflictValidator struct {
	policy SchedulingPolicy
	now    func() time.Time
}

func NewConflictValidator(policy SchedulingPolicy, now func() time.Time) *ConflictValidator {
	if now == nil {
		now = time.Now
	}
	return &ConflictValidator{policy: policy, now: now}
}

func validateNotes(notes *string) error {
	if notes != nil && utf8.RuneCountInString(*notes) > maxNotesLength {
		return newValidationError("notes", "must be at most %d characters", maxNotesLength)
	}
	return nil
}

func (v *ConflictValidator) ValidateDraft(draft *models.AppointmentDraft) error {
	if strings.TrimSpace(draft.MemberID) == "" {
		return newValidationError("memberId", "is required")
	}
	if strings.TrimSpace(draft.TrainerID) == "" {
		return newValidationError("trainerId", "is required")
	}
	if strings.TrimSpace(draft.GymID) == "" {
		return newValidationError("gymId", "is required")
	}
	if !draft.Type.Valid() {
		return newValidationError("type", "must be one of personal-training, assessment, consultation")
	}

	switch draft.Initiator {
	case models.InitiatorTrainer:
		if draft.Status != models.StatusPending && draft.Status != models.StatusConfirmed {
			return newValidationError("status", "must be pending or confirmed")
		}
	case models.InitiatorMember:
		if draft.Status != models.StatusPending {
			return newValidationError("status", "member requests must start as pending")
		}
	default:
		return newValidationError("initiator", "must be trainer or member")
	}

	if err := validateNotes(draft.Notes); err != nil {
		return err
	}

	if draft.Date.IsZero() {
		return newValidationError("date", "is required")
	}
	if !draft.StartTime.Valid() || !draft.EndTime.Valid() {
		return newValidationError("startTime", "must be a time of day")
	}
	if draft.EndTime <= draft.StartTime {
		return newValidationError("endTime", "must be after startTime")
	}
	if draft.StartTime < v.policy.OpeningTime || draft.EndTime > v.policy.ClosingTime {
		return newValidationError(
			"startTime",
			"appointment must fall within operating hours %s-%s",
			v.policy.OpeningTime,
			v.policy.ClosingTime,
		)
	}

	now := v.now().In(v.policy.location())
	today := models.DateOf(now)
	if draft.Date.Before(today) {
		return newValidationError("date", "must not be in the past")
	}
	if draft.Date == today && draft.StartTime < models.TimeOfDayOf(now) {
		return newValidationError("startTime", "has already passed")
	}

	return nil
}

// FindConflicts returns the ids of active candidates whose interval overlaps
// [start, end) on date. excludeID is skipped.
func (v *ConflictValidator) FindConflicts(
	candidates []models.Appointment,
	date models.Date,
	start models.TimeOfDay,
	end models.TimeOfDay,
	excludeID string,
) []string {
	var ids []string
	for i := range candidates {
		candidate := &candidates[i]
		if candidate.ID == excludeID || !candidate.Status.Active() {
			continue
		}
		if candidate.Overlaps(date, start, end) {
			ids = append(ids, candidate.ID)
		}
	}
	return ids
}

// Check loads the trainer's active appointments on date and returns a
// *ConflictError naming every overlap.
func (v *ConflictValidator) Check(
	ctx context.Context,
	store appointmentRangeReader,
	trainerID string,
	date models.Date,
	start models.TimeOfDay,
	end models.TimeOfDay,
	excludeID string,
) error {
	candidates, err := store.ListRange(ctx, repository.AppointmentRangeFilter{
		TrainerID: trainerID,
		StartDate: date,
		EndDate:   date,
		Statuses:  models.ActiveStatuses,
	})
	if err != nil {
		return &StorageError{Op: "load trainer appointments", Err: err}
	}

	if ids := v.FindConflicts(candidates, date, start, end, excludeID); len(ids) > 0 {
		return &ConflictError{
			Message:        "requested time overlaps an existing appointment",
			ConflictingIDs: ids,
		}
	}
	return nil
}
