package services

import (
	"strings"
	"time"

	"github.com/philocalist9/gym-manage-sub000/internal/models"
)

var allowedTransitions = map[models.AppointmentStatus]map[models.AppointmentStatus]bool{
	models.StatusPending: {
		models.StatusConfirmed: true,
		models.StatusCancelled: true,
	},
	models.StatusConfirmed: {
		models.StatusCompleted: true,
		models.StatusCancelled: true,
	},
}

// StatusMachine decides whether an appointment may move to a requested status.
type StatusMachine struct {
	policy SchedulingPolicy
	now    func() time.Time
}

func NewStatusMachine(policy SchedulingPolicy, now func() time.Time) *StatusMachine {
	if now == nil {
		now = time.Now
	}
	return &StatusMachine{policy: policy, now: now}
}

func NormalizeStatus(status string) (models.AppointmentStatus, error) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "pending":
		return models.StatusPending, nil
	case "confirm", "confirmed":
		return models.StatusConfirmed, nil
	case "complete", "completed":
		return models.StatusCompleted, nil
	case "cancel", "cancelled", "canceled":
		return models.StatusCancelled, nil
	default:
		return "", newValidationError("status", "unknown status %q", status)
	}
}

// Check returns applied=true when the appointment already has next, so a
// retried request succeeds without a second write.
func (m *StatusMachine) Check(appointment *models.Appointment, next models.AppointmentStatus) (applied bool, err error) {
	if appointment.Status == next {
		return true, nil
	}

	invalid := &InvalidTransitionError{ID: appointment.ID, From: appointment.Status, To: next}
	if !allowedTransitions[appointment.Status][next] {
		return false, invalid
	}

	now := m.now()
	switch {
	case appointment.Status == models.StatusPending && next == models.StatusConfirmed:
		if !now.Before(m.policy.StartOf(appointment)) {
			return false, invalid
		}
	case appointment.Status == models.StatusConfirmed && next == models.StatusCompleted:
		if m.policy.Completion == CompletionStrict && now.Before(m.policy.EndOf(appointment)) {
			return false, invalid
		}
	case appointment.Status == models.StatusConfirmed && next == models.StatusCancelled:
		if !now.Before(m.policy.EndOf(appointment)) {
			return false, invalid
		}
	}

	return false, nil
}
