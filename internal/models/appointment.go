package models

import "time"

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusCompleted AppointmentStatus = "completed"
)

// Active statuses hold their time interval; only these take part in conflict checks.
func (s AppointmentStatus) Active() bool {
	return s == StatusPending || s == StatusConfirmed
}

func (s AppointmentStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

var ActiveStatuses = []AppointmentStatus{StatusPending, StatusConfirmed}

type AppointmentType string

const (
	TypePersonalTraining AppointmentType = "personal-training"
	TypeAssessment       AppointmentType = "assessment"
	TypeConsultation     AppointmentType = "consultation"
)

func (t AppointmentType) Valid() bool {
	switch t {
	case TypePersonalTraining, TypeAssessment, TypeConsultation:
		return true
	}
	return false
}

// Initiator is the side that created a booking.
type Initiator string

const (
	InitiatorTrainer Initiator = "trainer"
	InitiatorMember  Initiator = "member"
)

type Appointment struct {
	ID        string            `json:"id"`
	MemberID  string            `json:"memberId"`
	TrainerID string            `json:"trainerId"`
	GymID     string            `json:"gymId"`
	Date      Date              `json:"date"`
	StartTime TimeOfDay         `json:"startTime"`
	EndTime   TimeOfDay         `json:"endTime"`
	Type      AppointmentType   `json:"type"`
	Status    AppointmentStatus `json:"status"`
	Notes     *string           `json:"notes"`
	Version   int64             `json:"version"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Overlaps reports whether a and the half-open interval [start, end) on date intersect.
func (a *Appointment) Overlaps(date Date, start, end TimeOfDay) bool {
	return a.Date == date && a.StartTime < end && start < a.EndTime
}

type AppointmentDraft struct {
	MemberID  string
	TrainerID string
	GymID     string
	Date      Date
	StartTime TimeOfDay
	EndTime   TimeOfDay
	Type      AppointmentType
	Status    AppointmentStatus
	Notes     *string
	Initiator Initiator
}
