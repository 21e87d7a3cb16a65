package models

import "time"

type AppointmentEventType string

const (
	EventAppointmentBooked        AppointmentEventType = "appointment.booked"
	EventAppointmentStatusChanged AppointmentEventType = "appointment.status_changed"
)

// AppointmentEvent is published after a booking or status change is committed.
type AppointmentEvent struct {
	ID             string               `json:"id"`
	Type           AppointmentEventType `json:"type"`
	AppointmentID  string               `json:"appointmentId"`
	TrainerID      string               `json:"trainerId"`
	MemberID       string               `json:"memberId"`
	PreviousStatus AppointmentStatus    `json:"previousStatus,omitempty"`
	Status         AppointmentStatus    `json:"status"`
	Reason         string               `json:"reason,omitempty"`
	OccurredAt     time.Time            `json:"occurredAt"`
	Appointment    Appointment          `json:"appointment"`
}
