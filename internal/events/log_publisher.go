package events

import (
	"context"

	"github.com/philocalist9/gym-manage-sub000/internal/logging"
	"github.com/philocalist9/gym-manage-sub000/internal/models"
)

// LogPublisher writes every event to the structured log. It is the audit
// trail when no broker is configured.
type LogPublisher struct{}

func (LogPublisher) Name() string { return "log" }

func (LogPublisher) Publish(ctx context.Context, event models.AppointmentEvent) error {
	entry := logging.FromContext(ctx).Info().
		Str("event_id", event.ID).
		Str("event_type", string(event.Type)).
		Str("appointment_id", event.AppointmentID).
		Str("trainer_id", event.TrainerID).
		Str("member_id", event.MemberID).
		Str("status", string(event.Status))
	if event.PreviousStatus != "" {
		entry = entry.Str("previous_status", string(event.PreviousStatus))
	}
	if event.Reason != "" {
		entry = entry.Str("reason", event.Reason)
	}
	entry.Time("occurred_at", event.OccurredAt).Msg("appointment event")
	return nil
}
