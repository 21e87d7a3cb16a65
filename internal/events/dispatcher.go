package events

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/philocalist9/gym-manage-sub000/internal/logging"
	"github.com/philocalist9/gym-manage-sub000/internal/models"
)

const (
	DefaultQueueSize      = 256
	defaultPublishTimeout = 5 * time.Second
	drainTimeout          = 5 * time.Second
)

// Publisher delivers a committed appointment event to one destination.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, event models.AppointmentEvent) error
}

// Dispatcher decouples the booking path from event delivery. Enqueue never
// blocks; events that do not fit in the queue are dropped and counted.
type Dispatcher struct {
	queue          chan models.AppointmentEvent
	publishers     []Publisher
	publishTimeout time.Duration
	dropped        atomic.Int64
}

func NewDispatcher(queueSize int, publishers ...Publisher) *Dispatcher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Dispatcher{
		queue:          make(chan models.AppointmentEvent, queueSize),
		publishers:     publishers,
		publishTimeout: defaultPublishTimeout,
	}
}

func (d *Dispatcher) Enqueue(event models.AppointmentEvent) {
	select {
	case d.queue <- event:
	default:
		d.dropped.Add(1)
		logging.Get().Warn().
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Str("appointment_id", event.AppointmentID).
			Msg("event queue full, dropping event")
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Run delivers queued events until ctx is cancelled, then flushes what is
// already buffered.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case event := <-d.queue:
			d.deliver(ctx, event)
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case event := <-d.queue:
			d.deliver(ctx, event)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event models.AppointmentEvent) {
	for _, publisher := range d.publishers {
		publishCtx, cancel := context.WithTimeout(ctx, d.publishTimeout)
		err := publisher.Publish(publishCtx, event)
		cancel()
		if err != nil {
			logging.FromContext(ctx).Error().
				Err(err).
				Str("publisher", publisher.Name()).
				Str("event_id", event.ID).
				Str("event_type", string(event.Type)).
				Msg("failed to publish appointment event")
		}
	}
}
