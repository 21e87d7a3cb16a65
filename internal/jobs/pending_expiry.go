package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/philocalist9/gym-manage-sub000/internal/logging"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const runTimeout = time.Minute

type pendingExpirer interface {
	ExpireStalePending(ctx context.Context) (int, error)
}

// PendingExpiryJob cancels pending requests the trainer never answered.
type PendingExpiryJob struct {
	service pendingExpirer
}

func NewPendingExpiryJob(service pendingExpirer) *PendingExpiryJob {
	return &PendingExpiryJob{service: service}
}

func (j *PendingExpiryJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	expired, err := j.service.ExpireStalePending(ctx)
	logger := logging.FromContext(ctx)
	if err != nil {
		logger.Error().Err(err).Int("expired", expired).Msg("pending expiry run failed")
		return
	}
	if expired > 0 {
		logger.Info().Int("expired", expired).Msg("expired stale pending appointments")
	}
}

// Schedule registers the job on a new cron scheduler. Overlapping runs are
// skipped. An empty spec returns a scheduler with no entries. The caller owns
// Start and Stop.
func Schedule(spec string, job *PendingExpiryJob) (*cron.Cron, error) {
	logger := newCronLogger(*logging.FromContext(context.Background()))
	scheduler := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.SkipIfStillRunning(logger)),
	)
	if strings.TrimSpace(spec) == "" {
		return scheduler, nil
	}
	if _, err := scheduler.AddJob(spec, job); err != nil {
		return nil, fmt.Errorf("schedule pending expiry %q: %w", spec, err)
	}
	return scheduler, nil
}

// cronLogger sends the scheduler's own messages through zerolog. cron's Info
// lines are chatty, so they land at debug.
type cronLogger struct {
	logger zerolog.Logger
}

func newCronLogger(logger zerolog.Logger) cronLogger {
	return cronLogger{logger: logger.With().Str("component", "cron").Logger()}
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
