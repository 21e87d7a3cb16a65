package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresTrainerLocker runs fn in a transaction holding a per-trainer
// transaction-scoped advisory lock.
type PostgresTrainerLocker struct {
	pool *pgxpool.Pool
}

func NewPostgresTrainerLocker(pool *pgxpool.Pool) *PostgresTrainerLocker {
	return &PostgresTrainerLocker{pool: pool}
}

func (l *PostgresTrainerLocker) WithTrainerLock(
	ctx context.Context,
	trainerID string,
	fn func(store AppointmentStore) error,
) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", trainerID); err != nil {
		return err
	}

	if err := fn(NewAppointmentRepository(tx)); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
