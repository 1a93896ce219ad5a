package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps one rate_limits row per key. Apply locks the row with
// SELECT ... FOR UPDATE for the duration of the transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Name() string {
	return "postgres"
}

func (s *PostgresStore) Apply(ctx context.Context, key Key, _ time.Time, fn Mutation) (*Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	cur, err := scanRecord(tx.QueryRow(ctx, `
		SELECT identifier, operation_type, count, window_start, reset_time, is_blocked, block_until
		FROM rate_limits
		WHERE identifier = $1 AND operation_type = $2
		FOR UPDATE
	`, key.Identifier, string(key.Operation)))
	if errors.Is(err, pgx.ErrNoRows) {
		cur = nil
	} else if err != nil {
		return nil, classify(err)
	}

	next := fn(cur)
	switch {
	case next == nil:
		if cur != nil {
			if _, err := tx.Exec(ctx, `
				DELETE FROM rate_limits
				WHERE identifier = $1 AND operation_type = $2
			`, key.Identifier, string(key.Operation)); err != nil {
				return nil, classify(err)
			}
		}
	case cur == nil:
		tag, err := tx.Exec(ctx, `
			INSERT INTO rate_limits (identifier, operation_type, count, window_start, reset_time, is_blocked, block_until)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (identifier, operation_type) DO NOTHING
		`, key.Identifier, string(key.Operation), int64(next.Count), next.WindowStart, next.ResetTime, next.IsBlocked, next.BlockUntil)
		if err != nil {
			return nil, classify(err)
		}
		if tag.RowsAffected() == 0 {
			return nil, ErrConflict
		}
	default:
		if _, err := tx.Exec(ctx, `
			UPDATE rate_limits
			SET count = $3, window_start = $4, reset_time = $5, is_blocked = $6, block_until = $7
			WHERE identifier = $1 AND operation_type = $2
		`, key.Identifier, string(key.Operation), int64(next.Count), next.WindowStart, next.ResetTime, next.IsBlocked, next.BlockUntil); err != nil {
			return nil, classify(err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify(err)
	}
	return next, nil
}

func (s *PostgresStore) Delete(ctx context.Context, key Key) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM rate_limits
		WHERE identifier = $1 AND operation_type = $2
	`, key.Identifier, string(key.Operation))
	return err
}

func (s *PostgresStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	unblocked, err := s.pool.Exec(ctx, `
		UPDATE rate_limits
		SET is_blocked = false, block_until = NULL, count = 0, reset_time = $1
		WHERE is_blocked AND block_until <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("unblock expired: %w", err)
	}

	deleted, err := s.pool.Exec(ctx, `
		DELETE FROM rate_limits
		WHERE NOT is_blocked AND reset_time < $1
	`, now)
	if err != nil {
		return int(unblocked.RowsAffected()), fmt.Errorf("delete expired: %w", err)
	}

	return int(unblocked.RowsAffected() + deleted.RowsAffected()), nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec   Record
		op    string
		count int64
	)
	if err := row.Scan(&rec.Identifier, &op, &count, &rec.WindowStart, &rec.ResetTime, &rec.IsBlocked, &rec.BlockUntil); err != nil {
		return nil, err
	}
	rec.OperationType = Operation(op)
	rec.Count = uint32(count)
	return &rec, nil
}

// classify maps serialization failures and deadlocks onto ErrConflict.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Code)
		}
	}
	return err
}
