package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/attendsync/attendsync/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrFailureNotFound is returned when no open failure has the given ID.
var ErrFailureNotFound = errors.New("sync failure not found")

// FailureRepo is the operational record of sync tasks that gave up. Open rows
// keep the reconciler away from their task key until an operator resolves them.
type FailureRepo struct {
	pool *pgxpool.Pool
}

var _ domain.FailureRecorder = (*FailureRepo)(nil)

func NewFailureRepo(pool *pgxpool.Pool) *FailureRepo {
	return &FailureRepo{pool: pool}
}

const failureColumns = `id, stream_id, kind, member_id, revision, attempts, last_error, reason, permanent,
	occurred_at, resolved_at IS NOT NULL`

func scanFailure(row pgx.Row) (*domain.SyncFailure, error) {
	var f domain.SyncFailure
	err := row.Scan(
		&f.ID, &f.Task.StreamID, &f.Task.Kind, &f.Task.MemberID, &f.Task.Revision, &f.Task.Attempts,
		&f.Task.LastError, &f.Reason, &f.Permanent, &f.OccurredAt, &f.Resolved,
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (r *FailureRepo) RecordFailure(ctx context.Context, f domain.SyncFailure) error {
	_, err := r.pool.Exec(ctx, `-- name: RecordSyncFailure
		INSERT INTO sync_failures (stream_id, kind, member_id, revision, attempts, last_error, reason, permanent, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		f.Task.StreamID, f.Task.Kind, f.Task.MemberID, f.Task.Revision, f.Task.Attempts, f.Task.LastError,
		f.Reason, f.Permanent, f.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record sync failure: %w", err)
	}
	return nil
}

func (r *FailureRepo) HasOpenFailure(ctx context.Context, key domain.TaskKey) (bool, error) {
	var open bool
	err := r.pool.QueryRow(ctx, `-- name: HasOpenSyncFailure
		SELECT EXISTS (
		    SELECT 1 FROM sync_failures
		    WHERE stream_id = $1 AND kind = $2 AND member_id = $3 AND resolved_at IS NULL)`,
		key.StreamID, key.Kind, key.MemberID,
	).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("failed to check open sync failures: %w", err)
	}
	return open, nil
}

// ListOpen returns unresolved failures, oldest first.
func (r *FailureRepo) ListOpen(ctx context.Context, limit int) ([]domain.SyncFailure, error) {
	rows, err := r.pool.Query(ctx, `-- name: ListOpenSyncFailures
		SELECT `+failureColumns+` FROM sync_failures
		WHERE resolved_at IS NULL
		ORDER BY occurred_at, id
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync failures: %w", err)
	}
	defer rows.Close()

	var out []domain.SyncFailure
	for rows.Next() {
		f, err := scanFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync failure: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// Resolve closes an open failure and every other open failure for the same task
// key, returning the one asked for.
func (r *FailureRepo) Resolve(ctx context.Context, id int64) (*domain.SyncFailure, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	f, err := scanFailure(tx.QueryRow(ctx, `-- name: ResolveSyncFailure
		UPDATE sync_failures SET resolved_at = NOW()
		WHERE id = $1 AND resolved_at IS NULL
		RETURNING `+failureColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFailureNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve sync failure: %w", err)
	}

	if _, err := tx.Exec(ctx, `-- name: ResolveSiblingSyncFailures
		UPDATE sync_failures SET resolved_at = NOW()
		WHERE stream_id = $1 AND kind = $2 AND member_id = $3 AND resolved_at IS NULL`,
		f.Task.StreamID, f.Task.Kind, f.Task.MemberID); err != nil {
		return nil, fmt.Errorf("failed to resolve sibling sync failures: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return f, nil
}
