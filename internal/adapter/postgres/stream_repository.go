package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/attendsync/attendsync/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StreamRepo is the StreamStore backed by Postgres. Versions are compared in
// the WHERE clause; a zero-row update is a lost race.
type StreamRepo struct {
	pool *pgxpool.Pool
}

var _ domain.StreamStore = (*StreamRepo)(nil)

func NewStreamRepo(pool *pgxpool.Pool) *StreamRepo {
	return &StreamRepo{pool: pool}
}

const streamColumns = `id, type, status, visibility, title, description, organizer_id, chat_space_id,
	external_ref, scheduled_start, scheduled_end, attendee_count, pending_request_count,
	version, created_at, updated_at, cancel_synced`

const attendeeColumns = `stream_id, member_id, status, active, capabilities, comment, organizer_comment,
	provider_synced, version, created_at, updated_at`

func scanStream(row pgx.Row) (*domain.Stream, error) {
	var s domain.Stream
	err := row.Scan(
		&s.ID, &s.Type, &s.Status, &s.Visibility, &s.Title, &s.Description, &s.OrganizerID, &s.ChatSpaceID,
		&s.ExternalRef, &s.ScheduledStart, &s.ScheduledEnd, &s.AttendeeCount, &s.PendingRequestCount,
		&s.Version, &s.CreatedAt, &s.UpdatedAt, &s.CancelSynced,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanAttendee(row pgx.Row) (*domain.Attendee, error) {
	var a domain.Attendee
	var caps int16
	err := row.Scan(
		&a.StreamID, &a.MemberID, &a.Status, &a.Active, &caps, &a.Comment, &a.OrganizerComment,
		&a.ProviderSynced, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Capabilities = domain.Capability(caps)
	return &a, nil
}

func (r *StreamRepo) LoadStream(ctx context.Context, streamID uuid.UUID) (*domain.Stream, error) {
	s, err := scanStream(r.pool.QueryRow(ctx, `-- name: LoadStream
		SELECT `+streamColumns+` FROM streams WHERE id = $1`, streamID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrStreamNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stream: %w", err)
	}
	return s, nil
}

func (r *StreamRepo) LoadAttendee(ctx context.Context, streamID, memberID uuid.UUID) (*domain.Attendee, error) {
	a, err := scanAttendee(r.pool.QueryRow(ctx, `-- name: LoadAttendee
		SELECT `+attendeeColumns+` FROM attendees WHERE stream_id = $1 AND member_id = $2`, streamID, memberID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAttendeeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load attendee: %w", err)
	}
	return a, nil
}

func (r *StreamRepo) CreateStream(ctx context.Context, stream *domain.Stream, attendees []domain.Attendee) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `-- name: InsertStream
		INSERT INTO streams (`+streamColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1, $14, $15, FALSE)`,
		stream.ID, stream.Type, stream.Status, stream.Visibility, stream.Title, stream.Description,
		stream.OrganizerID, stream.ChatSpaceID, stream.ExternalRef, stream.ScheduledStart, stream.ScheduledEnd,
		stream.AttendeeCount, stream.PendingRequestCount, stream.CreatedAt, stream.UpdatedAt,
	)
	if pgErrorCode(err) == uniqueViolation {
		return domain.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert stream: %w", err)
	}

	rows := make([][]any, len(attendees))
	for i, a := range attendees {
		rows[i] = []any{
			a.StreamID, a.MemberID, a.Status, a.Active, int16(a.Capabilities), a.Comment, a.OrganizerComment,
			a.ProviderSynced, 1, a.CreatedAt, a.UpdatedAt,
		}
	}
	_, err = tx.CopyFrom(ctx, pgx.Identifier{"attendees"}, []string{
		"stream_id", "member_id", "status", "active", "capabilities", "comment", "organizer_comment",
		"provider_synced", "version", "created_at", "updated_at",
	}, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to insert attendees: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	stream.Version = 1
	return nil
}

func (r *StreamRepo) UpdateStream(ctx context.Context, stream *domain.Stream) error {
	err := r.pool.QueryRow(ctx, `-- name: UpdateStream
		UPDATE streams
		SET status = $3, visibility = $4, title = $5, description = $6,
		    scheduled_start = $7, scheduled_end = $8, updated_at = $9, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version`,
		stream.ID, stream.Version, stream.Status, stream.Visibility, stream.Title, stream.Description,
		stream.ScheduledStart, stream.ScheduledEnd, stream.UpdatedAt,
	).Scan(&stream.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return r.missOrConflict(ctx, stream.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

func (r *StreamRepo) UpsertAttendee(ctx context.Context, a *domain.Attendee, delta domain.CounterDelta) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// The share lock orders this write against CancelStream, which must see
	// every request it has to disapprove.
	var status domain.StreamStatus
	err = tx.QueryRow(ctx, `-- name: LockStreamForAttendee
		SELECT status FROM streams WHERE id = $1 FOR SHARE`, a.StreamID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrStreamNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock stream: %w", err)
	}
	if status.Terminal() {
		return domain.ErrConflict
	}

	var version int
	if a.Version == 0 {
		err = tx.QueryRow(ctx, `-- name: InsertAttendee
			INSERT INTO attendees (`+attendeeColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $10)
			RETURNING version`,
			a.StreamID, a.MemberID, a.Status, a.Active, int16(a.Capabilities), a.Comment, a.OrganizerComment,
			a.ProviderSynced, a.CreatedAt, a.UpdatedAt,
		).Scan(&version)
		switch pgErrorCode(err) {
		case uniqueViolation:
			return domain.ErrConflict
		case foreignKeyViolation:
			return domain.ErrStreamNotFound
		}
	} else {
		err = tx.QueryRow(ctx, `-- name: UpdateAttendee
			UPDATE attendees
			SET status = $4, active = $5, capabilities = $6, comment = $7, organizer_comment = $8,
			    updated_at = $9, version = version + 1
			WHERE stream_id = $1 AND member_id = $2 AND version = $3
			RETURNING version`,
			a.StreamID, a.MemberID, a.Version, a.Status, a.Active, int16(a.Capabilities), a.Comment,
			a.OrganizerComment, a.UpdatedAt,
		).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrConflict
		}
	}
	if err != nil {
		return fmt.Errorf("failed to write attendee: %w", err)
	}

	if !delta.IsZero() {
		tag, err := tx.Exec(ctx, `-- name: ApplyCounterDelta
			UPDATE streams
			SET attendee_count = attendee_count + $2, pending_request_count = pending_request_count + $3
			WHERE id = $1`,
			a.StreamID, delta.Attendees, delta.Pending,
		)
		if err != nil {
			return fmt.Errorf("failed to apply counter delta: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrStreamNotFound
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	a.Version = version
	return nil
}

func (r *StreamRepo) CancelStream(ctx context.Context, stream *domain.Stream) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var version int
	err = tx.QueryRow(ctx, `-- name: CancelStream
		UPDATE streams
		SET status = 'canceled', pending_request_count = 0, updated_at = $3, version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version`,
		stream.ID, stream.Version, stream.UpdatedAt,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, r.missOrConflict(ctx, stream.ID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to cancel stream: %w", err)
	}

	tag, err := tx.Exec(ctx, `-- name: DisapprovePending
		UPDATE attendees
		SET status = 'disapproved', updated_at = $2, version = version + 1
		WHERE stream_id = $1 AND status = 'pending' AND active`,
		stream.ID, stream.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to disapprove pending requests: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	stream.Version = version
	stream.Status = domain.StatusCanceled
	stream.PendingRequestCount = 0
	return int(tag.RowsAffected()), nil
}

func (r *StreamRepo) SetExternalRef(ctx context.Context, streamID uuid.UUID, ref string) error {
	tag, err := r.pool.Exec(ctx, `-- name: SetExternalRef
		UPDATE streams SET external_ref = $2 WHERE id = $1`, streamID, ref)
	if err != nil {
		return fmt.Errorf("failed to set external reference: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStreamNotFound
	}
	return nil
}

func (r *StreamRepo) MarkCancelSynced(ctx context.Context, streamID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `-- name: MarkCancelSynced
		UPDATE streams SET cancel_synced = TRUE WHERE id = $1 AND status = 'canceled'`, streamID)
	if err != nil {
		return fmt.Errorf("failed to mark cancellation synced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStreamNotFound
	}
	return nil
}

func (r *StreamRepo) MarkAttendeeSynced(ctx context.Context, streamID, memberID uuid.UUID, synced bool) error {
	tag, err := r.pool.Exec(ctx, `-- name: MarkAttendeeSynced
		UPDATE attendees SET provider_synced = $3 WHERE stream_id = $1 AND member_id = $2`,
		streamID, memberID, synced)
	if err != nil {
		return fmt.Errorf("failed to mark attendee synced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAttendeeNotFound
	}
	return nil
}

func (r *StreamRepo) ListUnsyncedStreams(ctx context.Context, limit int) ([]domain.Stream, error) {
	rows, err := r.pool.Query(ctx, `-- name: ListUnsyncedStreams
		SELECT `+streamColumns+` FROM streams s
		WHERE (s.status IN ('scheduled', 'live')
		       AND (s.external_ref = '' OR EXISTS (
		           SELECT 1 FROM attendees a
		           WHERE a.stream_id = s.id AND (a.status = 'approved' AND a.active) <> a.provider_synced)))
		   OR (s.status = 'canceled' AND s.external_ref <> '' AND NOT s.cancel_synced)
		ORDER BY s.created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsynced streams: %w", err)
	}
	defer rows.Close()

	var out []domain.Stream
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stream: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *StreamRepo) ListUnsyncedAttendees(ctx context.Context, streamID uuid.UUID) ([]domain.Attendee, error) {
	rows, err := r.pool.Query(ctx, `-- name: ListUnsyncedAttendees
		SELECT `+attendeeColumns+` FROM attendees
		WHERE stream_id = $1 AND (status = 'approved' AND active) <> provider_synced
		ORDER BY created_at`, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsynced attendees: %w", err)
	}
	defer rows.Close()

	var out []domain.Attendee
	for rows.Next() {
		a, err := scanAttendee(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attendee: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// missOrConflict tells a stale version apart from a missing stream.
func (r *StreamRepo) missOrConflict(ctx context.Context, streamID uuid.UUID) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `-- name: StreamExists
		SELECT EXISTS (SELECT 1 FROM streams WHERE id = $1)`, streamID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check stream: %w", err)
	}
	if !exists {
		return domain.ErrStreamNotFound
	}
	return domain.ErrConflict
}
