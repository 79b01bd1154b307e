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

// MembershipRepo answers chat-space membership from the chat_space_members
// table, which is maintained by the chat service.
type MembershipRepo struct {
	pool *pgxpool.Pool
}

var _ domain.MembershipOracle = (*MembershipRepo)(nil)

func NewMembershipRepo(pool *pgxpool.Pool) *MembershipRepo {
	return &MembershipRepo{pool: pool}
}

func (r *MembershipRepo) IsApprovedMember(ctx context.Context, chatSpaceID, memberID uuid.UUID) (bool, error) {
	var approved bool
	err := r.pool.QueryRow(ctx, `-- name: IsApprovedMember
		SELECT approved FROM chat_space_members WHERE chat_space_id = $1 AND member_id = $2`,
		chatSpaceID, memberID).Scan(&approved)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check chat space membership: %w", err)
	}
	return approved, nil
}

// SetMember records a member's standing in a chat space.
func (r *MembershipRepo) SetMember(ctx context.Context, chatSpaceID, memberID uuid.UUID, approved bool) error {
	_, err := r.pool.Exec(ctx, `-- name: SetChatSpaceMember
		INSERT INTO chat_space_members (chat_space_id, member_id, approved)
		VALUES ($1, $2, $3)
		ON CONFLICT (chat_space_id, member_id) DO UPDATE SET approved = EXCLUDED.approved`,
		chatSpaceID, memberID, approved)
	if err != nil {
		return fmt.Errorf("failed to set chat space member: %w", err)
	}
	return nil
}

// AdminRepo reads delegated admin rights granted outside this service.
type AdminRepo struct {
	pool *pgxpool.Pool
}

var _ domain.AdminDelegation = (*AdminRepo)(nil)

func NewAdminRepo(pool *pgxpool.Pool) *AdminRepo {
	return &AdminRepo{pool: pool}
}

func (r *AdminRepo) IsDelegatedAdmin(ctx context.Context, streamID, actorID uuid.UUID) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `-- name: IsDelegatedAdmin
		SELECT EXISTS (SELECT 1 FROM stream_admins WHERE stream_id = $1 AND admin_id = $2)`,
		streamID, actorID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check delegated admin: %w", err)
	}
	return ok, nil
}

func (r *AdminRepo) Grant(ctx context.Context, streamID, adminID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `-- name: GrantStreamAdmin
		INSERT INTO stream_admins (stream_id, admin_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		streamID, adminID)
	if pgErrorCode(err) == foreignKeyViolation {
		return domain.ErrStreamNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to grant stream admin: %w", err)
	}
	return nil
}
