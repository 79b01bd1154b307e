package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/attendsync/attendsync/internal/domain"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// MembershipCache fronts a MembershipOracle with a short-lived Redis entry per
// (chat space, member). Redis failures fall through to the oracle.
type MembershipCache struct {
	rdb    goredis.Cmdable
	oracle domain.MembershipOracle
	ttl    time.Duration
}

var _ domain.MembershipOracle = (*MembershipCache)(nil)

func NewMembershipCache(rdb goredis.Cmdable, oracle domain.MembershipOracle, ttl time.Duration) *MembershipCache {
	return &MembershipCache{rdb: rdb, oracle: oracle, ttl: ttl}
}

func (c *MembershipCache) IsApprovedMember(ctx context.Context, chatSpaceID, memberID uuid.UUID) (bool, error) {
	key := membershipKey(chatSpaceID, memberID)

	cached, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		return cached == "1", nil
	case !errors.Is(err, goredis.Nil):
		slog.Warn("Redis membership cache GET failed", "key", key, "error", err)
	}

	ok, err := c.oracle.IsApprovedMember(ctx, chatSpaceID, memberID)
	if err != nil {
		return false, fmt.Errorf("membership lookup failed: %w", err)
	}

	value := "0"
	if ok {
		value = "1"
	}
	if err := c.rdb.Set(ctx, key, value, c.ttl).Err(); err != nil {
		slog.Warn("Failed to populate membership cache", "key", key, "error", err)
	}
	return ok, nil
}

// Invalidate forgets the cached answer after a membership change.
func (c *MembershipCache) Invalidate(ctx context.Context, chatSpaceID, memberID uuid.UUID) error {
	if err := c.rdb.Del(ctx, membershipKey(chatSpaceID, memberID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate membership cache: %w", err)
	}
	return nil
}

func membershipKey(chatSpaceID, memberID uuid.UUID) string {
	return "attendsync:membership:" + chatSpaceID.String() + ":" + memberID.String()
}
