package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/attendsync/attendsync/internal/domain"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const leaseReleaseTimeout = 2 * time.Second

// releaseLeaseScript deletes the lease only while it still holds our token.
var releaseLeaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a cross-instance TaskLease backed by SET NX PX. Each acquisition
// writes a fresh token so a late release cannot drop another holder's lease.
type Lease struct {
	rdb goredis.Cmdable
}

var _ domain.TaskLease = (*Lease)(nil)

func NewLease(rdb goredis.Cmdable) *Lease {
	return &Lease{rdb: rdb}
}

func (l *Lease) Acquire(ctx context.Context, key domain.TaskKey, ttl time.Duration) (func(), bool, error) {
	lk := leaseKey(key)
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire task lease: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaseReleaseTimeout)
		defer cancel()
		if err := releaseLeaseScript.Run(ctx, l.rdb, []string{lk}, token).Err(); err != nil {
			slog.Warn("Failed to release task lease", "key", lk, "error", err)
		}
	}
	return release, true, nil
}

func leaseKey(key domain.TaskKey) string {
	return "attendsync:lease:" + key.String()
}
