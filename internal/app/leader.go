package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/attendsync/attendsync/internal/metrics"
	"github.com/redis/go-redis/v9"
)

const (
	reconcileLeaderKey = "attendsync:reconcile:leader"
	leaderLockTTL      = 30 * time.Second
)

var errLeaderLockLost = errors.New("leader lock lost")

// renewScript extends the lock only while it still belongs to the caller.
// Returns 1 on success, 0 if the key is gone, or the current holder otherwise.
var renewScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
	return 0
end
if current ~= ARGV[1] then
	return current
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LeaderElector implements Redis-based leader election using SETNX with TTL.
// Used so only one instance runs the sync reconciler at a time.
type LeaderElector struct {
	rdb        *redis.Client
	instanceID string
	lockKey    string
	lockTTL    time.Duration
}

// NewLeaderElector creates a leader election coordinator.
// instanceID should be unique per instance (e.g., hostname-PID).
func NewLeaderElector(rdb *redis.Client, instanceID string) *LeaderElector {
	return &LeaderElector{
		rdb:        rdb,
		instanceID: instanceID,
		lockKey:    reconcileLeaderKey,
		lockTTL:    leaderLockTTL,
	}
}

// TryAcquire attempts to become the leader.
func (l *LeaderElector) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.lockKey, l.instanceID, l.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire leader lock: %w", err)
	}
	if ok {
		metrics.LeaderElections.WithLabelValues(l.lockKey).Inc()
		metrics.IsLeader.WithLabelValues(l.lockKey).Set(1)
	}
	return ok, nil
}

// Renew extends the leader lease. Returns an error if we're no longer the leader.
func (l *LeaderElector) Renew(ctx context.Context) error {
	res, err := renewScript.Run(ctx, l.rdb, []string{l.lockKey}, l.instanceID, l.lockTTL.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("failed to renew leader lock: %w", err)
	}

	switch v := res.(type) {
	case int64:
		if v == 1 {
			return nil
		}
		metrics.IsLeader.WithLabelValues(l.lockKey).Set(0)
		return errLeaderLockLost
	case string:
		metrics.IsLeader.WithLabelValues(l.lockKey).Set(0)
		return fmt.Errorf("leader lock stolen by %s", v)
	default:
		return fmt.Errorf("unexpected renew result %T", res)
	}
}

// Release voluntarily releases leadership. Called on graceful shutdown.
func (l *LeaderElector) Release(ctx context.Context) error {
	metrics.IsLeader.WithLabelValues(l.lockKey).Set(0)
	if err := releaseScript.Run(ctx, l.rdb, []string{l.lockKey}, l.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to release leader lock: %w", err)
	}
	return nil
}
