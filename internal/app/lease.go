package app

import (
	"context"
	"sync"
	"time"

	"github.com/attendsync/attendsync/internal/domain"
)

// LocalLease is an in-process TaskLease for single-instance deployments and tests.
type LocalLease struct {
	mu   sync.Mutex
	held map[domain.TaskKey]struct{}
}

func NewLocalLease() *LocalLease {
	return &LocalLease{held: make(map[domain.TaskKey]struct{})}
}

// Acquire ignores ttl: a local holder cannot disappear without releasing.
func (l *LocalLease) Acquire(_ context.Context, key domain.TaskKey, _ time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}
