package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/attendsync/attendsync/internal/domain"
	"github.com/attendsync/attendsync/internal/metrics"
	"github.com/attendsync/attendsync/internal/platform/correlation"
	"github.com/jonboulle/clockwork"
)

const reconcileBatchSize = 200

// leadership is satisfied by LeaderElector. A nil leadership means this instance always runs.
type leadership interface {
	TryAcquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// syncQueue is satisfied by Orchestrator.
type syncQueue interface {
	Enqueue(ctx context.Context, tasks ...domain.SyncTask)
	RecheckParked(ctx context.Context)
}

// SyncReconciler periodically re-drives provider sync for records the store
// still marks as unsynced. The sync queue is in memory, so this is what
// survives restarts and exhausted retries.
type SyncReconciler struct {
	store    domain.StreamStore
	failures domain.FailureRecorder
	queue    syncQueue
	leader   leadership
	interval time.Duration
	clock    clockwork.Clock
	stopCh   chan struct{}
	isLeader bool
}

func NewSyncReconciler(
	store domain.StreamStore,
	failures domain.FailureRecorder,
	queue syncQueue,
	leader leadership,
	interval time.Duration,
	clock clockwork.Clock,
) *SyncReconciler {
	return &SyncReconciler{
		store:    store,
		failures: failures,
		queue:    queue,
		leader:   leader,
		interval: interval,
		clock:    clock,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the reconciliation loop until Stop is called or ctx is done.
func (r *SyncReconciler) Start(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	defer r.resign()

	for {
		select {
		case <-ticker.Chan():
			tickCtx := correlation.WithID(ctx, correlation.NewID())
			// Parked tasks are local to this instance, so every instance rechecks them.
			r.queue.RecheckParked(tickCtx)
			if !r.lead(tickCtx) {
				continue
			}
			if err := r.Reconcile(tickCtx); err != nil {
				metrics.ReconcileRuns.WithLabelValues("error").Inc()
				slog.ErrorContext(tickCtx, "Sync reconciliation failed", "error", err)
			}
		case <-r.stopCh:
			slog.Info("Sync reconciler stopped")
			return
		case <-ctx.Done():
			slog.Info("Sync reconciler context cancelled")
			return
		}
	}
}

// Stop gracefully stops the reconciliation loop.
func (r *SyncReconciler) Stop() {
	close(r.stopCh)
}

func (r *SyncReconciler) lead(ctx context.Context) bool {
	if r.leader == nil {
		return true
	}

	if r.isLeader {
		err := r.leader.Renew(ctx)
		if err == nil {
			return true
		}
		slog.WarnContext(ctx, "Lost reconciler leadership", "error", err)
		r.isLeader = false
	}

	ok, err := r.leader.TryAcquire(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Reconciler leader election failed", "error", err)
		return false
	}
	if ok {
		slog.InfoContext(ctx, "Acquired reconciler leadership")
	}
	r.isLeader = ok
	return ok
}

func (r *SyncReconciler) resign() {
	if r.leader == nil || !r.isLeader {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.leader.Release(ctx); err != nil {
		slog.Warn("Failed to release reconciler leadership", "error", err)
	}
	r.isLeader = false
}

// Reconcile enqueues creates for streams the provider does not know yet,
// cancels the provider has not accepted, and adds/removes for attendees whose
// provider state lags the local decision. Keys with an unresolved sync failure
// are left for an operator.
func (r *SyncReconciler) Reconcile(ctx context.Context) error {
	streams, err := r.store.ListUnsyncedStreams(ctx, reconcileBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list unsynced streams: %w", err)
	}

	var tasks []domain.SyncTask
	for i := range streams {
		stream := &streams[i]

		if stream.NeedsRemoteCancel() {
			t := streamTask(domain.TaskCancelStream, stream.ID)
			t.Revision = stream.Version
			tasks = r.appendUnlessFailed(ctx, tasks, t)
			continue
		}

		if !stream.Synced() {
			tasks = r.appendUnlessFailed(ctx, tasks, streamTask(domain.TaskCreateStream, stream.ID))
		}

		attendees, err := r.store.ListUnsyncedAttendees(ctx, stream.ID)
		if err != nil {
			slog.WarnContext(ctx, "Failed to list unsynced attendees", "stream_id", stream.ID, "error", err)
			continue
		}
		for _, a := range attendees {
			kind := domain.TaskAddAttendee
			if a.State() != domain.StateApproved {
				kind = domain.TaskRemoveAttendee
			}
			t := attendeeTask(kind, stream.ID, a.MemberID)
			t.Revision = a.Version
			tasks = r.appendUnlessFailed(ctx, tasks, t)
		}
	}

	for _, t := range tasks {
		metrics.ReconcileRequeued.WithLabelValues(string(t.Kind)).Inc()
	}
	r.queue.Enqueue(ctx, tasks...)

	metrics.ReconcileRuns.WithLabelValues("success").Inc()
	if len(tasks) > 0 {
		slog.InfoContext(ctx, "Sync reconciliation re-enqueued tasks", "streams", len(streams), "tasks", len(tasks))
	}
	return nil
}

func (r *SyncReconciler) appendUnlessFailed(ctx context.Context, tasks []domain.SyncTask, t domain.SyncTask) []domain.SyncTask {
	open, err := r.failures.HasOpenFailure(ctx, t.Key())
	if err != nil {
		slog.WarnContext(ctx, "Failed to check sync failures, skipping task", "task", t.Key().String(), "error", err)
		return tasks
	}
	if open {
		return tasks
	}
	return append(tasks, t)
}
