package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/attendsync/attendsync/internal/domain"
	"github.com/attendsync/attendsync/internal/metrics"
	"github.com/attendsync/attendsync/internal/platform/correlation"
	"github.com/attendsync/attendsync/internal/platform/retry"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Outcome is what the caller observes once local state is committed.
type Outcome int

const (
	OutcomeApplied            Outcome = iota // committed, nothing to sync
	OutcomeAppliedPendingSync                // committed, provider calls queued
	OutcomeFailed                            // nothing committed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeAppliedPendingSync:
		return "applied_pending_sync"
	default:
		return "failed"
	}
}

// Change is a local mutation, the provider tasks it implies and an optional notification.
// Exactly one of Commit or Attendee describes the mutation.
type Change struct {
	// Commit persists a stream-level mutation. Stream is read after Commit for task revisions.
	Commit func(ctx context.Context) error
	Stream *domain.Stream

	Attendee *domain.Attendee
	Delta    domain.CounterDelta

	Tasks        []domain.SyncTask
	Notification *domain.Notification
}

type OrchestratorConfig struct {
	Workers     int
	Retry       retry.Policy
	CallTimeout time.Duration
	LeaseTTL    time.Duration
}

// DefaultOrchestratorConfig is base 500ms, factor 2, five attempts.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Workers: 8,
		Retry: retry.Policy{
			MaxAttempts:      5,
			InitialBackoff:   500 * time.Millisecond,
			MaxBackoff:       30 * time.Second,
			RateLimitBackoff: 5 * time.Second,
		},
		CallTimeout: 10 * time.Second,
		LeaseTTL:    2 * time.Minute,
	}
}

var (
	errTaskNotApplicable = errors.New("sync task no longer applicable")
	errAwaitingCreate    = errors.New("stream has no provider reference yet")
	errOrchestratorStop  = errors.New("orchestrator stopped")
	errLeaseBusy         = errors.New("task lease held by another instance")
)

// Orchestrator commits decisions to the store and drives their provider tasks
// through per-stream FIFO queues.
type Orchestrator struct {
	store    domain.StreamStore
	gateway  domain.ProviderGateway
	lease    domain.TaskLease
	failures domain.FailureRecorder
	notifier domain.NotificationEmitter
	clock    clockwork.Clock
	cfg      OrchestratorConfig

	slots chan struct{}

	mu      sync.Mutex
	queues  map[uuid.UUID]*streamQueue
	parked  map[uuid.UUID][]queuedTask
	active  int
	idleCh  chan struct{}
	stopped bool

	baseCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewOrchestrator(
	store domain.StreamStore,
	gateway domain.ProviderGateway,
	lease domain.TaskLease,
	failures domain.FailureRecorder,
	notifier domain.NotificationEmitter,
	clock clockwork.Clock,
	cfg OrchestratorConfig,
) *Orchestrator {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if lease == nil {
		lease = NewLocalLease()
	}
	cfg.Retry.Clock = clock

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	return &Orchestrator{
		store:    store,
		gateway:  gateway,
		lease:    lease,
		failures: failures,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg,
		slots:    make(chan struct{}, cfg.Workers),
		queues:   make(map[uuid.UUID]*streamQueue),
		parked:   make(map[uuid.UUID][]queuedTask),
		idleCh:   idle,
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Apply commits the change locally, queues its tasks and emits its notification.
// A failed commit returns OutcomeFailed and the store error; ErrConflict means
// the caller should re-read and decide again.
func (o *Orchestrator) Apply(ctx context.Context, c Change) (Outcome, error) {
	if err := o.commit(ctx, c); err != nil {
		return OutcomeFailed, err
	}

	tasks := make([]domain.SyncTask, len(c.Tasks))
	for i, t := range c.Tasks {
		tasks[i] = o.stampRevision(t, c)
	}
	o.Enqueue(ctx, tasks...)

	if c.Notification != nil {
		o.emit(ctx, *c.Notification)
	}

	if len(tasks) == 0 {
		return OutcomeApplied, nil
	}
	return OutcomeAppliedPendingSync, nil
}

func (o *Orchestrator) commit(ctx context.Context, c Change) error {
	switch {
	case c.Commit != nil:
		return c.Commit(ctx)
	case c.Attendee != nil:
		if err := o.store.UpsertAttendee(ctx, c.Attendee, c.Delta); err != nil {
			return fmt.Errorf("failed to persist attendee: %w", err)
		}
		return nil
	default:
		return nil
	}
}

// stampRevision ties the idempotency key to the committed version. Creates stay at
// revision zero: a stream is created remotely once.
func (o *Orchestrator) stampRevision(t domain.SyncTask, c Change) domain.SyncTask {
	if t.Revision != 0 || t.Kind == domain.TaskCreateStream {
		return t
	}
	switch {
	case t.Kind.IsAttendeeTask() && c.Attendee != nil:
		t.Revision = c.Attendee.Version
	case c.Stream != nil:
		t.Revision = c.Stream.Version
	}
	return t
}

func (o *Orchestrator) emit(ctx context.Context, n domain.Notification) {
	metrics.NotificationsEmitted.WithLabelValues(string(n.Kind)).Inc()
	o.notifier.Emit(ctx, n)
}

// Drain blocks until every stream queue is empty or ctx is done. Parked tasks
// do not count.
func (o *Orchestrator) Drain(ctx context.Context) error {
	o.mu.Lock()
	ch := o.idleCh
	o.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sync queues to drain: %w", ctx.Err())
	}
}

// Stop refuses new tasks, waits for queued work until ctx is done, then aborts
// whatever is still retrying. Safe to call more than once.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		o.stopped = true
		o.mu.Unlock()

		if err := o.Drain(ctx); err != nil {
			slog.Warn("Sync orchestrator stopping with queued tasks", "error", err)
		}
		o.cancel()
		o.wg.Wait()
		slog.Info("Sync orchestrator stopped")
	})
}

func (o *Orchestrator) run(ctx context.Context, qt queuedTask) error {
	select {
	case o.slots <- struct{}{}:
	case <-ctx.Done():
		return errOrchestratorStop
	}
	defer func() { <-o.slots }()

	task := qt.task
	release, ok, err := o.lease.Acquire(ctx, task.Key(), o.cfg.LeaseTTL)
	switch {
	case err != nil:
		slog.WarnContext(ctx, "Task lease unavailable, dispatching without it", "task", task.Key().String(), "error", err)
		release = func() {}
	case !ok:
		metrics.SyncLeaseWaits.WithLabelValues(string(task.Kind)).Inc()
		return errLeaseBusy
	}
	defer release()

	policy := o.cfg.Retry
	policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.WarnContext(ctx, "Sync task failed, retrying",
			"task", task.Key().String(), "attempt", attempt, "backoff", backoff, "error", err)
	}

	err = retry.DoVoid(ctx, policy, classifySyncError, func() error {
		task.Attempts++
		metrics.SyncTaskAttempts.WithLabelValues(string(task.Kind)).Inc()
		err := o.attempt(ctx, task)
		if err != nil {
			task.LastError = err.Error()
		}
		return err
	})

	return o.finish(ctx, task, err)
}

// attempt re-reads current state, decides whether the task still applies and
// performs one provider call.
func (o *Orchestrator) attempt(ctx context.Context, task domain.SyncTask) error {
	stream, err := o.store.LoadStream(ctx, task.StreamID)
	if errors.Is(err, domain.ErrStreamNotFound) {
		return errTaskNotApplicable
	}
	if err != nil {
		return fmt.Errorf("failed to load stream: %w", err)
	}

	if stream.Status == domain.StatusCanceled && task.Kind != domain.TaskCancelStream {
		return errTaskNotApplicable
	}

	if task.Kind == domain.TaskCreateStream {
		if stream.Synced() {
			return errTaskNotApplicable
		}
		return o.call(ctx, task, func(callCtx context.Context) error {
			ref, err := o.gateway.CreateRemoteStream(callCtx, task.IdempotencyKey(), domain.NewRemoteStream(stream))
			switch {
			case errors.Is(err, domain.ErrRemoteAlreadyExists) && ref != "":
			case errors.Is(err, domain.ErrRemoteAlreadyExists):
				return &domain.ProviderError{Op: "create", StatusCode: 409, Err: err}
			case err != nil:
				return err
			}
			if ref == "" {
				return &domain.ProviderError{Op: "create", Err: errors.New("provider returned no reference")}
			}
			if err := o.store.SetExternalRef(ctx, stream.ID, ref); err != nil {
				return fmt.Errorf("failed to store provider reference: %w", err)
			}
			return nil
		})
	}

	if !stream.Synced() {
		if task.Kind == domain.TaskCancelStream {
			return errTaskNotApplicable
		}
		return errAwaitingCreate
	}

	ref := stream.ExternalRef
	key := task.IdempotencyKey()

	switch task.Kind {
	case domain.TaskPatchStream:
		return o.call(ctx, task, func(callCtx context.Context) error {
			return o.gateway.PatchRemoteStream(callCtx, key, ref, domain.NewRemoteStream(stream))
		})

	case domain.TaskCancelStream:
		if stream.Status != domain.StatusCanceled || stream.CancelSynced {
			return errTaskNotApplicable
		}
		return o.call(ctx, task, func(callCtx context.Context) error {
			if err := o.gateway.CancelRemoteStream(callCtx, key, ref); err != nil {
				return err
			}
			return o.store.MarkCancelSynced(ctx, stream.ID)
		})

	case domain.TaskRescheduleStream:
		if stream.Status != domain.StatusScheduled {
			return errTaskNotApplicable
		}
		return o.call(ctx, task, func(callCtx context.Context) error {
			return o.gateway.RescheduleRemoteStream(callCtx, key, ref, stream.ScheduledStart, stream.ScheduledEnd)
		})

	case domain.TaskAddAttendee, domain.TaskRemoveAttendee:
		attendee, err := o.store.LoadAttendee(ctx, task.StreamID, task.MemberID)
		if errors.Is(err, domain.ErrAttendeeNotFound) {
			return errTaskNotApplicable
		}
		if err != nil {
			return fmt.Errorf("failed to load attendee: %w", err)
		}

		approved := attendee.State() == domain.StateApproved
		if task.Kind == domain.TaskAddAttendee {
			if !approved || attendee.ProviderSynced {
				return errTaskNotApplicable
			}
			return o.call(ctx, task, func(callCtx context.Context) error {
				if err := o.gateway.AddRemoteAttendee(callCtx, key, ref, task.MemberID); err != nil {
					return err
				}
				return o.store.MarkAttendeeSynced(ctx, task.StreamID, task.MemberID, true)
			})
		}

		if approved || !attendee.ProviderSynced {
			return errTaskNotApplicable
		}
		return o.call(ctx, task, func(callCtx context.Context) error {
			if err := o.gateway.RemoveRemoteAttendee(callCtx, key, ref, task.MemberID); err != nil {
				return err
			}
			return o.store.MarkAttendeeSynced(ctx, task.StreamID, task.MemberID, false)
		})

	default:
		return fmt.Errorf("%w: unknown task kind %q", errTaskNotApplicable, task.Kind)
	}
}

// call bounds one provider call with the configured timeout. A timeout is transient;
// "already exists" is success.
func (o *Orchestrator) call(ctx context.Context, task domain.SyncTask, fn func(callCtx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	err := fn(callCtx)
	if errors.Is(err, domain.ErrRemoteAlreadyExists) && task.Kind != domain.TaskCreateStream {
		slog.DebugContext(ctx, "Provider reports operation already applied", "task", task.Key().String())
		return o.afterAlreadyExists(ctx, task)
	}
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &domain.ProviderError{Op: string(task.Kind), Transient: true, Err: fmt.Errorf("call timed out after %s: %w", o.cfg.CallTimeout, err)}
	}
	return err
}

func (o *Orchestrator) afterAlreadyExists(ctx context.Context, task domain.SyncTask) error {
	switch task.Kind {
	case domain.TaskAddAttendee:
		return o.store.MarkAttendeeSynced(ctx, task.StreamID, task.MemberID, true)
	case domain.TaskCancelStream:
		return o.store.MarkCancelSynced(ctx, task.StreamID)
	}
	return nil
}

func classifySyncError(err error) retry.Action {
	switch {
	case errors.Is(err, errTaskNotApplicable), errors.Is(err, errAwaitingCreate):
		return retry.Stop
	case errors.Is(err, context.Canceled):
		return retry.Stop
	}

	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		switch {
		case !pe.Transient:
			return retry.Stop
		case pe.RateLimited:
			return retry.After
		default:
			return retry.Retry
		}
	}

	// Store reads and writes between provider calls are worth another try.
	return retry.Retry
}

// finish records the result of a task run. It returns errAwaitingCreate when the
// task has to wait for the stream to exist remotely.
func (o *Orchestrator) finish(ctx context.Context, task domain.SyncTask, err error) error {
	kind := string(task.Kind)

	switch {
	case err == nil:
		metrics.SyncTasksCompleted.WithLabelValues(kind, "success").Inc()
		slog.InfoContext(ctx, "Sync task completed", "task", task.Key().String(), "attempts", task.Attempts)
		if task.Kind == domain.TaskCreateStream {
			o.releaseParked(task.StreamID)
		}
		return nil

	case errors.Is(err, errTaskNotApplicable):
		metrics.SyncTasksCompleted.WithLabelValues(kind, "skipped").Inc()
		slog.DebugContext(ctx, "Sync task skipped", "task", task.Key().String(), "reason", err)
		switch task.Kind {
		case domain.TaskCreateStream:
			o.releaseParked(task.StreamID)
		case domain.TaskCancelStream:
			o.dropParked(task.StreamID)
		}
		return nil

	case errors.Is(err, errAwaitingCreate):
		return errAwaitingCreate

	case o.baseCtx.Err() != nil:
		metrics.SyncTasksCompleted.WithLabelValues(kind, "aborted").Inc()
		slog.InfoContext(ctx, "Sync task aborted by shutdown", "task", task.Key().String())
		return nil
	}

	permanent := true
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		permanent = false
	}

	result := "permanent"
	if !permanent {
		result = "exhausted"
	}
	metrics.SyncTasksCompleted.WithLabelValues(kind, result).Inc()
	metrics.SyncFailuresRecorded.WithLabelValues(kind).Inc()

	reason := errors.Unwrap(err)
	if reason == nil {
		reason = err
	}
	slog.ErrorContext(ctx, "Sync task failed",
		"task", task.Key().String(), "attempts", task.Attempts, "permanent", permanent, "error", reason)

	failure := domain.SyncFailure{
		Task:       task,
		Reason:     reason.Error(),
		Permanent:  permanent,
		OccurredAt: o.clock.Now(),
	}
	if recErr := o.failures.RecordFailure(ctx, failure); recErr != nil {
		slog.ErrorContext(ctx, "Failed to record sync failure", "task", task.Key().String(), "error", recErr)
	}

	n := domain.Notification{
		Kind:     domain.NotifySyncFailed,
		StreamID: task.StreamID,
		MemberID: task.MemberID,
		Payload:  map[string]any{"task": kind, "reason": failure.Reason, "permanent": permanent},
	}
	o.emit(ctx, n)
	return nil
}

func taskContext(base context.Context, qt queuedTask) context.Context {
	ctx := base
	if qt.correlationID != "" {
		ctx = correlation.WithID(ctx, qt.correlationID)
	}
	return ctx
}
