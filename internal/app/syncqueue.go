package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/attendsync/attendsync/internal/domain"
	"github.com/attendsync/attendsync/internal/metrics"
	"github.com/attendsync/attendsync/internal/platform/correlation"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

type queuedTask struct {
	task          domain.SyncTask
	correlationID string
}

// streamQueue is the FIFO of one stream. keys holds the queued task keys for coalescing.
type streamQueue struct {
	tasks []queuedTask
	keys  map[domain.TaskKey]struct{}
}

func newStreamQueue() *streamQueue {
	return &streamQueue{keys: make(map[domain.TaskKey]struct{})}
}

func (q *streamQueue) push(qt queuedTask) bool {
	key := qt.task.Key()
	if _, ok := q.keys[key]; ok {
		for i := range q.tasks {
			if q.tasks[i].task.Key() == key && qt.task.Revision > q.tasks[i].task.Revision {
				q.tasks[i].task.Revision = qt.task.Revision
			}
		}
		return false
	}
	q.tasks = append(q.tasks, qt)
	q.keys[key] = struct{}{}
	return true
}

func (q *streamQueue) pop() (queuedTask, bool) {
	if len(q.tasks) == 0 {
		return queuedTask{}, false
	}
	qt := q.tasks[0]
	q.tasks[0] = queuedTask{}
	q.tasks = q.tasks[1:]
	delete(q.keys, qt.task.Key())
	return qt, true
}

func (q *streamQueue) hasCreate(streamID uuid.UUID) bool {
	_, ok := q.keys[domain.TaskKey{StreamID: streamID, Kind: domain.TaskCreateStream}]
	return ok
}

// Enqueue adds tasks to their stream queues. A task whose key is already queued
// is coalesced into the queued one. Tasks are dropped once Stop was called.
func (o *Orchestrator) Enqueue(ctx context.Context, tasks ...domain.SyncTask) {
	if len(tasks) == 0 {
		return
	}
	corrID, _ := correlation.ID(ctx)

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped {
		slog.WarnContext(ctx, "Sync orchestrator stopped, dropping tasks", "count", len(tasks))
		return
	}

	for _, t := range tasks {
		o.pushLocked(queuedTask{task: t, correlationID: corrID})
	}
}

func (o *Orchestrator) pushLocked(qt queuedTask) {
	streamID := qt.task.StreamID
	q, ok := o.queues[streamID]
	if !ok {
		q = newStreamQueue()
		o.queues[streamID] = q
	}

	if !q.push(qt) {
		metrics.SyncTasksCoalesced.WithLabelValues(string(qt.task.Kind)).Inc()
		return
	}
	metrics.SyncTasksEnqueued.WithLabelValues(string(qt.task.Kind)).Inc()
	metrics.SyncQueueDepth.Inc()

	if !ok {
		o.startDrainLocked(streamID)
	}
}

// startDrainLocked starts the single drain goroutine of a stream queue.
func (o *Orchestrator) startDrainLocked(streamID uuid.UUID) {
	if o.active == 0 {
		o.idleCh = make(chan struct{})
	}
	o.active++
	o.wg.Add(1)
	go o.drain(streamID)
}

func (o *Orchestrator) drain(streamID uuid.UUID) {
	defer o.wg.Done()

	for {
		qt, ok := o.next(streamID)
		if !ok {
			return
		}

		ctx := taskContext(o.baseCtx, qt)
		err := o.run(ctx, qt)
		for waits := 0; errors.Is(err, errLeaseBusy); waits++ {
			if !o.waitForLease(ctx, qt.task, waits) {
				break
			}
			err = o.run(ctx, qt)
		}
		if errors.Is(err, errAwaitingCreate) {
			o.deferBehindCreate(qt)
		}
	}
}

// waitForLease sleeps before the task tries its lease again. The task stays at
// the head of its queue so later tasks of the stream keep their order. The
// holder's lease TTL bounds the wait. Returns false once the orchestrator stops.
func (o *Orchestrator) waitForLease(ctx context.Context, task domain.SyncTask, waits int) bool {
	delay := o.cfg.Retry.InitialBackoff << min(waits, 16)
	if o.cfg.Retry.MaxBackoff > 0 && delay > o.cfg.Retry.MaxBackoff {
		delay = o.cfg.Retry.MaxBackoff
	}
	if delay <= 0 {
		delay = time.Second
	}
	slog.DebugContext(ctx, "Task in flight elsewhere, waiting for its lease", "task", task.Key().String(), "delay", delay)

	select {
	case <-o.clock.After(delay):
		return true
	case <-ctx.Done():
		metrics.SyncTasksCompleted.WithLabelValues(string(task.Kind), "aborted").Inc()
		return false
	}
}

// next pops the head of the stream queue. When the queue is empty it is removed
// and the drain goroutine must exit.
func (o *Orchestrator) next(streamID uuid.UUID) (queuedTask, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	q := o.queues[streamID]
	if q != nil {
		if qt, ok := q.pop(); ok {
			metrics.SyncQueueDepth.Dec()
			return qt, true
		}
	}

	delete(o.queues, streamID)
	o.active--
	if o.active == 0 {
		close(o.idleCh)
	}
	return queuedTask{}, false
}

// deferBehindCreate puts a dependent task behind a queued create, or parks it
// until a create for the stream succeeds.
func (o *Orchestrator) deferBehindCreate(qt queuedTask) {
	o.mu.Lock()
	defer o.mu.Unlock()

	streamID := qt.task.StreamID
	if q, ok := o.queues[streamID]; ok && q.hasCreate(streamID) {
		if q.push(qt) {
			metrics.SyncQueueDepth.Inc()
		}
		return
	}

	for _, p := range o.parked[streamID] {
		if p.task.Key() == qt.task.Key() {
			return
		}
	}
	o.parked[streamID] = append(o.parked[streamID], qt)
	metrics.SyncParkedTasks.Inc()
	slog.Debug("Sync task parked until stream exists remotely", "task", qt.task.Key().String())
}

// releaseParked moves parked tasks of a stream back into its queue, in park order.
func (o *Orchestrator) releaseParked(streamID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	parked := o.parked[streamID]
	if len(parked) == 0 {
		return
	}
	delete(o.parked, streamID)
	metrics.SyncParkedTasks.Sub(float64(len(parked)))

	if o.stopped {
		return
	}
	for _, qt := range parked {
		o.pushLocked(qt)
	}
}

func (o *Orchestrator) dropParked(streamID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if n := len(o.parked[streamID]); n > 0 {
		delete(o.parked, streamID)
		metrics.SyncParkedTasks.Sub(float64(n))
	}
}

// RecheckParked releases parked tasks whose stream gained a provider reference
// without a local create, as when another instance ran it. Tasks of streams that
// were canceled or deleted before ever being created are dropped.
func (o *Orchestrator) RecheckParked(ctx context.Context) {
	o.mu.Lock()
	streamIDs := lo.Keys(o.parked)
	o.mu.Unlock()

	for _, streamID := range streamIDs {
		stream, err := o.store.LoadStream(ctx, streamID)
		switch {
		case errors.Is(err, domain.ErrStreamNotFound):
			o.dropParked(streamID)
		case err != nil:
			slog.WarnContext(ctx, "Failed to recheck parked sync tasks", "stream_id", streamID, "error", err)
		case stream.Synced():
			slog.InfoContext(ctx, "Stream exists remotely, releasing parked sync tasks", "stream_id", streamID)
			o.releaseParked(streamID)
		case stream.Status == domain.StatusCanceled:
			o.dropParked(streamID)
		}
	}
}

// Parked returns the number of tasks waiting for their stream to exist remotely.
func (o *Orchestrator) Parked(streamID uuid.UUID) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.parked[streamID])
}
