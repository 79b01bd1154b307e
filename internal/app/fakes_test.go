package app

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/attendsync/attendsync/internal/domain"
	"github.com/attendsync/attendsync/internal/platform/retry"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

// --- In-memory stream store ---

type attendeeKey struct {
	streamID uuid.UUID
	memberID uuid.UUID
}

type memStore struct {
	mu        sync.Mutex
	streams   map[uuid.UUID]domain.Stream
	attendees map[attendeeKey]domain.Attendee

	// beforeUpsert runs before the version check; returning an error aborts the upsert.
	beforeUpsert func(a *domain.Attendee) error
	upserts      int
}

func newMemStore() *memStore {
	return &memStore{
		streams:   make(map[uuid.UUID]domain.Stream),
		attendees: make(map[attendeeKey]domain.Attendee),
	}
}

func (m *memStore) putStream(s domain.Stream) *domain.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.Version == 0 {
		s.Version = 1
	}
	m.streams[s.ID] = s
	return &s
}

func (m *memStore) putAttendee(a domain.Attendee) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.Version == 0 {
		a.Version = 1
	}
	m.attendees[attendeeKey{a.StreamID, a.MemberID}] = a
}

func (m *memStore) stream(id uuid.UUID) domain.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[id]
}

func (m *memStore) attendee(streamID, memberID uuid.UUID) (domain.Attendee, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attendees[attendeeKey{streamID, memberID}]
	return a, ok
}

func (m *memStore) attendeeCount(streamID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.attendees {
		if k.streamID == streamID {
			n++
		}
	}
	return n
}

func (m *memStore) LoadStream(_ context.Context, streamID uuid.UUID) (*domain.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return nil, domain.ErrStreamNotFound
	}
	return &s, nil
}

func (m *memStore) LoadAttendee(_ context.Context, streamID, memberID uuid.UUID) (*domain.Attendee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attendees[attendeeKey{streamID, memberID}]
	if !ok {
		return nil, domain.ErrAttendeeNotFound
	}
	return &a, nil
}

func (m *memStore) CreateStream(_ context.Context, stream *domain.Stream, attendees []domain.Attendee) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[stream.ID]; ok {
		return domain.ErrConflict
	}
	stream.Version = 1
	m.streams[stream.ID] = *stream
	for _, a := range attendees {
		a.Version = 1
		m.attendees[attendeeKey{a.StreamID, a.MemberID}] = a
	}
	return nil
}

func (m *memStore) UpdateStream(_ context.Context, stream *domain.Stream) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.streams[stream.ID]
	if !ok {
		return domain.ErrStreamNotFound
	}
	if cur.Version != stream.Version {
		return domain.ErrConflict
	}
	stream.Version++
	stream.ExternalRef, stream.CancelSynced = cur.ExternalRef, cur.CancelSynced
	stream.AttendeeCount, stream.PendingRequestCount = cur.AttendeeCount, cur.PendingRequestCount
	m.streams[stream.ID] = *stream
	return nil
}

func (m *memStore) UpsertAttendee(_ context.Context, a *domain.Attendee, delta domain.CounterDelta) error {
	if m.beforeUpsert != nil {
		if err := m.beforeUpsert(a); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[a.StreamID]
	if !ok {
		return domain.ErrStreamNotFound
	}
	if s.Status.Terminal() {
		return domain.ErrConflict
	}

	key := attendeeKey{a.StreamID, a.MemberID}
	cur, exists := m.attendees[key]
	switch {
	case a.Version == 0 && exists:
		return domain.ErrConflict
	case a.Version != 0 && (!exists || cur.Version != a.Version):
		return domain.ErrConflict
	}

	s.AttendeeCount += delta.Attendees
	s.PendingRequestCount += delta.Pending
	m.streams[a.StreamID] = s

	a.Version++
	m.attendees[key] = *a
	m.upserts++
	return nil
}

func (m *memStore) CancelStream(_ context.Context, stream *domain.Stream) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.streams[stream.ID]
	if !ok {
		return 0, domain.ErrStreamNotFound
	}
	if cur.Version != stream.Version {
		return 0, domain.ErrConflict
	}

	n := 0
	for k, a := range m.attendees {
		if k.streamID == stream.ID && a.State() == domain.StatePending {
			a.Status = domain.JoinDisapproved
			a.Version++
			m.attendees[k] = a
			n++
		}
	}

	cur.Status = domain.StatusCanceled
	cur.PendingRequestCount = 0
	cur.Version++
	m.streams[stream.ID] = cur
	*stream = cur
	return n, nil
}

func (m *memStore) SetExternalRef(_ context.Context, streamID uuid.UUID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok {
		return domain.ErrStreamNotFound
	}
	s.ExternalRef = ref
	m.streams[streamID] = s
	return nil
}

func (m *memStore) MarkCancelSynced(_ context.Context, streamID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[streamID]
	if !ok || s.Status != domain.StatusCanceled {
		return domain.ErrStreamNotFound
	}
	s.CancelSynced = true
	m.streams[streamID] = s
	return nil
}

func (m *memStore) MarkAttendeeSynced(_ context.Context, streamID, memberID uuid.UUID, synced bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := attendeeKey{streamID, memberID}
	a, ok := m.attendees[key]
	if !ok {
		return domain.ErrAttendeeNotFound
	}
	a.ProviderSynced = synced
	m.attendees[key] = a
	return nil
}

func (m *memStore) ListUnsyncedStreams(_ context.Context, limit int) ([]domain.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Stream
	for _, s := range m.streams {
		switch {
		case s.NeedsRemoteCancel():
			out = append(out, s)
		case s.Status.Terminal():
			continue
		case !s.Synced() || m.hasUnsyncedLocked(s.ID):
			out = append(out, s)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) hasUnsyncedLocked(streamID uuid.UUID) bool {
	for k, a := range m.attendees {
		if k.streamID == streamID && unsynced(a) {
			return true
		}
	}
	return false
}

func unsynced(a domain.Attendee) bool {
	return (a.State() == domain.StateApproved) != a.ProviderSynced
}

func (m *memStore) ListUnsyncedAttendees(_ context.Context, streamID uuid.UUID) ([]domain.Attendee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Attendee
	for k, a := range m.attendees {
		if k.streamID == streamID && unsynced(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

// --- Provider gateway ---

type gatewayCall struct {
	Kind     domain.TaskKind
	Ref      string
	MemberID uuid.UUID
	Key      string
}

type mockGateway struct {
	mu    sync.Mutex
	calls []gatewayCall

	createFn     func(ctx context.Context, stream domain.RemoteStream) (string, error)
	patchFn      func(ctx context.Context, ref string) error
	cancelFn     func(ctx context.Context, ref string) error
	rescheduleFn func(ctx context.Context, ref string) error
	addFn        func(ctx context.Context, ref string, memberID uuid.UUID) error
	removeFn     func(ctx context.Context, ref string, memberID uuid.UUID) error
}

func (g *mockGateway) record(kind domain.TaskKind, key, ref string, memberID uuid.UUID) {
	g.mu.Lock()
	g.calls = append(g.calls, gatewayCall{Kind: kind, Ref: ref, MemberID: memberID, Key: key})
	g.mu.Unlock()
}

func (g *mockGateway) Calls() []gatewayCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.calls)
}

func (g *mockGateway) CallsOf(kind domain.TaskKind) []gatewayCall {
	var out []gatewayCall
	for _, c := range g.Calls() {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (g *mockGateway) CreateRemoteStream(ctx context.Context, key string, stream domain.RemoteStream) (string, error) {
	g.record(domain.TaskCreateStream, key, "", uuid.Nil)
	if g.createFn != nil {
		return g.createFn(ctx, stream)
	}
	return "remote-" + stream.StreamID.String(), nil
}

func (g *mockGateway) PatchRemoteStream(ctx context.Context, key, ref string, _ domain.RemoteStream) error {
	g.record(domain.TaskPatchStream, key, ref, uuid.Nil)
	if g.patchFn != nil {
		return g.patchFn(ctx, ref)
	}
	return nil
}

func (g *mockGateway) CancelRemoteStream(ctx context.Context, key, ref string) error {
	g.record(domain.TaskCancelStream, key, ref, uuid.Nil)
	if g.cancelFn != nil {
		return g.cancelFn(ctx, ref)
	}
	return nil
}

func (g *mockGateway) RescheduleRemoteStream(ctx context.Context, key, ref string, _, _ time.Time) error {
	g.record(domain.TaskRescheduleStream, key, ref, uuid.Nil)
	if g.rescheduleFn != nil {
		return g.rescheduleFn(ctx, ref)
	}
	return nil
}

func (g *mockGateway) AddRemoteAttendee(ctx context.Context, key, ref string, memberID uuid.UUID) error {
	g.record(domain.TaskAddAttendee, key, ref, memberID)
	if g.addFn != nil {
		return g.addFn(ctx, ref, memberID)
	}
	return nil
}

func (g *mockGateway) RemoveRemoteAttendee(ctx context.Context, key, ref string, memberID uuid.UUID) error {
	g.record(domain.TaskRemoveAttendee, key, ref, memberID)
	if g.removeFn != nil {
		return g.removeFn(ctx, ref, memberID)
	}
	return nil
}

// --- Failure recorder, notifier, oracle, admins, lease ---

type mockRecorder struct {
	mu       sync.Mutex
	failures []domain.SyncFailure
	open     map[domain.TaskKey]bool
	hasErr   error
}

func (r *mockRecorder) RecordFailure(_ context.Context, f domain.SyncFailure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
	return nil
}

func (r *mockRecorder) HasOpenFailure(_ context.Context, key domain.TaskKey) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasErr != nil {
		return false, r.hasErr
	}
	return r.open[key], nil
}

func (r *mockRecorder) Failures() []domain.SyncFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.failures)
}

type mockEmitter struct {
	mu   sync.Mutex
	sent []domain.Notification
}

func (e *mockEmitter) Emit(_ context.Context, n domain.Notification) {
	e.mu.Lock()
	e.sent = append(e.sent, n)
	e.mu.Unlock()
}

func (e *mockEmitter) Kinds() []domain.NotificationKind {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.NotificationKind, len(e.sent))
	for i, n := range e.sent {
		out[i] = n.Kind
	}
	return out
}

type mockOracle struct {
	isApprovedMemberFn func(ctx context.Context, chatSpaceID, memberID uuid.UUID) (bool, error)
	calls              int
	mu                 sync.Mutex
}

func (o *mockOracle) IsApprovedMember(ctx context.Context, chatSpaceID, memberID uuid.UUID) (bool, error) {
	o.mu.Lock()
	o.calls++
	o.mu.Unlock()
	if o.isApprovedMemberFn != nil {
		return o.isApprovedMemberFn(ctx, chatSpaceID, memberID)
	}
	return false, fmt.Errorf("not implemented")
}

type mockAdmins struct {
	isDelegatedAdminFn func(ctx context.Context, streamID, actorID uuid.UUID) (bool, error)
}

func (a *mockAdmins) IsDelegatedAdmin(ctx context.Context, streamID, actorID uuid.UUID) (bool, error) {
	if a.isDelegatedAdminFn != nil {
		return a.isDelegatedAdminFn(ctx, streamID, actorID)
	}
	return false, nil
}

type mockLease struct {
	acquireFn func(ctx context.Context, key domain.TaskKey) (func(), bool, error)
}

func (l *mockLease) Acquire(ctx context.Context, key domain.TaskKey, _ time.Duration) (func(), bool, error) {
	return l.acquireFn(ctx, key)
}

// --- Recording applier: commits like the orchestrator but keeps tasks for inspection ---

type recordingApplier struct {
	store *memStore

	mu            sync.Mutex
	tasks         []domain.SyncTask
	notifications []domain.Notification
}

func (r *recordingApplier) Apply(ctx context.Context, c Change) (Outcome, error) {
	switch {
	case c.Commit != nil:
		if err := c.Commit(ctx); err != nil {
			return OutcomeFailed, err
		}
	case c.Attendee != nil:
		if err := r.store.UpsertAttendee(ctx, c.Attendee, c.Delta); err != nil {
			return OutcomeFailed, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, c.Tasks...)
	if c.Notification != nil {
		r.notifications = append(r.notifications, *c.Notification)
	}
	if len(c.Tasks) == 0 {
		return OutcomeApplied, nil
	}
	return OutcomeAppliedPendingSync, nil
}

func (r *recordingApplier) Tasks() []domain.SyncTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.tasks)
}

func (r *recordingApplier) TasksOf(kind domain.TaskKind) []domain.SyncTask {
	var out []domain.SyncTask
	for _, t := range r.Tasks() {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// --- Fixtures ---

var testNow = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

func scheduledStream(visibility domain.Visibility) domain.Stream {
	return domain.Stream{
		ID:             uuid.New(),
		Type:           domain.StreamTypeEvent,
		Status:         domain.StatusScheduled,
		Visibility:     visibility,
		Title:          "Community call",
		OrganizerID:    uuid.New(),
		ScheduledStart: testNow.Add(24 * time.Hour),
		ScheduledEnd:   testNow.Add(26 * time.Hour),
	}
}

func fastOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Workers: 4,
		Retry: retry.Policy{
			MaxAttempts:      3,
			InitialBackoff:   time.Millisecond,
			MaxBackoff:       4 * time.Millisecond,
			RateLimitBackoff: 2 * time.Millisecond,
		},
		CallTimeout: time.Second,
		LeaseTTL:    time.Minute,
	}
}

type orchestratorFixture struct {
	store    *memStore
	gateway  *mockGateway
	recorder *mockRecorder
	emitter  *mockEmitter
	orch     *Orchestrator
}

func newOrchestratorFixture(t *testing.T, cfg OrchestratorConfig) *orchestratorFixture {
	t.Helper()
	f := &orchestratorFixture{
		store:    newMemStore(),
		gateway:  &mockGateway{},
		recorder: &mockRecorder{},
		emitter:  &mockEmitter{},
	}
	f.orch = NewOrchestrator(f.store, f.gateway, nil, f.recorder, f.emitter, clockwork.NewRealClock(), cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		f.orch.Stop(ctx)
	})
	return f
}

func (f *orchestratorFixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Drain(ctx))
}
