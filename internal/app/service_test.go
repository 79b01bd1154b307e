package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/attendsync/attendsync/internal/domain"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serviceFixture struct {
	store   *memStore
	applier *recordingApplier
	oracle  *mockOracle
	admins  *mockAdmins
	svc     *Service
}

func newServiceFixture() *serviceFixture {
	store := newMemStore()
	f := &serviceFixture{
		store:   store,
		applier: &recordingApplier{store: store},
		oracle:  &mockOracle{},
		admins:  &mockAdmins{},
	}
	f.svc = NewService(store, f.oracle, f.admins, f.applier, clockwork.NewFakeClockAt(testNow))
	return f
}

func TestRequestToJoin_PublicAutoApproves(t *testing.T) {
	f := newServiceFixture()
	stream := f.store.putStream(scheduledStream(domain.VisibilityPublic))
	memberID := uuid.New()

	res, err := f.svc.RequestToJoin(context.Background(), stream.ID, memberID, "")
	require.NoError(t, err)

	assert.Equal(t, domain.JoinApproved, res.Status)
	assert.Equal(t, OutcomeAppliedPendingSync, res.Outcome)
	assert.Equal(t, 1, f.store.stream(stream.ID).AttendeeCount)

	adds := f.applier.TasksOf(domain.TaskAddAttendee)
	require.Len(t, adds, 1)
	assert.Equal(t, memberID, adds[0].MemberID)
	assert.Len(t, f.applier.Tasks(), 1)
}

func TestRequestToJoin_Idempotent(t *testing.T) {
	f := newServiceFixture()
	public := f.store.putStream(scheduledStream(domain.VisibilityPublic))
	protected := f.store.putStream(scheduledStream(domain.VisibilityProtected))
	memberID := uuid.New()
	ctx := context.Background()

	_, err := f.svc.RequestToJoin(ctx, public.ID, memberID, "")
	require.NoError(t, err)
	res, err := f.svc.RequestToJoin(ctx, public.ID, memberID, "")
	require.ErrorIs(t, err, domain.ErrAlreadyApproved)
	assert.Equal(t, OutcomeFailed, res.Outcome)

	_, err = f.svc.RequestToJoin(ctx, protected.ID, memberID, "")
	require.NoError(t, err)
	_, err = f.svc.RequestToJoin(ctx, protected.ID, memberID, "")
	require.ErrorIs(t, err, domain.ErrAlreadyRequested)

	assert.Equal(t, 1, f.store.attendeeCount(public.ID))
	assert.Equal(t, 1, f.store.attendeeCount(protected.ID))
	assert.Equal(t, 1, f.store.stream(public.ID).AttendeeCount)
	assert.Equal(t, 1, f.store.stream(protected.ID).PendingRequestCount)
	assert.Len(t, f.applier.Tasks(), 1, "rejections enqueue nothing")
}

func TestRequestToJoin_ProtectedPendingThenApprove(t *testing.T) {
	f := newServiceFixture()
	stream := f.store.putStream(scheduledStream(domain.VisibilityProtected))
	memberID := uuid.New()
	ctx := context.Background()

	res, err := f.svc.RequestToJoin(ctx, stream.ID, memberID, "please")
	require.NoError(t, err)
	assert.Equal(t, domain.JoinPending, res.Status)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Empty(t, f.applier.Tasks())
	assert.Equal(t, 1, f.store.stream(stream.ID).PendingRequestCount)

	outcome, err := f.svc.ProcessRequest(ctx, stream.ID, memberID, true, stream.OrganizerID, "welcome")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAppliedPendingSync, outcome)

	adds := f.applier.TasksOf(domain.TaskAddAttendee)
	require.Len(t, adds, 1)
	assert.Equal(t, memberID, adds[0].MemberID)

	s := f.store.stream(stream.ID)
	assert.Equal(t, 0, s.PendingRequestCount)
	assert.Equal(t, 1, s.AttendeeCount)

	a, _ := f.store.attendee(stream.ID, memberID)
	assert.Equal(t, "please", a.Comment)
	assert.Equal(t, "welcome", a.OrganizerComment)
}

func TestRequestToJoin_PrivateStream(t *testing.T) {
	ctx := context.Background()

	t.Run("without chat space is never joinable", func(t *testing.T) {
		f := newServiceFixture()
		f.oracle.isApprovedMemberFn = func(context.Context, uuid.UUID, uuid.UUID) (bool, error) { return true, nil }
		stream := f.store.putStream(scheduledStream(domain.VisibilityPrivate))

		_, err := f.svc.RequestToJoin(ctx, stream.ID, uuid.New(), "")
		require.ErrorIs(t, err, domain.ErrCannotJoinWithoutApproval)
		assert.Equal(t, 0, f.oracle.calls, "oracle is irrelevant without a chat space")
		assert.Equal(t, 0, f.store.attendeeCount(stream.ID))
	})

	t.Run("member is approved", func(t *testing.T) {
		f := newServiceFixture()
		stream := f.store.putStream(withChatSpace(scheduledStream(domain.VisibilityPrivate)))
		memberID := uuid.New()
		f.oracle.isApprovedMemberFn = func(_ context.Context, chatSpaceID, id uuid.UUID) (bool, error) {
			assert.Equal(t, *stream.ChatSpaceID, chatSpaceID)
			return id == memberID, nil
		}

		res, err := f.svc.RequestToJoin(ctx, stream.ID, memberID, "")
		require.NoError(t, err)
		assert.Equal(t, domain.JoinApproved, res.Status)

		res, err = f.svc.RequestToJoin(ctx, stream.ID, uuid.New(), "")
		require.NoError(t, err)
		assert.Equal(t, domain.JoinPending, res.Status)
	})

	t.Run("oracle failure degrades to pending", func(t *testing.T) {
		f := newServiceFixture()
		stream := f.store.putStream(withChatSpace(scheduledStream(domain.VisibilityPrivate)))
		f.oracle.isApprovedMemberFn = func(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
			return false, errors.New("chat service unavailable")
		}

		res, err := f.svc.RequestToJoin(ctx, stream.ID, uuid.New(), "")
		require.NoError(t, err)
		assert.Equal(t, domain.JoinPending, res.Status)
	})
}

func TestRequestToJoin_ConflictRedecides(t *testing.T) {
	f := newServiceFixture()
	stream := f.store.putStream(scheduledStream(domain.VisibilityProtected))
	memberID := uuid.New()

	injected := false
	f.store.beforeUpsert = func(a *domain.Attendee) error {
		if injected {
			return nil
		}
		injected = true
		f.store.putAttendee(domain.Attendee{StreamID: a.StreamID, MemberID: a.MemberID, Status: domain.JoinPending, Active: true})
		return domain.ErrConflict
	}

	_, err := f.svc.RequestToJoin(context.Background(), stream.ID, memberID, "")
	require.ErrorIs(t, err, domain.ErrAlreadyRequested, "second attempt decides against the winner's record")
}

func TestRequestToJoin_ConflictRetriesExhausted(t *testing.T) {
	f := newServiceFixture()
	stream := f.store.putStream(scheduledStream(domain.VisibilityPublic))
	f.store.beforeUpsert = func(*domain.Attendee) error { return domain.ErrConflict }

	res, err := f.svc.RequestToJoin(context.Background(), stream.ID, uuid.New(), "")
	require.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Empty(t, f.applier.Tasks())
}

func TestRequestToJoin_ConcurrentSameMember(t *testing.T) {
	f := newServiceFixture()
	stream := f.store.putStream(scheduledStream(domain.VisibilityProtected))
	memberID := uuid.New()

	const n = 10
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.RequestToJoin(context.Background(), stream.ID, memberID, "")
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrAlreadyRequested)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, f.store.stream(stream.ID).PendingRequestCount)
}

func TestRequestToJoin_UnknownStream(t *testing.T) {
	f := newServiceFixture()

	_, err := f.svc.RequestToJoin(context.Background(), uuid.New(), uuid.New(), "")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
}

func TestRequestToJoin_DisapprovedCannotRequestAgain(t *testing.T) {
	f := newServiceFixture()
	stream := f.store.putStream(scheduledStream(domain.VisibilityProtected))
	memberID := uuid.New()
	ctx := context.Background()

	_, err := f.svc.RequestToJoin(ctx, stream.ID, memberID, "")
	require.NoError(t, err)
	_, err = f.svc.ProcessRequest(ctx, stream.ID, memberID, false, stream.OrganizerID, "no")
	require.NoError(t, err)

	_, err = f.svc.RequestToJoin(ctx, stream.ID, memberID, "")
	assert.ErrorIs(t, err, domain.ErrRequestDisapproved)
}

func TestProcessRequest_Authorization(t *testing.T) {
	f := newServiceFixture()
	stream := f.store.putStream(scheduledStream(domain.VisibilityProtected))
	memberID := uuid.New()
	admin := uuid.New()
	ctx := context.Background()

	_, err := f.svc.RequestToJoin(ctx, stream.ID, memberID, "")
	require.NoError(t, err)

	_, err = f.svc.ProcessRequest(ctx, stream.ID, memberID, true, uuid.New(), "")
	require.ErrorIs(t, err, domain.ErrNotOrganizer)

	f.admins.isDelegatedAdminFn = func(_ context.Context, streamID, actorID uuid.UUID) (bool, error) {
		return streamID == stream.ID && actorID == admin, nil
	}
	outcome, err := f.svc.ProcessRequest(ctx, stream.ID, memberID, true, admin, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAppliedPendingSync, outcome)
}

func TestProcessRequest_AdminLookupError(t *testing.T) {
	f := newServiceFixture()
	stream := f.store.putStream(scheduledStream(domain.VisibilityProtected))
	f.admins.isDelegatedAdminFn = func(context.Context, uuid.UUID, uuid.UUID) (bool, error) {
		return false, errors.New("db down")
	}

	outcome, err := f.svc.ProcessRequest(context.Background(), stream.ID, uuid.New(), true, uuid.New(), "")
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
}

func TestProcessRequest_DisapproveApprovedEnqueuesRemove(t *testing.T) {
	f := newServiceFixture()
	stream := f.store.putStream(scheduledStream(domain.VisibilityPublic))
	memberID := uuid.New()
	ctx := context.Background()

	_, err := f.svc.RequestToJoin(ctx, stream.ID, memberID, "")
	require.NoError(t, err)

	_, err = f.svc.ProcessRequest(ctx, stream.ID, memberID, false, stream.OrganizerID, "")
	require.NoError(t, err)

	require.Len(t, f.applier.TasksOf(domain.TaskRemoveAttendee), 1)
	assert.Equal(t, 0, f.store.stream(stream.ID).AttendeeCount)
}

func TestWithdraw(t *testing.T) {
	f := newServiceFixture()
	stream := f.store.putStream(scheduledStream(domain.VisibilityPublic))
	memberID := uuid.New()
	ctx := context.Background()

	_, err := f.svc.RequestToJoin(ctx, stream.ID, memberID, "")
	require.NoError(t, err)

	outcome, err := f.svc.Withdraw(ctx, stream.ID, memberID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAppliedPendingSync, outcome)
	require.Len(t, f.applier.TasksOf(domain.TaskRemoveAttendee), 1)
	assert.Equal(t, 0, f.store.stream(stream.ID).AttendeeCount)

	a, ok := f.store.attendee(stream.ID, memberID)
	require.True(t, ok, "withdrawn record is kept")
	assert.Equal(t, domain.StateWithdrawn, a.State())

	_, err = f.svc.Withdraw(ctx, stream.ID, memberID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	res, err := f.svc.RequestToJoin(ctx, stream.ID, memberID, "back again")
	require.NoError(t, err)
	assert.Equal(t, domain.JoinApproved, res.Status)
	assert.Equal(t, 1, f.store.attendeeCount(stream.ID), "rejoin reuses the record")
	assert.Equal(t, 1, f.store.stream(stream.ID).AttendeeCount)
}

func TestCanceledStreamIsAbsorbing(t *testing.T) {
	f := newServiceFixture()
	stream := f.store.putStream(scheduledStream(domain.VisibilityProtected))
	pending := uuid.New()
	ctx := context.Background()

	_, err := f.svc.RequestToJoin(ctx, stream.ID, pending, "")
	require.NoError(t, err)

	_, err = f.svc.CancelStream(ctx, stream.ID)
	require.NoError(t, err)

	_, err = f.svc.RequestToJoin(ctx, stream.ID, uuid.New(), "")
	assert.ErrorIs(t, err, domain.ErrStreamUnavailable)

	_, err = f.svc.ProcessRequest(ctx, stream.ID, pending, true, stream.OrganizerID, "")
	assert.ErrorIs(t, err, domain.ErrStreamUnavailable)

	_, err = f.svc.Withdraw(ctx, stream.ID, pending)
	assert.ErrorIs(t, err, domain.ErrStreamUnavailable)

	_, err = f.svc.RescheduleStream(ctx, stream.ID, testNow.Add(48*time.Hour), testNow.Add(50*time.Hour))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.svc.CancelStream(ctx, stream.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.svc.ChangeVisibility(ctx, stream.ID, domain.VisibilityPublic)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	assert.Equal(t, domain.StatusCanceled, f.store.stream(stream.ID).Status)
}

func TestRequestToJoin_CancelBetweenDecideAndCommit(t *testing.T) {
	f := newServiceFixture()
	stream := f.store.putStream(scheduledStream(domain.VisibilityProtected))
	memberID := uuid.New()
	ctx := context.Background()

	canceled := false
	f.store.beforeUpsert = func(*domain.Attendee) error {
		if !canceled {
			canceled = true
			_, err := f.svc.CancelStream(ctx, stream.ID)
			require.NoError(t, err)
		}
		return nil
	}

	_, err := f.svc.RequestToJoin(ctx, stream.ID, memberID, "")
	require.ErrorIs(t, err, domain.ErrStreamUnavailable)

	_, exists := f.store.attendee(stream.ID, memberID)
	assert.False(t, exists)
	s := f.store.stream(stream.ID)
	assert.Equal(t, domain.StatusCanceled, s.Status)
	assert.Zero(t, s.PendingRequestCount)
}
