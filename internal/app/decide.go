package app

import (
	"time"

	"github.com/attendsync/attendsync/internal/domain"
	"github.com/google/uuid"
)

// Membership is the chat-space oracle answer as seen by the decision table.
type Membership int

const (
	MembershipUnknown Membership = iota // not consulted, or the oracle was unavailable
	MembershipApproved
	MembershipNotMember
)

// Decision is the local mutation plus the provider side effects it requires.
type Decision struct {
	Attendee     *domain.Attendee
	Delta        domain.CounterDelta
	Tasks        []domain.SyncTask
	Notification *domain.Notification
}

// Change converts the decision into something the orchestrator can apply.
func (d Decision) Change() Change {
	return Change{
		Attendee:     d.Attendee,
		Delta:        d.Delta,
		Tasks:        d.Tasks,
		Notification: d.Notification,
	}
}

type JoinInput struct {
	Stream     *domain.Stream
	Existing   *domain.Attendee // nil when the member has no record
	MemberID   uuid.UUID
	Membership Membership
	Comment    string
	Now        time.Time
}

// DecideJoin evaluates a member's request to attend. Rules run in order: stream
// availability, the member's existing record, then visibility.
func DecideJoin(in JoinInput) (Decision, error) {
	if in.Stream.Status.Terminal() {
		return Decision{}, domain.ErrStreamUnavailable
	}

	switch in.Existing.State() {
	case domain.StateApproved:
		return Decision{}, domain.ErrAlreadyApproved
	case domain.StatePending:
		return Decision{}, domain.ErrAlreadyRequested
	case domain.StateDisapproved:
		return Decision{}, domain.ErrRequestDisapproved
	}

	var status domain.JoinStatus
	switch in.Stream.Visibility {
	case domain.VisibilityPublic:
		status = domain.JoinApproved
	case domain.VisibilityProtected:
		status = domain.JoinPending
	case domain.VisibilityPrivate:
		if in.Stream.ChatSpaceID == nil {
			return Decision{}, domain.ErrCannotJoinWithoutApproval
		}
		if in.Membership == MembershipApproved {
			status = domain.JoinApproved
		} else {
			status = domain.JoinPending
		}
	default:
		return Decision{}, domain.ErrCannotJoinWithoutApproval
	}

	next := nextRecord(in.Existing, in.Stream.ID, in.MemberID, in.Now)
	next.Status = status
	next.Active = true
	next.Comment = in.Comment

	d := Decision{
		Attendee: next,
		Delta:    domain.CounterTransition(in.Existing, next),
	}

	if status == domain.JoinApproved {
		d.Tasks = []domain.SyncTask{attendeeTask(domain.TaskAddAttendee, in.Stream.ID, in.MemberID)}
		d.Notification = &domain.Notification{Kind: domain.NotifyJoinApproved, StreamID: in.Stream.ID, MemberID: in.MemberID}
	} else {
		d.Notification = &domain.Notification{
			Kind:     domain.NotifyJoinRequested,
			StreamID: in.Stream.ID,
			MemberID: in.MemberID,
			Payload:  map[string]any{"organizer_id": in.Stream.OrganizerID.String()},
		}
	}

	return d, nil
}

type ReviewInput struct {
	Stream  *domain.Stream
	Target  *domain.Attendee // nil when the member never requested
	ActorID uuid.UUID
	// ActorIsAdmin is true when the actor holds delegated admin rights on the stream.
	ActorIsAdmin bool
	Approve      bool
	Comment      string
	Now          time.Time
}

// DecideReview is the organizer path: approve or disapprove a member's request.
func DecideReview(in ReviewInput) (Decision, error) {
	if in.Stream.Status.Terminal() {
		return Decision{}, domain.ErrStreamUnavailable
	}
	if in.ActorID != in.Stream.OrganizerID && !in.ActorIsAdmin {
		return Decision{}, domain.ErrNotOrganizer
	}
	if in.Target.IsOrganizer() {
		return Decision{}, domain.ErrInvalidTransition
	}

	state := in.Target.State()
	var (
		status domain.JoinStatus
		task   domain.TaskKind
		kind   domain.NotificationKind
	)

	if in.Approve {
		switch state {
		case domain.StatePending, domain.StateDisapproved:
			status, task, kind = domain.JoinApproved, domain.TaskAddAttendee, domain.NotifyJoinApproved
		case domain.StateApproved:
			return Decision{}, domain.ErrAlreadyApproved
		default:
			return Decision{}, domain.ErrInvalidTransition
		}
	} else {
		switch state {
		case domain.StatePending:
			status, kind = domain.JoinDisapproved, domain.NotifyJoinDisapproved
		case domain.StateApproved:
			status, task, kind = domain.JoinDisapproved, domain.TaskRemoveAttendee, domain.NotifyJoinDisapproved
		default:
			return Decision{}, domain.ErrInvalidTransition
		}
	}

	next := nextRecord(in.Target, in.Stream.ID, in.Target.MemberID, in.Now)
	next.Status = status
	next.OrganizerComment = in.Comment

	d := Decision{
		Attendee: next,
		Delta:    domain.CounterTransition(in.Target, next),
		Notification: &domain.Notification{
			Kind:     kind,
			StreamID: in.Stream.ID,
			MemberID: next.MemberID,
			Payload:  map[string]any{"actor_id": in.ActorID.String()},
		},
	}
	if task != "" {
		d.Tasks = []domain.SyncTask{attendeeTask(task, in.Stream.ID, next.MemberID)}
	}
	return d, nil
}

type WithdrawInput struct {
	Stream   *domain.Stream
	Existing *domain.Attendee
	Now      time.Time
}

// DecideWithdraw marks a member as not attending. The record is kept inactive.
func DecideWithdraw(in WithdrawInput) (Decision, error) {
	if in.Stream.Status.Terminal() {
		return Decision{}, domain.ErrStreamUnavailable
	}
	if in.Existing == nil {
		return Decision{}, domain.ErrAttendeeNotFound
	}
	if in.Existing.IsOrganizer() {
		return Decision{}, domain.ErrInvalidTransition
	}

	state := in.Existing.State()
	if state != domain.StateApproved && state != domain.StatePending {
		return Decision{}, domain.ErrInvalidTransition
	}

	next := nextRecord(in.Existing, in.Stream.ID, in.Existing.MemberID, in.Now)
	next.Active = false

	d := Decision{
		Attendee:     next,
		Delta:        domain.CounterTransition(in.Existing, next),
		Notification: &domain.Notification{Kind: domain.NotifyAttendanceWithdrawn, StreamID: in.Stream.ID, MemberID: next.MemberID},
	}
	if state == domain.StateApproved {
		d.Tasks = []domain.SyncTask{attendeeTask(domain.TaskRemoveAttendee, in.Stream.ID, next.MemberID)}
	}
	return d, nil
}

// nextRecord copies prev, keeping its Version for the compare-and-set, or starts a new record.
func nextRecord(prev *domain.Attendee, streamID, memberID uuid.UUID, now time.Time) *domain.Attendee {
	if prev == nil {
		return &domain.Attendee{
			StreamID:  streamID,
			MemberID:  memberID,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	next := *prev
	next.UpdatedAt = now
	return &next
}

func attendeeTask(kind domain.TaskKind, streamID, memberID uuid.UUID) domain.SyncTask {
	return domain.SyncTask{Kind: kind, StreamID: streamID, MemberID: memberID}
}

func streamTask(kind domain.TaskKind, streamID uuid.UUID) domain.SyncTask {
	return domain.SyncTask{Kind: kind, StreamID: streamID}
}
