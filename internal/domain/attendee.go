package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type JoinStatus string

const (
	JoinPending     JoinStatus = "pending"
	JoinApproved    JoinStatus = "approved"
	JoinDisapproved JoinStatus = "disapproved"
)

// AttendeeState folds JoinStatus and the active flag into one tag.
type AttendeeState int

const (
	StateNone AttendeeState = iota
	StatePending
	StateApproved
	StateDisapproved
	StateWithdrawn
)

func (s AttendeeState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateApproved:
		return "approved"
	case StateDisapproved:
		return "disapproved"
	case StateWithdrawn:
		return "withdrawn"
	default:
		return "none"
	}
}

// Capability flags are orthogonal to the join state.
type Capability uint8

const (
	CapOrganizer Capability = 1 << iota
	CapSpeaker
)

type Attendee struct {
	StreamID uuid.UUID
	MemberID uuid.UUID

	Status JoinStatus
	// Active is false once the member withdrew; the record is kept for history.
	Active       bool
	Capabilities Capability

	Comment          string
	OrganizerComment string

	// ProviderSynced is true while the provider holds this member as an attendee.
	ProviderSynced bool

	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// State returns the tagged state. A nil attendee has StateNone.
func (a *Attendee) State() AttendeeState {
	if a == nil {
		return StateNone
	}
	if !a.Active {
		return StateWithdrawn
	}
	switch a.Status {
	case JoinPending:
		return StatePending
	case JoinApproved:
		return StateApproved
	case JoinDisapproved:
		return StateDisapproved
	default:
		return StateNone
	}
}

func (a *Attendee) Has(c Capability) bool {
	return a != nil && a.Capabilities&c != 0
}

func (a *Attendee) IsOrganizer() bool { return a.Has(CapOrganizer) }

// Counted reports whether the record contributes to the stream's counters.
func (a *Attendee) Counted() CounterDelta {
	switch a.State() {
	case StateApproved:
		return CounterDelta{Attendees: 1}
	case StatePending:
		return CounterDelta{Pending: 1}
	default:
		return CounterDelta{}
	}
}

// CounterTransition is the delta needed to move the counters from prev to next.
func CounterTransition(prev, next *Attendee) CounterDelta {
	before, after := prev.Counted(), next.Counted()
	return CounterDelta{
		Attendees: after.Attendees - before.Attendees,
		Pending:   after.Pending - before.Pending,
	}
}

// MembershipOracle answers chat-space membership questions for private streams.
type MembershipOracle interface {
	IsApprovedMember(ctx context.Context, chatSpaceID, memberID uuid.UUID) (bool, error)
}

// AdminDelegation reports delegated admin rights on a stream, granted outside this engine.
type AdminDelegation interface {
	IsDelegatedAdmin(ctx context.Context, streamID, actorID uuid.UUID) (bool, error)
}
