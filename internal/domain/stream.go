package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StreamType is fixed at creation.
type StreamType string

const (
	StreamTypeEvent         StreamType = "event"
	StreamTypeLiveBroadcast StreamType = "live_broadcast"
)

func (t StreamType) Valid() bool {
	return t == StreamTypeEvent || t == StreamTypeLiveBroadcast
}

type StreamStatus string

const (
	StatusScheduled StreamStatus = "scheduled"
	StatusLive      StreamStatus = "live"
	StatusEnded     StreamStatus = "ended"
	StatusCanceled  StreamStatus = "canceled"
)

// Terminal reports whether no further lifecycle transition is possible.
func (s StreamStatus) Terminal() bool {
	return s == StatusEnded || s == StatusCanceled
}

// CanTransitionTo encodes scheduled -> live -> ended with canceled reachable
// from scheduled or live.
func (s StreamStatus) CanTransitionTo(next StreamStatus) bool {
	switch s {
	case StatusScheduled:
		return next == StatusLive || next == StatusCanceled
	case StatusLive:
		return next == StatusEnded || next == StatusCanceled
	default:
		return false
	}
}

type Visibility string

const (
	VisibilityPrivate   Visibility = "private"
	VisibilityProtected Visibility = "protected"
	VisibilityPublic    Visibility = "public"
)

func (v Visibility) Valid() bool {
	return v == VisibilityPrivate || v == VisibilityProtected || v == VisibilityPublic
}

type Stream struct {
	ID          uuid.UUID
	Type        StreamType
	Status      StreamStatus
	Visibility  Visibility
	Title       string
	Description string
	OrganizerID uuid.UUID
	// ChatSpaceID gates private streams on chat-space membership. Nil means unbound.
	ChatSpaceID *uuid.UUID
	// ExternalRef is the provider's identifier, empty until the first successful create.
	ExternalRef string
	// CancelSynced is set once the provider has accepted the cancellation.
	CancelSynced bool

	ScheduledStart time.Time
	ScheduledEnd   time.Time

	AttendeeCount       int
	PendingRequestCount int

	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Synced reports whether the provider knows about this stream.
func (s *Stream) Synced() bool {
	return s.ExternalRef != ""
}

// NeedsRemoteCancel reports whether a canceled stream is still live at the provider.
func (s *Stream) NeedsRemoteCancel() bool {
	return s.Status == StatusCanceled && s.Synced() && !s.CancelSynced
}

// CounterDelta is the only way attendee counters change.
type CounterDelta struct {
	Attendees int
	Pending   int
}

func (d CounterDelta) IsZero() bool {
	return d.Attendees == 0 && d.Pending == 0
}

// StreamStore is the single writer of truth for stream and attendee state.
type StreamStore interface {
	LoadStream(ctx context.Context, streamID uuid.UUID) (*Stream, error)
	LoadAttendee(ctx context.Context, streamID, memberID uuid.UUID) (*Attendee, error)

	CreateStream(ctx context.Context, stream *Stream, attendees []Attendee) error
	// UpdateStream persists mutable stream fields when stream.Version matches, returning ErrConflict
	// otherwise. On success stream.Version holds the new version.
	UpdateStream(ctx context.Context, stream *Stream) error
	// UpsertAttendee inserts (Version == 0) or updates (Version matches) the record and applies
	// the counter delta in the same transaction. Lost races surface as ErrConflict. On success
	// attendee.Version holds the new version.
	UpsertAttendee(ctx context.Context, attendee *Attendee, delta CounterDelta) error
	// CancelStream marks the stream canceled and disapproves all pending requests atomically.
	CancelStream(ctx context.Context, stream *Stream) (int, error)

	SetExternalRef(ctx context.Context, streamID uuid.UUID, ref string) error
	MarkCancelSynced(ctx context.Context, streamID uuid.UUID) error
	MarkAttendeeSynced(ctx context.Context, streamID, memberID uuid.UUID, synced bool) error

	// ListUnsyncedStreams returns open streams the provider lags behind on, and
	// canceled ones whose cancellation it has not accepted.
	ListUnsyncedStreams(ctx context.Context, limit int) ([]Stream, error)
	ListUnsyncedAttendees(ctx context.Context, streamID uuid.UUID) ([]Attendee, error)
}
