package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/attendsync/attendsync/internal/domain"
	"github.com/attendsync/attendsync/internal/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"
)

// maxConflictRetries bounds re-read-and-decide loops on optimistic conflicts.
const maxConflictRetries = 3

// ErrRetriesExhausted is returned when concurrent writers kept winning the race.
var ErrRetriesExhausted = fmt.Errorf("%w: retries exhausted", domain.ErrConflict)

type CreateStreamRequest struct {
	Type           domain.StreamType `json:"type" validate:"required,oneof=event live_broadcast"`
	Visibility     domain.Visibility `json:"visibility" validate:"required,oneof=private protected public"`
	Title          string            `json:"title" validate:"required,max=200"`
	Description    string            `json:"description" validate:"max=5000"`
	OrganizerID    uuid.UUID         `json:"organizer_id" validate:"required"`
	ChatSpaceID    *uuid.UUID        `json:"chat_space_id,omitempty"`
	ScheduledStart time.Time         `json:"scheduled_start" validate:"required"`
	ScheduledEnd   time.Time         `json:"scheduled_end" validate:"required,gtfield=ScheduledStart"`
	Invitees       []uuid.UUID       `json:"invitees,omitempty"`
	// Speakers must also be the organizer or invitees.
	Speakers []uuid.UUID `json:"speakers,omitempty"`
}

type StreamDetails struct {
	Title       string `json:"title" validate:"required,max=200"`
	Description string `json:"description" validate:"max=5000"`
}

type scheduleWindow struct {
	Start time.Time `validate:"required"`
	End   time.Time `validate:"required,gtfield=Start"`
}

// changeApplier is the orchestrator as seen by its callers.
type changeApplier interface {
	Apply(ctx context.Context, c Change) (Outcome, error)
}

// Lifecycle handles stream-level transitions that fan out to the provider.
type Lifecycle struct {
	store    domain.StreamStore
	applier  changeApplier
	clock    clockwork.Clock
	validate *validator.Validate
}

func NewLifecycle(store domain.StreamStore, applier changeApplier, clock clockwork.Clock) *Lifecycle {
	return &Lifecycle{
		store:    store,
		applier:  applier,
		clock:    clock,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// CreateStream persists a scheduled stream with the organizer and unique invitees
// approved, then queues the remote create followed by one add per attendee.
func (l *Lifecycle) CreateStream(ctx context.Context, req CreateStreamRequest) (*domain.Stream, Outcome, error) {
	if err := l.validate.Struct(req); err != nil {
		return nil, OutcomeFailed, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	invitees := lo.Without(lo.Uniq(req.Invitees), req.OrganizerID, uuid.Nil)
	members := append([]uuid.UUID{req.OrganizerID}, invitees...)
	if stray := lo.Without(req.Speakers, members...); len(stray) > 0 {
		return nil, OutcomeFailed, fmt.Errorf("%w: speakers must be invited: %v", domain.ErrInvalidInput, stray)
	}

	now := l.clock.Now()
	stream := &domain.Stream{
		ID:             uuid.New(),
		Type:           req.Type,
		Status:         domain.StatusScheduled,
		Visibility:     req.Visibility,
		Title:          req.Title,
		Description:    req.Description,
		OrganizerID:    req.OrganizerID,
		ChatSpaceID:    req.ChatSpaceID,
		ScheduledStart: req.ScheduledStart,
		ScheduledEnd:   req.ScheduledEnd,
		AttendeeCount:  len(members),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	attendees := lo.Map(members, func(memberID uuid.UUID, _ int) domain.Attendee {
		var caps domain.Capability
		if memberID == req.OrganizerID {
			caps |= domain.CapOrganizer
		}
		if lo.Contains(req.Speakers, memberID) {
			caps |= domain.CapSpeaker
		}
		return domain.Attendee{
			StreamID:     stream.ID,
			MemberID:     memberID,
			Status:       domain.JoinApproved,
			Active:       true,
			Capabilities: caps,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	})

	tasks := append(
		[]domain.SyncTask{streamTask(domain.TaskCreateStream, stream.ID)},
		lo.Map(members, func(memberID uuid.UUID, _ int) domain.SyncTask {
			return attendeeTask(domain.TaskAddAttendee, stream.ID, memberID)
		})...,
	)

	outcome, err := l.applier.Apply(ctx, Change{
		Commit: func(ctx context.Context) error {
			if err := l.store.CreateStream(ctx, stream, attendees); err != nil {
				return fmt.Errorf("failed to create stream: %w", err)
			}
			return nil
		},
		Stream: stream,
		Tasks:  tasks,
		Notification: &domain.Notification{
			Kind:     domain.NotifyStreamCreated,
			StreamID: stream.ID,
			Payload: map[string]any{
				"organizer_id": req.OrganizerID.String(),
				"invitees":     lo.Map(invitees, func(id uuid.UUID, _ int) string { return id.String() }),
			},
		},
	})
	if err != nil {
		return nil, outcome, err
	}

	slog.InfoContext(ctx, "Stream created", "stream_id", stream.ID, "type", stream.Type, "attendees", len(members))
	return stream, outcome, nil
}

// RescheduleStream is only legal while the stream is scheduled. Attendees are untouched.
func (l *Lifecycle) RescheduleStream(ctx context.Context, streamID uuid.UUID, start, end time.Time) (Outcome, error) {
	if err := l.validate.Struct(scheduleWindow{Start: start, End: end}); err != nil {
		return OutcomeFailed, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	return l.mutateStream(ctx, streamID, "reschedule", func(s *domain.Stream) (*streamMutation, error) {
		if s.Status != domain.StatusScheduled {
			return nil, domain.ErrInvalidTransition
		}
		s.ScheduledStart, s.ScheduledEnd = start, end
		return &streamMutation{
			task:   domain.TaskRescheduleStream,
			notify: domain.NotifyStreamRescheduled,
			payload: map[string]any{
				"scheduled_start": start.UTC().Format(time.RFC3339),
				"scheduled_end":   end.UTC().Format(time.RFC3339),
			},
		}, nil
	})
}

// CancelStream is legal from scheduled or live. Pending requests are disapproved
// in bulk without provider calls.
func (l *Lifecycle) CancelStream(ctx context.Context, streamID uuid.UUID) (Outcome, error) {
	for range maxConflictRetries {
		stream, err := l.store.LoadStream(ctx, streamID)
		if err != nil {
			return OutcomeFailed, err
		}
		if !stream.Status.CanTransitionTo(domain.StatusCanceled) {
			return OutcomeFailed, domain.ErrInvalidTransition
		}

		stream.Status = domain.StatusCanceled
		stream.UpdatedAt = l.clock.Now()

		notification := &domain.Notification{Kind: domain.NotifyStreamCanceled, StreamID: streamID, Payload: map[string]any{}}
		outcome, err := l.applier.Apply(ctx, Change{
			Commit: func(ctx context.Context) error {
				disapproved, err := l.store.CancelStream(ctx, stream)
				if err != nil {
					return fmt.Errorf("failed to cancel stream: %w", err)
				}
				notification.Payload["disapproved_requests"] = disapproved
				return nil
			},
			Stream:       stream,
			Tasks:        []domain.SyncTask{streamTask(domain.TaskCancelStream, streamID)},
			Notification: notification,
		})
		if errors.Is(err, domain.ErrConflict) {
			metrics.JoinConflictRetries.WithLabelValues("cancel").Inc()
			continue
		}
		if err != nil {
			return outcome, err
		}

		slog.InfoContext(ctx, "Stream canceled", "stream_id", streamID, "disapproved_requests", notification.Payload["disapproved_requests"])
		return outcome, nil
	}
	return OutcomeFailed, ErrRetriesExhausted
}

// ChangeVisibility never alters existing attendee decisions; it only changes how
// future requests are decided.
func (l *Lifecycle) ChangeVisibility(ctx context.Context, streamID uuid.UUID, visibility domain.Visibility) (Outcome, error) {
	if !visibility.Valid() {
		return OutcomeFailed, fmt.Errorf("%w: unknown visibility %q", domain.ErrInvalidInput, visibility)
	}

	return l.mutateStream(ctx, streamID, "visibility", func(s *domain.Stream) (*streamMutation, error) {
		if s.Status.Terminal() {
			return nil, domain.ErrInvalidTransition
		}
		if s.Visibility == visibility {
			return nil, nil
		}
		previous := s.Visibility
		s.Visibility = visibility
		return &streamMutation{
			task:    domain.TaskPatchStream,
			notify:  domain.NotifyStreamUpdated,
			payload: map[string]any{"visibility": string(visibility), "previous_visibility": string(previous)},
		}, nil
	})
}

func (l *Lifecycle) UpdateDetails(ctx context.Context, streamID uuid.UUID, details StreamDetails) (Outcome, error) {
	if err := l.validate.Struct(details); err != nil {
		return OutcomeFailed, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	return l.mutateStream(ctx, streamID, "details", func(s *domain.Stream) (*streamMutation, error) {
		if s.Status.Terminal() {
			return nil, domain.ErrInvalidTransition
		}
		if s.Title == details.Title && s.Description == details.Description {
			return nil, nil
		}
		s.Title, s.Description = details.Title, details.Description
		return &streamMutation{
			task:    domain.TaskPatchStream,
			notify:  domain.NotifyStreamUpdated,
			payload: map[string]any{"title": details.Title},
		}, nil
	})
}

// StartStream moves a scheduled stream to live.
func (l *Lifecycle) StartStream(ctx context.Context, streamID uuid.UUID) (Outcome, error) {
	return l.transition(ctx, streamID, domain.StatusLive)
}

// EndStream moves a live stream to ended.
func (l *Lifecycle) EndStream(ctx context.Context, streamID uuid.UUID) (Outcome, error) {
	return l.transition(ctx, streamID, domain.StatusEnded)
}

func (l *Lifecycle) transition(ctx context.Context, streamID uuid.UUID, next domain.StreamStatus) (Outcome, error) {
	return l.mutateStream(ctx, streamID, string(next), func(s *domain.Stream) (*streamMutation, error) {
		if !s.Status.CanTransitionTo(next) {
			return nil, domain.ErrInvalidTransition
		}
		s.Status = next
		return &streamMutation{
			task:    domain.TaskPatchStream,
			notify:  domain.NotifyStreamUpdated,
			payload: map[string]any{"status": string(next)},
		}, nil
	})
}

type streamMutation struct {
	task    domain.TaskKind
	notify  domain.NotificationKind
	payload map[string]any
}

// mutateStream loads the stream, applies mutate and commits it with an optimistic
// version check, retrying on conflict. A nil mutation is a no-op.
func (l *Lifecycle) mutateStream(ctx context.Context, streamID uuid.UUID, op string, mutate func(*domain.Stream) (*streamMutation, error)) (Outcome, error) {
	for range maxConflictRetries {
		stream, err := l.store.LoadStream(ctx, streamID)
		if err != nil {
			return OutcomeFailed, err
		}

		m, err := mutate(stream)
		if err != nil {
			return OutcomeFailed, err
		}
		if m == nil {
			return OutcomeApplied, nil
		}
		stream.UpdatedAt = l.clock.Now()

		outcome, err := l.applier.Apply(ctx, Change{
			Commit: func(ctx context.Context) error {
				return l.store.UpdateStream(ctx, stream)
			},
			Stream:       stream,
			Tasks:        []domain.SyncTask{streamTask(m.task, streamID)},
			Notification: &domain.Notification{Kind: m.notify, StreamID: streamID, Payload: m.payload},
		})
		if errors.Is(err, domain.ErrConflict) {
			metrics.JoinConflictRetries.WithLabelValues(op).Inc()
			continue
		}
		if err != nil {
			return outcome, fmt.Errorf("failed to %s stream: %w", op, err)
		}

		slog.InfoContext(ctx, "Stream updated", "stream_id", streamID, "op", op, "version", stream.Version)
		return outcome, nil
	}
	return OutcomeFailed, ErrRetriesExhausted
}
