package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/attendsync/attendsync/internal/domain"
	"github.com/attendsync/attendsync/internal/metrics"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// JoinResult is the local decision reported to the caller of RequestToJoin.
type JoinResult struct {
	Status  domain.JoinStatus `json:"status"`
	Outcome Outcome           `json:"-"`
}

// Service is the caller-facing API of the engine. Join, review and withdraw
// decisions live here; stream lifecycle is promoted from Lifecycle.
type Service struct {
	*Lifecycle

	store   domain.StreamStore
	members domain.MembershipOracle
	admins  domain.AdminDelegation
	applier changeApplier
	clock   clockwork.Clock

	membershipGroup singleflight.Group
}

// NewService wires the service. admins may be nil when no delegation exists.
func NewService(
	store domain.StreamStore,
	members domain.MembershipOracle,
	admins domain.AdminDelegation,
	applier changeApplier,
	clock clockwork.Clock,
) *Service {
	return &Service{
		Lifecycle: NewLifecycle(store, applier, clock),
		store:     store,
		members:   members,
		admins:    admins,
		applier:   applier,
		clock:     clock,
	}
}

// RequestToJoin decides and commits a member's request to attend. A lost
// race on the attendee record is resolved by deciding again against the
// winner's record.
func (s *Service) RequestToJoin(ctx context.Context, streamID, memberID uuid.UUID, comment string) (JoinResult, error) {
	for range maxConflictRetries {
		stream, existing, err := s.load(ctx, streamID, memberID)
		if err != nil {
			return JoinResult{Outcome: OutcomeFailed}, err
		}

		membership := MembershipUnknown
		if needsMembership(stream, existing) {
			membership = s.lookupMembership(ctx, *stream.ChatSpaceID, memberID)
		}

		d, err := DecideJoin(JoinInput{
			Stream:     stream,
			Existing:   existing,
			MemberID:   memberID,
			Membership: membership,
			Comment:    comment,
			Now:        s.clock.Now(),
		})
		if err != nil {
			recordDecision("join", err, "")
			return JoinResult{Outcome: OutcomeFailed}, err
		}

		outcome, err := s.applier.Apply(ctx, d.Change())
		if errors.Is(err, domain.ErrConflict) {
			metrics.JoinConflictRetries.WithLabelValues("join").Inc()
			slog.DebugContext(ctx, "Join lost a concurrent write, deciding again", "stream_id", streamID, "member_id", memberID)
			continue
		}
		if err != nil {
			return JoinResult{Outcome: OutcomeFailed}, err
		}

		recordDecision("join", nil, string(d.Attendee.Status))
		slog.InfoContext(ctx, "Join request decided",
			"stream_id", streamID, "member_id", memberID, "status", d.Attendee.Status, "outcome", outcome)
		return JoinResult{Status: d.Attendee.Status, Outcome: outcome}, nil
	}

	return JoinResult{Outcome: OutcomeFailed}, ErrRetriesExhausted
}

// ProcessRequest is the organizer (or delegated admin) approving or disapproving a member.
func (s *Service) ProcessRequest(ctx context.Context, streamID, memberID uuid.UUID, approve bool, actorID uuid.UUID, comment string) (Outcome, error) {
	for range maxConflictRetries {
		stream, target, err := s.load(ctx, streamID, memberID)
		if err != nil {
			return OutcomeFailed, err
		}

		isAdmin, err := s.isDelegatedAdmin(ctx, stream, actorID)
		if err != nil {
			return OutcomeFailed, err
		}

		d, err := DecideReview(ReviewInput{
			Stream:       stream,
			Target:       target,
			ActorID:      actorID,
			ActorIsAdmin: isAdmin,
			Approve:      approve,
			Comment:      comment,
			Now:          s.clock.Now(),
		})
		if err != nil {
			recordDecision("review", err, "")
			return OutcomeFailed, err
		}

		outcome, err := s.applier.Apply(ctx, d.Change())
		if errors.Is(err, domain.ErrConflict) {
			metrics.JoinConflictRetries.WithLabelValues("review").Inc()
			continue
		}
		if err != nil {
			return OutcomeFailed, err
		}

		recordDecision("review", nil, string(d.Attendee.Status))
		slog.InfoContext(ctx, "Join request reviewed",
			"stream_id", streamID, "member_id", memberID, "actor_id", actorID, "status", d.Attendee.Status, "outcome", outcome)
		return outcome, nil
	}

	return OutcomeFailed, ErrRetriesExhausted
}

// Withdraw marks the member as not attending. History is kept.
func (s *Service) Withdraw(ctx context.Context, streamID, memberID uuid.UUID) (Outcome, error) {
	for range maxConflictRetries {
		stream, existing, err := s.load(ctx, streamID, memberID)
		if err != nil {
			return OutcomeFailed, err
		}

		d, err := DecideWithdraw(WithdrawInput{Stream: stream, Existing: existing, Now: s.clock.Now()})
		if err != nil {
			recordDecision("withdraw", err, "")
			return OutcomeFailed, err
		}

		outcome, err := s.applier.Apply(ctx, d.Change())
		if errors.Is(err, domain.ErrConflict) {
			metrics.JoinConflictRetries.WithLabelValues("withdraw").Inc()
			continue
		}
		if err != nil {
			return OutcomeFailed, err
		}

		recordDecision("withdraw", nil, "withdrawn")
		return outcome, nil
	}

	return OutcomeFailed, ErrRetriesExhausted
}

// GetStream returns the current stream record.
func (s *Service) GetStream(ctx context.Context, streamID uuid.UUID) (*domain.Stream, error) {
	return s.store.LoadStream(ctx, streamID)
}

// load reads the stream and the member's record. A missing record is nil.
func (s *Service) load(ctx context.Context, streamID, memberID uuid.UUID) (*domain.Stream, *domain.Attendee, error) {
	stream, err := s.store.LoadStream(ctx, streamID)
	if err != nil {
		return nil, nil, err
	}

	attendee, err := s.store.LoadAttendee(ctx, streamID, memberID)
	if errors.Is(err, domain.ErrAttendeeNotFound) {
		return stream, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return stream, attendee, nil
}

// needsMembership reports whether the decision can depend on the oracle at all.
func needsMembership(stream *domain.Stream, existing *domain.Attendee) bool {
	if stream.Visibility != domain.VisibilityPrivate || stream.ChatSpaceID == nil || stream.Status.Terminal() {
		return false
	}
	state := existing.State()
	return state == domain.StateNone || state == domain.StateWithdrawn
}

// lookupMembership collapses concurrent lookups for the same member. An oracle
// failure degrades to MembershipUnknown, which queues the request for review.
func (s *Service) lookupMembership(ctx context.Context, chatSpaceID, memberID uuid.UUID) Membership {
	if s.members == nil {
		return MembershipUnknown
	}

	key := chatSpaceID.String() + ":" + memberID.String()
	v, err, shared := s.membershipGroup.Do(key, func() (any, error) {
		return s.members.IsApprovedMember(ctx, chatSpaceID, memberID)
	})
	if err != nil {
		metrics.MembershipLookups.WithLabelValues("error").Inc()
		slog.WarnContext(ctx, "Membership lookup failed, treating as unknown",
			"chat_space_id", chatSpaceID, "member_id", memberID, "error", err)
		return MembershipUnknown
	}

	if shared {
		metrics.MembershipLookups.WithLabelValues("shared").Inc()
	}
	if v.(bool) {
		metrics.MembershipLookups.WithLabelValues("member").Inc()
		return MembershipApproved
	}
	metrics.MembershipLookups.WithLabelValues("not_member").Inc()
	return MembershipNotMember
}

func (s *Service) isDelegatedAdmin(ctx context.Context, stream *domain.Stream, actorID uuid.UUID) (bool, error) {
	if actorID == stream.OrganizerID || s.admins == nil {
		return false, nil
	}
	ok, err := s.admins.IsDelegatedAdmin(ctx, stream.ID, actorID)
	if err != nil {
		return false, fmt.Errorf("failed to check delegated admin rights: %w", err)
	}
	return ok, nil
}

func recordDecision(path string, err error, result string) {
	if err != nil {
		result = "rejected"
		if !domain.IsRejection(err) && !domain.IsNotFound(err) {
			result = "error"
		}
	}
	metrics.JoinDecisionsTotal.WithLabelValues(path, result).Inc()
}
