package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/attendsync/attendsync/internal/app"
	"github.com/attendsync/attendsync/internal/domain"
	apperrors "github.com/attendsync/attendsync/internal/platform/errors"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type streamResponse struct {
	ID                  uuid.UUID           `json:"id"`
	Type                domain.StreamType   `json:"type"`
	Status              domain.StreamStatus `json:"status"`
	Visibility          domain.Visibility   `json:"visibility"`
	Title               string              `json:"title"`
	Description         string              `json:"description,omitempty"`
	OrganizerID         uuid.UUID           `json:"organizer_id"`
	ChatSpaceID         *uuid.UUID          `json:"chat_space_id,omitempty"`
	ScheduledStart      time.Time           `json:"scheduled_start"`
	ScheduledEnd        time.Time           `json:"scheduled_end"`
	AttendeeCount       int                 `json:"attendee_count"`
	PendingRequestCount int                 `json:"pending_request_count"`
	Synced              bool                `json:"synced"`
}

func newStreamResponse(s *domain.Stream) streamResponse {
	return streamResponse{
		ID:                  s.ID,
		Type:                s.Type,
		Status:              s.Status,
		Visibility:          s.Visibility,
		Title:               s.Title,
		Description:         s.Description,
		OrganizerID:         s.OrganizerID,
		ChatSpaceID:         s.ChatSpaceID,
		ScheduledStart:      s.ScheduledStart,
		ScheduledEnd:        s.ScheduledEnd,
		AttendeeCount:       s.AttendeeCount,
		PendingRequestCount: s.PendingRequestCount,
		Synced:              s.Synced(),
	}
}

type outcomeResponse struct {
	Outcome string             `json:"outcome"`
	Status  *domain.JoinStatus `json:"status,omitempty"`
}

type commentRequest struct {
	Comment string `json:"comment"`
}

type rescheduleRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type visibilityRequest struct {
	Visibility domain.Visibility `json:"visibility"`
}

func pathUUID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, apperrors.ValidationError("invalid " + name).WithField(name, c.Param(name))
	}
	return id, nil
}

func bind(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	return nil
}

func writeOutcome(c echo.Context, code int, outcome app.Outcome) error {
	if err := c.JSON(code, outcomeResponse{Outcome: outcome.String()}); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

// outcomeStatus is 202 when provider calls are still queued.
func outcomeStatus(outcome app.Outcome) int {
	if outcome == app.OutcomeAppliedPendingSync {
		return http.StatusAccepted
	}
	return http.StatusOK
}

func (s *Server) handleCreateStream(c echo.Context) error {
	var req app.CreateStreamRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	caller := callerID(c)
	if req.OrganizerID == uuid.Nil {
		req.OrganizerID = caller
	}
	if req.OrganizerID != caller {
		return apperrors.ForbiddenError("streams can only be created for yourself")
	}

	stream, _, err := s.app.CreateStream(c.Request().Context(), req)
	if err != nil {
		return err
	}
	if err := c.JSON(http.StatusCreated, newStreamResponse(stream)); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

func (s *Server) handleGetStream(c echo.Context) error {
	streamID, err := pathUUID(c, "id")
	if err != nil {
		return err
	}

	stream, err := s.app.GetStream(c.Request().Context(), streamID)
	if err != nil {
		return err
	}
	if err := c.JSON(http.StatusOK, newStreamResponse(stream)); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

func (s *Server) handleJoin(c echo.Context) error {
	streamID, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	var req commentRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	result, err := s.app.RequestToJoin(c.Request().Context(), streamID, callerID(c), req.Comment)
	if err != nil {
		return err
	}

	status := result.Status
	resp := outcomeResponse{Outcome: result.Outcome.String(), Status: &status}
	if err := c.JSON(outcomeStatus(result.Outcome), resp); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

func (s *Server) handleWithdraw(c echo.Context) error {
	streamID, err := pathUUID(c, "id")
	if err != nil {
		return err
	}

	outcome, err := s.app.Withdraw(c.Request().Context(), streamID, callerID(c))
	if err != nil {
		return err
	}
	return writeOutcome(c, outcomeStatus(outcome), outcome)
}

// handleReview leaves authorization to the service: organizer or delegated admin.
func (s *Server) handleReview(approve bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		streamID, err := pathUUID(c, "id")
		if err != nil {
			return err
		}
		memberID, err := pathUUID(c, "member")
		if err != nil {
			return err
		}
		var req commentRequest
		if err := bind(c, &req); err != nil {
			return err
		}

		outcome, err := s.app.ProcessRequest(c.Request().Context(), streamID, memberID, approve, callerID(c), req.Comment)
		if err != nil {
			return err
		}
		return writeOutcome(c, outcomeStatus(outcome), outcome)
	}
}

// organizerOnly loads the stream and rejects callers other than its organizer.
func (s *Server) organizerOnly(c echo.Context) (uuid.UUID, error) {
	streamID, err := pathUUID(c, "id")
	if err != nil {
		return uuid.Nil, err
	}
	stream, err := s.app.GetStream(c.Request().Context(), streamID)
	if err != nil {
		return uuid.Nil, err
	}
	if stream.OrganizerID != callerID(c) {
		return uuid.Nil, apperrors.ForbiddenError("only the organizer can change this stream").
			WithField("stream_id", streamID.String())
	}
	return streamID, nil
}

func (s *Server) handleUpdateDetails(c echo.Context) error {
	streamID, err := s.organizerOnly(c)
	if err != nil {
		return err
	}
	var req app.StreamDetails
	if err := bind(c, &req); err != nil {
		return err
	}

	outcome, err := s.app.UpdateDetails(c.Request().Context(), streamID, req)
	if err != nil {
		return err
	}
	return writeOutcome(c, outcomeStatus(outcome), outcome)
}

func (s *Server) handleReschedule(c echo.Context) error {
	streamID, err := s.organizerOnly(c)
	if err != nil {
		return err
	}
	var req rescheduleRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	outcome, err := s.app.RescheduleStream(c.Request().Context(), streamID, req.Start, req.End)
	if err != nil {
		return err
	}
	return writeOutcome(c, outcomeStatus(outcome), outcome)
}

func (s *Server) handleVisibility(c echo.Context) error {
	streamID, err := s.organizerOnly(c)
	if err != nil {
		return err
	}
	var req visibilityRequest
	if err := bind(c, &req); err != nil {
		return err
	}

	outcome, err := s.app.ChangeVisibility(c.Request().Context(), streamID, req.Visibility)
	if err != nil {
		return err
	}
	return writeOutcome(c, outcomeStatus(outcome), outcome)
}

func (s *Server) handleCancel(c echo.Context) error {
	return s.transition(c, s.app.CancelStream)
}

func (s *Server) handleStart(c echo.Context) error {
	return s.transition(c, s.app.StartStream)
}

func (s *Server) handleEnd(c echo.Context) error {
	return s.transition(c, s.app.EndStream)
}

func (s *Server) transition(c echo.Context, fn func(ctx context.Context, streamID uuid.UUID) (app.Outcome, error)) error {
	streamID, err := s.organizerOnly(c)
	if err != nil {
		return err
	}
	outcome, err := fn(c.Request().Context(), streamID)
	if err != nil {
		return err
	}
	return writeOutcome(c, outcomeStatus(outcome), outcome)
}
