package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/attendsync/attendsync/internal/app"
	"github.com/attendsync/attendsync/internal/domain"
	apperrors "github.com/attendsync/attendsync/internal/platform/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamRoutes_RequireMemberHeader(t *testing.T) {
	srv := newTestServer(t, &mockAppService{})

	rec := serve(srv, http.MethodPost, "/api/streams/"+uuid.NewString()+"/join", uuid.Nil, "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, apperrors.TypeValidation, resp.Type)
}

func TestHandleJoin(t *testing.T) {
	streamID, memberID := uuid.New(), uuid.New()

	tests := []struct {
		name       string
		result     app.JoinResult
		err        error
		wantCode   int
		wantStatus string
	}{
		{"auto approved", app.JoinResult{Status: domain.JoinApproved, Outcome: app.OutcomeAppliedPendingSync}, nil, http.StatusAccepted, "approved"},
		{"pending", app.JoinResult{Status: domain.JoinPending, Outcome: app.OutcomeApplied}, nil, http.StatusOK, "pending"},
		{"already requested", app.JoinResult{}, domain.ErrAlreadyRequested, http.StatusConflict, ""},
		{"unavailable", app.JoinResult{}, domain.ErrStreamUnavailable, http.StatusConflict, ""},
		{"not a member", app.JoinResult{}, domain.ErrCannotJoinWithoutApproval, http.StatusForbidden, ""},
		{"unknown stream", app.JoinResult{}, domain.ErrStreamNotFound, http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotComment string
			srv := newTestServer(t, &mockAppService{
				requestToJoinFn: func(_ context.Context, sid, mid uuid.UUID, comment string) (app.JoinResult, error) {
					assert.Equal(t, streamID, sid)
					assert.Equal(t, memberID, mid)
					gotComment = comment
					return tt.result, tt.err
				},
			})

			rec := serve(srv, http.MethodPost, "/api/streams/"+streamID.String()+"/join", memberID, `{"comment":"let me in"}`)

			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Equal(t, "let me in", gotComment)
			if tt.wantStatus != "" {
				var resp outcomeResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				require.NotNil(t, resp.Status)
				assert.Equal(t, tt.wantStatus, string(*resp.Status))
			}
		})
	}
}

func TestHandleJoin_BadStreamID(t *testing.T) {
	srv := newTestServer(t, &mockAppService{})
	rec := serve(srv, http.MethodPost, "/api/streams/not-a-uuid/join", uuid.New(), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleJoin_RateLimitedPerMember(t *testing.T) {
	srv := newTestServer(t, &mockAppService{}, withJoinRateLimit(0.01, 1))
	streamID := uuid.New()
	member, other := uuid.New(), uuid.New()

	assert.Equal(t, http.StatusOK, serve(srv, http.MethodPost, "/api/streams/"+streamID.String()+"/join", member, "").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(srv, http.MethodPost, "/api/streams/"+streamID.String()+"/join", member, "").Code)
	assert.Equal(t, http.StatusOK, serve(srv, http.MethodPost, "/api/streams/"+streamID.String()+"/join", other, "").Code)
}

func TestHandleReview(t *testing.T) {
	streamID, memberID, actorID := uuid.New(), uuid.New(), uuid.New()

	for _, approve := range []bool{true, false} {
		t.Run(fmt.Sprintf("approve=%v", approve), func(t *testing.T) {
			var called bool
			srv := newTestServer(t, &mockAppService{
				processRequestFn: func(_ context.Context, sid, mid uuid.UUID, gotApprove bool, actor uuid.UUID, comment string) (app.Outcome, error) {
					called = true
					assert.Equal(t, streamID, sid)
					assert.Equal(t, memberID, mid)
					assert.Equal(t, approve, gotApprove)
					assert.Equal(t, actorID, actor)
					assert.Equal(t, "welcome", comment)
					return app.OutcomeAppliedPendingSync, nil
				},
			})

			action := "disapprove"
			if approve {
				action = "approve"
			}
			path := fmt.Sprintf("/api/streams/%s/requests/%s/%s", streamID, memberID, action)
			rec := serve(srv, http.MethodPost, path, actorID, `{"comment":"welcome"}`)

			assert.True(t, called)
			assert.Equal(t, http.StatusAccepted, rec.Code)
			assert.JSONEq(t, `{"outcome":"applied_pending_sync"}`, rec.Body.String())
		})
	}
}

func TestHandleReview_NotOrganizer(t *testing.T) {
	srv := newTestServer(t, &mockAppService{
		processRequestFn: func(context.Context, uuid.UUID, uuid.UUID, bool, uuid.UUID, string) (app.Outcome, error) {
			return app.OutcomeFailed, domain.ErrNotOrganizer
		},
	})

	path := fmt.Sprintf("/api/streams/%s/requests/%s/approve", uuid.New(), uuid.New())
	rec := serve(srv, http.MethodPost, path, uuid.New(), "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleWithdraw(t *testing.T) {
	memberID := uuid.New()
	srv := newTestServer(t, &mockAppService{
		withdrawFn: func(_ context.Context, _, mid uuid.UUID) (app.Outcome, error) {
			assert.Equal(t, memberID, mid)
			return app.OutcomeAppliedPendingSync, nil
		},
	})

	rec := serve(srv, http.MethodPost, "/api/streams/"+uuid.NewString()+"/withdraw", memberID, "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHandleCreateStream(t *testing.T) {
	organizerID := uuid.New()
	start := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

	srv := newTestServer(t, &mockAppService{
		createStreamFn: func(_ context.Context, req app.CreateStreamRequest) (*domain.Stream, app.Outcome, error) {
			assert.Equal(t, organizerID, req.OrganizerID, "organizer defaults to the caller")
			assert.Equal(t, domain.VisibilityPublic, req.Visibility)
			assert.True(t, start.Equal(req.ScheduledStart))
			return &domain.Stream{
				ID:             uuid.New(),
				Type:           req.Type,
				Status:         domain.StatusScheduled,
				Visibility:     req.Visibility,
				Title:          req.Title,
				OrganizerID:    req.OrganizerID,
				ScheduledStart: req.ScheduledStart,
				ScheduledEnd:   req.ScheduledEnd,
				AttendeeCount:  1,
			}, app.OutcomeAppliedPendingSync, nil
		},
	})

	body := `{"type":"event","visibility":"public","title":"Launch","scheduled_start":"2026-03-01T18:00:00Z","scheduled_end":"2026-03-01T20:00:00Z"}`
	rec := serve(srv, http.MethodPost, "/api/streams", organizerID, body)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp streamResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Launch", resp.Title)
	assert.Equal(t, 1, resp.AttendeeCount)
	assert.False(t, resp.Synced)
}

func TestHandleCreateStream_ForSomeoneElse(t *testing.T) {
	srv := newTestServer(t, &mockAppService{})
	body := fmt.Sprintf(`{"type":"event","visibility":"public","title":"x","organizer_id":%q}`, uuid.NewString())

	rec := serve(srv, http.MethodPost, "/api/streams", uuid.New(), body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleCreateStream_ValidationError(t *testing.T) {
	srv := newTestServer(t, &mockAppService{})

	rec := serve(srv, http.MethodPost, "/api/streams", uuid.New(), `{"title":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(srv, http.MethodPost, "/api/streams", uuid.New(), `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLifecycleRoutes_OrganizerOnly(t *testing.T) {
	organizerID := uuid.New()
	streamID := uuid.New()

	routes := []struct {
		method string
		suffix string
		body   string
	}{
		{http.MethodPatch, "", `{"title":"Renamed"}`},
		{http.MethodPost, "/reschedule", `{"start":"2026-03-02T18:00:00Z","end":"2026-03-02T19:00:00Z"}`},
		{http.MethodPost, "/visibility", `{"visibility":"private"}`},
		{http.MethodPost, "/cancel", ""},
		{http.MethodPost, "/start", ""},
		{http.MethodPost, "/end", ""},
	}

	for _, r := range routes {
		t.Run(r.method+r.suffix, func(t *testing.T) {
			srv := newTestServer(t, &mockAppService{getStreamFn: organizedBy(organizerID)})
			path := "/api/streams/" + streamID.String() + r.suffix

			rec := serve(srv, r.method, path, uuid.New(), r.body)
			assert.Equal(t, http.StatusForbidden, rec.Code)

			rec = serve(srv, r.method, path, organizerID, r.body)
			assert.Contains(t, []int{http.StatusOK, http.StatusAccepted}, rec.Code, rec.Body.String())
		})
	}
}

func TestHandleReschedule_PassesWindow(t *testing.T) {
	organizerID := uuid.New()
	var gotStart, gotEnd time.Time
	srv := newTestServer(t, &mockAppService{
		getStreamFn: organizedBy(organizerID),
		rescheduleStreamFn: func(_ context.Context, _ uuid.UUID, start, end time.Time) (app.Outcome, error) {
			gotStart, gotEnd = start, end
			return app.OutcomeFailed, domain.ErrInvalidTransition
		},
	})

	body := `{"start":"2026-03-02T18:00:00Z","end":"2026-03-02T19:00:00Z"}`
	rec := serve(srv, http.MethodPost, "/api/streams/"+uuid.NewString()+"/reschedule", organizerID, body)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 18, gotStart.Hour())
	assert.Equal(t, 19, gotEnd.Hour())
}

func TestHandleGetStream(t *testing.T) {
	organizerID := uuid.New()
	srv := newTestServer(t, &mockAppService{getStreamFn: organizedBy(organizerID)})

	rec := serve(srv, http.MethodGet, "/api/streams/"+uuid.NewString(), uuid.New(), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp streamResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, organizerID, resp.OrganizerID)
	assert.Equal(t, domain.VisibilityProtected, resp.Visibility)

	srv = newTestServer(t, &mockAppService{})
	rec = serve(srv, http.MethodGet, "/api/streams/"+uuid.NewString(), uuid.New(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
