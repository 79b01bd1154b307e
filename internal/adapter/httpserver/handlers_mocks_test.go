package httpserver

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/attendsync/attendsync/internal/app"
	"github.com/attendsync/attendsync/internal/domain"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// --- Mock implementations ---

type mockAppService struct {
	requestToJoinFn    func(ctx context.Context, streamID, memberID uuid.UUID, comment string) (app.JoinResult, error)
	processRequestFn   func(ctx context.Context, streamID, memberID uuid.UUID, approve bool, actorID uuid.UUID, comment string) (app.Outcome, error)
	withdrawFn         func(ctx context.Context, streamID, memberID uuid.UUID) (app.Outcome, error)
	getStreamFn        func(ctx context.Context, streamID uuid.UUID) (*domain.Stream, error)
	createStreamFn     func(ctx context.Context, req app.CreateStreamRequest) (*domain.Stream, app.Outcome, error)
	rescheduleStreamFn func(ctx context.Context, streamID uuid.UUID, start, end time.Time) (app.Outcome, error)
	cancelStreamFn     func(ctx context.Context, streamID uuid.UUID) (app.Outcome, error)
	changeVisibilityFn func(ctx context.Context, streamID uuid.UUID, visibility domain.Visibility) (app.Outcome, error)
	updateDetailsFn    func(ctx context.Context, streamID uuid.UUID, details app.StreamDetails) (app.Outcome, error)
	startStreamFn      func(ctx context.Context, streamID uuid.UUID) (app.Outcome, error)
	endStreamFn        func(ctx context.Context, streamID uuid.UUID) (app.Outcome, error)
}

func (m *mockAppService) RequestToJoin(ctx context.Context, streamID, memberID uuid.UUID, comment string) (app.JoinResult, error) {
	if m.requestToJoinFn != nil {
		return m.requestToJoinFn(ctx, streamID, memberID, comment)
	}
	return app.JoinResult{Status: domain.JoinPending, Outcome: app.OutcomeApplied}, nil
}

func (m *mockAppService) ProcessRequest(ctx context.Context, streamID, memberID uuid.UUID, approve bool, actorID uuid.UUID, comment string) (app.Outcome, error) {
	if m.processRequestFn != nil {
		return m.processRequestFn(ctx, streamID, memberID, approve, actorID, comment)
	}
	return app.OutcomeApplied, nil
}

func (m *mockAppService) Withdraw(ctx context.Context, streamID, memberID uuid.UUID) (app.Outcome, error) {
	if m.withdrawFn != nil {
		return m.withdrawFn(ctx, streamID, memberID)
	}
	return app.OutcomeApplied, nil
}

func (m *mockAppService) GetStream(ctx context.Context, streamID uuid.UUID) (*domain.Stream, error) {
	if m.getStreamFn != nil {
		return m.getStreamFn(ctx, streamID)
	}
	return nil, domain.ErrStreamNotFound
}

func (m *mockAppService) CreateStream(ctx context.Context, req app.CreateStreamRequest) (*domain.Stream, app.Outcome, error) {
	if m.createStreamFn != nil {
		return m.createStreamFn(ctx, req)
	}
	return nil, app.OutcomeFailed, domain.ErrInvalidInput
}

func (m *mockAppService) RescheduleStream(ctx context.Context, streamID uuid.UUID, start, end time.Time) (app.Outcome, error) {
	if m.rescheduleStreamFn != nil {
		return m.rescheduleStreamFn(ctx, streamID, start, end)
	}
	return app.OutcomeAppliedPendingSync, nil
}

func (m *mockAppService) CancelStream(ctx context.Context, streamID uuid.UUID) (app.Outcome, error) {
	if m.cancelStreamFn != nil {
		return m.cancelStreamFn(ctx, streamID)
	}
	return app.OutcomeAppliedPendingSync, nil
}

func (m *mockAppService) ChangeVisibility(ctx context.Context, streamID uuid.UUID, visibility domain.Visibility) (app.Outcome, error) {
	if m.changeVisibilityFn != nil {
		return m.changeVisibilityFn(ctx, streamID, visibility)
	}
	return app.OutcomeAppliedPendingSync, nil
}

func (m *mockAppService) UpdateDetails(ctx context.Context, streamID uuid.UUID, details app.StreamDetails) (app.Outcome, error) {
	if m.updateDetailsFn != nil {
		return m.updateDetailsFn(ctx, streamID, details)
	}
	return app.OutcomeAppliedPendingSync, nil
}

func (m *mockAppService) StartStream(ctx context.Context, streamID uuid.UUID) (app.Outcome, error) {
	if m.startStreamFn != nil {
		return m.startStreamFn(ctx, streamID)
	}
	return app.OutcomeApplied, nil
}

func (m *mockAppService) EndStream(ctx context.Context, streamID uuid.UUID) (app.Outcome, error) {
	if m.endStreamFn != nil {
		return m.endStreamFn(ctx, streamID)
	}
	return app.OutcomeApplied, nil
}

// --- Test helpers ---

func newTestServer(t *testing.T, app appService, opts ...func(*Server)) *Server {
	t.Helper()

	srv := &Server{
		echo:   echo.New(),
		config: Config{Port: "0"},
		app:    app,
	}
	for _, opt := range opts {
		opt(srv)
	}
	srv.registerRoutes()
	return srv
}

func withHealthChecks(checks ...HealthCheck) func(*Server) {
	return func(s *Server) {
		s.healthChecks = checks
	}
}

func withJoinRateLimit(ratePerSecond float64, burst int) func(*Server) {
	return func(s *Server) {
		s.config.JoinRatePerSecond = ratePerSecond
		s.config.JoinBurst = burst
	}
}

// serve runs a request through the full router and middleware stack.
func serve(srv *Server, method, path string, memberID uuid.UUID, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if memberID != uuid.Nil {
		req.Header.Set(headerMemberID, memberID.String())
	}
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)
	return rec
}

func organizedBy(organizerID uuid.UUID) func(context.Context, uuid.UUID) (*domain.Stream, error) {
	return func(_ context.Context, streamID uuid.UUID) (*domain.Stream, error) {
		return &domain.Stream{
			ID:          streamID,
			Type:        domain.StreamTypeEvent,
			Status:      domain.StatusScheduled,
			Visibility:  domain.VisibilityProtected,
			Title:       "Standup",
			OrganizerID: organizerID,
		}, nil
	}
}
