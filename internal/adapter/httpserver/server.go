package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/attendsync/attendsync/internal/app"
	"github.com/attendsync/attendsync/internal/domain"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

type joinService interface {
	RequestToJoin(ctx context.Context, streamID, memberID uuid.UUID, comment string) (app.JoinResult, error)
	ProcessRequest(ctx context.Context, streamID, memberID uuid.UUID, approve bool, actorID uuid.UUID, comment string) (app.Outcome, error)
	Withdraw(ctx context.Context, streamID, memberID uuid.UUID) (app.Outcome, error)
	GetStream(ctx context.Context, streamID uuid.UUID) (*domain.Stream, error)
}

type lifecycleService interface {
	CreateStream(ctx context.Context, req app.CreateStreamRequest) (*domain.Stream, app.Outcome, error)
	RescheduleStream(ctx context.Context, streamID uuid.UUID, start, end time.Time) (app.Outcome, error)
	CancelStream(ctx context.Context, streamID uuid.UUID) (app.Outcome, error)
	ChangeVisibility(ctx context.Context, streamID uuid.UUID, visibility domain.Visibility) (app.Outcome, error)
	UpdateDetails(ctx context.Context, streamID uuid.UUID, details app.StreamDetails) (app.Outcome, error)
	StartStream(ctx context.Context, streamID uuid.UUID) (app.Outcome, error)
	EndStream(ctx context.Context, streamID uuid.UUID) (app.Outcome, error)
}

type appService interface {
	joinService
	lifecycleService
}

type Config struct {
	Port string
	// JoinRatePerSecond limits join and withdraw calls per member.
	JoinRatePerSecond float64
	JoinBurst         int
}

type Server struct {
	echo   *echo.Echo
	config Config

	app          appService
	healthChecks []HealthCheck
}

func NewServer(cfg Config, app appService, healthChecks []HealthCheck) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:         e,
		config:       cfg,
		app:          app,
		healthChecks: healthChecks,
	}
	srv.registerRoutes()
	return srv
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
