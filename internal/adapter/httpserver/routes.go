package httpserver

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) registerRoutes() {
	s.echo.Use(correlationMiddleware)
	s.echo.Use(s.setupRequestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	s.echo.Use(metricsMiddleware)
	s.echo.Use(ErrorHandlingMiddleware())

	s.registerHealthRoutes()
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.registerStreamRoutes()
}

func (s *Server) registerStreamRoutes() {
	api := s.echo.Group("/api/streams", requireMember)
	limited := newMemberRateLimiter(s.config.JoinRatePerSecond, s.config.JoinBurst)

	api.POST("", s.handleCreateStream)
	api.GET("/:id", s.handleGetStream)
	api.PATCH("/:id", s.handleUpdateDetails)

	api.POST("/:id/join", s.handleJoin, limited)
	api.POST("/:id/withdraw", s.handleWithdraw, limited)
	api.POST("/:id/requests/:member/approve", s.handleReview(true))
	api.POST("/:id/requests/:member/disapprove", s.handleReview(false))

	api.POST("/:id/reschedule", s.handleReschedule)
	api.POST("/:id/cancel", s.handleCancel)
	api.POST("/:id/visibility", s.handleVisibility)
	api.POST("/:id/start", s.handleStart)
	api.POST("/:id/end", s.handleEnd)
}

func (s *Server) setupRequestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.InfoContext(c.Request().Context(), "Request", attrs...)
			return nil
		},
	})
}
