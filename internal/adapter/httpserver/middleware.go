package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/attendsync/attendsync/internal/metrics"
	"github.com/attendsync/attendsync/internal/platform/correlation"
	apperrors "github.com/attendsync/attendsync/internal/platform/errors"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	headerMemberID      = "X-Member-ID"
	headerCorrelationID = "X-Correlation-ID"
	memberIDKey         = "memberID"
)

// correlationMiddleware reuses an inbound X-Correlation-ID or mints one, and
// echoes it on the response.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if id := c.Request().Header.Get(headerCorrelationID); id != "" && len(id) <= 64 {
			ctx = correlation.WithID(ctx, id)
		}
		ctx, id := correlation.Ensure(ctx)
		c.SetRequest(c.Request().WithContext(ctx))
		c.Response().Header().Set(headerCorrelationID, id)
		return next(c)
	}
}

// requireMember reads the caller identity set by the upstream gateway.
func requireMember(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		memberID, err := uuid.Parse(c.Request().Header.Get(headerMemberID))
		if err != nil || memberID == uuid.Nil {
			return apperrors.ValidationError("missing or invalid " + headerMemberID + " header")
		}
		c.Set(memberIDKey, memberID)
		return next(c)
	}
}

// metricsMiddleware records request latency and counts per route template.
// /metrics and /health/* are not recorded.
func metricsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		route := c.Path()
		if route == "/metrics" || strings.HasPrefix(route, "/health/") {
			return next(c)
		}

		metrics.HTTPInFlightRequests.Inc()
		defer metrics.HTTPInFlightRequests.Dec()

		timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
			status := strconv.Itoa(c.Response().Status)
			metrics.HTTPRequestDuration.WithLabelValues(c.Request().Method, route, status).Observe(v)
			metrics.HTTPRequestsTotal.WithLabelValues(c.Request().Method, route, status).Inc()
		}))

		err := next(c)
		timer.ObserveDuration()
		return err
	}
}

func callerID(c echo.Context) uuid.UUID {
	id, _ := c.Get(memberIDKey).(uuid.UUID)
	return id
}

func ErrorHandlingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}

			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				metrics.HTTPErrorsTotal.WithLabelValues(string(httpErrorType(httpErr.Code))).Inc()
				return err
			}

			structuredErr := apperrors.AsStructuredError(err)
			metrics.HTTPErrorsTotal.WithLabelValues(string(structuredErr.Type)).Inc()
			logError(c, structuredErr)

			if err := c.JSON(structuredErr.HTTPStatus(), structuredErr.ToResponse()); err != nil {
				return fmt.Errorf("failed to write error response: %w", err)
			}
			return nil
		}
	}
}

func httpErrorType(code int) apperrors.ErrorType {
	switch {
	case code == 400:
		return apperrors.TypeValidation
	case code == 403:
		return apperrors.TypeForbidden
	case code == 404, code == 405:
		return apperrors.TypeNotFound
	case code == 409:
		return apperrors.TypeConflict
	case code < 500:
		return apperrors.TypeValidation
	default:
		return apperrors.TypeInternal
	}
}

func logError(c echo.Context, err *apperrors.Error) {
	attrs := []any{
		"error_type", err.Type,
		"message", err.Message,
		"path", c.Request().URL.Path,
		"method", c.Request().Method,
		"status", err.HTTPStatus(),
	}

	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}

	if memberID := callerID(c); memberID != uuid.Nil {
		attrs = append(attrs, "member_id", memberID)
	}

	ctx := c.Request().Context()
	switch err.Type {
	case apperrors.TypeValidation, apperrors.TypeNotFound, apperrors.TypeForbidden:
		slog.InfoContext(ctx, "Request rejected", attrs...)
	case apperrors.TypeConflict:
		slog.WarnContext(ctx, "Conflict", attrs...)
	default:
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
		slog.ErrorContext(ctx, "Internal error", attrs...)
	}
}
