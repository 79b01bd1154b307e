package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/attendsync/attendsync/internal/domain"
	"github.com/attendsync/attendsync/internal/metrics"
	"github.com/attendsync/attendsync/internal/platform/version"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const maxErrorBody = 4 << 10

type Config struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	RatePerSecond float64
	// Burst defaults to one second worth of RatePerSecond.
	Burst int
	// BreakerTimeout is how long the breaker stays open before probing.
	BreakerTimeout time.Duration
}

// Gateway is the REST client for the scheduling provider. Every call is rate
// limited client-side and passes a circuit breaker that opens after five
// consecutive transient failures.
type Gateway struct {
	baseURL *url.URL
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

var _ domain.ProviderGateway = (*Gateway)(nil)

func NewGateway(cfg Config) (*Gateway, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid provider base URL %q", cfg.BaseURL)
	}
	if cfg.RatePerSecond <= 0 {
		return nil, errors.New("provider rate must be positive")
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(1, int(cfg.RatePerSecond))
	}
	breakerTimeout := cfg.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = 30 * time.Second
	}

	return &Gateway{
		baseURL: base,
		apiKey:  cfg.APIKey,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst),
		breaker: newBreaker(breakerTimeout),
	}, nil
}

func newBreaker(timeout time.Duration) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "provider",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var perr *domain.ProviderError
			return err == nil || !errors.As(err, &perr) || !perr.Transient
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerStateChanges.WithLabelValues(name, to.String()).Inc()
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateToFloat(to))
		},
	})
}

func breakerStateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

type eventPayload struct {
	StreamID    uuid.UUID `json:"client_reference"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Visibility  string    `json:"visibility"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

func newEventPayload(s domain.RemoteStream) eventPayload {
	return eventPayload{
		StreamID:    s.StreamID,
		Type:        string(s.Type),
		Status:      string(s.Status),
		Visibility:  string(s.Visibility),
		Title:       s.Title,
		Description: s.Description,
		Start:       s.Start.UTC(),
		End:         s.End.UTC(),
	}
}

type eventResponse struct {
	ID string `json:"id"`
}

type reschedulePayload struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CreateRemoteStream returns the provider's reference. A 409 still returns the
// reference of the existing event together with ErrRemoteAlreadyExists.
func (g *Gateway) CreateRemoteStream(ctx context.Context, idempotencyKey string, stream domain.RemoteStream) (string, error) {
	var out eventResponse
	err := g.do(ctx, request{
		op:            "create",
		method:        http.MethodPost,
		path:          "/v1/events",
		key:           idempotencyKey,
		body:          newEventPayload(stream),
		out:           &out,
		conflictIsDup: true,
	})
	if err != nil && !errors.Is(err, domain.ErrRemoteAlreadyExists) {
		return "", err
	}
	return out.ID, err
}

func (g *Gateway) PatchRemoteStream(ctx context.Context, idempotencyKey, externalRef string, stream domain.RemoteStream) error {
	return g.do(ctx, request{
		op:     "patch",
		method: http.MethodPatch,
		path:   "/v1/events/" + url.PathEscape(externalRef),
		key:    idempotencyKey,
		body:   newEventPayload(stream),
	})
}

func (g *Gateway) CancelRemoteStream(ctx context.Context, idempotencyKey, externalRef string) error {
	return g.do(ctx, request{
		op:     "cancel",
		method: http.MethodPost,
		path:   "/v1/events/" + url.PathEscape(externalRef) + "/cancel",
		key:    idempotencyKey,
	})
}

func (g *Gateway) RescheduleRemoteStream(ctx context.Context, idempotencyKey, externalRef string, start, end time.Time) error {
	return g.do(ctx, request{
		op:     "reschedule",
		method: http.MethodPost,
		path:   "/v1/events/" + url.PathEscape(externalRef) + "/reschedule",
		key:    idempotencyKey,
		body:   reschedulePayload{Start: start.UTC(), End: end.UTC()},
	})
}

func (g *Gateway) AddRemoteAttendee(ctx context.Context, idempotencyKey, externalRef string, memberID uuid.UUID) error {
	return g.do(ctx, request{
		op:            "add_attendee",
		method:        http.MethodPut,
		path:          attendeePath(externalRef, memberID),
		key:           idempotencyKey,
		conflictIsDup: true,
	})
}

// RemoveRemoteAttendee treats 404 as success: the member is not there either way.
func (g *Gateway) RemoveRemoteAttendee(ctx context.Context, idempotencyKey, externalRef string, memberID uuid.UUID) error {
	return g.do(ctx, request{
		op:            "remove_attendee",
		method:        http.MethodDelete,
		path:          attendeePath(externalRef, memberID),
		key:           idempotencyKey,
		notFoundIsNil: true,
	})
}

func attendeePath(externalRef string, memberID uuid.UUID) string {
	return "/v1/events/" + url.PathEscape(externalRef) + "/attendees/" + memberID.String()
}

type request struct {
	op     string
	method string
	path   string
	key    string
	body   any
	out    any

	conflictIsDup bool
	notFoundIsNil bool
}

func (g *Gateway) do(ctx context.Context, req request) error {
	start := time.Now()
	_, err := g.breaker.Execute(func() (any, error) {
		return nil, g.send(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = &domain.ProviderError{Op: req.op, Transient: true, Err: err}
	}

	metrics.ProviderRequestDuration.WithLabelValues(req.op).Observe(time.Since(start).Seconds())
	metrics.ProviderRequestsTotal.WithLabelValues(req.op, outcome(err)).Inc()
	return err
}

func (g *Gateway) send(ctx context.Context, req request) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return &domain.ProviderError{Op: req.op, Transient: true, Err: fmt.Errorf("rate limiter: %w", err)}
	}

	var body io.Reader
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return &domain.ProviderError{Op: req.op, Err: fmt.Errorf("failed to encode request: %w", err)}
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, g.baseURL.JoinPath(req.path).String(), body)
	if err != nil {
		return &domain.ProviderError{Op: req.op, Err: fmt.Errorf("failed to build request: %w", err)}
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	httpReq.Header.Set("Idempotency-Key", req.key)
	httpReq.Header.Set("User-Agent", version.UserAgent())
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return &domain.ProviderError{Op: req.op, Transient: true, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	return classify(req, resp)
}

func classify(req request, resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return decode(req, resp)
	case code == http.StatusConflict && req.conflictIsDup:
		if err := decode(req, resp); err != nil {
			return err
		}
		return domain.ErrRemoteAlreadyExists
	case code == http.StatusNotFound && req.notFoundIsNil:
		return nil
	}

	perr := &domain.ProviderError{Op: req.op, StatusCode: code, Err: errors.New(readError(resp))}
	switch {
	case code == http.StatusTooManyRequests:
		perr.Transient = true
		perr.RateLimited = true
	case code == http.StatusRequestTimeout, code >= 500:
		perr.Transient = true
	}
	return perr
}

func decode(req request, resp *http.Response) error {
	if req.out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(req.out); err != nil && !errors.Is(err, io.EOF) {
		return &domain.ProviderError{Op: req.op, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

func readError(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &body) == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	if len(data) > 0 {
		return string(data)
	}
	return http.StatusText(resp.StatusCode)
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, domain.ErrRemoteAlreadyExists) {
		return "exists"
	}
	var perr *domain.ProviderError
	if errors.As(err, &perr) {
		switch {
		case perr.RateLimited:
			return "rate_limited"
		case perr.Transient:
			return "transient"
		}
	}
	return "permanent"
}
