package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	perrors "github.com/p-blackswan/calendar-archiver/internal/errors"
	"github.com/p-blackswan/calendar-archiver/internal/retry"
)

// GuardConfig configures retries, timeouts and the circuit breaker of a Guard.
type GuardConfig struct {
	Retry retry.Config
	// CallTimeout bounds one attempt. Zero disables the per-attempt timeout.
	CallTimeout time.Duration
	// FailureThreshold is the number of consecutive retryable failures that opens
	// the breaker. Zero disables the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration
}

// Guard wraps calls to one external calendar service.
type Guard struct {
	service string
	cfg     GuardConfig
	cb      *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// NewGuard creates a Guard for service.
func NewGuard(service string, cfg GuardConfig, logger zerolog.Logger) *Guard {
	g := &Guard{
		service: service,
		cfg:     cfg,
		logger:  logger.With().Str("component", "calendar_guard").Str("service", service).Logger(),
	}
	if cfg.FailureThreshold > 0 {
		g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        service,
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				g.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
			},
		})
	}
	return g
}

// State returns the breaker state name, "disabled" without a breaker.
func (g *Guard) State() string {
	if g.cb == nil {
		return "disabled"
	}
	return g.cb.State().String()
}

// Do runs fn with per-attempt timeout, breaker protection and bounded exponential
// backoff on retryable errors.
func (g *Guard) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, g.cfg.Retry, func(ctx context.Context) error {
		return g.attempt(ctx, operation, fn)
	}, func(attempt int, err error) {
		g.logger.Warn().Err(err).Str("operation", operation).Int("attempt", attempt).Msg("Retrying calendar call")
	})
}

func (g *Guard) attempt(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	callCtx := ctx
	if g.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()
	}

	if g.cb == nil {
		return g.classify(operation, fn(callCtx))
	}

	// Only retryable failures count against the breaker; a permanent error or
	// "not found" says nothing about the service's health.
	var callErr error
	_, err := g.cb.Execute(func() (any, error) {
		callErr = g.classify(operation, fn(callCtx))
		if perrors.IsRetryable(callErr) {
			return nil, callErr
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return perrors.NewExternalAccessError(g.service, operation, 0,
			fmt.Errorf("circuit %s: %w", g.cb.State(), perrors.ErrUnavailable))
	}
	return callErr
}

func (g *Guard) classify(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !perrors.IsExternal(err) {
		return perrors.NewExternalAccessError(g.service, operation, 0, fmt.Errorf("%w: %v", perrors.ErrTimeout, err))
	}
	return err
}
