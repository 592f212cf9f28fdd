// Package correlation carries the id that ties every audit entry and log line of one
// archive run (or API request) together.
package correlation

import (
	"context"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// Header is the HTTP header used to pass a correlation id in and out.
const Header = "X-Correlation-ID"

type correlationKey struct{}

// New returns a fresh, lexically time-ordered id.
func New() string {
	return ulid.Make().String()
}

// FromContext fetches the correlation id from the context, or "".
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if val, ok := ctx.Value(correlationKey{}).(string); ok {
		return val
	}
	return ""
}

// WithID sets the correlation id on the context. An empty id leaves ctx unchanged.
func WithID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// Ensure guarantees a correlation id on the context, generating one when missing.
func Ensure(ctx context.Context) (context.Context, string) {
	id := FromContext(ctx)
	if id == "" {
		id = New()
	}
	return WithID(ctx, id), id
}

// Logger returns logger annotated with the context's correlation id, if any.
func Logger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	id := FromContext(ctx)
	if id == "" {
		return logger
	}
	return logger.With().Str("correlation_id", id).Logger()
}
