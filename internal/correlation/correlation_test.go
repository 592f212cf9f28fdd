package correlation

import (
	"bytes"
	"context"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsure_GeneratesULID(t *testing.T) {
	ctx, id := Ensure(context.Background())
	assert.NotEmpty(t, id)
	assert.Equal(t, id, FromContext(ctx))

	_, err := ulid.Parse(id)
	require.NoError(t, err)
}

func TestEnsure_KeepsExisting(t *testing.T) {
	ctx := WithID(context.Background(), "run-123")
	ctx, id := Ensure(ctx)
	assert.Equal(t, "run-123", id)
	assert.Equal(t, "run-123", FromContext(ctx))
}

func TestFromContext_Missing(t *testing.T) {
	assert.Empty(t, FromContext(context.Background()))
	assert.Equal(t, context.Background(), WithID(context.Background(), ""))
}

func TestNew_Unique(t *testing.T) {
	assert.NotEqual(t, New(), New())
}

func TestLogger_AddsField(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	withID := Logger(WithID(context.Background(), "run-9"), logger)
	withID.Info().Msg("hello")
	assert.Contains(t, buf.String(), `"correlation_id":"run-9"`)

	buf.Reset()
	withoutID := Logger(context.Background(), logger)
	withoutID.Info().Msg("hello")
	assert.NotContains(t, buf.String(), "correlation_id")
}
