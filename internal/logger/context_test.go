package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContext(t *testing.T) {
	t.Parallel()

	t.Run("Should return the stored logger", func(t *testing.T) {
		t.Parallel()
		want := slog.New(slog.NewJSONHandler(io.Discard, nil))
		assert.Same(t, want, FromContext(WithContext(context.Background(), want)))
	})

	t.Run("Should fall back to the default logger", func(t *testing.T) {
		t.Parallel()
		assert.Same(t, slog.Default(), FromContext(context.Background()))
	})

	t.Run("Should treat a stored nil logger as absent", func(t *testing.T) {
		t.Parallel()
		ctx := WithContext(context.Background(), nil)
		assert.Same(t, slog.Default(), FromContext(ctx))
	})
}

func TestWith(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil)).With(slog.String("request_id", "req-7"))
	ctx := WithContext(context.Background(), base)

	assert.Equal(t, ctx, With(ctx), "no attributes keeps the context")

	FromContext(With(ctx, slog.String("flag_id", "checkout-v2"))).Info("rolled back")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "req-7", rec["request_id"])
	assert.Equal(t, "checkout-v2", rec["flag_id"])
	assert.Equal(t, "rolled back", rec["msg"])

	// The parent context is unchanged.
	assert.Same(t, base, FromContext(ctx))
}
