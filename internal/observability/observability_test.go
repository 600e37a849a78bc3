package observability

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockcast/internal/config"
)

func TestNewLogger_WritesToWriterAndFile(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer

	logger, closeFn, err := NewLogger(config.LoggerConfig{Level: "debug", Format: "json", Dir: dir}, &buf)
	require.NoError(t, err)

	logger.Debug("hello", "k", "v")
	require.NoError(t, closeFn())

	assert.Contains(t, buf.String(), `"msg":"hello"`)

	data, err := os.ReadFile(filepath.Join(dir, logFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"k":"v"`)
}

func TestNewLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger, _, err := NewLogger(config.LoggerConfig{Level: "warn", Format: "text"}, &buf)
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestSpan_ParentChild(t *testing.T) {
	ctx, parent := StartSpan(context.Background(), "predict")
	_, child := StartSpan(ctx, "score")

	assert.Equal(t, parent.TraceID, child.TraceID)
	assert.Equal(t, parent.SpanID, child.ParentID)

	child.SetError(errors.New("boom"))
	assert.Equal(t, SpanStatusError, child.Status)

	d := child.Finish()
	assert.Equal(t, d, child.Finish(), "finish is idempotent")
	assert.GreaterOrEqual(t, parent.Milliseconds(), 0.0)
}

func TestRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "abc")
	assert.Equal(t, "abc", GetRequestID(ctx))
	assert.Equal(t, "", GetRequestID(context.Background()))
}
