package dcontext

import (
	"bytes"
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLoggerResolvesKeys(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.JSONFormatter{})

	ctx := WithLogger(context.Background(), logrus.NewEntry(base))
	ctx = WithUploadID(ctx, "abc")
	ctx = WithValues(ctx, map[string]any{"environment": "test"})

	GetLogger(ctx, "environment").Info("ingested")

	out := buf.String()
	assert.Contains(t, out, `"upload.id":"abc"`)
	assert.Contains(t, out, `"environment":"test"`)
	assert.Contains(t, out, `"msg":"ingested"`)
}

func TestGetLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.JSONFormatter{})

	ctx := WithLogger(context.Background(), logrus.NewEntry(base))
	GetLoggerWithFields(ctx, map[any]any{"size": 13, versionKey{}: "v1"}).Warn("w")

	out := buf.String()
	assert.Contains(t, out, `"size":13`)
	assert.Contains(t, out, `"version":"v1"`)
}

func TestBackgroundInstanceID(t *testing.T) {
	id := GetStringValue(Background(), "instance.id")
	require.NotEmpty(t, id)
	assert.Equal(t, id, GetStringValue(Background(), "instance.id"))
	assert.Equal(t, id, GetStringValue(DetachedContext(Background()), "instance.id"))
}

func TestDetachedContextIgnoresCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(WithUploadID(context.Background(), "u1"))
	detached := DetachedContext(ctx)
	cancel()

	assert.Error(t, ctx.Err())
	assert.NoError(t, detached.Err())
	assert.Equal(t, "u1", GetUploadID(detached))
}
