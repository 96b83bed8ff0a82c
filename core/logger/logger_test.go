package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextWithLoggerKeepsExisting(t *testing.T) {
	ctx, rlog := ContextWithLogger(context.Background())
	ctx2, rlog2 := ContextWithLogger(ctx)
	assert.Equal(t, ctx, ctx2)
	assert.Equal(t, rlog, rlog2)
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx, _ := ContextWithRequestID(context.Background(), "req-42")
	assert.Equal(t, "req-42", RequestIDFromContext(ctx))

	// an existing logger wins over a new ID
	ctx2, _ := ContextWithRequestID(ctx, "other")
	assert.Equal(t, "req-42", RequestIDFromContext(ctx2))
}

func TestFromContextNeverNil(t *testing.T) {
	assert.NotNil(t, FromContext(nil))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestIdentity(t *testing.T) {
	ctx, rlog := ContextWithLoggerIdentity(context.Background(), "api-token-ci")
	assert.Equal(t, "api-token-ci", rlog.Data[identityLoggerKey])
	assert.NotEmpty(t, RequestIDFromContext(ctx))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "debug", ParseLevel("DEBUG").String())
	assert.Equal(t, "info", ParseLevel("bogus").String())
	assert.Equal(t, "error", ParseLevel(" error ").String())
}
