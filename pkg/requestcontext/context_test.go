package requestcontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCallerFallsBackToClientIP(t *testing.T) {
	ctx := WithClientIP(context.Background(), "203.0.113.9")
	assert.Equal(t, "203.0.113.9", Caller(ctx))

	ctx = WithCaller(ctx, "WALLET")
	assert.Equal(t, "WALLET", Caller(ctx))
	assert.Equal(t, "203.0.113.9", ClientIP(ctx))
}

func TestEmptyContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))
	assert.Empty(t, ClientIP(ctx))
	assert.Empty(t, Caller(ctx))
}
