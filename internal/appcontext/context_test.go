package appcontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCorrelationId(t *testing.T) {
	ctx := context.Background()
	ctx = WithCorrelationId(ctx, "abc-123")

	valFromCtx, found := CorrelationIdFromContext(ctx)
	assert.True(t, found)
	assert.Equal(t, "abc-123", valFromCtx)

	valFromCtx, found = CorrelationIdFromContext(context.Background())
	assert.False(t, found)
	assert.Equal(t, "", valFromCtx)
}
