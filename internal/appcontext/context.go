package appcontext

import (
	"context"
)

type contextKey string

var correlationKey contextKey = "correlationId"

// WithCorrelationId attaches the request correlation id to the context.
func WithCorrelationId(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

func CorrelationIdFromContext(ctx context.Context) (string, bool) {
	id := ctx.Value(correlationKey)
	if id == nil {
		return "", false
	}
	return id.(string), true
}
