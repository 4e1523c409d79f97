package reqid

import (
	"context"

	"gitlab.com/gitlab-org/labkit/correlation"
)

const (
	// Header is the HTTP header carrying the correlation id.
	Header = "X-Correlation-ID"
	// MetadataKey is the gRPC metadata key carrying the correlation id.
	MetadataKey = "x-correlation-id"
)

// The correlation value itself lives under labkit's context key so that
// labkit-instrumented clients and loggers observe the same identifier.
// The two origin flags are private to this package.
type flagKey int

const (
	keyReceived flagKey = iota
	keyGenerated
)

// With returns a new context with the provided correlation ID attached.
func With(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return correlation.ContextWithCorrelation(ctx, id)
}

// From extracts the correlation ID from the context, if present.
func From(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id := correlation.ExtractFromContext(ctx)
	if id == "" {
		return "", false
	}
	return id, true
}

// WithReceived marks id as having arrived from the caller.
func WithReceived(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, keyReceived, id)
}

// WithGenerated marks id as minted locally for this unit of work.
func WithGenerated(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, keyGenerated, id)
}

// Received returns the identifier recorded by WithReceived.
func Received(ctx context.Context) (string, bool) {
	return flag(ctx, keyReceived)
}

// Generated returns the identifier recorded by WithGenerated.
func Generated(ctx context.Context) (string, bool) {
	return flag(ctx, keyGenerated)
}

func flag(ctx context.Context, k flagKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if s, ok := ctx.Value(k).(string); ok && s != "" {
		return s, true
	}
	return "", false
}
