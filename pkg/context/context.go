package context

import (
	"context"
)

type contextKey string

const (
	requestIDKey   contextKey = "request-id"
	launchKeyIDKey contextKey = "launch-key-id"
)

// WithLaunchKeyID adds the short launch key identifier to the context
func WithLaunchKeyID(ctx context.Context, keyID string) context.Context {
	if keyID == "" {
		return ctx
	}
	return context.WithValue(ctx, launchKeyIDKey, keyID)
}

// GetLaunchKeyID retrieves the launch key identifier from the context
func GetLaunchKeyID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	keyID, _ := ctx.Value(launchKeyIDKey).(string)
	return keyID
}

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	requestID, _ := ctx.Value(requestIDKey).(string)
	return requestID
}
