package util

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID returns the id carried by ctx, or a fresh one when there is none.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		return id
	}
	return NewRequestID()
}

func NewRequestID() string {
	return uuid.New().String()
}

// ValidRequestID reports whether an inbound X-Request-ID can be propagated as is.
func ValidRequestID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
