package actions

import (
	"context"
	"errors"
)

type contextKey string

const userIDKey contextKey = "user_id"

// errNoCaller is returned by handlers invoked without a caller identity.
var errNoCaller = errors.New("no caller identity in context")

// WithUserID scopes action execution to a customer.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the customer the actions run for, or "".
func UserIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

func callerID(ctx context.Context) (string, error) {
	id := UserIDFromContext(ctx)
	if id == "" {
		return "", errNoCaller
	}
	return id, nil
}
