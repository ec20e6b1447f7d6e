package core

import "context"

type contextKey string

const ctxKeyAccountID contextKey = "account_id"

// ContextWithAccountID stores the caller's account on the context.
func ContextWithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, ctxKeyAccountID, accountID)
}

// AccountIDFromContext returns the account stored by ContextWithAccountID.
func AccountIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyAccountID).(string); ok {
		return v
	}
	return ""
}
