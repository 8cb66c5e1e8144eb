// Package requestctx provides request-scoped values (tenant and user IDs)
// set by HTTP middleware and read by downstream handlers.
package requestctx

import "context"

type contextKey struct{ name string }

var (
	tenantIDKey = &contextKey{"tenant_id"}
	userIDKey   = &contextKey{"user_id"}
)

// SetTenantID stores tenant_id in the context.
func SetTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantID returns the tenant_id from context, or "" if not set.
func TenantID(ctx context.Context) string {
	v, _ := ctx.Value(tenantIDKey).(string)
	return v
}

// SetUserID stores user_id in the context.
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID returns the user_id from context, or "" if not set.
func UserID(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}
