package requestctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTenantID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, TenantID(ctx))

	ctx = SetTenantID(ctx, "acme")
	assert.Equal(t, "acme", TenantID(ctx))
}

func TestUserID_RoundTrip(t *testing.T) {
	ctx := SetUserID(context.Background(), "user-7")
	assert.Equal(t, "user-7", UserID(ctx))
	assert.Empty(t, TenantID(ctx), "user key must not leak into tenant key")
}
