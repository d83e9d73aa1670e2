package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIKeyInfo_Caller(t *testing.T) {
	admin := APIKeyInfo{ID: "k1", OwnerID: "u1", Scopes: []string{"orders", ScopeAdmin}}
	assert.Equal(t, Caller{ID: "u1", Admin: true}, admin.Caller())

	customer := APIKeyInfo{ID: "k2", OwnerID: "u2", Scopes: []string{"orders"}}
	assert.Equal(t, Caller{ID: "u2", Admin: false}, customer.Caller())
}

func TestCallerContext(t *testing.T) {
	_, ok := CallerFrom(context.Background())
	require.False(t, ok)

	ctx := WithCaller(context.Background(), Caller{ID: "u1", Admin: true})
	c, ok := CallerFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "u1", c.ID)
	assert.True(t, c.Admin)
}

func TestHashKey(t *testing.T) {
	pepper := []byte("pepper")
	h := HashKey("secret", pepper)

	assert.Len(t, h, 64)
	assert.Equal(t, h, HashKey("secret", pepper))
	assert.NotEqual(t, h, HashKey("secret", []byte("other")))
	assert.True(t, EqualHash(h, HashKey("secret", pepper)))
	assert.False(t, EqualHash(h, HashKey("wrong", pepper)))
	assert.False(t, EqualHash(h, "not-hex"))
}
