package service

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feira-labs/feira-notify/internal/storage"
	"github.com/feira-labs/feira-notify/internal/storage/bolt"
)

func newBoltStore(t *testing.T) *bolt.Store {
	t.Helper()
	store, err := bolt.New(filepath.Join(t.TempDir(), "feira.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestTokenService_RegisterAndList(t *testing.T) {
	ctx := context.Background()
	svc := NewTokenService(newBoltStore(t), nil)

	_, err := svc.Register(ctx, "", TokenRequest{Token: "abc"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Register(ctx, "u1", TokenRequest{Token: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput)

	token, err := svc.Register(ctx, "u1", TokenRequest{Token: " fcm-token-1 ", Device: "Chrome"})
	require.NoError(t, err)
	assert.Equal(t, "fcm-token-1", token.Token)
	_, err = svc.Register(ctx, "u1", TokenRequest{Token: "fcm-token-1", Device: "Chrome 121"})
	require.NoError(t, err)
	_, err = svc.Register(ctx, "u2", TokenRequest{Token: "fcm-token-2"})
	require.NoError(t, err)

	mine, err := svc.ListViews(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "fcm-*******", mine[0].Token)
	assert.Equal(t, "Chrome 121", mine[0].Device)

	all, err := svc.ListViews(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestTokenService_Revoke(t *testing.T) {
	ctx := context.Background()
	svc := NewTokenService(newBoltStore(t), nil)
	for _, tok := range []string{"a1", "a2", "a3"} {
		_, err := svc.Register(ctx, "u1", TokenRequest{Token: tok})
		require.NoError(t, err)
	}
	_, err := svc.Register(ctx, "u2", TokenRequest{Token: "b1"})
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Revoke(ctx, "u1", ""), ErrInvalidInput)
	assert.ErrorIs(t, svc.Revoke(ctx, "u2", "a1"), storage.ErrNotFound)
	require.NoError(t, svc.Revoke(ctx, "u1", "a1"))

	removed, err := svc.RevokeAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removed, err = svc.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
