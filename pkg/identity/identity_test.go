package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryVerifier_VerifyKnownToken(t *testing.T) {
	v := NewMemoryVerifier(map[string]string{"tok-1": "user-1"})

	userID, servers, err := v.Verify(context.Background(), "tok-1")
	require.NoError(t, err)
	require.Equal(t, "user-1", userID)
	require.Empty(t, servers)
}

func TestMemoryVerifier_VerifyUnknownTokenReturnsNullResult(t *testing.T) {
	v := NewMemoryVerifier(nil)

	userID, servers, err := v.Verify(context.Background(), "nope")
	require.NoError(t, err)
	require.Empty(t, userID)
	require.Nil(t, servers)
}

func TestMemoryVerifier_RegisterAndListServers(t *testing.T) {
	v := NewMemoryVerifier(map[string]string{"tok-1": "user-1"})

	srv, err := v.RegisterServer(context.Background(), "user-1", "my-laptop", "abc123")
	require.NoError(t, err)
	require.Equal(t, "my-laptop", srv.Name)

	_, servers, err := v.Verify(context.Background(), "tok-1")
	require.NoError(t, err)
	require.Len(t, servers, 1)
	require.Equal(t, srv.ID, servers[0].ID)
}

func TestMemoryVerifier_RegisterServerIsIdempotent(t *testing.T) {
	v := NewMemoryVerifier(map[string]string{"tok-1": "user-1"})

	first, err := v.RegisterServer(context.Background(), "user-1", "my-laptop", "abc123")
	require.NoError(t, err)
	second, err := v.RegisterServer(context.Background(), "user-1", "my-laptop", "abc123")
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
}

func TestMemoryVerifier_UpdateLastSeen(t *testing.T) {
	v := NewMemoryVerifier(map[string]string{"tok-1": "user-1"})
	srv, err := v.RegisterServer(context.Background(), "user-1", "my-laptop", "abc123")
	require.NoError(t, err)

	require.NoError(t, v.UpdateLastSeen(context.Background(), "user-1", srv.ID))

	_, servers, err := v.Verify(context.Background(), "tok-1")
	require.NoError(t, err)
	require.NotNil(t, servers[0].LastSeen)
}

func TestMemoryVerifier_RemoveServer(t *testing.T) {
	v := NewMemoryVerifier(map[string]string{"tok-1": "user-1"})
	srv, err := v.RegisterServer(context.Background(), "user-1", "my-laptop", "abc123")
	require.NoError(t, err)

	removed, err := v.RemoveServer(context.Background(), "user-1", srv.ID)
	require.NoError(t, err)
	require.True(t, removed)

	_, servers, err := v.Verify(context.Background(), "tok-1")
	require.NoError(t, err)
	require.Empty(t, servers)
}

func TestVerifySignature_ValidWithinWindow(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	now := time.Now().Unix()
	sig := Sign(priv, "srv-1", now)

	v := NewMemoryVerifier(nil)
	ok := v.VerifySignature("srv-1", now, sig, hex.EncodeToString(pub))
	require.True(t, ok)
}

func TestVerifySignature_RejectsStaleTimestamp(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	stale := time.Now().Add(-10 * time.Minute).Unix()
	sig := Sign(priv, "srv-1", stale)

	v := NewMemoryVerifier(nil)
	ok := v.VerifySignature("srv-1", stale, sig, hex.EncodeToString(pub))
	require.False(t, ok)
}

func TestVerifySignature_RejectsWrongKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	now := time.Now().Unix()
	sig := Sign(priv, "srv-1", now)

	v := NewMemoryVerifier(nil)
	ok := v.VerifySignature("srv-1", now, sig, hex.EncodeToString(otherPub))
	require.False(t, ok)
}

func TestVerifySignature_RejectsTamperedMessage(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	now := time.Now().Unix()
	sig := Sign(priv, "srv-1", now)

	v := NewMemoryVerifier(nil)
	ok := v.VerifySignature("srv-2", now, sig, hex.EncodeToString(pub))
	require.False(t, ok)
}
