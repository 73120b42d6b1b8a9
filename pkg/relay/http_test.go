package relay

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/frameworks/frame-relay/pkg/identity"
	"github.com/stretchr/testify/require"
)

func TestHandleHealth_ReportsAuthConfigured(t *testing.T) {
	s := NewServer(Config{}, identity.NewMemoryVerifier(nil), slog.Default())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.handleHealth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, true, body["auth"])
}

func TestHandleHealth_NoVerifierConfigured(t *testing.T) {
	s := NewServer(Config{}, nil, slog.Default())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	s.handleHealth(rec, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, false, body["auth"])
}

func TestHandleListServers_RejectsWithoutVerifier(t *testing.T) {
	s := NewServer(Config{}, nil, slog.Default())
	req := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
	rec := httptest.NewRecorder()

	s.handleListServers(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleListServers_RejectsBadToken(t *testing.T) {
	s := NewServer(Config{}, identity.NewMemoryVerifier(map[string]string{"good": "alice"}), slog.Default())
	req := httptest.NewRequest(http.MethodGet, "/api/servers", nil)
	req.Header.Set("Authorization", "Bearer bad")
	rec := httptest.NewRecorder()

	s.handleListServers(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleRegisterServer_CreatesServerAndIndexesOwner(t *testing.T) {
	verifier := identity.NewMemoryVerifier(map[string]string{"good": "alice"})
	s := NewServer(Config{}, verifier, slog.Default())

	body := strings.NewReader(`{"serverName":"laptop","publicKey":"abc123"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/servers/register", body)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()

	s.handleRegisterServer(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	serverID := resp["serverId"].(string)
	require.NotEmpty(t, serverID)

	userID, pubKey, ok := s.resolveServerOwner(req.Context(), serverID)
	require.True(t, ok)
	require.Equal(t, "alice", userID)
	require.Equal(t, "abc123", pubKey)
}

func TestHandleRegisterServer_RejectsGetMethod(t *testing.T) {
	verifier := identity.NewMemoryVerifier(map[string]string{"good": "alice"})
	s := NewServer(Config{}, verifier, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "/api/servers/register", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()

	s.handleRegisterServer(rec, req)

	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
