package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/frameworks/frame-relay/pkg/observability"
	"github.com/frameworks/frame-relay/pkg/wire"
)

// noopMetricsHandler responds 404 when metrics collection is disabled,
// rather than leaving /metrics unregistered.
func noopMetricsHandler(w http.ResponseWriter, r *http.Request) {
	http.Error(w, "metrics not configured", http.StatusNotFound)
}

// HeartbeatTimeoutMultiple is how many missed heartbeat intervals before a
// home agent's silence is treated as a soft close.
const HeartbeatTimeoutMultiple = 3

func withCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// buildMux wires the relay's HTTP surface (§4.11).
func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	if m := s.metrics(); m != nil {
		mux.HandleFunc("/metrics", observability.MetricsHandler(m.Registry))
	} else {
		mux.HandleFunc("/metrics", noopMetricsHandler)
	}
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/servers/register", s.handleRegisterServer)
	mux.HandleFunc("/api/servers", s.handleListServers)
	mux.HandleFunc("/tunnel", s.handleTunnelUpgrade)
	mux.HandleFunc("/ws", s.handleBrowserUpgrade)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	withCORS(w)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now(),
		"auth":      s.verifier != nil,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	withCORS(w)
	snap := s.registry.Snapshot()
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	withCORS(w)
	writeJSON(w, http.StatusOK, map[string]any{
		"authEnabled": s.verifier != nil,
	})
}

// bearerToken extracts a "Bearer <token>" header value, or "".
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}

func (s *Server) requireVerifier(w http.ResponseWriter) bool {
	if s.verifier == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": "identity verifier not configured",
		})
		return false
	}
	return true
}

func (s *Server) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	withCORS(w)
	if r.Method == http.MethodOptions {
		return
	}
	if !s.requireVerifier(w) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := bearerToken(r)
	userID, _, err := s.verifier.Verify(r.Context(), token)
	if err != nil || userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid token"})
		return
	}

	var body struct {
		ServerName string `json:"serverName"`
		PublicKey  string `json:"publicKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed request body"})
		return
	}

	srv, err := s.verifier.RegisterServer(r.Context(), userID, body.ServerName, body.PublicKey)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	s.recordServerOwner(srv.ID, userID, srv.PublicKey)

	writeJSON(w, http.StatusOK, map[string]any{
		"serverId":   srv.ID,
		"serverName": srv.Name,
	})
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	withCORS(w)
	if !s.requireVerifier(w) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := bearerToken(r)
	userID, servers, err := s.verifier.Verify(r.Context(), token)
	if err != nil || userID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid token"})
		return
	}

	summaries := make([]wire.DevServerSummary, 0, len(servers))
	for _, srv := range servers {
		connected := false
		frameCount := 0
		var connectedAt *time.Time
		if agent, ok := s.registry.GetHomeAgent(srv.ID); ok {
			connected = true
			frameCount = len(agent.LastFrames)
			at := agent.ConnectedAt
			connectedAt = &at
		}
		summaries = append(summaries, wire.DevServerSummary{
			ServerID:    srv.ID,
			ServerName:  srv.Name,
			Connected:   connected,
			FrameCount:  frameCount,
			ConnectedAt: connectedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"servers": summaries})
}

// handleTunnelUpgrade upgrades a home agent's connection and runs its
// message loop until close.
func (s *Server) handleTunnelUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: false})
	if err != nil {
		s.logger.Error("tunnel upgrade failed", "error", err)
		return
	}
	s.serveHomeAgent(r.Context(), newWSConn(conn), conn)
}

// handleBrowserUpgrade upgrades a browser's connection and runs its
// message loop until close.
func (s *Server) handleBrowserUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: false})
	if err != nil {
		s.logger.Error("browser upgrade failed", "error", err)
		return
	}
	s.serveBrowser(r.Context(), newWSConn(conn), conn)
}

// readRaw reads one raw text frame for the Decode-based reader loops below.
func readRaw(ctx context.Context, conn *websocket.Conn) ([]byte, error) {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, nil
	}
	return data, nil
}

func newSessionID() string {
	return uuid.NewString()
}
