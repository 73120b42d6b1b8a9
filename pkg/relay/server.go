// Package relay implements the relay server: the connection registry,
// message router, and HTTP/WebSocket surface that brokers between home
// agents and browser clients.
package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/frameworks/frame-relay/pkg/audit"
	"github.com/frameworks/frame-relay/pkg/identity"
	"github.com/frameworks/frame-relay/pkg/observability"
	"github.com/frameworks/frame-relay/pkg/wire"
)

// Config configures a relay Server.
type Config struct {
	ListenAddr string
	// HeartbeatInterval is how often a home agent is expected to send a
	// pong; silence for HeartbeatTimeoutMultiple intervals is a soft close.
	HeartbeatInterval time.Duration
	TLS               *TLSConfig
	// AuditStore records auth and terminal-open events, if set. A nil
	// store disables audit logging without affecting any other behavior.
	AuditStore audit.Store
	// Metrics collects Prometheus-style counters/gauges for the /metrics
	// endpoint. A nil value disables metrics collection.
	Metrics *observability.RelayMetrics
}

// Server is the relay's composition root: it owns the registry, router,
// identity verifier, and HTTP surface.
type Server struct {
	config   Config
	logger   *slog.Logger
	registry *Registry
	router   *Router
	verifier identity.Verifier

	ownerMu    sync.RWMutex
	ownerIndex map[string]ownerIndexEntry

	httpSrv *http.Server
}

// NewServer wires a Server. verifier may be nil, in which case
// auth-required endpoints return 503 rather than silently admitting.
func NewServer(cfg Config, verifier identity.Verifier, logger *slog.Logger) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	registry := NewRegistry()
	return &Server{
		config:     cfg,
		logger:     logger,
		registry:   registry,
		router:     NewRouter(registry, logger),
		verifier:   verifier,
		ownerIndex: make(map[string]ownerIndexEntry),
	}
}

// metrics returns the server's metrics suite, or nil if metrics collection
// is disabled. Callers must nil-check before use.
func (s *Server) metrics() *observability.RelayMetrics {
	return s.config.Metrics
}

// recordServerOwner indexes a newly registered server's owning user and
// public key, so a later signed `auth` handshake for the same serverId can
// be resolved without the verifier exposing a direct serverId lookup.
func (s *Server) recordServerOwner(serverID, userID, publicKey string) {
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()
	s.ownerIndex[serverID] = ownerIndexEntry{userID: userID, publicKey: publicKey}
}

// audit appends an audit event if an audit store is configured; it is a
// no-op otherwise so callers never need to check for nil themselves.
func (s *Server) audit(ctx context.Context, user string, typ audit.EventType, target *audit.EventTarget, result *audit.EventResult) {
	if s.config.AuditStore == nil {
		return
	}
	if err := s.config.AuditStore.Append(ctx, &audit.Event{
		Type: typ, User: user, Action: string(typ), Target: target, Result: result,
	}); err != nil {
		s.logger.Warn("failed to append audit event", "type", typ, "error", err)
	}
}

// Start runs the relay's HTTP server until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.buildMux()
	s.httpSrv = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	s.logger.Info("relay server starting", "addr", s.config.ListenAddr)

	var err error
	if s.config.TLS != nil {
		tlsCfg, tlsErr := LoadServerTLSConfig(*s.config.TLS)
		if tlsErr != nil {
			return fmt.Errorf("load TLS config: %w", tlsErr)
		}
		s.httpSrv.TLSConfig = tlsCfg
		var listener net.Listener
		listener, err = net.Listen("tcp", s.config.ListenAddr)
		if err == nil {
			listener = newTLSListener(listener, tlsCfg)
			err = s.httpSrv.Serve(listener)
		}
	} else {
		err = s.httpSrv.ListenAndServe()
	}

	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the relay server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// serveHomeAgent runs a home agent's duplex connection from authentication
// through message-loop exit.
func (s *Server) serveHomeAgent(ctx context.Context, conn Conn, raw *websocket.Conn) {
	agent, err := s.authenticateHomeAgent(ctx, raw)
	if err != nil {
		s.logger.Warn("home agent authentication failed", "error", err)
		return
	}
	agent.Conn = conn

	displaced := s.registry.AddHomeAgent(agent)
	if displaced != nil {
		_ = displaced.Conn.Close("replaced by new connection")
	}
	s.logger.Info("home agent connected", "server_id", agent.ServerID, "server_name", agent.ServerName)
	if m := s.metrics(); m != nil {
		m.HomeAgentsConnected.Inc()
	}

	s.autoPairUnpairedBrowsers(ctx, agent)

	watchdogCtx, cancelWatchdog := context.WithCancel(ctx)
	go s.heartbeatWatchdog(watchdogCtx, conn, agent)

	s.readHomeAgentLoop(ctx, raw, agent)
	cancelWatchdog()

	s.registry.RemoveHomeAgent(agent.ServerID, agent)
	s.router.GCServerSession(ctx, agent.ServerID)
	s.broadcastServerStatus(ctx, agent.ServerID, false)
	s.logger.Info("home agent disconnected", "server_id", agent.ServerID)
	if m := s.metrics(); m != nil {
		m.HomeAgentsConnected.Dec()
	}
}

func (s *Server) autoPairUnpairedBrowsers(ctx context.Context, agent *HomeAgent) {
	candidates := s.registry.UnpairedBrowsersForUser(agent.OwnerUserID)
	for _, b := range candidates {
		s.registry.SetPaired(b.SessionID, agent.ServerID)
		sendTo(ctx, b.Conn, wire.ServerStatus{Type: "server_status", Connected: true, ServerID: agent.ServerID}, s.logger, "server_status")
	}
}

func (s *Server) broadcastServerStatus(ctx context.Context, serverID string, connected bool) {
	for _, b := range s.registry.BrowsersPairedTo(serverID) {
		sendTo(ctx, b.Conn, wire.ServerStatus{Type: "server_status", Connected: connected, ServerID: serverID}, s.logger, "server_status")
	}
}

// heartbeatWatchdog closes a home agent's connection if no pong has been
// observed for HeartbeatTimeoutMultiple heartbeat intervals, treating the
// silence as a soft close (§5).
func (s *Server) heartbeatWatchdog(ctx context.Context, conn Conn, agent *HomeAgent) {
	interval := s.config.HeartbeatInterval
	timeout := interval * HeartbeatTimeoutMultiple
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(agent.LastPing) > timeout {
				s.logger.Warn("home agent heartbeat timeout, closing", "server_id", agent.ServerID)
				if m := s.metrics(); m != nil {
					m.HeartbeatTimeouts.Inc()
				}
				_ = conn.Close("heartbeat timeout")
				return
			}
		}
	}
}

// authenticateHomeAgent reads the first message off a freshly upgraded
// tunnel connection and resolves it to a HomeAgent via simple_auth or the
// signed auth path.
func (s *Server) authenticateHomeAgent(ctx context.Context, raw *websocket.Conn) (*HomeAgent, error) {
	data, err := readRaw(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("read auth message: %w", err)
	}

	typ, msg, err := wire.Decode(s.logger, data)
	if err != nil {
		return nil, fmt.Errorf("decode auth message: %w", err)
	}

	conn := newWSConn(raw)
	sessionID := newSessionID()

	switch typ {
	case "simple_auth":
		m := msg.(*wire.SimpleAuth)
		sendTo(ctx, conn, wire.SimpleAuthSuccess{Type: "simple_auth_success", ServerID: m.ServerID, SessionID: sessionID}, s.logger, "simple_auth_success")
		s.audit(ctx, "", audit.EventAuth, &audit.EventTarget{ServerID: m.ServerID}, &audit.EventResult{Status: "success"})
		return &HomeAgent{ServerID: m.ServerID, ServerName: m.ServerName, SessionID: sessionID, ConnectedAt: time.Now(), LastPing: time.Now()}, nil

	case "auth":
		m := msg.(*wire.Auth)
		if s.verifier == nil {
			sendTo(ctx, conn, wire.AuthError{Type: "auth_error", Code: wire.AuthErrServerNotFound, Message: "identity verifier not configured"}, s.logger, "auth_error")
			s.audit(ctx, "", audit.EventAuth, &audit.EventTarget{ServerID: m.ServerID}, &audit.EventResult{Status: "failure", Error: "identity verifier not configured"})
			if mt := s.metrics(); mt != nil {
				mt.AuthFailures.Inc()
			}
			return nil, fmt.Errorf("identity verifier not configured")
		}
		ownerUserID, ownerPublicKey, ok := s.resolveServerOwner(ctx, m.ServerID)
		if !ok {
			sendTo(ctx, conn, wire.AuthError{Type: "auth_error", Code: wire.AuthErrServerNotFound, Message: "unregistered server"}, s.logger, "auth_error")
			s.audit(ctx, "", audit.EventAuth, &audit.EventTarget{ServerID: m.ServerID}, &audit.EventResult{Status: "failure", Error: "unregistered server"})
			if mt := s.metrics(); mt != nil {
				mt.AuthFailures.Inc()
			}
			return nil, fmt.Errorf("unregistered server %s", m.ServerID)
		}
		if !s.verifier.VerifySignature(m.ServerID, m.Timestamp, m.Signature, ownerPublicKey) {
			sendTo(ctx, conn, wire.AuthError{Type: "auth_error", Code: wire.AuthErrInvalidSignature, Message: "signature verification failed"}, s.logger, "auth_error")
			s.audit(ctx, ownerUserID, audit.EventAuth, &audit.EventTarget{ServerID: m.ServerID}, &audit.EventResult{Status: "failure", Error: "invalid signature"})
			if mt := s.metrics(); mt != nil {
				mt.AuthFailures.Inc()
			}
			return nil, fmt.Errorf("invalid signature for server %s", m.ServerID)
		}
		_ = s.verifier.UpdateLastSeen(ctx, ownerUserID, m.ServerID)
		sendTo(ctx, conn, wire.AuthSuccess{Type: "auth_success", ServerID: m.ServerID, SessionID: sessionID}, s.logger, "auth_success")
		s.audit(ctx, ownerUserID, audit.EventAuth, &audit.EventTarget{ServerID: m.ServerID}, &audit.EventResult{Status: "success"})
		return &HomeAgent{ServerID: m.ServerID, OwnerUserID: ownerUserID, SessionID: sessionID, ConnectedAt: time.Now(), LastPing: time.Now()}, nil

	default:
		return nil, fmt.Errorf("unexpected first message type %q", typ)
	}
}

// resolveServerOwner looks up which user owns serverID. The identity
// verifier's Verify only resolves token -> user, not serverId -> owner, so
// the relay keeps a side index populated at registration time (see
// recordServerOwner, called from handleRegisterServer).
func (s *Server) resolveServerOwner(ctx context.Context, serverID string) (userID, publicKey string, ok bool) {
	s.ownerMu.RLock()
	defer s.ownerMu.RUnlock()
	entry, found := s.ownerIndex[serverID]
	if !found {
		return "", "", false
	}
	return entry.userID, entry.publicKey, true
}

type ownerIndexEntry struct {
	userID    string
	publicKey string
}

// readHomeAgentLoop reads and routes messages from a connected home agent
// until the connection closes.
func (s *Server) readHomeAgentLoop(ctx context.Context, raw *websocket.Conn, agent *HomeAgent) {
	for {
		data, err := readRaw(ctx, raw)
		if err != nil {
			return
		}
		if data == nil {
			continue
		}

		typ, msg, err := wire.Decode(s.logger, data)
		if err != nil {
			s.logger.Warn("failed to decode home agent message", "server_id", agent.ServerID, "error", err)
			continue
		}
		if msg == nil {
			continue
		}

		switch typ {
		case "pong":
			agent.LastPing = time.Now()
			s.registry.RecordPing(agent.ServerID, agent.LastPing)
		case "frames_sync":
			s.router.HandleServerFramesSync(ctx, agent.ServerID, msg.(*wire.FramesSync))
		case "terminal_opened", "terminal_data":
			s.router.HandleServerTerminalForward(ctx, channelIDOf(msg), msg, false)
		case "terminal_close", "terminal_error":
			if typ == "terminal_error" {
				if m := s.metrics(); m != nil {
					m.TerminalErrors.Inc()
				}
			}
			s.router.HandleServerTerminalForward(ctx, channelIDOf(msg), msg, true)
		case "api_response":
			s.router.HandleServerAPIResponse(ctx, msg.(*wire.APIResponse))
		default:
			s.logger.Debug("ignoring message from home agent", "type", typ)
		}
	}
}

// serveBrowser runs a browser's duplex connection from authentication
// through message-loop exit.
func (s *Server) serveBrowser(ctx context.Context, conn Conn, raw *websocket.Conn) {
	userID, err := s.authenticateBrowser(ctx, raw, conn)
	if err != nil {
		s.logger.Warn("browser authentication failed", "error", err)
		return
	}

	sessionID := newSessionID()
	browser := &Browser{SessionID: sessionID, UserID: userID, Conn: conn, ConnectedAt: time.Now()}
	s.registry.AddBrowser(browser)
	if m := s.metrics(); m != nil {
		m.BrowsersConnected.Inc()
	}

	if serverID, ok := s.registry.AutoPair(userID); ok {
		s.registry.SetPaired(sessionID, serverID)
		sendTo(ctx, conn, wire.ServerStatus{Type: "server_status", Connected: true, ServerID: serverID}, s.logger, "server_status")
		if agent, ok := s.registry.GetHomeAgent(serverID); ok {
			sendTo(ctx, conn, wire.FramesSync{Type: "frames_sync", Frames: agent.LastFrames}, s.logger, "frames_sync")
		}
	} else {
		sendTo(ctx, conn, wire.ServerStatus{Type: "server_status", Connected: false}, s.logger, "server_status")
	}

	s.readBrowserLoop(ctx, raw, browser)

	s.registry.RemoveBrowser(sessionID)
	s.router.GCBrowserSession(sessionID)
	s.logger.Info("browser disconnected", "session_id", sessionID)
	if m := s.metrics(); m != nil {
		m.BrowsersConnected.Dec()
	}
}

func (s *Server) authenticateBrowser(ctx context.Context, raw *websocket.Conn, conn Conn) (string, error) {
	data, err := readRaw(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("read auth message: %w", err)
	}
	typ, msg, err := wire.Decode(s.logger, data)
	if err != nil || typ != "pwa_auth" {
		sendTo(ctx, conn, wire.PWAAuthError{Type: "pwa_auth_error", Message: "expected pwa_auth"}, s.logger, "pwa_auth_error")
		return "", fmt.Errorf("expected pwa_auth, got %q", typ)
	}

	if s.verifier == nil {
		sendTo(ctx, conn, wire.PWAAuthError{Type: "pwa_auth_error", Message: "identity verifier not configured"}, s.logger, "pwa_auth_error")
		return "", fmt.Errorf("identity verifier not configured")
	}

	auth := msg.(*wire.PWAAuth)
	userID, _, err := s.verifier.Verify(ctx, auth.Token)
	if err != nil || userID == "" {
		sendTo(ctx, conn, wire.PWAAuthError{Type: "pwa_auth_error", Message: "invalid token"}, s.logger, "pwa_auth_error")
		return "", fmt.Errorf("invalid bearer token")
	}

	sendTo(ctx, conn, wire.PWAAuthSuccess{Type: "pwa_auth_success", UserID: userID}, s.logger, "pwa_auth_success")
	s.audit(ctx, userID, audit.EventAuth, nil, &audit.EventResult{Status: "success"})
	return userID, nil
}

func (s *Server) readBrowserLoop(ctx context.Context, raw *websocket.Conn, browser *Browser) {
	for {
		data, err := readRaw(ctx, raw)
		if err != nil {
			return
		}
		if data == nil {
			continue
		}

		typ, msg, err := wire.Decode(s.logger, data)
		if err != nil {
			s.logger.Warn("failed to decode browser message", "session_id", browser.SessionID, "error", err)
			continue
		}
		if msg == nil {
			continue
		}

		switch typ {
		case "terminal_open":
			open := msg.(*wire.TerminalOpen)
			s.audit(ctx, browser.UserID, audit.EventTerminalOpen, &audit.EventTarget{FrameID: open.FrameID}, &audit.EventResult{Status: "requested"})
			if m := s.metrics(); m != nil {
				m.TerminalChannelsOpened.Inc()
			}
			s.router.HandleBrowserTerminalOpen(ctx, browser.SessionID, open)
		case "terminal_data", "terminal_resize":
			s.router.HandleBrowserTerminalForward(ctx, channelIDOf(msg), msg, false)
		case "terminal_close":
			s.router.HandleBrowserTerminalForward(ctx, channelIDOf(msg), msg, true)
		case "api_request":
			if m := s.metrics(); m != nil {
				if b, ok := s.registry.GetBrowser(browser.SessionID); ok {
					if _, connected := s.registry.GetHomeAgent(b.PairedID); connected && b.PairedID != "" {
						m.APIRequestsForwarded.Inc()
					} else {
						m.APIRequestsUnpaired.Inc()
					}
				}
			}
			s.router.HandleBrowserAPIRequest(ctx, browser.SessionID, msg.(*wire.APIRequest))
		default:
			s.logger.Debug("ignoring message from browser", "type", typ)
		}
	}
}

// channelIDOf extracts the channelId field shared by every terminal_*
// message shape.
func channelIDOf(msg any) string {
	switch m := msg.(type) {
	case *wire.TerminalOpen:
		return m.ChannelID
	case *wire.TerminalOpened:
		return m.ChannelID
	case *wire.TerminalData:
		return m.ChannelID
	case *wire.TerminalResize:
		return m.ChannelID
	case *wire.TerminalClose:
		return m.ChannelID
	case *wire.TerminalError:
		return m.ChannelID
	default:
		return ""
	}
}

func newTLSListener(inner net.Listener, cfg *tls.Config) net.Listener {
	return tls.NewListener(inner, cfg)
}
