package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/frameworks/frame-relay/pkg/wire"
)

// channelTarget records who a terminal channel is relayed between.
type channelTarget struct {
	browserSessionID string
	serverID         string
}

// Router implements the relay's message-forwarding rules (§4.10): it owns
// two small in-memory maps — open terminal channels and pending API
// requests — holding the entries of every pairing, each entry naming the
// one browser/home-agent pairing it belongs to, and forwards messages
// between the registry's connections in O(1).
type Router struct {
	registry *Registry
	logger   *slog.Logger

	mu       sync.Mutex
	channels map[string]channelTarget // channelId -> target
	pending  map[string]string        // reqId -> browserSessionId
}

// NewRouter builds a Router over registry.
func NewRouter(registry *Registry, logger *slog.Logger) *Router {
	return &Router{
		registry: registry,
		logger:   logger,
		channels: make(map[string]channelTarget),
		pending:  make(map[string]string),
	}
}

func sendTo(ctx context.Context, conn Conn, msg any, logger *slog.Logger, what string) {
	if conn == nil {
		return
	}
	if err := conn.Send(ctx, msg); err != nil {
		logger.Warn("failed to forward message", "kind", what, "error", err)
	}
}

// HandleBrowserTerminalOpen implements: record channel -> send to paired
// server; if unpaired, synthesize terminal_error(frame_not_found) back to
// the browser immediately.
func (rt *Router) HandleBrowserTerminalOpen(ctx context.Context, sessionID string, msg *wire.TerminalOpen) {
	browser, ok := rt.registry.GetBrowser(sessionID)
	if !ok {
		return
	}

	if browser.PairedID == "" {
		sendTo(ctx, browser.Conn, wire.TerminalError{
			Type:      "terminal_error",
			ChannelID: msg.ChannelID,
			Code:      wire.CodeFrameNotFound,
			Message:   "no home agent is paired with this session",
		}, rt.logger, "terminal_error")
		return
	}

	rt.mu.Lock()
	rt.channels[msg.ChannelID] = channelTarget{browserSessionID: sessionID, serverID: browser.PairedID}
	rt.mu.Unlock()

	agent, ok := rt.registry.GetHomeAgent(browser.PairedID)
	if !ok {
		sendTo(ctx, browser.Conn, wire.TerminalError{
			Type:      "terminal_error",
			ChannelID: msg.ChannelID,
			Code:      wire.CodeFrameNotFound,
			Message:   "paired home agent is not connected",
		}, rt.logger, "terminal_error")
		return
	}
	sendTo(ctx, agent.Conn, msg, rt.logger, "terminal_open")
}

// HandleBrowserTerminalForward forwards terminal_data/terminal_resize from
// a browser to the home agent owning the channel. terminal_close also
// clears the channel entry.
func (rt *Router) HandleBrowserTerminalForward(ctx context.Context, channelID string, msg any, isClose bool) {
	rt.mu.Lock()
	target, ok := rt.channels[channelID]
	if isClose {
		delete(rt.channels, channelID)
	}
	rt.mu.Unlock()
	if !ok {
		return
	}
	agent, ok := rt.registry.GetHomeAgent(target.serverID)
	if !ok {
		return
	}
	sendTo(ctx, agent.Conn, msg, rt.logger, "terminal_forward")
}

// HandleServerTerminalForward forwards terminal_opened/terminal_data from
// a home agent to the paired browser. terminal_close/terminal_error also
// clear the channel entry.
func (rt *Router) HandleServerTerminalForward(ctx context.Context, channelID string, msg any, clearEntry bool) {
	rt.mu.Lock()
	target, ok := rt.channels[channelID]
	if clearEntry {
		delete(rt.channels, channelID)
	}
	rt.mu.Unlock()
	if !ok {
		return
	}
	browser, ok := rt.registry.GetBrowser(target.browserSessionID)
	if !ok {
		return
	}
	sendTo(ctx, browser.Conn, msg, rt.logger, "terminal_forward")
}

// HandleBrowserAPIRequest implements: record reqId -> forward to paired
// server, or synthesize a 503 if unpaired.
func (rt *Router) HandleBrowserAPIRequest(ctx context.Context, sessionID string, msg *wire.APIRequest) {
	browser, ok := rt.registry.GetBrowser(sessionID)
	if !ok {
		return
	}

	if browser.PairedID == "" {
		sendTo(ctx, browser.Conn, wire.APIResponse{
			Type:   "api_response",
			ReqID:  msg.ReqID,
			Status: 503,
			Body:   `{"error":"no home agent paired with this session"}`,
		}, rt.logger, "api_response")
		return
	}

	agent, ok := rt.registry.GetHomeAgent(browser.PairedID)
	if !ok {
		sendTo(ctx, browser.Conn, wire.APIResponse{
			Type:   "api_response",
			ReqID:  msg.ReqID,
			Status: 503,
			Body:   `{"error":"paired home agent is not connected"}`,
		}, rt.logger, "api_response")
		return
	}

	rt.mu.Lock()
	rt.pending[msg.ReqID] = sessionID
	rt.mu.Unlock()
	sendTo(ctx, agent.Conn, msg, rt.logger, "api_request")
}

// HandleServerAPIResponse forwards a home agent's api_response to the
// browser that made the request, clearing the pending entry.
func (rt *Router) HandleServerAPIResponse(ctx context.Context, msg *wire.APIResponse) {
	rt.mu.Lock()
	sessionID, ok := rt.pending[msg.ReqID]
	if ok {
		delete(rt.pending, msg.ReqID)
	}
	rt.mu.Unlock()
	if !ok {
		return
	}
	browser, ok := rt.registry.GetBrowser(sessionID)
	if !ok {
		return
	}
	sendTo(ctx, browser.Conn, msg, rt.logger, "api_response")
}

// HandleServerFramesSync updates the registry's cached frame list for
// serverID and broadcasts it to every browser currently paired to it.
func (rt *Router) HandleServerFramesSync(ctx context.Context, serverID string, msg *wire.FramesSync) {
	rt.registry.UpdateFrames(serverID, msg.Frames)
	for _, b := range rt.registry.BrowsersPairedTo(serverID) {
		sendTo(ctx, b.Conn, msg, rt.logger, "frames_sync")
	}
}

// GCBrowserSession drops all pending reqId entries and channel entries
// belonging to sessionID, on browser session close.
func (rt *Router) GCBrowserSession(sessionID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for reqID, sid := range rt.pending {
		if sid == sessionID {
			delete(rt.pending, reqID)
		}
	}
	for ch, target := range rt.channels {
		if target.browserSessionID == sessionID {
			delete(rt.channels, ch)
		}
	}
}

// GCServerSession resolves any pending reqId entries whose browser was
// paired to serverID with a best-effort 503, on home-agent session close.
// Channel cleanup is not required: the browser observes server_status:false
// and tears down client-side.
func (rt *Router) GCServerSession(ctx context.Context, serverID string) {
	type resolved struct {
		reqID     string
		sessionID string
	}

	rt.mu.Lock()
	var toResolve []resolved
	for reqID, sessionID := range rt.pending {
		browser, ok := rt.registry.GetBrowser(sessionID)
		if ok && browser.PairedID == serverID {
			toResolve = append(toResolve, resolved{reqID: reqID, sessionID: sessionID})
		}
	}
	for _, r := range toResolve {
		delete(rt.pending, r.reqID)
	}
	rt.mu.Unlock()

	for _, r := range toResolve {
		browser, ok := rt.registry.GetBrowser(r.sessionID)
		if !ok {
			continue
		}
		sendTo(ctx, browser.Conn, wire.APIResponse{
			Type:   "api_response",
			ReqID:  r.reqID,
			Status: 503,
			Body:   `{"error":"home agent disconnected"}`,
		}, rt.logger, "api_response")
	}
}
