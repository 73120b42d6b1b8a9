// Package tunnel implements the home agent's outbound connection to the
// relay: handshake, reconnection with backoff, heartbeat, periodic frame
// summaries, terminal channel bridging through the terminal-attach
// adapter, and a small control-plane router for relayed api_requests.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/frameworks/frame-relay/pkg/frame"
	"github.com/frameworks/frame-relay/pkg/supervisor"
	"github.com/frameworks/frame-relay/pkg/termattach"
	"github.com/frameworks/frame-relay/pkg/wire"
)

// State is the client's connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Signer produces a signed "auth" handshake for an owned home agent. A nil
// Signer makes the client use the unowned simple_auth handshake instead.
type Signer interface {
	Sign(serverID string, timestamp int64) (signature string, err error)
}

const (
	initialBackoff  = 1 * time.Second
	maxBackoff      = 30 * time.Second
	maxAttempts     = 10
	heartbeatPeriod = 30 * time.Second
	frameSyncPeriod = 5 * time.Second
)

// Config configures a Client.
type Config struct {
	RelayURL   string
	ServerID   string
	ServerName string
	Signer     Signer // nil selects the simple_auth handshake
}

// Client is the home agent's tunnel connection to the relay.
type Client struct {
	cfg        Config
	supervisor *supervisor.Supervisor
	attach     *termattach.Adapter
	api        *APIRouter
	logger     *slog.Logger

	mu        sync.Mutex
	state     State
	sessionID string
	conn      *websocket.Conn
	attempts  int

	channelFrames map[string]frame.ID // channelId -> frame attached to it
}

// New builds a tunnel Client. The terminal-attach adapter's signal
// callbacks are wired to this client's outbound forwarding, so callers
// must not also register their own.
func New(cfg Config, sup *supervisor.Supervisor, logger *slog.Logger) *Client {
	c := &Client{
		cfg:           cfg,
		supervisor:    sup,
		logger:        logger,
		state:         StateDisconnected,
		channelFrames: make(map[string]frame.ID),
	}
	c.attach = termattach.New(termattach.Signals{
		OnData:  c.onTerminalData,
		OnExit:  c.onTerminalExit,
		OnError: c.onTerminalError,
	}, logger)
	c.api = NewAPIRouter(sup)
	return c
}

// Run connects and reconnects until ctx is canceled or the attempt budget
// is exhausted, at which point it enters the error state and returns.
func (c *Client) Run(ctx context.Context) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			c.Disconnect()
			return
		}
		if err != nil {
			c.logger.Warn("tunnel connection ended", "error", err)
		}

		c.mu.Lock()
		c.attempts++
		attempts := c.attempts
		c.mu.Unlock()

		if attempts >= maxAttempts {
			c.setState(StateError)
			c.logger.Error("tunnel exceeded reconnect attempt budget, giving up", "attempts", attempts)
			return
		}

		c.logger.Info("reconnecting", "attempt", attempts, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runOnce opens one connection, authenticates, runs the session loops,
// and blocks until the connection closes or ctx is canceled.
func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.cfg.RelayURL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "session ended")

	if err := c.authenticate(ctx, conn); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()
	c.setState(StateConnected)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.heartbeatLoop(sessionCtx, conn) }()
	go func() { defer wg.Done(); c.frameSyncLoop(sessionCtx, conn) }()

	err = c.readLoop(sessionCtx, conn)
	cancel()
	wg.Wait()

	c.teardownSession()
	return err
}

func (c *Client) authenticate(ctx context.Context, conn *websocket.Conn) error {
	if c.cfg.Signer != nil {
		ts := time.Now().Unix()
		sig, err := c.cfg.Signer.Sign(c.cfg.ServerID, ts)
		if err != nil {
			return fmt.Errorf("sign auth handshake: %w", err)
		}
		if err := wsjson.Write(ctx, conn, wire.NewAuth(c.cfg.ServerID, ts, sig)); err != nil {
			return err
		}
	} else {
		if err := wsjson.Write(ctx, conn, wire.NewSimpleAuth(c.cfg.ServerID, c.cfg.ServerName)); err != nil {
			return err
		}
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("read auth reply: %w", err)
	}
	typ, msg, err := wire.Decode(c.logger, data)
	if err != nil {
		return err
	}

	var sessionID string
	switch typ {
	case "simple_auth_success":
		sessionID = msg.(*wire.SimpleAuthSuccess).SessionID
	case "auth_success":
		sessionID = msg.(*wire.AuthSuccess).SessionID
	case "auth_error":
		ae := msg.(*wire.AuthError)
		return fmt.Errorf("relay rejected auth: %s: %s", ae.Code, ae.Message)
	default:
		return fmt.Errorf("unexpected auth reply type %q", typ)
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
	return nil
}

func (c *Client) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = wsjson.Write(ctx, conn, wire.NewPong(time.Now().Unix()))
		}
	}
}

func (c *Client) frameSyncLoop(ctx context.Context, conn *websocket.Conn) {
	c.sendFrameSync(ctx, conn)
	ticker := time.NewTicker(frameSyncPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendFrameSync(ctx, conn)
		}
	}
}

func (c *Client) sendFrameSync(ctx context.Context, conn *websocket.Conn) {
	frames, err := c.supervisor.ListFrames(ctx, nil)
	if err != nil {
		c.logger.Warn("frame sync: list frames failed", "error", err)
		return
	}
	summaries := make([]wire.FrameSummary, 0, len(frames))
	for _, f := range frames {
		summaries = append(summaries, projectFrameSummary(f))
	}
	if err := wsjson.Write(ctx, conn, wire.NewFramesSync(summaries)); err != nil {
		c.logger.Debug("frame sync: send failed, connection may be closing", "error", err)
	}
}

func projectFrameSummary(f *frame.Frame) wire.FrameSummary {
	status := wire.FrameStopped
	switch f.Status {
	case frame.StatusRunning, frame.StatusStarting:
		status = wire.FrameRunning
	case frame.StatusError:
		status = wire.FrameError
	case frame.StatusStopped, frame.StatusStopping, frame.StatusCreated:
		status = wire.FrameStopped
	}
	ports := append([]int{}, f.ExtraPorts...)
	if f.BasePort != 0 {
		ports = append([]int{f.BasePort}, ports...)
	}
	var lastActive *time.Time
	if !f.LastActiveAt.IsZero() {
		lastActive = &f.LastActiveAt
	}
	return wire.FrameSummary{
		ID:           string(f.ID),
		Name:         f.Name,
		Status:       status,
		Workspace:    f.WorkspacePath,
		Ports:        ports,
		CreatedAt:    f.CreatedAt,
		LastActivity: lastActive,
	}
}

// readLoop reads and routes messages from the relay until the connection
// closes or ctx is canceled.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		typ, msg, err := wire.Decode(c.logger, data)
		if err != nil {
			c.logger.Warn("failed to decode relay message", "error", err)
			continue
		}
		if msg == nil {
			continue
		}

		switch typ {
		case "ping":
			_ = wsjson.Write(ctx, conn, wire.NewPong(msg.(*wire.Ping).TS))
		case "terminal_open":
			c.handleTerminalOpen(ctx, conn, msg.(*wire.TerminalOpen))
		case "terminal_data":
			c.handleTerminalData(msg.(*wire.TerminalData))
		case "terminal_resize":
			c.handleTerminalResize(msg.(*wire.TerminalResize))
		case "terminal_close":
			c.handleTerminalClose(msg.(*wire.TerminalClose))
		case "api_request":
			c.handleAPIRequest(ctx, conn, msg.(*wire.APIRequest))
		default:
			c.logger.Debug("ignoring message from relay", "type", typ)
		}
	}
}

func (c *Client) handleTerminalOpen(ctx context.Context, conn *websocket.Conn, msg *wire.TerminalOpen) {
	id := frame.ID(msg.FrameID)
	f, err := c.supervisor.GetFrame(ctx, id)
	if err != nil {
		c.sendTerminalError(ctx, conn, msg.ChannelID, wire.CodeFrameNotFound, err.Error())
		return
	}
	if f.Status != frame.StatusRunning {
		c.sendTerminalError(ctx, conn, msg.ChannelID, wire.CodeFrameNotRunning, fmt.Sprintf("frame is %s, not running", f.Status))
		return
	}

	const defaultCols, defaultRows = 80, 24
	_, err = c.attach.Open(msg.ChannelID, string(id), c.supervisor.ControlSocketPath(id), supervisor.MultiplexerSessionName, defaultCols, defaultRows)
	if err != nil {
		c.sendTerminalError(ctx, conn, msg.ChannelID, wire.CodeAttachFailed, err.Error())
		return
	}

	c.mu.Lock()
	c.channelFrames[msg.ChannelID] = id
	c.mu.Unlock()

	_ = wsjson.Write(ctx, conn, wire.TerminalOpened{
		Type: "terminal_opened", ChannelID: msg.ChannelID, Cols: defaultCols, Rows: defaultRows,
	})
}

func (c *Client) handleTerminalData(msg *wire.TerminalData) {
	data, err := wire.DecodeTerminalData(msg.Data)
	if err != nil {
		c.logger.Warn("terminal_data: bad base64 payload", "channel_id", msg.ChannelID, "error", err)
		return
	}
	if err := c.attach.Write(msg.ChannelID, data); err != nil {
		c.logger.Debug("terminal_data: write failed", "channel_id", msg.ChannelID, "error", err)
	}
}

func (c *Client) handleTerminalResize(msg *wire.TerminalResize) {
	if err := c.attach.Resize(msg.ChannelID, msg.Cols, msg.Rows); err != nil {
		c.logger.Debug("terminal_resize failed", "channel_id", msg.ChannelID, "error", err)
	}
}

func (c *Client) handleTerminalClose(msg *wire.TerminalClose) {
	_ = c.attach.Close(msg.ChannelID)
	c.mu.Lock()
	delete(c.channelFrames, msg.ChannelID)
	c.mu.Unlock()
}

func (c *Client) sendTerminalError(ctx context.Context, conn *websocket.Conn, channelID, code, message string) {
	_ = wsjson.Write(ctx, conn, wire.TerminalError{
		Type: "terminal_error", ChannelID: channelID, Code: code, Message: message,
	})
}

// onTerminalData forwards pumped PTY bytes to the relay over the live
// connection, if any.
func (c *Client) onTerminalData(channelID string, data []byte) {
	conn := c.activeConn()
	if conn == nil {
		return
	}
	_ = wsjson.Write(context.Background(), conn, wire.TerminalData{
		Type: "terminal_data", ChannelID: channelID, Data: wire.EncodeTerminalData(data),
	})
}

func (c *Client) onTerminalExit(channelID string, code *int) {
	c.mu.Lock()
	delete(c.channelFrames, channelID)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	_ = wsjson.Write(context.Background(), conn, wire.TerminalClose{Type: "terminal_close", ChannelID: channelID})
}

func (c *Client) onTerminalError(channelID string, sessionErr error) {
	conn := c.activeConn()
	if conn == nil {
		return
	}
	_ = wsjson.Write(context.Background(), conn, wire.TerminalError{
		Type: "terminal_error", ChannelID: channelID, Code: wire.CodeAttachFailed, Message: sessionErr.Error(),
	})
}

func (c *Client) handleAPIRequest(ctx context.Context, conn *websocket.Conn, msg *wire.APIRequest) {
	status, body := c.api.Handle(ctx, msg.Method, msg.Path)
	_ = wsjson.Write(ctx, conn, wire.APIResponse{
		Type: "api_response", ReqID: msg.ReqID, Status: status, Body: body,
	})
}

func (c *Client) activeConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the client's current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// teardownSession clears per-connection state after a connection ends,
// closing any terminals still attached so a reconnect starts clean.
func (c *Client) teardownSession() {
	c.attach.CloseAll()
	c.mu.Lock()
	c.conn = nil
	c.sessionID = ""
	c.channelFrames = make(map[string]frame.ID)
	c.mu.Unlock()
	c.setState(StateDisconnected)
}

// Disconnect tears the client down in deterministic order: timers and
// attached terminals first (via teardownSession, called once runOnce's
// session loops exit), then the connection itself.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	c.teardownSession()
}
