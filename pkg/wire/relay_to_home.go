package wire

// Messages sent by the relay to a home agent over the /tunnel connection.

// SimpleAuthSuccess acknowledges a simple_auth handshake.
type SimpleAuthSuccess struct {
	Type      string `json:"type"` // "simple_auth_success"
	ServerID  string `json:"serverId"`
	SessionID string `json:"sessionId"`
}

// AuthSuccess acknowledges a signed auth handshake.
type AuthSuccess struct {
	Type      string `json:"type"` // "auth_success"
	ServerID  string `json:"serverId"`
	SessionID string `json:"sessionId"`
}

// AuthError reports a failed auth handshake; the connection is closed
// after it is sent.
type AuthError struct {
	Type    string `json:"type"` // "auth_error"
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Ping is the relay's periodic liveness probe.
type Ping struct {
	Type string `json:"type"` // "ping"
	TS   int64  `json:"ts"`
}

func NewPing(ts int64) Ping {
	return Ping{Type: "ping", TS: ts}
}

// TerminalOpen asks the home agent to attach a terminal to a frame.
type TerminalOpen struct {
	Type      string `json:"type"` // "terminal_open"
	ChannelID string `json:"channelId"`
	FrameID   string `json:"frameId"`
}

// TerminalResize asks the home agent to resize a terminal session.
type TerminalResize struct {
	Type      string `json:"type"` // "terminal_resize"
	ChannelID string `json:"channelId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// APIRequest asks the home agent's control-plane router to handle a
// request on behalf of a browser.
type APIRequest struct {
	Type    string            `json:"type"` // "api_request"
	ReqID   string            `json:"reqId"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}
