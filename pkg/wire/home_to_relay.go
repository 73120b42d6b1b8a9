package wire

// Messages sent by a home agent to the relay over the /tunnel connection.

// SimpleAuth is the development/unowned auth handshake.
type SimpleAuth struct {
	Type       string `json:"type"` // "simple_auth"
	ServerID   string `json:"serverId"`
	ServerName string `json:"serverName"`
}

func NewSimpleAuth(serverID, serverName string) SimpleAuth {
	return SimpleAuth{Type: "simple_auth", ServerID: serverID, ServerName: serverName}
}

// Auth is the owned, signed auth handshake. Signature is Ed25519 over
// "serverId:timestamp".
type Auth struct {
	Type      string `json:"type"` // "auth"
	ServerID  string `json:"serverId"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

func NewAuth(serverID string, timestamp int64, signature string) Auth {
	return Auth{Type: "auth", ServerID: serverID, Timestamp: timestamp, Signature: signature}
}

// Pong is the home agent's heartbeat reply (or independent periodic push).
type Pong struct {
	Type string `json:"type"` // "pong"
	TS   int64  `json:"ts"`
}

func NewPong(ts int64) Pong {
	return Pong{Type: "pong", TS: ts}
}

// FramesSync reports the home agent's current frame list.
type FramesSync struct {
	Type   string         `json:"type"` // "frames_sync"
	Frames []FrameSummary `json:"frames"`
}

func NewFramesSync(frames []FrameSummary) FramesSync {
	return FramesSync{Type: "frames_sync", Frames: frames}
}

// TerminalOpened confirms a terminal_open, reporting initial geometry.
type TerminalOpened struct {
	Type      string `json:"type"` // "terminal_opened"
	ChannelID string `json:"channelId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// TerminalData carries base64-encoded terminal bytes in either direction.
type TerminalData struct {
	Type      string `json:"type"` // "terminal_data"
	ChannelID string `json:"channelId"`
	Data      string `json:"data"`
}

// TerminalClose signals a terminal channel has ended, in either direction.
type TerminalClose struct {
	Type      string `json:"type"` // "terminal_close"
	ChannelID string `json:"channelId"`
}

// TerminalError reports a terminal channel failure.
type TerminalError struct {
	Type      string `json:"type"` // "terminal_error"
	ChannelID string `json:"channelId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// APIResponse answers a relay-originated api_request.
type APIResponse struct {
	Type    string            `json:"type"` // "api_response"
	ReqID   string            `json:"reqId"`
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}
