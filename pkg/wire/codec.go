package wire

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// Decode unmarshals a raw wire message into the concrete type matching its
// "type" field, returning it as `any` along with the type tag. An unknown
// type is not an error: the caller should log it and ignore the message
// rather than fail the connection, since the relay and its peers are
// versioned independently.
func Decode(logger *slog.Logger, data []byte) (string, any, error) {
	typ, err := PeekType(data)
	if err != nil {
		return "", nil, fmt.Errorf("peek message type: %w", err)
	}

	var target any
	switch typ {
	// home -> relay
	case "simple_auth":
		target = &SimpleAuth{}
	case "auth":
		target = &Auth{}
	case "pong":
		target = &Pong{}
	case "frames_sync":
		target = &FramesSync{}
	case "terminal_opened":
		target = &TerminalOpened{}
	case "terminal_data":
		target = &TerminalData{}
	case "terminal_close":
		target = &TerminalClose{}
	case "terminal_error":
		target = &TerminalError{}
	case "api_response":
		target = &APIResponse{}
	// relay -> home
	case "simple_auth_success":
		target = &SimpleAuthSuccess{}
	case "auth_success":
		target = &AuthSuccess{}
	case "auth_error":
		target = &AuthError{}
	case "ping":
		target = &Ping{}
	case "terminal_open":
		target = &TerminalOpen{}
	case "terminal_resize":
		target = &TerminalResize{}
	case "api_request":
		target = &APIRequest{}
	// browser <-> relay
	case "pwa_auth":
		target = &PWAAuth{}
	case "pwa_auth_success":
		target = &PWAAuthSuccess{}
	case "pwa_auth_error":
		target = &PWAAuthError{}
	case "server_status":
		target = &ServerStatus{}
	case "servers_sync":
		target = &ServersSync{}
	default:
		if logger != nil {
			logger.Warn("ignoring unknown wire message type", "type", typ)
		}
		return typ, nil, nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return typ, nil, fmt.Errorf("decode %s message: %w", typ, err)
	}
	return typ, target, nil
}

// Encode marshals any wire message to its JSON form.
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}
