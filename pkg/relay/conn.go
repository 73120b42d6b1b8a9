package relay

import (
	"context"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Conn is the minimal duplex-send capability the registry and router need
// from an upgraded connection. Wrapping *websocket.Conn behind this
// interface lets the registry/router be unit tested with fake
// connections, without a live network upgrade.
type Conn interface {
	Send(ctx context.Context, v any) error
	Close(reason string) error
}

// wsConn adapts a *websocket.Conn to Conn.
type wsConn struct {
	c *websocket.Conn
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{c: c}
}

func (w *wsConn) Send(ctx context.Context, v any) error {
	return wsjson.Write(ctx, w.c, v)
}

func (w *wsConn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}
