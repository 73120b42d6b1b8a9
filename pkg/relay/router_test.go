package relay

import (
	"context"
	"log/slog"
	"testing"

	"github.com/frameworks/frame-relay/pkg/wire"
	"github.com/stretchr/testify/require"
)

func TestRouter_BrowserTerminalOpenUnpairedSynthesizesError(t *testing.T) {
	reg := NewRegistry()
	conn := &fakeConn{}
	reg.AddBrowser(&Browser{SessionID: "b1", Conn: conn})
	rt := NewRouter(reg, slog.Default())

	rt.HandleBrowserTerminalOpen(context.Background(), "b1", &wire.TerminalOpen{ChannelID: "c1", FrameID: "f1"})

	require.Len(t, conn.sent, 1)
	errMsg, ok := conn.sent[0].(wire.TerminalError)
	require.True(t, ok)
	require.Equal(t, wire.CodeFrameNotFound, errMsg.Code)
}

func TestRouter_BrowserTerminalOpenForwardsToPairedAgent(t *testing.T) {
	reg := NewRegistry()
	browserConn := &fakeConn{}
	agentConn := &fakeConn{}
	reg.AddBrowser(&Browser{SessionID: "b1", Conn: browserConn, PairedID: "s1"})
	reg.AddHomeAgent(&HomeAgent{ServerID: "s1", Conn: agentConn})
	rt := NewRouter(reg, slog.Default())

	rt.HandleBrowserTerminalOpen(context.Background(), "b1", &wire.TerminalOpen{ChannelID: "c1", FrameID: "f1"})

	require.Empty(t, browserConn.sent)
	require.Len(t, agentConn.sent, 1)
}

func TestRouter_TerminalDataRoundTrip(t *testing.T) {
	reg := NewRegistry()
	browserConn := &fakeConn{}
	agentConn := &fakeConn{}
	reg.AddBrowser(&Browser{SessionID: "b1", Conn: browserConn, PairedID: "s1"})
	reg.AddHomeAgent(&HomeAgent{ServerID: "s1", Conn: agentConn})
	rt := NewRouter(reg, slog.Default())

	rt.HandleBrowserTerminalOpen(context.Background(), "b1", &wire.TerminalOpen{ChannelID: "c1"})
	rt.HandleBrowserTerminalForward(context.Background(), "c1", &wire.TerminalData{ChannelID: "c1", Data: "aGk="}, false)
	require.Len(t, agentConn.sent, 2)

	rt.HandleServerTerminalForward(context.Background(), "c1", &wire.TerminalData{ChannelID: "c1", Data: "cmVwbHk="}, false)
	require.Len(t, browserConn.sent, 1)

	rt.HandleServerTerminalForward(context.Background(), "c1", &wire.TerminalClose{ChannelID: "c1"}, true)
	require.Len(t, browserConn.sent, 2)

	// Channel entry cleared: further forwards are dropped silently.
	rt.HandleBrowserTerminalForward(context.Background(), "c1", &wire.TerminalData{ChannelID: "c1", Data: "eA=="}, false)
	require.Len(t, agentConn.sent, 2)
}

func TestRouter_APIRequestUnpairedSynthesizes503(t *testing.T) {
	reg := NewRegistry()
	conn := &fakeConn{}
	reg.AddBrowser(&Browser{SessionID: "b1", Conn: conn})
	rt := NewRouter(reg, slog.Default())

	rt.HandleBrowserAPIRequest(context.Background(), "b1", &wire.APIRequest{ReqID: "r1", Method: "GET", Path: "/frames"})

	require.Len(t, conn.sent, 1)
	resp := conn.sent[0].(wire.APIResponse)
	require.Equal(t, 503, resp.Status)
}

func TestRouter_APIResponseRoutesBackToBrowser(t *testing.T) {
	reg := NewRegistry()
	browserConn := &fakeConn{}
	agentConn := &fakeConn{}
	reg.AddBrowser(&Browser{SessionID: "b1", Conn: browserConn, PairedID: "s1"})
	reg.AddHomeAgent(&HomeAgent{ServerID: "s1", Conn: agentConn})
	rt := NewRouter(reg, slog.Default())

	rt.HandleBrowserAPIRequest(context.Background(), "b1", &wire.APIRequest{ReqID: "r1", Method: "GET", Path: "/frames"})
	rt.HandleServerAPIResponse(context.Background(), &wire.APIResponse{ReqID: "r1", Status: 200, Body: "[]"})

	require.Len(t, browserConn.sent, 1)
	resp := browserConn.sent[0].(*wire.APIResponse)
	require.Equal(t, 200, resp.Status)
}

func TestRouter_FramesSyncUpdatesCacheAndBroadcasts(t *testing.T) {
	reg := NewRegistry()
	browserConn := &fakeConn{}
	reg.AddBrowser(&Browser{SessionID: "b1", Conn: browserConn, PairedID: "s1"})
	reg.AddHomeAgent(&HomeAgent{ServerID: "s1"})
	rt := NewRouter(reg, slog.Default())

	frames := []wire.FrameSummary{{ID: "f1", Name: "one"}}
	rt.HandleServerFramesSync(context.Background(), "s1", &wire.FramesSync{Frames: frames})

	agent, _ := reg.GetHomeAgent("s1")
	require.Equal(t, frames, agent.LastFrames)
	require.Len(t, browserConn.sent, 1)
}

func TestRouter_GCBrowserSessionDropsChannelsAndPending(t *testing.T) {
	reg := NewRegistry()
	reg.AddBrowser(&Browser{SessionID: "b1", PairedID: "s1"})
	reg.AddHomeAgent(&HomeAgent{ServerID: "s1", Conn: &fakeConn{}})
	rt := NewRouter(reg, slog.Default())

	rt.HandleBrowserTerminalOpen(context.Background(), "b1", &wire.TerminalOpen{ChannelID: "c1"})
	rt.HandleBrowserAPIRequest(context.Background(), "b1", &wire.APIRequest{ReqID: "r1"})

	rt.GCBrowserSession("b1")

	rt.mu.Lock()
	_, chOK := rt.channels["c1"]
	_, reqOK := rt.pending["r1"]
	rt.mu.Unlock()
	require.False(t, chOK)
	require.False(t, reqOK)
}

func TestRouter_GCServerSessionResolvesPendingWith503(t *testing.T) {
	reg := NewRegistry()
	browserConn := &fakeConn{}
	reg.AddBrowser(&Browser{SessionID: "b1", Conn: browserConn, PairedID: "s1"})
	reg.AddHomeAgent(&HomeAgent{ServerID: "s1", Conn: &fakeConn{}})
	rt := NewRouter(reg, slog.Default())

	rt.HandleBrowserAPIRequest(context.Background(), "b1", &wire.APIRequest{ReqID: "r1"})
	require.Empty(t, browserConn.sent)

	rt.GCServerSession(context.Background(), "s1")

	require.Len(t, browserConn.sent, 1)
	resp := browserConn.sent[0].(wire.APIResponse)
	require.Equal(t, 503, resp.Status)
}
