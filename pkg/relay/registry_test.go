package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	sent   []any
	closed bool
	reason string
}

func (f *fakeConn) Send(ctx context.Context, v any) error {
	f.sent = append(f.sent, v)
	return nil
}

func (f *fakeConn) Close(reason string) error {
	f.closed = true
	f.reason = reason
	return nil
}

func TestRegistry_AddHomeAgentDisplacesPrior(t *testing.T) {
	r := NewRegistry()
	first := &HomeAgent{ServerID: "s1", Conn: &fakeConn{}}
	second := &HomeAgent{ServerID: "s1", Conn: &fakeConn{}}

	require.Nil(t, r.AddHomeAgent(first))
	displaced := r.AddHomeAgent(second)
	require.Same(t, first, displaced)

	got, ok := r.GetHomeAgent("s1")
	require.True(t, ok)
	require.Same(t, second, got)
}

func TestRegistry_RemoveHomeAgentOnlyIfCurrent(t *testing.T) {
	r := NewRegistry()
	first := &HomeAgent{ServerID: "s1"}
	r.AddHomeAgent(first)
	second := &HomeAgent{ServerID: "s1"}
	r.AddHomeAgent(second)

	// Removing using the stale "first" pointer must not evict "second".
	r.RemoveHomeAgent("s1", first)
	got, ok := r.GetHomeAgent("s1")
	require.True(t, ok)
	require.Same(t, second, got)

	r.RemoveHomeAgent("s1", second)
	_, ok = r.GetHomeAgent("s1")
	require.False(t, ok)
}

func TestRegistry_HomeAgentsForUserOwnershipRules(t *testing.T) {
	r := NewRegistry()
	r.AddHomeAgent(&HomeAgent{ServerID: "owned", OwnerUserID: "alice"})
	r.AddHomeAgent(&HomeAgent{ServerID: "unowned"})
	r.AddHomeAgent(&HomeAgent{ServerID: "other-owned", OwnerUserID: "bob"})

	visible := r.HomeAgentsForUser("alice")
	ids := map[string]bool{}
	for _, a := range visible {
		ids[a.ServerID] = true
	}
	require.True(t, ids["owned"])
	require.True(t, ids["unowned"])
	require.False(t, ids["other-owned"])
}

func TestRegistry_AutoPairPrefersVisibleAgent(t *testing.T) {
	r := NewRegistry()
	r.AddHomeAgent(&HomeAgent{ServerID: "owned", OwnerUserID: "alice"})

	id, ok := r.AutoPair("alice")
	require.True(t, ok)
	require.Equal(t, "owned", id)

	_, ok = r.AutoPair("carol")
	require.False(t, ok)
}

func TestRegistry_BrowsersPairedTo(t *testing.T) {
	r := NewRegistry()
	b1 := &Browser{SessionID: "b1", PairedID: "s1"}
	b2 := &Browser{SessionID: "b2", PairedID: "s2"}
	r.AddBrowser(b1)
	r.AddBrowser(b2)

	paired := r.BrowsersPairedTo("s1")
	require.Len(t, paired, 1)
	require.Equal(t, "b1", paired[0].SessionID)
}

func TestRegistry_UnpairedBrowsersForUser(t *testing.T) {
	r := NewRegistry()
	r.AddBrowser(&Browser{SessionID: "b1", UserID: "alice"})
	r.AddBrowser(&Browser{SessionID: "b2", UserID: "alice", PairedID: "s1"})
	r.AddBrowser(&Browser{SessionID: "b3", UserID: "bob"})

	unpaired := r.UnpairedBrowsersForUser("alice")
	require.Len(t, unpaired, 1)
	require.Equal(t, "b1", unpaired[0].SessionID)
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry()
	r.AddHomeAgent(&HomeAgent{ServerID: "s1", ServerName: "box-1", ConnectedAt: time.Now()})
	r.AddBrowser(&Browser{SessionID: "b1", PairedID: "s1"})

	snap := r.Snapshot()
	require.Equal(t, 1, snap.HomeAgentCount)
	require.Equal(t, 1, snap.BrowserCount)
	require.Len(t, snap.Servers, 1)
	require.Equal(t, 1, snap.Servers[0].PairedBrowsers)
}
