package relay

import (
	"sync"
	"time"

	"github.com/frameworks/frame-relay/pkg/wire"
)

// HomeAgent is a connected home-agent tunnel, keyed by its stable serverId.
type HomeAgent struct {
	ServerID    string
	ServerName  string
	OwnerUserID string // empty means unowned (development fallback)
	Conn        Conn
	SessionID   string
	ConnectedAt time.Time
	LastPing    time.Time
	LastFrames  []wire.FrameSummary
}

// Browser is a connected browser/PWA client, keyed by an opaque session id.
type Browser struct {
	SessionID   string
	UserID      string
	Conn        Conn
	PairedID    string // paired home agent's serverId, empty if unpaired
	ConnectedAt time.Time
}

// Registry is the relay's single piece of shared mutable state: every
// connected home agent and browser session. All methods hold a single
// coarse-grained lock; the data touched per call is small.
type Registry struct {
	mu         sync.Mutex
	homeAgents map[string]*HomeAgent
	browsers   map[string]*Browser
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		homeAgents: make(map[string]*HomeAgent),
		browsers:   make(map[string]*Browser),
	}
}

// AddHomeAgent registers a. If a is reconnecting under the same serverId,
// the prior entry is displaced and returned; AddHomeAgent does not close
// its connection, so the caller closes it (with a "replaced by new
// connection" reason) and finishes tearing it down.
func (r *Registry) AddHomeAgent(a *HomeAgent) (displaced *HomeAgent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.homeAgents[a.ServerID]; ok {
		displaced = existing
	}
	r.homeAgents[a.ServerID] = a
	return displaced
}

// RemoveHomeAgent removes the home agent for serverId only if the current
// entry is exactly current (guards against removing a newer connection
// that has since displaced it).
func (r *Registry) RemoveHomeAgent(serverID string, current *HomeAgent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.homeAgents[serverID]; ok && existing == current {
		delete(r.homeAgents, serverID)
	}
}

// GetHomeAgent returns the connected home agent for serverId, if any.
func (r *Registry) GetHomeAgent(serverID string) (*HomeAgent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.homeAgents[serverID]
	return a, ok
}

// HomeAgentsForUser enumerates connected home agents visible to userID: an
// agent with a known owner is visible only to that owner; an unowned agent
// is visible to everyone (development fallback). Enforced here, at
// enumeration time, not at send time.
func (r *Registry) HomeAgentsForUser(userID string) []*HomeAgent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*HomeAgent
	for _, a := range r.homeAgents {
		if a.OwnerUserID == "" || a.OwnerUserID == userID {
			out = append(out, a)
		}
	}
	return out
}

// UpdateFrames replaces a home agent's cached frame list.
func (r *Registry) UpdateFrames(serverID string, frames []wire.FrameSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.homeAgents[serverID]; ok {
		a.LastFrames = frames
	}
}

// RecordPing updates a home agent's last-ping timestamp.
func (r *Registry) RecordPing(serverID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.homeAgents[serverID]; ok {
		a.LastPing = at
	}
}

// AddBrowser registers a new browser session.
func (r *Registry) AddBrowser(b *Browser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.browsers[b.SessionID] = b
}

// RemoveBrowser removes a browser session.
func (r *Registry) RemoveBrowser(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.browsers, sessionID)
}

// GetBrowser returns the browser session by id, if any.
func (r *Registry) GetBrowser(sessionID string) (*Browser, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.browsers[sessionID]
	return b, ok
}

// SetPaired sets a browser session's paired home agent.
func (r *Registry) SetPaired(sessionID, serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.browsers[sessionID]; ok {
		b.PairedID = serverID
	}
}

// BrowsersPairedTo returns every browser session currently paired to
// serverID.
func (r *Registry) BrowsersPairedTo(serverID string) []*Browser {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Browser
	for _, b := range r.browsers {
		if b.PairedID == serverID {
			out = append(out, b)
		}
	}
	return out
}

// AutoPair finds a target for a browser session with no prior pairing: the
// first online home agent visible to the browser's user. Returns ("",
// false) if none are available.
func (r *Registry) AutoPair(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, a := range r.homeAgents {
		if a.OwnerUserID == "" || a.OwnerUserID == userID {
			return id, true
		}
	}
	return "", false
}

// UnpairedBrowsersForUser returns every browser session for userID that has
// no current pairing, used to auto-pair them when a new home agent for
// their user comes online.
func (r *Registry) UnpairedBrowsersForUser(userID string) []*Browser {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Browser
	for _, b := range r.browsers {
		if b.PairedID == "" && b.UserID == userID {
			out = append(out, b)
		}
	}
	return out
}

// Stats is a point-in-time snapshot of registry occupancy, for /stats.
type Stats struct {
	HomeAgentCount int
	BrowserCount   int
	Servers        []ServerStat
}

// ServerStat is a shallow per-server summary.
type ServerStat struct {
	ServerID       string
	ServerName     string
	ConnectedSince time.Time
	FrameCount     int
	PairedBrowsers int
}

// Snapshot returns a consistent point-in-time view of the registry.
func (r *Registry) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	pairedCount := make(map[string]int, len(r.homeAgents))
	for _, b := range r.browsers {
		if b.PairedID != "" {
			pairedCount[b.PairedID]++
		}
	}

	stats := Stats{
		HomeAgentCount: len(r.homeAgents),
		BrowserCount:   len(r.browsers),
	}
	for id, a := range r.homeAgents {
		stats.Servers = append(stats.Servers, ServerStat{
			ServerID:       id,
			ServerName:     a.ServerName,
			ConnectedSince: a.ConnectedAt,
			FrameCount:     len(a.LastFrames),
			PairedBrowsers: pairedCount[id],
		})
	}
	return stats
}
