// ABOUTME: Live connection registry for the two gateway populations.
// ABOUTME: Tracks agents by node ID and clients by ephemeral ID, with caps.

package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry errors surfaced at accept time.
var (
	ErrAgentLimit  = errors.New("agent connection limit reached")
	ErrClientLimit = errors.New("client connection limit reached")
	ErrUserLimit   = errors.New("per-user connection limit reached")
)

// AgentConn is the ephemeral state for one connected agent. Nothing here is
// persisted; the durable view lives on the Node row.
type AgentConn struct {
	NodeID string
	Socket Socket

	mu            sync.Mutex
	authenticated bool
	lastHeartbeat time.Time
}

// NewAgentConn wraps a freshly accepted agent socket. The connection starts
// unauthenticated; the handshake deadline enforcement lives in the gateway.
func NewAgentConn(nodeID string, sock Socket) *AgentConn {
	return &AgentConn{
		NodeID:        nodeID,
		Socket:        sock,
		lastHeartbeat: time.Now(),
	}
}

// MarkAuthenticated records a successful handshake.
func (c *AgentConn) MarkAuthenticated() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.lastHeartbeat = time.Now()
}

// Authenticated reports whether the handshake completed.
func (c *AgentConn) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// TouchHeartbeat stamps the connection as alive now.
func (c *AgentConn) TouchHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = time.Now()
}

// LastHeartbeat returns the most recent liveness stamp.
func (c *AgentConn) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// ClientConn is the ephemeral state for one connected browser client.
type ClientConn struct {
	ID     string
	Socket Socket

	mu            sync.Mutex
	userID        string
	authenticated bool
	subscriptions map[string]struct{}
}

// NewClientConn wraps a freshly accepted client socket under a generated
// ephemeral ID.
func NewClientConn(sock Socket) *ClientConn {
	return &ClientConn{
		ID:            uuid.New().String(),
		Socket:        sock,
		subscriptions: make(map[string]struct{}),
	}
}

// SetUser records the authenticated user behind this connection.
func (c *ClientConn) SetUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.authenticated = true
}

// UserID returns the authenticated user, or "" before authentication.
func (c *ClientConn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Authenticated reports whether the client has proven a session.
func (c *ClientConn) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Subscribe adds a server to this connection's console/event feed. Returns
// false if the subscription already existed.
func (c *ClientConn) Subscribe(serverID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[serverID]; ok {
		return false
	}
	c.subscriptions[serverID] = struct{}{}
	return true
}

// Unsubscribe removes a server from the feed.
func (c *ClientConn) Unsubscribe(serverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, serverID)
}

// Subscribed reports whether this connection wants events for serverID.
func (c *ClientConn) Subscribed(serverID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[serverID]
	return ok
}

// Subscriptions returns a snapshot of subscribed server IDs.
func (c *ClientConn) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		out = append(out, id)
	}
	return out
}

// Registry holds every live connection. The agent and client populations
// are independent maps behind one mutex each; the registry never touches
// the store or the network, so no lock is ever held across IO.
type Registry struct {
	maxAgents  int
	maxClients int
	maxPerUser int

	agentsMu sync.Mutex
	agents   map[string]*AgentConn

	clientsMu sync.Mutex
	clients   map[string]*ClientConn
}

// New creates a registry with the given population caps. A cap of zero
// means unlimited.
func New(maxAgents, maxClients, maxPerUser int) *Registry {
	return &Registry{
		maxAgents:  maxAgents,
		maxClients: maxClients,
		maxPerUser: maxPerUser,
		agents:     make(map[string]*AgentConn),
		clients:    make(map[string]*ClientConn),
	}
}

// AddAgent registers conn under its node ID. If the node already has a live
// connection the old one is displaced and returned so the caller can close
// it; the newest connection always wins.
func (r *Registry) AddAgent(conn *AgentConn) (displaced *AgentConn, err error) {
	r.agentsMu.Lock()
	defer r.agentsMu.Unlock()

	previous := r.agents[conn.NodeID]
	if previous == nil && r.maxAgents > 0 && len(r.agents) >= r.maxAgents {
		return nil, ErrAgentLimit
	}
	r.agents[conn.NodeID] = conn
	return previous, nil
}

// RemoveAgent drops conn from the registry. The pointer comparison keeps a
// stale disconnect from evicting a newer connection for the same node.
func (r *Registry) RemoveAgent(conn *AgentConn) bool {
	r.agentsMu.Lock()
	defer r.agentsMu.Unlock()

	if r.agents[conn.NodeID] != conn {
		return false
	}
	delete(r.agents, conn.NodeID)
	return true
}

// Agent returns the live connection for nodeID, or nil.
func (r *Registry) Agent(nodeID string) *AgentConn {
	r.agentsMu.Lock()
	defer r.agentsMu.Unlock()
	return r.agents[nodeID]
}

// Agents returns a snapshot of all live agent connections.
func (r *Registry) Agents() []*AgentConn {
	r.agentsMu.Lock()
	defer r.agentsMu.Unlock()
	out := make([]*AgentConn, 0, len(r.agents))
	for _, conn := range r.agents {
		out = append(out, conn)
	}
	return out
}

// AgentCount returns the live agent population.
func (r *Registry) AgentCount() int {
	r.agentsMu.Lock()
	defer r.agentsMu.Unlock()
	return len(r.agents)
}

// AddClient registers a client connection, enforcing the global cap.
func (r *Registry) AddClient(conn *ClientConn) error {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()

	if r.maxClients > 0 && len(r.clients) >= r.maxClients {
		return ErrClientLimit
	}
	r.clients[conn.ID] = conn
	return nil
}

// AuthorizeClientUser binds an authenticated user to conn, enforcing the
// per-user connection cap. The cap counts already-authenticated connections
// for the same user.
func (r *Registry) AuthorizeClientUser(conn *ClientConn, userID string) error {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()

	if r.maxPerUser > 0 {
		count := 0
		for _, other := range r.clients {
			if other != conn && other.UserID() == userID {
				count++
			}
		}
		if count >= r.maxPerUser {
			return ErrUserLimit
		}
	}
	conn.SetUser(userID)
	return nil
}

// RemoveClient drops conn from the registry.
func (r *Registry) RemoveClient(conn *ClientConn) {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()
	delete(r.clients, conn.ID)
}

// Clients returns a snapshot of all live client connections.
func (r *Registry) Clients() []*ClientConn {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()
	out := make([]*ClientConn, 0, len(r.clients))
	for _, conn := range r.clients {
		out = append(out, conn)
	}
	return out
}

// ClientCount returns the live client population.
func (r *Registry) ClientCount() int {
	r.clientsMu.Lock()
	defer r.clientsMu.Unlock()
	return len(r.clients)
}
