// ABOUTME: Fan-out of server events to subscribed, authorized clients.
// ABOUTME: Fire-and-forget per socket; dead sockets are detached on failure.

package gateway

import (
	"context"

	"github.com/timmy-time/catalyst/internal/registry"
	"github.com/timmy-time/catalyst/internal/store"
)

// Permission names checked against ServerAccess grants.
const (
	permConsoleRead  = "console.read"
	permConsoleWrite = "console.write"
	permControlStart = "control.start"
	permControlStop  = "control.stop"
)

// fanOut delivers event to every client that is BOTH subscribed to the
// server and authorized to see it. Never broadcast: an unsubscribed or
// unauthorized client receives nothing. Writes are non-blocking; a failed
// write detaches the socket so one dead client never stalls the rest.
func (g *Gateway) fanOut(ctx context.Context, server *store.Server, event ClientEvent, perm string) {
	for _, client := range g.registry.Clients() {
		if !client.Authenticated() || !client.Subscribed(server.ID) {
			continue
		}
		if !g.authorized(ctx, client.UserID(), server, perm) {
			continue
		}
		if err := client.Socket.WriteJSON(event); err != nil {
			g.logger.Debug("detaching dead client socket",
				"client_id", client.ID, "error", err)
			g.detachClient(client)
		}
	}
}

// authorized reports whether userID may act on server with the given
// permission: the owner always may, anyone else needs an explicit grant.
func (g *Gateway) authorized(ctx context.Context, userID string, server *store.Server, perm string) bool {
	if userID == "" {
		return false
	}
	if userID == server.OwnerID {
		return true
	}
	access, err := g.store.GetServerAccess(ctx, userID, server.ID)
	if err != nil {
		return false
	}
	return access.Has(perm)
}

// detachClient force-closes and removes a client connection.
func (g *Gateway) detachClient(client *registry.ClientConn) {
	client.Socket.Close()
	g.registry.RemoveClient(client)
}
