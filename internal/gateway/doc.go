// Package gateway orchestrates the catalyst-gateway server components.
//
// # Overview
//
// The gateway bridges two websocket populations: agents running on remote
// nodes, and browser clients watching and controlling game servers. Every
// inbound frame is a tagged JSON object; the router decodes the tag, then
// each handler runs the same ordered checks:
//
//  1. rate limit
//  2. authentication (handshake types exempt)
//  3. entity validation (server exists, belongs to the claimed node/user)
//  4. permission (owner or explicit grant)
//  5. mutation / forward
//  6. fan-out
//
// Agent-origin failures are logged and silently dropped. Client-origin
// failures produce typed error frames:
//
//	{"type":"error","code":"PERMISSION_DENIED"}
//
// # Endpoints
//
//   - GET /ws/agent  - agent websocket (node_handshake within 10s)
//   - GET /ws/client - client websocket (cookie or handshake within 5s)
//   - GET /healthz   - liveness plus population counts
//
// # Fan-out
//
// Events reach only clients that are both subscribed to the server and
// authorized for it. Writes are non-blocking; a dead socket is detached on
// its first failed write.
//
// # Lifecycle
//
// A background loop evicts agent connections whose heartbeat exceeds the
// configured timeout, marking the node offline. On agent (re)connect the
// gateway resumes console streams for active servers and reconciles the
// agent's found-container report against the store, marking missing servers
// stopped.
//
// # Key Files
//
//   - gateway.go: Gateway struct, endpoints, accept loops, shutdown
//   - messages.go: wire frame types
//   - agent_handlers.go: agent-origin frame handlers
//   - client_handlers.go: client-origin frame handlers
//   - fanout.go: subscription+authorization filtered delivery
//   - lifecycle.go: heartbeat eviction, console resume, reconciliation
//   - restart.go: auto-restart policy for crashed servers
//   - backup.go: backup completion, transfer, retention
package gateway
