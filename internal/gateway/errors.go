// ABOUTME: Typed error frames sent to clients.
// ABOUTME: Agents never receive these; agent failures are logged and dropped.

package gateway

// Client-facing error codes.
const (
	CodeNodeOffline      = "NODE_OFFLINE"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeServerSuspended  = "SERVER_SUSPENDED"
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInvalidMessage   = "INVALID_MESSAGE"
	CodeConnectionLimit  = "CONNECTION_LIMIT"
)

// ErrorFrame is the typed error pushed to a client.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// sendError pushes a typed error frame to one client. Delivery failures are
// ignored; the read loop will notice a dead socket on its own.
func (g *Gateway) sendError(conn clientSink, code, message string) {
	_ = conn.WriteJSON(ErrorFrame{Type: TypeError, Code: code, Message: message})
}

// clientSink is the minimal write surface sendError needs.
type clientSink interface {
	WriteJSON(v any) error
}
