// ABOUTME: Authentication for both gateway populations.
// ABOUTME: Agents use node shared secrets or API keys; clients use session JWTs.

// Package auth validates the credentials presented during connection
// handshakes. Agent credentials are either the node's shared secret
// (constant-time compared) or an API key whose bcrypt hash is looked up by
// prefix, with a short-lived success cache bounding repeated verification
// cost. Client credentials are HS256 session tokens carried in a cookie or
// a handshake message.
package auth
