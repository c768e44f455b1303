// ABOUTME: Agent credential verification against node secrets and API keys.
// ABOUTME: Caches API key bcrypt successes briefly to bound verification cost.

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/timmy-time/catalyst/internal/store"
)

// Agent auth errors. Handlers treat all of them as a closed connection; the
// distinction exists for logging.
var (
	ErrBadCredentials = errors.New("bad credentials")
	ErrNodeMismatch   = errors.New("api key is bound to a different node")
)

// apiKeySeparator splits an API key into its lookup prefix and secret part.
const apiKeySeparator = "."

// successCacheTTL bounds how long a verified API key skips bcrypt.
const successCacheTTL = time.Minute

// NewNodeSecret generates a random shared secret for a freshly registered
// node.
func NewNodeSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// CredentialStore is the subset of the store agent auth needs.
type CredentialStore interface {
	GetNode(ctx context.Context, id string) (*store.Node, error)
	GetAPIKeyByPrefix(ctx context.Context, prefix string) (*store.APIKey, error)
}

// cachedKey records a recent successful API key verification.
type cachedKey struct {
	nodeID    string
	expiresAt time.Time
}

// AgentAuthenticator verifies agent connection credentials.
type AgentAuthenticator struct {
	creds  CredentialStore
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedKey // sha256(raw key) -> entry
}

// NewAgentAuthenticator creates an authenticator over the given store.
func NewAgentAuthenticator(creds CredentialStore, logger *slog.Logger) *AgentAuthenticator {
	return &AgentAuthenticator{
		creds:  creds,
		logger: logger,
		cache:  make(map[string]cachedKey),
	}
}

// Authenticate verifies the token presented by an agent claiming nodeID.
// Shared secrets are compared in constant time. Tokens containing the API
// key separator take the key path: bcrypt lookup by prefix, success cache,
// and a cross-check that the key is bound to the connecting node.
func (a *AgentAuthenticator) Authenticate(ctx context.Context, nodeID, token string) error {
	if nodeID == "" || token == "" {
		return ErrBadCredentials
	}

	node, err := a.creds.GetNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrBadCredentials
		}
		return err
	}

	if subtle.ConstantTimeCompare([]byte(node.Secret), []byte(token)) == 1 {
		return nil
	}

	if strings.Contains(token, apiKeySeparator) {
		return a.verifyAPIKey(ctx, nodeID, token)
	}

	return ErrBadCredentials
}

// verifyAPIKey checks an API key token of the form "<prefix>.<secret>".
func (a *AgentAuthenticator) verifyAPIKey(ctx context.Context, nodeID, token string) error {
	if boundNode, ok := a.cachedNode(token); ok {
		if boundNode != nodeID {
			return ErrNodeMismatch
		}
		return nil
	}

	prefix, _, _ := strings.Cut(token, apiKeySeparator)
	key, err := a.creds.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrBadCredentials
		}
		return err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(key.Hash), []byte(token)); err != nil {
		return ErrBadCredentials
	}

	a.cacheSuccess(token, key.NodeID)

	if key.NodeID != nodeID {
		a.logger.Warn("api key bound to different node",
			"claimed_node", nodeID, "bound_node", key.NodeID)
		return ErrNodeMismatch
	}
	return nil
}

// cachedNode returns the bound node for a recently verified key.
func (a *AgentAuthenticator) cachedNode(token string) (string, bool) {
	digest := tokenDigest(token)

	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.cache[digest]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiresAt) {
		delete(a.cache, digest)
		return "", false
	}
	return entry.nodeID, true
}

// cacheSuccess records a verification so repeated connects skip bcrypt.
// Expired entries are swept opportunistically to keep the map bounded.
func (a *AgentAuthenticator) cacheSuccess(token, nodeID string) {
	digest := tokenDigest(token)
	now := time.Now()

	a.mu.Lock()
	defer a.mu.Unlock()

	for k, entry := range a.cache {
		if now.After(entry.expiresAt) {
			delete(a.cache, k)
		}
	}
	a.cache[digest] = cachedKey{nodeID: nodeID, expiresAt: now.Add(successCacheTTL)}
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
