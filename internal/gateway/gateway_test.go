// ABOUTME: Shared test harness for the gateway package.
// ABOUTME: Builds a gateway over the mock store with recording fake sockets.

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/timmy-time/catalyst/internal/auth"
	"github.com/timmy-time/catalyst/internal/backup"
	"github.com/timmy-time/catalyst/internal/config"
	"github.com/timmy-time/catalyst/internal/pending"
	"github.com/timmy-time/catalyst/internal/ratelimit"
	"github.com/timmy-time/catalyst/internal/registry"
	"github.com/timmy-time/catalyst/internal/state"
	"github.com/timmy-time/catalyst/internal/store"
	"github.com/timmy-time/catalyst/internal/template"
)

// fakeSocket records every frame written to it.
type fakeSocket struct {
	mu         sync.Mutex
	frames     []any
	closed     bool
	failWrites bool
}

type writeFailedError struct{}

func (writeFailedError) Error() string { return "write failed" }

func (f *fakeSocket) WriteJSON(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return writeFailedError{}
	}
	f.frames = append(f.frames, v)
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSocket) Frames() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.frames))
	copy(out, f.frames)
	return out
}

// framesOfType filters recorded frames down to one wire type.
func (f *fakeSocket) framesOfType(msgType string) []any {
	var out []any
	for _, fr := range f.Frames() {
		switch v := fr.(type) {
		case ErrorFrame:
			if msgType == TypeError {
				out = append(out, v)
			}
		case ClientEvent:
			if v.Type == msgType {
				out = append(out, v)
			}
		case HandshakeAck:
			if msgType == TypeHandshakeAck {
				out = append(out, v)
			}
		case StartServer:
			if msgType == TypeStartServer {
				out = append(out, v)
			}
		case ResumeConsole:
			if msgType == TypeResumeConsole {
				out = append(out, v)
			}
		case AgentDirective:
			if v.Type == msgType {
				out = append(out, v)
			}
		case BackupUploadChunk:
			if v.Type == msgType {
				out = append(out, v)
			}
		}
	}
	return out
}

func (f *fakeSocket) lastError(t *testing.T) ErrorFrame {
	t.Helper()
	errs := f.framesOfType(TypeError)
	require.NotEmpty(t, errs, "expected an error frame")
	return errs[len(errs)-1].(ErrorFrame)
}

const testJWTSecret = "gateway-test-secret"

func newTestGateway(t *testing.T) (*Gateway, *store.MockStore) {
	t.Helper()

	st := store.NewMockStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Agents.HeartbeatInterval = 15 * time.Second
	cfg.Agents.HeartbeatTimeout = 60 * time.Second
	cfg.Agents.HandshakeDeadline = 10 * time.Second
	cfg.Clients.HandshakeDeadline = 5 * time.Second
	cfg.Limits.SettingsTTL = time.Minute
	cfg.Limits.ConsoleBytesPerSecond = 64 * 1024
	cfg.Limits.MaxPendingRequests = 64
	cfg.Limits.EnforceSuspension = true
	cfg.Backups.LocalDir = filepath.Join(t.TempDir(), "backups")
	cfg.Backups.StreamDir = filepath.Join(t.TempDir(), "stream")
	cfg.Backups.RetentionCount = 10

	templates, err := template.LoadDir(filepath.Join(t.TempDir(), "none"))
	require.NoError(t, err)

	g := &Gateway{
		cfg:       cfg,
		store:     st,
		logger:    logger,
		registry:  registry.New(0, 0, 0),
		tracker:   pending.NewTracker(cfg.Limits.MaxPendingRequests, logger),
		limiter:   ratelimit.New(),
		limits: ratelimit.NewSettingsCache(st, cfg.Limits.SettingsTTL,
			ratelimit.Settings{ConsoleBytesPerSecond: cfg.Limits.ConsoleBytesPerSecond}, logger),
		agentAuth: auth.NewAgentAuthenticator(st, logger),
		tokens:    auth.NewJWTVerifier([]byte(testJWTSecret)),
		templates: templates,
	}
	g.backups = backup.NewManager(g, nil, cfg.Backups.LocalDir, cfg.Backups.StreamDir, logger)

	t.Cleanup(g.limiter.Close)
	return g, st
}

// seedNode registers a node with a known shared secret.
func seedNode(t *testing.T, st *store.MockStore) *store.Node {
	t.Helper()
	node := &store.Node{Hostname: "node-1.local", PublicAddress: "203.0.113.10", Secret: "node-secret"}
	require.NoError(t, st.CreateNode(context.Background(), node))
	return node
}

func seedServer(t *testing.T, st *store.MockStore, nodeID string, status state.Status) *store.Server {
	t.Helper()
	server := &store.Server{
		NodeID:        nodeID,
		OwnerID:       "owner-1",
		Name:          "alpha",
		Status:        status,
		MaxCrashCount: 3,
		RestartPolicy: store.RestartOnFailure,
	}
	require.NoError(t, st.CreateServer(context.Background(), server))
	return server
}

// connectAgent registers an authenticated agent connection directly.
func connectAgent(t *testing.T, g *Gateway, nodeID string) (*agentConn, *fakeSocket) {
	t.Helper()
	sock := &fakeSocket{}
	conn := registry.NewAgentConn(nodeID, sock)
	_, err := g.registry.AddAgent(conn)
	require.NoError(t, err)
	conn.MarkAuthenticated()
	return conn, sock
}

// connectClient registers an authenticated client subscribed to the given
// server IDs.
func connectClient(t *testing.T, g *Gateway, userID string, serverIDs ...string) (*clientConn, *fakeSocket) {
	t.Helper()
	sock := &fakeSocket{}
	conn := registry.NewClientConn(sock)
	require.NoError(t, g.registry.AddClient(conn))
	require.NoError(t, g.registry.AuthorizeClientUser(conn, userID))
	for _, id := range serverIDs {
		conn.Subscribe(id)
	}
	return conn, sock
}

func frame(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func clientToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.NewJWTVerifier([]byte(testJWTSecret)).Generate(userID, time.Hour)
	require.NoError(t, err)
	return token
}
