// ABOUTME: Gateway orchestrator that owns the HTTP server and both populations.
// ABOUTME: Wires registry, store, tracker, limiter, and background loops.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/timmy-time/catalyst/internal/auth"
	"github.com/timmy-time/catalyst/internal/backup"
	"github.com/timmy-time/catalyst/internal/config"
	"github.com/timmy-time/catalyst/internal/pending"
	"github.com/timmy-time/catalyst/internal/ratelimit"
	"github.com/timmy-time/catalyst/internal/registry"
	"github.com/timmy-time/catalyst/internal/store"
	"github.com/timmy-time/catalyst/internal/template"
)

// Handler code deals in registry connections constantly; local aliases keep
// the signatures readable.
type (
	agentConn  = registry.AgentConn
	clientConn = registry.ClientConn
)

// Gateway coordinates agent and client connections, routing messages between
// the two populations and the store.
type Gateway struct {
	cfg    *config.Config
	store  store.Store
	logger *slog.Logger

	registry  *registry.Registry
	tracker   *pending.Tracker
	limiter   *ratelimit.Limiter
	limits    *ratelimit.SettingsCache
	agentAuth *auth.AgentAuthenticator
	tokens    auth.TokenVerifier
	templates *template.Library
	backups   *backup.Manager

	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// New assembles a gateway from its configuration and store. An Uploader for
// remote backup storage may be nil, disabling the s3/sftp modes.
func New(cfg *config.Config, st store.Store, uploader backup.Uploader, logger *slog.Logger) (*Gateway, error) {
	templates, err := template.LoadDir(cfg.Templates.Dir)
	if err != nil {
		return nil, fmt.Errorf("loading templates: %w", err)
	}

	g := &Gateway{
		cfg:       cfg,
		store:     st,
		logger:    logger.With("component", "gateway"),
		registry:  registry.New(cfg.Agents.MaxConnections, cfg.Clients.MaxConnections, cfg.Clients.MaxPerUser),
		tracker:   pending.NewTracker(cfg.Limits.MaxPendingRequests, logger.With("component", "pending")),
		limiter:   ratelimit.New(),
		limits: ratelimit.NewSettingsCache(st, cfg.Limits.SettingsTTL,
			ratelimit.Settings{ConsoleBytesPerSecond: cfg.Limits.ConsoleBytesPerSecond},
			logger.With("component", "ratelimit")),
		agentAuth: auth.NewAgentAuthenticator(st, logger.With("component", "auth")),
		tokens:    auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		templates: templates,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect cross-origin from the panel.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	g.backups = backup.NewManager(g, uploader, cfg.Backups.LocalDir, cfg.Backups.StreamDir,
		logger.With("component", "backup"))

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent", g.serveAgent)
	mux.HandleFunc("/ws/client", g.serveClient)
	mux.HandleFunc("/healthz", g.serveHealth)
	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	g.logger.Info("starting gateway",
		"addr", g.cfg.Server.HTTPAddr,
		"templates", g.templates.Len())

	evictCtx, stopEvict := context.WithCancel(ctx)
	defer stopEvict()
	go g.runEvictionLoop(evictCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	return g.Shutdown()
}

// Shutdown closes every live connection and stops background work.
func (g *Gateway) Shutdown() error {
	g.logger.Info("shutting down gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := g.httpServer.Shutdown(shutdownCtx)

	for _, conn := range g.registry.Agents() {
		conn.Socket.Close()
	}
	for _, conn := range g.registry.Clients() {
		conn.Socket.Close()
	}
	g.limiter.Close()
	return err
}

// serveHealth reports liveness and the current population counts.
func (g *Gateway) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","agents":%d,"clients":%d}`,
		g.registry.AgentCount(), g.registry.ClientCount())
}

// serveAgent accepts one agent websocket and runs its read loop. The
// connection must authenticate via node_handshake before the deadline or it
// is closed.
func (g *Gateway) serveAgent(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("agent upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	sock := registry.NewWSSocket(ws)

	// The node may identify itself up front via query parameter; the
	// handshake message remains authoritative either way.
	conn := registry.NewAgentConn(r.URL.Query().Get("nodeId"), sock)

	deadline := time.AfterFunc(g.cfg.Agents.HandshakeDeadline, func() {
		if !conn.Authenticated() {
			g.logger.Warn("agent handshake deadline expired", "remote", r.RemoteAddr)
			sock.Close()
		}
	})
	defer deadline.Stop()

	g.logger.Debug("agent connected", "remote", r.RemoteAddr, "node_id", conn.NodeID)

	for {
		data, err := sock.ReadMessage()
		if err != nil {
			break
		}
		g.handleAgentFrame(r.Context(), conn, data)
	}
	g.agentDisconnected(conn)
}

// agentDisconnected tears down registry and persisted state for a closed
// agent connection.
func (g *Gateway) agentDisconnected(conn *registry.AgentConn) {
	conn.Socket.Close()
	if !g.registry.RemoveAgent(conn) {
		// A newer connection for this node already took over.
		return
	}
	if conn.Authenticated() && conn.NodeID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.store.UpdateNodeStatus(ctx, conn.NodeID, false, time.Now().UTC()); err != nil {
			g.logger.Warn("marking node offline failed", "node_id", conn.NodeID, "error", err)
		}
		g.logger.Info("agent disconnected", "node_id", conn.NodeID)
	}
}

// serveClient accepts one browser client websocket. Authentication is
// attempted silently from the session cookie; otherwise the client must send
// a handshake with a bearer token before the (shorter) client deadline.
func (g *Gateway) serveClient(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("client upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	sock := registry.NewWSSocket(ws)
	conn := registry.NewClientConn(sock)

	if err := g.registry.AddClient(conn); err != nil {
		g.sendError(sock, CodeConnectionLimit, "client population limit reached")
		sock.Close()
		return
	}

	// Silent cookie auth. Failure here is not fatal; the client still has
	// the handshake window.
	if cookie, err := r.Cookie(auth.SessionCookie); err == nil {
		if userID, err := g.tokens.Verify(cookie.Value); err == nil {
			if err := g.authorizeClient(conn, userID); err != nil {
				g.registry.RemoveClient(conn)
				sock.Close()
				return
			}
		}
	}

	deadline := time.AfterFunc(g.cfg.Clients.HandshakeDeadline, func() {
		if !conn.Authenticated() {
			g.sendError(conn.Socket, CodeNotAuthenticated, "handshake deadline expired")
			sock.Close()
		}
	})
	defer deadline.Stop()

	for {
		data, err := sock.ReadMessage()
		if err != nil {
			break
		}
		g.handleClientFrame(r.Context(), conn, data)
	}
	g.registry.RemoveClient(conn)
	sock.Close()
}

// authorizeClient binds a verified user to the connection, translating the
// per-user cap into a typed rejection.
func (g *Gateway) authorizeClient(conn *registry.ClientConn, userID string) error {
	if err := g.registry.AuthorizeClientUser(conn, userID); err != nil {
		g.sendError(conn.Socket, CodeConnectionLimit, "per-user connection limit reached")
		return err
	}
	conn.Socket.WriteJSON(HandshakeAck{Type: TypeHandshakeAck, UserID: userID})
	return nil
}
