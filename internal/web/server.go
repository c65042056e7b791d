// Package web is the observer surface: a websocket channel with
// request/response dispatch and broadcasts, plus the administrative HTTP
// endpoints and media files.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/net/netutil"

	"github.com/Camifryou/whatsappcrm/internal/actor"
	"github.com/Camifryou/whatsappcrm/internal/logger"
	"github.com/Camifryou/whatsappcrm/internal/registry"
	"github.com/Camifryou/whatsappcrm/internal/store"
)

const shutdownTimeout = 5 * time.Second

// Registry is the session registry as used by observers
type Registry interface {
	CreateSession(ctx context.Context) (string, error)
	Snapshot(ctx context.Context, id string) (*registry.Snapshot, error)
	Snapshots(ctx context.Context) ([]registry.Snapshot, error)
	Observe(ctx context.Context, join func([]registry.Snapshot, []registry.Chat)) error
	RenameSession(ctx context.Context, id, name string) error
	AssignName(ctx context.Context, id, name string) error
	DeleteSession(ctx context.Context, id string) (bool, error)
	SessionChats(ctx context.Context, sessionID string) ([]registry.Chat, error)
	AllChats(ctx context.Context) ([]registry.Chat, error)
	Messages(ctx context.Context, sessionID, peerID string) ([]registry.Message, error)
	SendMessage(ctx context.Context, sessionID, peerID, body string) (*registry.Message, error)
	RefreshChats(ctx context.Context, sessionID *string) (bool, error)
	Status(ctx context.Context) (*registry.Status, error)
}

// HealthChecker reports actor health
type HealthChecker interface {
	HealthCheck() map[string]actor.HealthReport
}

// Options configures a Server
type Options struct {
	Hub      *Hub
	Registry Registry
	Health   HealthChecker
	// MediaDir is served under /media/
	MediaDir string
	// StaticDir, when set, serves the UI for every unknown path
	StaticDir string
	// MaxObservers caps concurrent connections; 0 means unlimited
	MaxObservers int
	Logger       *logger.Logger
}

// Server is the HTTP and websocket server
type Server struct {
	hub      *Hub
	reg      Registry
	health   HealthChecker
	router   *httprouter.Router
	upgrader websocket.Upgrader
	opts     Options
	log      *logger.Logger
}

// NewServer creates a server. The hub must be running before observers
// connect.
func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logger.Global()
	}
	s := &Server{
		hub:    opts.Hub,
		reg:    opts.Registry,
		health: opts.Health,
		router: httprouter.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Observers are not authenticated
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		opts: opts,
		log:  log.WithPrefix("web"),
	}
	s.setupRoutes()
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe listens on addr and serves until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.opts.MaxObservers > 0 {
		ln = netutil.LimitListener(ln, s.opts.MaxObservers)
	}

	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          logger.StdLogger(s.log, slog.LevelWarn),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("Listening on %s", ln.Addr())
		errc <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("Stopping web server...")
	s.hub.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) setupRoutes() {
	s.router.GET("/api/status", s.handleStatus)
	s.router.POST("/api/sessions/:id/name", s.handleSessionName)
	s.router.GET("/api/health", s.handleHealth)
	s.router.GET("/ws", s.handleWebSocket)

	if s.opts.MediaDir != "" {
		s.router.ServeFiles(store.MediaURLPrefix+"*filepath", http.Dir(s.opts.MediaDir))
	}
	if s.opts.StaticDir != "" {
		s.router.NotFound = http.FileServer(http.Dir(s.opts.StaticDir))
	}
}

// handleWebSocket upgrades an observer and sends it the current state
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("Failed to upgrade WebSocket: %v", err)
		return
	}

	client := NewClient(s.hub, conn, s)
	client.log.Info("Observer connected from %s", r.RemoteAddr)
	go client.WritePump()

	// The newcomer gets the full state ahead of any later broadcast; others
	// are not disturbed
	ctx := context.WithoutCancel(r.Context())
	err = s.reg.Observe(ctx, func(snaps []registry.Snapshot, chats []registry.Chat) {
		client.Send(NewEvent(registry.EventSessions, snaps))
		client.Send(NewEvent(registry.EventAllChats, chats))
		s.hub.Register(client)
	})
	if err != nil {
		client.log.Error("Failed to send initial state: %v", err)
		client.closeSend()
		conn.Close()
		return
	}

	go client.ReadPump(ctx)
}
