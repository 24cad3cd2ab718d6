// Package server is the optional preview host: it renders views over HTTP
// and tells connected browsers to reload when views are recompiled.
package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/stencil/internal/config"
	"github.com/conneroisu/stencil/internal/engine"
	"github.com/conneroisu/stencil/internal/logging"
)

// Route paths
const (
	ViewsPrefix   = "/views/"
	SocketPath    = "/_stencil/ws"
	SnapshotPath  = "/_stencil/snapshot"
	HealthPath    = "/_stencil/health"
	ViewIndexPath = "/_stencil/views"
)

// Client represents a WebSocket client
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *PreviewServer
}

// PreviewServer serves rendered views with live reload
type PreviewServer struct {
	config      *config.Config
	engine      *engine.Engine
	logger      logging.Logger
	httpServer  *http.Server
	serverMutex sync.RWMutex

	clients      map[*websocket.Conn]*Client
	clientsMutex sync.RWMutex
	broadcast    chan []byte
	register     chan *Client
	unregister   chan *websocket.Conn

	// InjectReload adds the reload script to full pages
	InjectReload bool

	hubCtx       context.Context
	hubCancel    context.CancelFunc
	shutdownOnce sync.Once
}

// ReloadMessage is pushed to every client after a recompilation
type ReloadMessage struct {
	Type string   `json:"type"`
	Keys []string `json:"keys"`
}

// New creates a preview server for eng and starts its websocket hub.
// Recompilations in eng are broadcast to connected clients.
func New(cfg *config.Config, eng *engine.Engine, logger logging.Logger) *PreviewServer {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &PreviewServer{
		config:       cfg,
		engine:       eng,
		logger:       logger.WithComponent("server"),
		clients:      make(map[*websocket.Conn]*Client),
		broadcast:    make(chan []byte, 16),
		register:     make(chan *Client),
		unregister:   make(chan *websocket.Conn),
		InjectReload: true,
		hubCtx:       ctx,
		hubCancel:    cancel,
	}

	go s.runWebSocketHub(ctx)
	eng.OnRecompile(s.BroadcastReload)

	return s
}

// Handler returns the routes of the preview server
func (s *PreviewServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+ViewsPrefix+"{key...}", s.handleView)
	mux.HandleFunc("GET "+SocketPath, s.handleWebSocket)
	mux.HandleFunc("GET "+SnapshotPath, s.handleSnapshot)
	mux.HandleFunc("GET "+HealthPath, s.handleHealth)
	mux.HandleFunc("GET "+ViewIndexPath, s.handleViewIndex)
	return s.withLogging(mux)
}

// Start listens on the configured address until ctx ends or the server is
// shut down.
func (s *PreviewServer) Start(ctx context.Context) error {
	s.serverMutex.Lock()
	s.httpServer = &http.Server{
		Addr:              s.config.Address(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	server := s.httpServer
	s.serverMutex.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn(shutdownCtx, err, "server shutdown failed")
		}
	}()

	s.logger.Info(ctx, "preview server listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown closes every client and stops the HTTP server
func (s *PreviewServer) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.hubCancel()

		s.clientsMutex.Lock()
		for conn, client := range s.clients {
			close(client.send)
			conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		s.clients = make(map[*websocket.Conn]*Client)
		s.clientsMutex.Unlock()

		s.serverMutex.RLock()
		server := s.httpServer
		s.serverMutex.RUnlock()

		if server != nil {
			shutdownErr = server.Shutdown(ctx)
		}
	})

	return shutdownErr
}

// ClientCount returns the number of connected websocket clients
func (s *PreviewServer) ClientCount() int {
	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()
	return len(s.clients)
}

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack hands the connection to the websocket upgrade
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *PreviewServer) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}
