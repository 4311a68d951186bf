// Package server provides the HTTP and WebSocket front of the relay.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/provider"
	"github.com/chatrelay/chatrelay/internal/stream"
)

// Config holds server configuration.
type Config struct {
	Port              int
	EnableCORS        bool
	HeartbeatInterval time.Duration // WebSocket heartbeat cadence
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:              60885,
		EnableCORS:        true,
		HeartbeatInterval: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // No write timeout for SSE and WebSocket
	}
}

// Server is the relay's HTTP server.
type Server struct {
	config    *Config
	router    *chi.Mux
	httpSrv   *http.Server
	registry  *provider.Registry
	sessions  *stream.Manager
	bus       *event.Bus
	conns     *connRegistry
	startedAt time.Time
}

// New creates a new Server instance.
func New(cfg *Config, registry *provider.Registry, sessions *stream.Manager, bus *event.Bus) *Server {
	s := &Server{
		config:    cfg,
		router:    chi.NewRouter(),
		registry:  registry,
		sessions:  sessions,
		bus:       bus,
		conns:     newConnRegistry(),
		startedAt: time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	// Request ID
	s.router.Use(middleware.RequestID)

	// Structured request logging
	s.router.Use(requestLogger)

	// Recover from panics
	s.router.Use(middleware.Recoverer)

	// Real IP
	s.router.Use(middleware.RealIP)

	// CORS: the web panel is served from the extension's webview origin,
	// which varies per editor instance.
	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Link", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// requestLogger logs one line per completed request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	if s.bus != nil {
		s.bus.Publish(event.Event{Type: event.ServerStarted, Data: event.ServerData{Port: s.config.Port}})
	}

	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server: announce, close WebSocket
// connections, then drain HTTP.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.bus != nil {
		s.bus.PublishSync(event.Event{Type: event.ServerStopping, Data: event.ServerData{Port: s.config.Port}})
	}
	s.conns.closeAll()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	return s.conns.count()
}
