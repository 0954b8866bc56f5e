// Package server provides the HTTP server for the phone console.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/workspace/phone-console/internal/adb"
	"github.com/workspace/phone-console/internal/agent"
	"github.com/workspace/phone-console/internal/config"
	"github.com/workspace/phone-console/internal/persistence"
	"github.com/workspace/phone-console/internal/scrcpy"
	"github.com/workspace/phone-console/internal/sessions"
	"github.com/workspace/phone-console/internal/shell"
	"github.com/workspace/phone-console/internal/streams"
)

//go:embed static/*
var staticFiles embed.FS

// Version is reported by /health and /api/status. Overridden at build time
// with -ldflags "-X ...server.Version=v1.2.3".
var Version = "dev"

// DeviceControl is the device transport surface the handlers need.
// *adb.Transport satisfies it; tests substitute fakes.
type DeviceControl interface {
	ListDevices(ctx context.Context) ([]adb.Device, error)
	Tap(ctx context.Context, deviceID string, x, y int) error
	Swipe(ctx context.Context, deviceID string, x1, y1, x2, y2, durationMs int) error
	TouchDown(ctx context.Context, deviceID string, x, y int) error
	TouchMove(ctx context.Context, deviceID string, x, y int) error
	TouchUp(ctx context.Context, deviceID string, x, y int) error
	CaptureScreenshot(ctx context.Context, deviceID string) (*adb.Screenshot, error)
}

// Server is the HTTP server for the phone console.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	registry   *sessions.Registry
	streams    *streams.Manager
	devices    DeviceControl
	store      *persistence.Store
	shells     *shell.Manager

	// Per-device task locks. Agent instances are not safe for concurrent
	// use; a second task for the same device waits for the first.
	taskMu    sync.Mutex
	taskLocks map[string]*sync.Mutex

	// Local port assignment for mirroring tunnels, one per device.
	portMu   sync.Mutex
	ports    map[string]int
	nextPort int
}

// New creates a new server instance.
func New(cfg *config.Config) (*Server, error) {
	factory := agent.NewRuntimeFactory(cfg.AgentCommand, cfg.AgentArgs)
	registry := sessions.NewRegistry(factory)

	if err := os.MkdirAll(filepath.Dir(cfg.PersistenceDBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create persistence directory: %w", err)
	}
	store, err := persistence.Open(cfg.PersistenceDBPath)
	if err != nil {
		return nil, fmt.Errorf("open persistence store: %w", err)
	}
	restoreSessionConfigs(registry, store)

	s := &Server{
		config:   cfg,
		registry: registry,
		devices:  adb.New(cfg.ADBPath, cfg.ADBExecTimeout),
		store:    store,
		shells: shell.NewManager(shell.ManagerConfig{
			ADBPath:     cfg.ADBPath,
			DefaultRows: cfg.DefaultRows,
			DefaultCols: cfg.DefaultCols,
		}),
		taskLocks: make(map[string]*sync.Mutex),
		ports:     make(map[string]int),
		nextPort:  cfg.ScrcpyPortBase,
	}
	s.streams = streams.NewManager(s.newStreamer)

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout is intentionally left at 0 because WebSocket and SSE
	// connections are long-lived. Go's http.Server.WriteTimeout sets a
	// deadline on the underlying net.Conn BEFORE the handler runs, which
	// kills hijacked WebSocket connections after the timeout period.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     corsMiddleware(mux, cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	return s, nil
}

// restoreSessionConfigs reloads persisted per-device configurations so the
// next init for a known device can reuse them without the client resending
// endpoint details.
func restoreSessionConfigs(registry *sessions.Registry, store *persistence.Store) {
	configs, err := store.ListSessionConfigs()
	if err != nil {
		slog.Warn("Could not load persisted session configs", "error", err)
		return
	}
	restored := 0
	for _, c := range configs {
		var model agent.ModelConfig
		var cfg agent.Config
		if err := json.Unmarshal([]byte(c.ModelJSON), &model); err != nil {
			slog.Warn("Skipping corrupt session config", "device", c.DeviceID, "error", err)
			continue
		}
		if err := json.Unmarshal([]byte(c.AgentJSON), &cfg); err != nil {
			slog.Warn("Skipping corrupt session config", "device", c.DeviceID, "error", err)
			continue
		}
		registry.RestoreConfig(c.DeviceID, model, cfg)
		restored++
	}
	if restored > 0 {
		slog.Info("Restored persisted session configs", "count", restored)
	}
}

// newStreamer builds an unstarted mirroring streamer for a device, assigning
// it a stable local tunnel port.
func (s *Server) newStreamer(deviceID string) streams.Streamer {
	return scrcpy.New(scrcpy.Config{
		DeviceID:     deviceID,
		ADBPath:      s.config.ADBPath,
		ServerPath:   s.config.ScrcpyServerPath,
		LocalPort:    s.portFor(deviceID),
		MaxSize:      s.config.ScrcpyMaxSize,
		BitRate:      s.config.ScrcpyBitRate,
		StartTimeout: s.config.ScrcpyStartTimeout,
	})
}

// portFor returns the device's assigned local port, allocating the next
// free one on first use. Ports stay bound to their device for the process
// lifetime so restarts of a device's streamer reuse the same tunnel.
func (s *Server) portFor(deviceID string) int {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	if p, ok := s.ports[deviceID]; ok {
		return p
	}
	p := s.nextPort
	s.nextPort++
	s.ports[deviceID] = p
	return p
}

// taskLock returns the device's task mutex, creating it on first use.
func (s *Server) taskLock(deviceID string) *sync.Mutex {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	l, ok := s.taskLocks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		s.taskLocks[deviceID] = l
	}
	return l
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	slog.Info("Starting phone console", "addr", s.httpServer.Addr, "version", Version)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server: all mirroring sessions, shell sessions
// and agent instances are shut down before the listener closes.
func (s *Server) Stop(ctx context.Context) error {
	if n := s.streams.ResetAll(); n > 0 {
		slog.Info("Stopped mirroring sessions", "count", n)
	}

	s.shells.CloseAllSessions()
	s.registry.CloseAll()

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			slog.Warn("Failed to close persistence store", "error", err)
		}
	}

	return s.httpServer.Shutdown(ctx)
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Agent session lifecycle
	mux.HandleFunc("POST /api/init", s.handleInit)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("GET /api/tasks", s.handleTasks)

	// Devices and still capture
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("POST /api/screenshot", s.handleScreenshot)

	// Direct input control
	mux.HandleFunc("POST /api/control/tap", s.handleControlTap)
	mux.HandleFunc("POST /api/control/swipe", s.handleControlSwipe)
	mux.HandleFunc("POST /api/control/touch/down", s.handleControlTouchDown)
	mux.HandleFunc("POST /api/control/touch/move", s.handleControlTouchMove)
	mux.HandleFunc("POST /api/control/touch/up", s.handleControlTouchUp)

	// Video streaming
	mux.HandleFunc("GET /api/video/stream", s.handleVideoStream)
	mux.HandleFunc("POST /api/video/reset", s.handleVideoReset)

	// Interactive shell terminal
	mux.HandleFunc("GET /api/shell/ws", s.handleShellWS)

	// Static files (embedded UI)
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		slog.Warn("Could not load embedded static files", "error", err)
		mux.Handle("/", http.FileServer(http.Dir("./ui/dist")))
	} else {
		mux.Handle("/", spaHandler(staticFS))
	}
}

// spaHandler serves the embedded SPA: concrete files when they exist,
// index.html for everything else so client-side routing works.
func spaHandler(staticFS fs.FS) http.Handler {
	fileServer := http.FileServer(http.FS(staticFS))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/")
		if path != "" {
			if f, err := staticFS.Open(path); err == nil {
				f.Close()
				fileServer.ServeHTTP(w, r)
				return
			}
		}
		r.URL.Path = "/"
		fileServer.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false

		for _, o := range allowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
			// Support wildcard subdomain patterns like "https://*.example.com"
			if strings.Contains(o, "*.") {
				wildcardIdx := strings.Index(o, "*.")
				prefix := o[:wildcardIdx]
				suffix := o[wildcardIdx+1:] // includes the dot
				if strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
					allowed = true
					break
				}
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
