package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oszuidwest/clapfinder/internal/archive"
	"github.com/oszuidwest/clapfinder/internal/audio"
	"github.com/oszuidwest/clapfinder/internal/config"
	"github.com/oszuidwest/clapfinder/internal/finder"
	"github.com/oszuidwest/clapfinder/internal/metrics"
	"github.com/oszuidwest/clapfinder/internal/server"
	"github.com/oszuidwest/clapfinder/internal/types"
)

const (
	levelsInterval = 100 * time.Millisecond  // 10 fps for level meters
	statusInterval = 3000 * time.Millisecond // Periodic status updates
)

// stateChange is delivered to WebSocket clients when the finder changes state.
type stateChange struct {
	state types.FinderState
	clap  *types.ClapEvent
}

// Server is the HTTP server for the JSON API, the WebSocket and the metrics endpoint.
type Server struct {
	config          *config.Config
	finder          *finder.Finder
	commands        *server.CommandHandler
	archiver        *archive.Archiver
	version         *VersionChecker
	metrics         *metrics.Metrics
	gatherer        prometheus.Gatherer
	ffmpegAvailable bool

	mu      sync.Mutex
	clients map[chan stateChange]struct{}
}

// NewServer returns a new Server and subscribes it to finder state changes.
func NewServer(cfg *config.Config, f *finder.Finder, commands *server.CommandHandler, archiver *archive.Archiver, m *metrics.Metrics, gatherer prometheus.Gatherer, ffmpegAvailable bool) *Server {
	s := &Server{
		config:          cfg,
		finder:          f,
		commands:        commands,
		archiver:        archiver,
		version:         NewVersionChecker(),
		metrics:         m,
		gatherer:        gatherer,
		ffmpegAvailable: ffmpegAvailable,
		clients:         make(map[chan stateChange]struct{}),
	}
	f.SetChangeHandler(s.broadcast)
	return s
}

// subscribe registers a WebSocket client for state changes.
func (s *Server) subscribe() chan stateChange {
	ch := make(chan stateChange, 8)
	s.mu.Lock()
	s.clients[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Server) unsubscribe(ch chan stateChange) {
	s.mu.Lock()
	delete(s.clients, ch)
	s.mu.Unlock()
}

// broadcast delivers a state change to all clients. Slow clients miss the
// change and catch up with the next periodic status.
func (s *Server) broadcast(state types.FinderState, ev *types.ClapEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- stateChange{state: state, clap: ev}:
		default:
		}
	}
}

// handleWebSocket handles bidirectional WebSocket communication for real-time updates.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := server.UpgradeConnection(w, r)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	// Only the writer goroutine writes to the connection.
	send := make(chan any, 16)
	done := make(chan struct{})
	statusUpdate := make(chan struct{}, 1)
	changes := s.subscribe()
	defer s.unsubscribe(changes)

	go s.runWebSocketWriter(conn, send)
	go s.runWebSocketReader(conn, send, done, statusUpdate)

	s.runWebSocketEventLoop(send, done, statusUpdate, changes)
}

// runWebSocketWriter writes messages from the send channel to the connection.
func (s *Server) runWebSocketWriter(conn server.WebSocketConn, send <-chan any) {
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("WebSocket close error", "error", err)
		}
	}()
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// runWebSocketReader reads commands from the connection and dispatches them.
func (s *Server) runWebSocketReader(conn server.WebSocketConn, send chan<- any, done, statusUpdate chan<- struct{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in WebSocket reader", "panic", r)
		}
		close(done)
	}()

	for {
		var cmd server.WSCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		s.commands.Handle(cmd, send, func() {
			select {
			case statusUpdate <- struct{}{}:
			default:
			}
		})
	}
}

// runWebSocketEventLoop sends levels, periodic status and state changes.
func (s *Server) runWebSocketEventLoop(send chan any, done, statusUpdate <-chan struct{}, changes <-chan stateChange) {
	levelsTicker := time.NewTicker(levelsInterval)
	statusTicker := time.NewTicker(statusInterval)
	defer levelsTicker.Stop()
	defer statusTicker.Stop()
	defer close(send)

	// trySend returns false once the reader is done.
	trySend := func(msg any) bool {
		select {
		case send <- msg:
			return true
		case <-done:
			return false
		}
	}

	if !trySend(s.buildWSStatus()) {
		return
	}

	for {
		var msg any
		select {
		case <-done:
			return
		case change := <-changes:
			if change.clap != nil && !trySend(types.WSClapEvent{Type: "clap", Event: *change.clap}) {
				return
			}
			msg = s.buildWSStatus()
		case <-statusUpdate:
			msg = s.buildWSStatus()
		case <-statusTicker.C:
			msg = s.buildWSStatus()
		case <-levelsTicker.C:
			msg = types.WSLevelsResponse{Type: "levels", Levels: s.finder.Levels()}
		}
		if !trySend(msg) {
			return
		}
	}
}

// buildWSStatus returns the current WebSocket status response.
func (s *Server) buildWSStatus() types.WSStatusResponse {
	return types.WSStatusResponse{
		Type:            "status",
		FFmpegAvailable: s.ffmpegAvailable,
		Status:          s.finder.Status(),
		Devices:         audio.Devices(),
		Settings:        s.commands.Settings(),
		Version:         s.version.Info(),
	}
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	r := mux.NewRouter()
	r.Use(s.metricsMiddleware)
	auth := server.BasicAuth(s.config)

	// Public routes
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// Protected routes
	r.Handle("/ws", auth(http.HandlerFunc(s.handleWebSocket))).Methods(http.MethodGet)

	// API routes live on the root router so a method mismatch answers 405.
	api := func(path string, h http.HandlerFunc, method string) {
		r.Handle("/api"+path, auth(h)).Methods(method)
	}
	api("/status", s.handleAPIStatus, http.MethodGet)
	api("/settings", s.handleAPIGetSettings, http.MethodGet)
	api("/settings", s.handleAPIUpdateSettings, http.MethodPost)
	api("/settings/reset", s.handleAPIResetSettings, http.MethodPost)
	api("/listen/start", s.handleAPIListenStart, http.MethodPost)
	api("/listen/stop", s.handleAPIListenStop, http.MethodPost)
	api("/toggle", s.handleAPIToggle, http.MethodPost)
	api("/alarm/stop", s.handleAPIAlarmStop, http.MethodPost)
	api("/detector/reset", s.handleAPIDetectorReset, http.MethodPost)
	api("/test/{kind}", s.handleAPITest, http.MethodPost)
	api("/events", s.handleAPIEvents, http.MethodGet)
	api("/devices", s.handleAPIDevices, http.MethodGet)
	api("/notifications/recent", s.handleAPIRecentNotifications, http.MethodGet)
	api("/archive", s.handleAPIArchiveStatus, http.MethodGet)
	api("/archive/upload", s.handleAPIArchiveUpload, http.MethodPost)

	return securityHeaders(r)
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the WebSocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.status = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// metricsMiddleware records request counts and durations by route template.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		s.metrics.RecordHTTPRequest(r.Method, route, rec.status, time.Since(start))
	})
}

// Start begins the HTTP server.
// Returns an *http.Server that can be used for graceful shutdown.
func (s *Server) Start() *http.Server {
	addr := fmt.Sprintf(":%d", s.config.Snapshot().WebPort)
	slog.Info("starting web server", "addr", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	return srv
}
