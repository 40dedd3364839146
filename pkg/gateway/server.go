package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/parla/internal/observability"
	"github.com/harun/parla/pkg/orchestrator"
	"github.com/harun/parla/pkg/toolbridge"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	writeTimeout  = 5 * time.Second
	eventTick     = "tick"
	eventShutdown = "server.shutdown"
	eventWelcome  = "welcome"
)

// BridgeSource exposes provider state to the monitor
type BridgeSource interface {
	Status() []toolbridge.ProviderStatus
	GetAllTools() []toolbridge.FunctionTool
}

// StatsSource exposes conversation counters to the monitor
type StatsSource interface {
	Stats() orchestrator.Stats
}

// Server is the monitor HTTP server
type Server struct {
	addr           string
	tickInterval   time.Duration
	bridge         BridgeSource
	stats          StatsSource
	server         *http.Server
	listener       net.Listener
	upgrader       websocket.Upgrader
	clients        *ClientRegistry
	authHandler    *AuthHandler
	rateLimiter    *RateLimiter
	broadcaster    *EventBroadcaster
	logger         zerolog.Logger
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	tickCancel     context.CancelFunc
	tickWG         sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Addr              string
	SharedSecret      string
	TickInterval      time.Duration
	RequestsPerMinute int
	Bridge            BridgeSource
	Stats             StatsSource
	Logger            zerolog.Logger
}

// NewServer creates a monitor server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if cfg.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}

	clients := NewClientRegistry()
	s := &Server{
		addr:         cfg.Addr,
		tickInterval: cfg.TickInterval,
		bridge:       cfg.Bridge,
		stats:        cfg.Stats,
		clients:      clients,
		authHandler:  NewAuthHandler(cfg.SharedSecret),
		rateLimiter:  NewRateLimiter(cfg.RequestsPerMinute),
		broadcaster:  NewEventBroadcaster(clients, cfg.Logger),
		logger:       cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	observability.EnsureRegistered()
	return s, nil
}

// Broadcaster is the orchestrator observer feeding /events
func (s *Server) Broadcaster() *EventBroadcaster {
	return s.broadcaster
}

// Handler returns the routed, authenticated handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/providers", s.handleProviders)
	mux.HandleFunc("/tools", s.handleTools)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/events", s.handleEvents)

	return s.rateLimiter.Middleware(s.authHandler.Middleware(mux))
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting monitor gateway")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Monitor gateway error")
		}
	}()

	s.startTickEmitter()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop closes subscribers and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.stopTickEmitter()
	s.broadcaster.Broadcast(eventShutdown, map[string]interface{}{
		"message": "Server is shutting down",
	})

	clients := s.clients.GetAll()
	for _, client := range clients {
		client.Close()
	}
	for _, client := range clients {
		select {
		case <-client.Done():
		case <-ctx.Done():
			client.Conn.Close()
		}
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Monitor gateway stopped")
	return nil
}

func (s *Server) startTickEmitter() {
	if s.tickInterval <= 0 {
		return
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickWG.Add(1)

	go func() {
		defer s.tickWG.Done()

		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				s.broadcaster.Broadcast(eventTick, map[string]interface{}{
					"status":  "alive",
					"clients": s.clients.Count(),
				})
			}
		}
	}()
}

func (s *Server) stopTickEmitter() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
	s.tickWG.Wait()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	connected := 0
	statuses := s.bridge.Status()
	for _, st := range statuses {
		if st.State == toolbridge.StateConnected {
			connected++
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":              "ok",
		"providers":           len(statuses),
		"providers_connected": connected,
		"tools":               len(s.bridge.GetAllTools()),
		"subscribers":         s.clients.Count(),
	})
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.Status())
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bridge.GetAllTools())
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.stats == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active conversation"})
		return
	}
	writeJSON(w, http.StatusOK, s.stats.Stats())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		conn.Close()
		return
	}
	client := newClient(clientID, conn, r.RemoteAddr)

	welcome, _ := json.Marshal(EventMessage{
		Event:     eventWelcome,
		Stream:    StreamTypeLifecycle,
		Data:      map[string]string{"client_id": clientID},
		Timestamp: time.Now().UnixMilli(),
	})
	client.Enqueue(welcome)
	go client.writePump()

	s.clients.Add(client)
	s.logger.Info().Str("clientId", clientID).Str("ip", r.RemoteAddr).Msg("Subscriber connected")

	go s.handleClient(client)
}

// handleClient drains the subscriber until it disconnects
func (s *Server) handleClient(client *Client) {
	defer func() {
		client.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Subscriber disconnected")
	}()

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			return
		}
	}
}
