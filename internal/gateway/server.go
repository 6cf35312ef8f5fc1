// Package gateway is the WebSocket ingress and HTTP surface of the
// engine: audience connections, the authenticated performer channel,
// health, and metrics.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/livelab/crowdcue/internal/bus"
	"github.com/livelab/crowdcue/internal/consensus"
	"github.com/livelab/crowdcue/internal/metrics"
	"github.com/livelab/crowdcue/internal/session"
)

// Config holds the gateway settings.
type Config struct {
	ListenAddr     string
	PerformerToken string
	SendQueueSize  int // per-connection outbound queue, default 64
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Server owns the HTTP listener and the set of live audience
// connections. Tick snapshots arrive over one bus subscription and fan
// out to every connection's bounded send queue.
type Server struct {
	cfg      Config
	engine   *consensus.Engine
	registry *session.Registry
	bus      *bus.Bus
	metrics  *metrics.Registry

	upgrader websocket.Upgrader
	server   *http.Server

	mu      sync.RWMutex
	clients map[*client]struct{}
	baseCtx context.Context

	snapshotSub *bus.Subscription
}

// NewServer builds the gateway around an engine, registry, and bus.
func NewServer(cfg Config, engine *consensus.Engine, registry *session.Registry, b *bus.Bus, reg *metrics.Registry) *Server {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 64
	}
	s := &Server{
		cfg:      cfg,
		engine:   engine,
		registry: registry,
		bus:      b,
		metrics:  reg,
		clients:  make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Audience devices connect from the venue's captive
			// network; origin checks add nothing there.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws/audience", s.handleAudience)
	router.HandleFunc("/ws/performer", s.handlePerformer)
	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if reg != nil {
		router.Handle("/metrics", promhttp.HandlerFor(reg.Prometheus(), promhttp.HandlerOpts{}))
	}

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  0, // websocket connections are long-lived
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the gateway routes for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run serves until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	s.snapshotSub = s.bus.Subscribe("gateway", s.onBusEvent, bus.KindConsensusSnapshot)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("gateway listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.snapshotSub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// onBusEvent turns a tick snapshot into one state:update broadcast.
func (s *Server) onBusEvent(ev bus.Event) error {
	snap, ok := ev.Payload.(consensus.Snapshot)
	if !ok {
		return nil
	}
	update := stateUpdate{
		Type:          msgStateUpdate,
		Values:        snap.Values(),
		AudienceCount: s.registry.Count(),
		TickTimestamp: snap.Timestamp,
	}
	data, err := json.Marshal(update)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		c.trySend(data)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := map[string]any{
		"status":    "ok",
		"scheduler": string(s.engine.State()),
		"audience":  s.registry.Count(),
	}
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// runCtx is the lifetime context performer-triggered scheduler starts
// run under. Falls back to Background when the server is not serving.
func (s *Server) runCtx() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}
