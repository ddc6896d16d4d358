// Package api is the orchestrator's control surface: a small HTTP/WebSocket
// server exposing Health, ReloadConfig, TriggerSafeMode, a Prometheus
// /metrics endpoint, and a /events websocket audit stream. It is a control
// plane for operators, not a trading dashboard — no OHLCV history, no
// backtest endpoints, no chart data live here.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/atlas-quant/orchestrator-core/internal/events"
	"github.com/atlas-quant/orchestrator-core/internal/orchestrator"
	"github.com/atlas-quant/orchestrator-core/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Controller is the subset of *orchestrator.Orchestrator the control
// surface depends on, so Server can be tested against a fake.
type Controller interface {
	Health() orchestrator.HealthStatus
	ReloadConfig(types.Config) error
	TriggerSafeMode(reason string)
}

// Config configures the control surface's listener.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sane listener timeouts for a localhost control
// surface.
func DefaultConfig() Config {
	return Config{Addr: "127.0.0.1:8090", ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
}

// client is one connected /events websocket subscriber.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Server is the control surface's HTTP/WebSocket listener.
type Server struct {
	logger     *zap.Logger
	config     Config
	controller Controller
	bus        *events.Bus
	metrics    *Metrics
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	sub     *events.Subscription
}

// NewServer builds a Server around controller (normally the process's
// *orchestrator.Orchestrator), the same event bus the orchestrator
// publishes audit events to, and a Metrics registry to expose at /metrics.
func NewServer(logger *zap.Logger, config Config, controller Controller, bus *events.Bus, metrics *Metrics) *Server {
	s := &Server{
		logger:     logger,
		config:     config,
		controller: controller,
		bus:        bus,
		metrics:    metrics,
		router:     mux.NewRouter(),
		clients:    make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	s.sub = s.bus.SubscribeAll(func(ev events.Event) error {
		s.broadcastEvent(ev)
		return nil
	}, events.SubscriptionOptions{Async: true})
	return s
}

// Router exposes the underlying mux.Router, chiefly so tests can wrap it in
// an httptest.Server without going through Start's real listener.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/config/reload", s.handleReloadConfig).Methods(http.MethodPost)
	s.router.HandleFunc("/safe-mode", s.handleTriggerSafeMode).Methods(http.MethodPost)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/events", s.handleEvents)
}

// Start blocks serving HTTP (and, via /events, websocket) until the
// listener fails or Stop closes it.
func (s *Server) Start() error {
	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         s.config.Addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("control surface listening", zap.String("addr", s.config.Addr))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop closes every connected websocket client, unsubscribes from the bus,
// and gracefully shuts down the HTTP listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.sub != nil {
		s.bus.Unsubscribe(s.sub)
	}
	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.controller.Health())
}

func (s *Server) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	var cfg types.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, fmt.Sprintf("decode config: %v", err), http.StatusBadRequest)
		return
	}
	if err := s.controller.ReloadConfig(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleTriggerSafeMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		http.Error(w, "request body must be {\"reason\": \"...\"}", http.StatusBadRequest)
		return
	}
	s.controller.TriggerSafeMode(req.Reason)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "safe_mode_triggered"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleEvents upgrades to a websocket and streams every bus event to this
// one subscriber until it disconnects; it accepts no inbound commands, so
// readPump exists only to detect disconnects and answer pings.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("events websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, 256)}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.logger.Info("events subscriber connected", zap.String("id", c.id))

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		c.conn.Close()
		s.logger.Info("events subscriber disconnected", zap.String("id", c.id))
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) broadcastEvent(ev events.Event) {
	payload, err := json.Marshal(ev.Payload())
	if err != nil {
		s.logger.Warn("dropping unmarshalable event from /events stream", zap.Error(err))
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.send <- payload:
		default:
			// client buffer full; drop rather than block the bus worker
		}
	}
}
