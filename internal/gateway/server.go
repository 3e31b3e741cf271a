// Package gateway serves the framed WebSocket protocol: clients send
// request frames, the method router dispatches them, and task event
// streams are pushed back as event frames. Authentication happens at
// upgrade time with the configured bearer token.
package gateway

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/config"
	"github.com/uratmangun/arbitrum-vibekit-sub004/pkg/protocol"
)

// Server owns the connected WebSocket clients and the method router.
// It implements http.Handler for the upgrade endpoint; the HTTP server
// mounts it alongside the JSON-RPC routes.
type Server struct {
	cfg      config.GatewayConfig
	router   *MethodRouter
	limiter  *RateLimiter
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool
}

// NewServer builds a gateway server. Method sets are registered on
// Router() by the caller before serving.
func NewServer(cfg config.GatewayConfig) *Server {
	s := &Server{
		cfg:     cfg,
		limiter: NewRateLimiter(cfg.RateLimitPerMin, cfg.Burst),
		clients: make(map[string]*Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The token is the trust boundary; browser clients connect
			// from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.router = NewMethodRouter(s)
	return s
}

// Router returns the method router for handler registration.
func (s *Server) Router() *MethodRouter { return s.router }

// Limiter returns the shared per-key rate limiter so the HTTP surface can
// enforce the same budget.
func (s *Server) Limiter() *RateLimiter { return s.limiter }

// ServeHTTP upgrades the connection and runs the client pumps until the
// peer disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		slog.Warn("gateway upgrade rejected", "remote", r.RemoteAddr)
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	header := http.Header{}
	header.Set("X-Vibekit-Protocol", strconv.Itoa(protocol.ProtocolVersion))
	conn, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, s)
	if !s.register(client) {
		conn.Close()
		return
	}
	slog.Info("gateway client connected", "client", client.ID(), "remote", r.RemoteAddr)

	defer func() {
		s.unregister(client)
		slog.Info("gateway client disconnected", "client", client.ID())
	}()
	client.Run(r.Context())
}

// authorized checks the bearer token from the Authorization header or the
// token query parameter (browsers cannot set headers on WebSocket dials).
// An empty configured token disables auth.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	provided := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			provided = after
		}
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(s.cfg.Token)) == 1
}

func (s *Server) register(c *Client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c.ID()] = c
	return true
}

func (s *Server) unregister(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.ID())
	s.mu.Unlock()
	c.Close()
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Broadcast pushes an event frame to every connected client. Used for
// cron firings, config reloads, and shutdown notice.
func (s *Server) Broadcast(event string, payload interface{}) {
	frame := protocol.NewEvent(event, payload)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.SendEvent(*frame)
	}
}

// Shutdown notifies clients and closes every connection. New upgrades are
// refused afterward.
func (s *Server) Shutdown() {
	s.Broadcast(protocol.EventShutdown, map[string]interface{}{"reason": "server stopping"})

	s.mu.Lock()
	s.closed = true
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[string]*Client)
	s.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}
