// Package http serves the agent's REST surface: the public agent card,
// the JSON-RPC endpoint, SSE streaming, and liveness. The WebSocket
// gateway mounts on the same listener at /ws.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/agent"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/config"
)

// Server owns the HTTP listener shared by all transports.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer assembles the mux. ws is the WebSocket gateway handler; pass
// nil to skip mounting it (tests exercising the REST surface alone).
func NewServer(cfg config.GatewayConfig, engine *agent.Engine, ws http.Handler, limiter func(string) bool) *Server {
	rpc := NewRPCHandler(engine, cfg.Token)
	rpc.SetRateLimiter(limiter)
	stream := NewStreamHandler(engine, cfg.Token)
	stream.SetRateLimiter(limiter)

	mux := NewMux(engine, rpc, stream, ws)

	return &Server{
		addr: cfg.Addr,
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// NewMux wires the route table. Split out so other listeners (tsnet) can
// serve the same surface.
func NewMux(engine *agent.Engine, rpc, stream, ws http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	card := NewCardHandler(engine)
	mux.Handle("GET /.well-known/agent-card.json", card)
	mux.Handle("GET /.well-known/agent.json", card) // legacy path
	mux.Handle("POST /a2a", rpc)
	mux.Handle("POST /a2a/stream", stream)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	if ws != nil {
		mux.Handle("/ws", ws)
	}
	return mux
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	slog.Info("http server listening", "addr", s.addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the assembled mux for serving on extra listeners.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}
