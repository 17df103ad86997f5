// Package server is the HTTP transport for the cabinet service. It
// translates the request surface into core operations and maps core
// errors to stable machine-readable responses.
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"cabinet-drop/internal/cabinet"
	"cabinet-drop/internal/gateway"
	"cabinet-drop/internal/keyring"
)

// BuildInfo identifies the running binary in logs and health output.
type BuildInfo struct {
	Version string
	Commit  string
}

type Config struct {
	Addr  string // e.g. ":8080"
	Build BuildInfo

	Registry *cabinet.Registry
	Gateway  *gateway.Gateway
	Keys     *keyring.Keyring

	RateLimit       int           // requests per window per IP, 0 disables
	RateLimitWindow time.Duration
}

type Server struct {
	httpServer *http.Server
}

func New(cfg Config) *Server {
	mux := http.NewServeMux()

	// Health endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"version": cfg.Build.Version,
		})
	})

	mux.Handle("GET /metrics", metricsHandler())

	mux.Handle("POST /cabinet/apply", cfg.applyHandler())
	mux.Handle("GET /cabinet/usage", cfg.usageHandler())
	mux.Handle("GET /cabinet/{code}", cfg.getHandler())
	mux.Handle("POST /cabinet/{code}", cfg.occupyHandler())
	mux.Handle("DELETE /cabinet/{code}", cfg.deleteHandler())
	mux.Handle("POST /cabinet/{code}/items", cfg.itemsHandler())
	mux.Handle("POST /cabinet/{code}/item/{id}/content", cfg.contentHandler())
	mux.Handle("GET /crypto/pk", cfg.publicKeyHandler())

	// Wrap middleware: requestID -> logging -> headers -> rate limit -> mux
	var handler http.Handler = mux
	if cfg.RateLimit > 0 {
		handler = newRateLimiter(cfg.RateLimit, cfg.RateLimitWindow).middleware(handler)
	}
	handler = securityHeadersMiddleware(handler)
	handler = loggingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	s := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return &Server{httpServer: s}
}

// Handler exposes the configured handler chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.httpServer.Serve(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}
