// Package rpcserver implements the JSON-RPC 2.0 transport that drives the
// agent pool: localhost-only HTTP, bearer-token auth, and routing to either
// the global dispatcher or a single agent's dispatcher.
package rpcserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nexus3-rt/nexus3/internal/pool"
)

// maxBodyBytes bounds a single JSON-RPC request body.
const maxBodyBytes = 1 << 20 // 1 MiB

// readTimeout bounds how long the server waits to read a request.
const readTimeout = 30 * time.Second

// Server is the JSON-RPC 2.0 transport in front of a Pool.
type Server struct {
	pool       *pool.Pool
	token      string
	tokenPath  string
	addr       string
	logger     *slog.Logger
	httpServer *http.Server
	listener   net.Listener
}

// New validates addr as a loopback-only bind target, generates and persists
// a port-scoped bearer token, and constructs a Server. Call Start to begin
// accepting connections.
func New(p *pool.Pool, addr string, logger *slog.Logger) (*Server, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("rpcserver: invalid bind address %q: %w", addr, err)
	}
	if !isLoopbackHost(host) {
		return nil, fmt.Errorf("rpcserver: refusing to bind non-loopback host %q: localhost-only per policy", host)
	}
	if logger == nil {
		logger = slog.Default()
	}

	token, err := generateToken()
	if err != nil {
		return nil, err
	}
	tokenPath, err := writeTokenFile(port, token)
	if err != nil {
		return nil, err
	}

	s := &Server{
		pool:      p,
		token:     token,
		tokenPath: tokenPath,
		addr:      addr,
		logger:    logger.With("component", "rpcserver"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpServer.SetKeepAlivesEnabled(false)

	return s, nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// TokenPath returns where the bearer token was written.
func (s *Server) TokenPath() string { return s.tokenPath }

// Start binds the listener and begins serving in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpcserver: listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("rpc server stopped", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
