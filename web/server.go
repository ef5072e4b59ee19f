// Package web exposes the chi-routed monitoring and admin HTTP surface:
// a read-only view of the CIP object/attribute registry, an admin-only
// write path that routes through the same Set Attribute Single handler
// the wire protocol uses, and a list of live EtherNet/IP sessions.
package web

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"ciptargetd/cip"
	"ciptargetd/config"
	"ciptargetd/server"
)

// Server is the HTTP server hosting the monitoring/admin surface.
type Server struct {
	config *config.WebConfig
	router http.Handler
	server *http.Server

	mu      sync.RWMutex
	running bool
}

// NewServer builds the monitoring surface router and wraps it in an
// http.Server, but does not start listening until Start is called.
func NewServer(cfg *config.Config, reg *cip.Registry, target *server.Server) *Server {
	return &Server{
		config: &cfg.Web,
		router: NewRouter(cfg, reg, target),
	}
}

// Start begins serving. It is a no-op if the server is already running or
// the configuration has it disabled.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || !s.config.Enabled {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("web: server exited: %v", err)
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	return err
}

// IsRunning reports whether the server is currently listening.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Address returns the server's configured HTTP address.
func (s *Server) Address() string {
	return fmt.Sprintf("http://%s:%d", s.config.Host, s.config.Port)
}
