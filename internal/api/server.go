// Package api serves recovery jobs over HTTP and streams their progress to
// websocket clients.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/FocuswithJustin/RecallRecover/internal/logging"
)

// Server owns the job store and websocket hub.
type Server struct {
	cfg     Config
	hub     *Hub
	jobs    *JobStore
	run     RunFunc
	started time.Time
	wg      sync.WaitGroup
}

// NewServer creates a server. A nil run uses RunPipeline.
func NewServer(cfg Config, run RunFunc) *Server {
	if run == nil {
		run = RunPipeline
	}
	s := &Server{
		cfg:     cfg,
		hub:     NewHub(),
		jobs:    NewJobStore(),
		run:     run,
		started: time.Now(),
	}
	go s.hub.Run()
	return s
}

// Jobs exposes the job store.
func (s *Server) Jobs() *JobStore { return s.jobs }

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/jobs", s.handleJobs)
	mux.HandleFunc("/jobs/", s.handleJobByID)

	var handler http.Handler = mux
	handler = securityHeaders(handler)
	handler = corsMiddleware(s.cfg.AllowedOrigins, handler)
	return logging.CombinedMiddleware(handler)
}

// Close cancels running jobs, waits for them and stops the hub.
func (s *Server) Close() {
	s.jobs.CancelAll()
	s.wg.Wait()
	s.hub.Stop()
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logging.ServerStartup("rest_api", ln.Addr().String(),
		"base_dir", s.cfg.BaseDir,
		"allowed_origins", len(s.cfg.AllowedOrigins),
	)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	logging.Info("server_stopped")
	return err
}
