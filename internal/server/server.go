package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/config"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/metrics"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/storage"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/web"
)

const shutdownTimeout = 30 * time.Second

// Server exposes the operator API and metrics over HTTP.
type Server struct {
	config   *config.Config
	logger   logger.Logger
	runner   *Runner
	web      *web.Service
	registry *prometheus.Registry
	httpSrv  *http.Server
	ready    chan string
}

// New creates a new server instance around an existing runner.
func New(cfg *config.Config, log logger.Logger, runner *Runner, store storage.Store) (*Server, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(registry); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	return &Server{
		config:   cfg,
		logger:   log,
		runner:   runner,
		web:      web.NewService(&cfg.Server, runner, store, log),
		registry: registry,
		ready:    make(chan string, 1),
	}, nil
}

// Router builds the HTTP routes.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	if path := s.config.Server.MetricsPath; path != "" {
		router.Handle(path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.web.RegisterRoutes(router)
	return router
}

// Ready delivers the listen address once the server accepts connections.
func (s *Server) Ready() <-chan string {
	return s.ready
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.httpSrv = &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // diagnostics may run for minutes
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting HTTP server",
		"addr", listener.Addr().String(),
		"admin_path", s.config.Server.AdminPath,
		"metrics_path", s.config.Server.MetricsPath,
	)
	s.ready <- listener.Addr().String()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := s.httpSrv.Shutdown(shutdownCtx)
		s.web.Close()
		s.runner.Close()
		if err != nil {
			s.logger.Error("Server forced to shutdown", "error", err)
		}
		return err
	})

	err = g.Wait()
	s.logger.Info("Server exited")
	return err
}
