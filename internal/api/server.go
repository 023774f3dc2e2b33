package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/skygrid/gateway-core/internal/health"
	"github.com/skygrid/gateway-core/internal/infrastructure/config"
	"github.com/skygrid/gateway-core/internal/infrastructure/logging"
	"github.com/skygrid/gateway-core/internal/metrics"
	"github.com/skygrid/gateway-core/internal/ratelimit"
	"github.com/skygrid/gateway-core/internal/registry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.ServerConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Proxy    http.Handler
	Registry *registry.Registry
	Tracker  *health.Tracker
	Metrics  *metrics.Collector
	Limiter  *ratelimit.Limiter // nil disables rate limiting
	Version  string
}

// Server is the gateway's HTTP server.
//
// It manages the listener, the middleware chain, the operational
// endpoints, and the catch-all proxy route. The server is created with
// New() and started with Start().
type Server struct {
	cfg      config.ServerConfig
	secCfg   config.SecurityConfig
	logger   *logging.Logger
	proxy    http.Handler
	registry *registry.Registry
	tracker  *health.Tracker
	metrics  *metrics.Collector
	limiter  *ratelimit.Limiter
	version  string

	server    *http.Server
	startTime time.Time
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Proxy == nil {
		return nil, fmt.Errorf("proxy handler is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if deps.Tracker == nil {
		return nil, fmt.Errorf("health tracker is required")
	}
	if deps.Metrics == nil {
		return nil, fmt.Errorf("metrics collector is required")
	}

	return &Server{
		cfg:       deps.Config,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		proxy:     deps.Proxy,
		registry:  deps.Registry,
		tracker:   deps.Tracker,
		metrics:   deps.Metrics,
		limiter:   deps.Limiter,
		version:   deps.Version,
		startTime: time.Now(),
	}, nil
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(_ context.Context) error {
	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway server error", "error", err)
		}
	}()

	s.logger.Info("gateway listening", "address", s.server.Addr)
	return nil
}

// Close gracefully shuts down the server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("gateway server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down gateway server: %w", err)
	}
	return nil
}
