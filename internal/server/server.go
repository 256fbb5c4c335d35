// Package server wires the gin HTTP API over the module runtime.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mantonx/imgvault/internal/config"
	"github.com/mantonx/imgvault/internal/events"
	"github.com/mantonx/imgvault/internal/middleware"
	"github.com/mantonx/imgvault/internal/modules/host"
)

// Server is the HTTP API server
type Server struct {
	cfg      config.ServerConfig
	engine   *gin.Engine
	http     *http.Server
	logger   hclog.Logger
	service  *host.Service
	bus      events.Bus
	gatherer prometheus.Gatherer
}

// New builds the router. gatherer may be nil to disable /metrics.
func New(cfg config.ServerConfig, service *host.Service, bus events.Bus, gatherer prometheus.Gatherer, logger hclog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger.Named("http"),
		service:  service,
		bus:      bus,
		gatherer: gatherer,
	}
	s.engine = s.setupRouter()
	return s
}

// Handler returns the gin engine.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// trustProxies sets the proxies whose forwarding headers are honoured.
// An empty list trusts none.
func (s *Server) trustProxies(r *gin.Engine, proxies []string) {
	if len(proxies) == 0 {
		proxies = nil
	}
	if err := r.SetTrustedProxies(proxies); err != nil {
		s.logger.Warn("invalid trusted proxies", "proxies", proxies, "error", err)
	}
}

func (s *Server) setupRouter() *gin.Engine {
	r := gin.New()
	s.trustProxies(r, s.cfg.TrustedProxies)

	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.ErrorLogger(s.logger))

	// CORS for the admin UI
	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	s.setupRoutes(r)
	return r
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	s.logger.Info("starting server", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
