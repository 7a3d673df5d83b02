// Package server wires the reference HTTP server the traffic logger is
// mounted into: request handling chain, auth glue, and routes.
package server

import (
	"context"
	"net/http"
	"path"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trafficlog/config"
	"trafficlog/internal/trafficlog"
)

// Server wraps the Echo server
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// New creates a new HTTP server with the traffic logger mounted in the chain.
// Chain order matters: recovery and body limits guard the whole chain, the
// principal middleware resolves identity before the traffic logger derives
// its request context, and the traffic logger wraps every route handler.
func New(cfg *config.Config, em *trafficlog.Emitter) *Server {
	e := echo.New()
	e.HideBanner = true

	handler := NewHandler()

	// Paths that skip authentication
	authSkipPaths := []string{"/health"}

	metricsPath := "/metrics"
	if cfg.Metrics.Enabled {
		if cfg.Metrics.Endpoint != "" {
			// Normalize path to prevent traversal attacks
			metricsPath = path.Clean(cfg.Metrics.Endpoint)
		}
		authSkipPaths = append(authSkipPaths, metricsPath)
	}

	e.Use(middleware.Recover())

	bodySizeLimit := cfg.Server.BodySizeLimit
	if bodySizeLimit <= 0 {
		bodySizeLimit = config.DefaultBodySizeLimit
	}
	e.Use(middleware.BodyLimit(strconv.FormatInt(bodySizeLimit, 10)))

	if cfg.Server.MasterKey != "" {
		e.Use(AuthMiddleware(cfg.Server.MasterKey, authSkipPaths))
	}
	e.Use(PrincipalMiddleware(cfg.Server.JWTSecret))
	e.Use(trafficlog.Middleware(trafficlog.FromLogConfig(cfg.Logging), em))

	// Public routes
	e.GET("/health", handler.Health)
	if cfg.Metrics.Enabled {
		e.GET(metricsPath, echo.WrapHandler(promhttp.Handler()))
	}

	// API routes
	e.POST("/v1/echo", handler.Echo)
	e.GET("/v1/whoami", handler.Whoami)

	return &Server{
		echo:    e,
		handler: handler,
	}
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
