// Package api is the HTTP and WebSocket surface of the orchestrator. It
// validates inputs, authenticates callers, and dispatches to the sandbox
// manager and the RPC hub; no domain logic lives here.
package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/insien/insien/internal/auth"
	"github.com/insien/insien/internal/hub"
	"github.com/insien/insien/internal/metrics"
	"github.com/insien/insien/internal/redis"
	"github.com/insien/insien/pkg/types"
)

// Service is the sandbox control surface the HTTP handlers dispatch to.
type Service interface {
	Create(ctx context.Context, userID, credentialID uuid.UUID, tier types.Tier) (*types.CreateSandboxResponse, error)
	Destroy(ctx context.Context, userID uuid.UUID, sandboxID string) error
	Status(ctx context.Context, userID uuid.UUID, sandboxID string) (*types.SandboxStatusResponse, error)
	Expose(ctx context.Context, userID uuid.UUID, sandboxID string, containerPort int) (*types.ExposePortResponse, error)
	ListPorts(ctx context.Context, userID uuid.UUID, sandboxID string) (*types.PortsResponse, error)
	Stats(ctx context.Context, userID uuid.UUID, sandboxID string) (*types.StatsResponse, error)
	QuotaUsage(ctx context.Context, userID, credentialID uuid.UUID, tier types.Tier) (*types.QuotaUsageResponse, error)
	Execute(ctx context.Context, userID, credentialID uuid.UUID, tier types.Tier, req *types.ExecuteRequest) (*types.ExecuteResponse, error)
}

// Pinger reports liveness of one dependency for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the server to the rest of the orchestrator.
type Deps struct {
	Gate    *auth.Gate
	Service Service
	Hub     *hub.Hub
	Live    *redis.Store
	DB      Pinger
	Docker  Pinger
}

// Server serves the control API and the WebSocket RPC endpoints on two
// separate listeners.
type Server struct {
	http *echo.Echo
	ws   *echo.Echo

	gate   *auth.Gate
	svc    Service
	hub    *hub.Hub
	live   *redis.Store
	db     Pinger
	docker Pinger
}

// NewServer creates the server with all routes configured.
func NewServer(d Deps) *Server {
	s := &Server{
		gate:   d.Gate,
		svc:    d.Service,
		hub:    d.Hub,
		live:   d.Live,
		db:     d.DB,
		docker: d.Docker,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
	e.Use(metrics.EchoMiddleware())

	// No auth
	e.GET("/health", s.health)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	api := e.Group("", auth.APIKeyMiddleware(d.Gate))
	api.POST("/sandbox/create", s.createSandbox)
	api.POST("/sandbox/execute", s.executeCode)
	api.GET("/sandbox/quota/usage", s.quotaUsage)
	api.POST("/sandbox/:id/destroy", s.destroySandbox)
	api.GET("/sandbox/:id/status", s.sandboxStatus)
	api.POST("/sandbox/:id/expose", s.exposePort)
	api.GET("/sandbox/:id/ports", s.listPorts)
	api.GET("/sandbox/:id/stats", s.sandboxStats)
	s.http = e

	ws := echo.New()
	ws.HideBanner = true
	ws.HidePort = true
	ws.Use(middleware.Recover())
	ws.GET("/agent/:id", s.agentSocket)
	ws.GET("/client/:id", s.clientSocket)
	ws.Any("/*", s.unknownSocket)
	s.ws = ws

	return s
}

// StartHTTP serves the control API. Blocks until shutdown.
func (s *Server) StartHTTP(addr string) error {
	err := s.http.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// StartWS serves the WebSocket RPC endpoints. Blocks until shutdown.
func (s *Server) StartWS(addr string) error {
	err := s.ws.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops both listeners, waiting for in-flight requests up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	httpErr := s.http.Shutdown(ctx)
	wsErr := s.ws.Shutdown(ctx)
	if httpErr != nil {
		return httpErr
	}
	return wsErr
}
