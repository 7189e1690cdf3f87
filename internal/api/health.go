package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

const healthCheckTimeout = 2 * time.Second

// health pings every dependency. Any failure degrades the whole endpoint
// to 503 so load balancers stop routing here.
func (s *Server) health(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), healthCheckTimeout)
	defer cancel()

	services := map[string]string{"pg": "up", "redis": "up", "docker": "up"}
	healthy := true

	if err := s.db.Ping(ctx); err != nil {
		services["pg"] = "down"
		healthy = false
	}
	if err := s.live.Ping(ctx); err != nil {
		services["redis"] = "down"
		healthy = false
	}
	if err := s.docker.Ping(ctx); err != nil {
		services["docker"] = "down"
		healthy = false
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, map[string]any{"status": status, "services": services})
}
