package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/insien/insien/internal/auth"
	"github.com/insien/insien/internal/docker"
	"github.com/insien/insien/internal/ports"
	"github.com/insien/insien/internal/quota"
	"github.com/insien/insien/internal/sandbox"
	"github.com/insien/insien/pkg/types"
)

func errBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// fail maps domain errors to HTTP statuses. Container ids, tokens, and
// internal error chains never reach the response body.
func (s *Server) fail(c echo.Context, err error) error {
	var quotaErr *quota.ExceededError
	var startupErr *docker.StartupError
	var exposeErr *ports.ExposeFailedError

	switch {
	case errors.As(err, &quotaErr):
		return c.JSON(http.StatusTooManyRequests, errBody(quotaErr.Error()))
	case errors.Is(err, sandbox.ErrNotFound):
		return c.JSON(http.StatusNotFound, errBody("sandbox not found"))
	case errors.Is(err, sandbox.ErrForbidden):
		return c.JSON(http.StatusForbidden, errBody("sandbox belongs to another user"))
	case errors.Is(err, sandbox.ErrUnsupportedLanguage):
		return c.JSON(http.StatusBadRequest, errBody(err.Error()))
	case errors.As(err, &startupErr):
		return c.JSON(http.StatusInternalServerError, errBody(
			fmt.Sprintf("container failed to start (status=%s, exit code %d)", startupErr.Status, startupErr.ExitCode)))
	case errors.As(err, &exposeErr):
		return c.JSON(http.StatusInternalServerError, errBody("port exposure failed, sandbox has been destroyed"))
	case errors.Is(err, ports.ErrNoPortsAvailable):
		return c.JSON(http.StatusInternalServerError, errBody("no ports available"))
	default:
		log.Printf("api: %s %s: %v", c.Request().Method, c.Path(), err)
		return c.JSON(http.StatusInternalServerError, errBody("internal error"))
	}
}

// identity returns the authenticated principal. The auth middleware
// guarantees it is present on every route in the keyed group.
func identity(c echo.Context) (*auth.Identity, error) {
	id, ok := auth.GetIdentity(c)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "missing identity")
	}
	return id, nil
}

func (s *Server) createSandbox(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}

	var req types.CreateSandboxRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("invalid request body"))
	}
	tier, err := types.ParseTier(req.Tier)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err.Error()))
	}

	resp, err := s.svc.Create(c.Request().Context(), id.UserID, id.CredentialID, tier)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) destroySandbox(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}

	if err := s.svc.Destroy(c.Request().Context(), id.UserID, c.Param("id")); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) sandboxStatus(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}

	resp, err := s.svc.Status(c.Request().Context(), id.UserID, c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) exposePort(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}

	var req types.ExposePortRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("invalid request body"))
	}
	if req.ContainerPort < 1 || req.ContainerPort > 65535 {
		return c.JSON(http.StatusBadRequest, errBody("containerPort must be between 1 and 65535"))
	}

	resp, err := s.svc.Expose(c.Request().Context(), id.UserID, c.Param("id"), req.ContainerPort)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) listPorts(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}

	resp, err := s.svc.ListPorts(c.Request().Context(), id.UserID, c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) sandboxStats(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}

	resp, err := s.svc.Stats(c.Request().Context(), id.UserID, c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) quotaUsage(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}

	tier, err := types.ParseTier(c.QueryParam("tier"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err.Error()))
	}

	resp, err := s.svc.QuotaUsage(c.Request().Context(), id.UserID, id.CredentialID, tier)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) executeCode(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}

	var req types.ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("invalid request body"))
	}
	if req.Language == "" || req.Code == "" {
		return c.JSON(http.StatusBadRequest, errBody("language and code are required"))
	}
	tier, err := types.ParseTier(req.Tier)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err.Error()))
	}

	resp, err := s.svc.Execute(c.Request().Context(), id.UserID, id.CredentialID, tier, &req)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}
