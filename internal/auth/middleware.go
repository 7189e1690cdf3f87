package auth

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// ContextKeyIdentity is the echo context key for the authenticated identity.
const ContextKeyIdentity = "auth_identity"

// SetIdentity stores the authenticated identity in the echo context.
func SetIdentity(c echo.Context, id *Identity) {
	c.Set(ContextKeyIdentity, id)
}

// GetIdentity retrieves the authenticated identity from the echo context.
func GetIdentity(c echo.Context) (*Identity, bool) {
	v := c.Get(ContextKeyIdentity)
	if v == nil {
		return nil, false
	}
	id, ok := v.(*Identity)
	return id, ok
}

// APIKeyMiddleware authenticates requests via the X-API-Key header and binds
// the resulting identity to the request context.
func APIKeyMiddleware(gate *Gate) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get("X-API-Key")
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{
					"error": "missing API key",
				})
			}

			identity, err := gate.VerifyAPIKey(c.Request().Context(), key)
			if err != nil {
				if errors.Is(err, ErrInvalidCredentials) {
					return c.JSON(http.StatusUnauthorized, map[string]string{
						"error": "invalid API key",
					})
				}
				return c.JSON(http.StatusServiceUnavailable, map[string]string{
					"error": "authentication unavailable",
				})
			}

			SetIdentity(c, identity)
			return next(c)
		}
	}
}
