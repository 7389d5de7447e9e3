package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	AdminSecretHeader = "X-Admin-Secret"

	principalKey = "principal"
)

// Middleware admits requests carrying either the admin secret header or a
// valid bearer token.
func (s *Service) Middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if secret := c.Request().Header.Get(AdminSecretHeader); secret != "" {
			if !s.CheckSecret(secret) {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid admin secret")
			}
			c.Set(principalKey, "secret")
			return next(c)
		}

		authHeader := c.Request().Header.Get("Authorization")
		if authHeader == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Missing Authorization header")
		}
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid Authorization header format")
		}
		if err := s.VerifyToken(parts[1]); err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
		}

		c.Set(principalKey, "token")
		return next(c)
	}
}

// Principal returns how the current request authenticated, "token" or
// "secret", or "" outside the admin group.
func Principal(c echo.Context) string {
	p, _ := c.Get(principalKey).(string)
	return p
}
