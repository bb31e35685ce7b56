package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RequireRole admits only callers whose authenticated role matches one
// of the given roles. Must run after RequireAuth.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			current, ok := RoleFromContext(c)
			if !ok {
				return echo.NewHTTPError(http.StatusForbidden, "forbidden")
			}
			for _, role := range roles {
				if current == role {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "forbidden")
		}
	}
}
