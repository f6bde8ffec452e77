// Package auth resolves the acting principal for each request. Production
// deployments present HS256 bearer tokens minted by the surrounding
// application; the principal is the token subject. Components that audit or
// issue grants fall back to "system" when no principal is present.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/ehr/ledger/pkg/envelope"
)

const (
	// PrincipalKey is the echo context key holding the acting identity.
	PrincipalKey = "principal_id"
	// RolesKey is the echo context key holding the principal's roles.
	RolesKey = "principal_roles"

	// DevPrincipalHeader names the header dev mode reads the principal
	// from, so local testing does not need token minting.
	DevPrincipalHeader = "X-Principal-ID"
)

// Claims carried by tokens from the surrounding application.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// Config for the JWT middleware.
type Config struct {
	Secret []byte
}

// JWT returns middleware that extracts the principal from a bearer token.
// Requests without an Authorization header pass through with no principal;
// requests with a malformed or badly signed token are rejected.
func JWT(cfg Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if header == "" {
				return next(c)
			}

			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				return envelope.Error(c, http.StatusUnauthorized, "authorization header must use the Bearer scheme")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return cfg.Secret, nil
			})
			if err != nil || !token.Valid {
				return envelope.Error(c, http.StatusUnauthorized, "invalid token")
			}
			if claims.Subject == "" {
				return envelope.Error(c, http.StatusUnauthorized, "token has no subject")
			}

			c.Set(PrincipalKey, claims.Subject)
			c.Set(RolesKey, claims.Roles)
			return next(c)
		}
	}
}

// Dev returns middleware for development mode: the principal is taken from
// the X-Principal-ID header, unauthenticated.
func Dev() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if p := c.Request().Header.Get(DevPrincipalHeader); p != "" {
				c.Set(PrincipalKey, p)
			}
			return next(c)
		}
	}
}

// Require returns middleware rejecting requests that carry no principal.
// Attached to mutating routes when authentication is configured.
func Require() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if p, _ := c.Get(PrincipalKey).(string); p == "" {
				return envelope.Error(c, http.StatusUnauthorized, "authentication required")
			}
			return next(c)
		}
	}
}

// PrincipalID returns the acting identity for the request, or "system"
// when none is present.
func PrincipalID(c echo.Context) string {
	if p, _ := c.Get(PrincipalKey).(string); p != "" {
		return p
	}
	return "system"
}
