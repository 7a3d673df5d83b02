package server

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"trafficlog/internal/trafficlog"
)

// AuthMiddleware creates an Echo middleware that validates the master key
// if it's configured. If masterKey is empty, no authentication is required.
// Paths in skipPaths bypass the check (health, metrics).
func AuthMiddleware(masterKey string, skipPaths []string) echo.MiddlewareFunc {
	skip := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = true
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if masterKey == "" || skip[c.Request().URL.Path] {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return authError(c, "missing authorization header")
			}

			const prefix = "Bearer "
			if !strings.HasPrefix(authHeader, prefix) {
				return authError(c, "invalid authorization header format, expected 'Bearer <token>'")
			}

			token := strings.TrimPrefix(authHeader, prefix)
			if token != masterKey {
				return authError(c, "invalid master key")
			}

			return next(c)
		}
	}
}

// authError writes the 401 response body all authentication failures share.
func authError(c echo.Context, message string) error {
	return c.JSON(http.StatusUnauthorized, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "authentication_error",
			"message": message,
		},
	})
}

// PrincipalMiddleware resolves the caller's display name for traffic logging.
// It never rejects a request: a missing or unparseable credential simply
// leaves the caller anonymous. When jwtSecret is set, only HMAC-signed tokens
// verifying against it contribute an identity; otherwise claims are read
// unverified, for display purposes only.
func PrincipalMiddleware(jwtSecret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if name := principalName(authHeader, jwtSecret); name != "" {
				trafficlog.SetCaller(c, name)
			}
			return next(c)
		}
	}
}

// principalName extracts a display name from a Bearer JWT's claims.
// Returns "" when no identity can be derived.
func principalName(authHeader, secret string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return ""
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
	if raw == "" {
		return ""
	}

	var claims jwt.MapClaims

	if secret != "" {
		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return ""
		}
		claims, _ = token.Claims.(jwt.MapClaims)
	} else {
		token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
		if err != nil {
			return ""
		}
		claims, _ = token.Claims.(jwt.MapClaims)
	}

	if claims == nil {
		return ""
	}
	if name, ok := claims["name"].(string); ok && name != "" {
		return name
	}
	if sub, ok := claims["sub"].(string); ok && sub != "" {
		return sub
	}
	return ""
}
