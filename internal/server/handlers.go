package server

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"trafficlog/internal/trafficlog"
)

// Handler holds the HTTP handlers for the reference server.
type Handler struct{}

// NewHandler creates a new Handler
func NewHandler() *Handler {
	return &Handler{}
}

// Health returns a simple health check response
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Echo reads the request body and writes it back unchanged. It exists to
// exercise both capture phases end to end: the traffic logger must hand this
// handler the full body from offset 0 and must not alter what the client
// receives back.
func (h *Handler) Echo(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body")
	}

	contentType := c.Request().Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	return c.Blob(http.StatusOK, contentType, body)
}

// Whoami reports the caller identity the traffic logger sees for this
// request, along with the request-scoped log fields.
func (h *Handler) Whoami(c echo.Context) error {
	logger := trafficlog.LoggerFrom(c.Request().Context())
	logger.Info("whoami requested")

	caller := trafficlog.AnonymousCaller
	if v, ok := c.Get(string(trafficlog.CallerKey)).(string); ok && v != "" {
		caller = v
	}

	return c.JSON(http.StatusOK, map[string]string{
		"caller":    caller,
		"remote_ip": c.RealIP(),
	})
}
