// Package v1 provides the one-shot HTTP handlers.
package v1

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/shizue/internal/adapter/llm"
	"github.com/xiaot623/gogo/shizue/internal/channel"
	"github.com/xiaot623/gogo/shizue/internal/repository"
	"github.com/xiaot623/gogo/shizue/internal/router"
	"github.com/xiaot623/gogo/shizue/internal/service"
)

// SessionCounter reports the number of live generations.
type SessionCounter interface {
	Active() int
}

// Handler handles HTTP requests.
type Handler struct {
	router   *router.Router
	hub      *channel.Hub
	sessions SessionCounter
	log      logrus.FieldLogger
}

// NewHandler creates a new handler.
func NewHandler(r *router.Router, hub *channel.Hub, sessions SessionCounter, log logrus.FieldLogger) *Handler {
	return &Handler{
		router:   r,
		hub:      hub,
		sessions: sessions,
		log:      log,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo, auth echo.MiddlewareFunc) {
	e.POST("/v1/messages", h.PostMessage, auth)
	e.GET("/health", h.Health)
}

// PostMessage runs a one-shot action. Unknown actions are accepted and ignored.
func (h *Handler) PostMessage(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	req, err := router.Decode(body)
	if errors.Is(err, router.ErrUnknownAction) {
		h.log.WithError(err).Debug("ignoring request")
		return c.NoContent(http.StatusNoContent)
	}
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if router.IsStreaming(req) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": req.Action() + " requires a /ws channel"})
	}

	reply, err := h.router.Call(c.Request().Context(), req)
	if err != nil {
		return c.JSON(statusFor(err), map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, reply)
}

func statusFor(err error) int {
	var gwErr *llm.Error
	switch {
	case errors.Is(err, router.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotConfigured):
		return http.StatusPreconditionFailed
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &gwErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"version":     "0.1.0",
		"connections": h.hub.ConnectionCount(),
		"streams":     h.hub.StreamCount(),
		"sessions":    h.sessions.Active(),
	})
}
