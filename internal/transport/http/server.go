// Package http provides the HTTP server for the shizue backend.
package http

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/shizue/internal/channel"
	"github.com/xiaot623/gogo/shizue/internal/logging"
	"github.com/xiaot623/gogo/shizue/internal/router"
	v1 "github.com/xiaot623/gogo/shizue/internal/transport/http/v1"
	"github.com/xiaot623/gogo/shizue/internal/transport/ws"
)

// AccessKeyHeader carries the optional static access key.
const AccessKeyHeader = "X-Access-Key"

// NewServer creates and configures the HTTP server: one-shot actions under
// /v1, stream channels on /ws and the health check.
func NewServer(r *router.Router, hub *channel.Hub, sessions v1.SessionCounter, wsServer *ws.Server, accessKey string, log logrus.FieldLogger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(logging.RequestLogger(log))
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	guard := AccessKey(accessKey)

	// Handlers
	h := v1.NewHandler(r, hub, sessions, log)
	h.RegisterRoutes(e, guard)
	e.GET("/ws", wsServer.HandleWebSocket, guard)

	return e
}

// AccessKey rejects requests without the configured key. An empty key
// disables the check.
func AccessKey(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if key == "" {
				return next(c)
			}
			got := c.Request().Header.Get(AccessKeyHeader)
			if got == "" {
				got = c.QueryParam("access_key")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid access key"})
			}
			return next(c)
		}
	}
}
