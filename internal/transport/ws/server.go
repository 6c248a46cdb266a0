// Package ws serves stream channels over WebSocket.
package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/xiaot623/gogo/shizue/internal/channel"
	"github.com/xiaot623/gogo/shizue/internal/config"
	"github.com/xiaot623/gogo/shizue/internal/domain"
	"github.com/xiaot623/gogo/shizue/internal/router"
)

// Server handles WebSocket connections. Each connection carries exactly one
// streaming request.
type Server struct {
	ctx      context.Context
	opts     channel.Options
	hub      *channel.Hub
	router   *router.Router
	upgrader websocket.Upgrader
	log      logrus.FieldLogger
}

// NewServer creates a new WebSocket server. Sessions run under ctx.
func NewServer(ctx context.Context, cfg *config.Config, h *channel.Hub, r *router.Router, log logrus.FieldLogger) *Server {
	return &Server{
		ctx: ctx,
		opts: channel.Options{
			PingInterval:   cfg.PingInterval,
			WriteTimeout:   cfg.WriteTimeout,
			ReadTimeout:    cfg.ReadTimeout,
			MaxMessageSize: cfg.MaxMessageSize,
		},
		hub:    h,
		router: r,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// The extension connects from its own origin.
				return true
			},
		},
		log: log,
	}
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.WithError(err).Warn("failed to upgrade websocket")
		return err
	}

	conn := s.hub.NewConn(ws, s.opts)
	s.hub.Register(conn)
	conn.Start()

	go s.serve(conn)
	return nil
}

// serve waits for the control message and runs the requested stream.
func (s *Server) serve(conn *channel.Conn) {
	defer conn.Finish()
	log := s.log.WithField("conn_id", conn.ID)

	var data []byte
	select {
	case data = <-conn.Control():
	case <-conn.Closed():
		log.Debug("peer closed before sending a request")
		return
	case <-time.After(s.opts.ReadTimeout):
		log.Warn("no request received, closing")
		return
	}

	req, err := router.Decode(data)
	switch {
	case errors.Is(err, router.ErrUnknownAction):
		log.WithError(err).Debug("ignoring request")
		return
	case err != nil:
		s.reject(log, conn, err.Error())
		return
	}
	if !router.IsStreaming(req) {
		s.reject(log, conn, req.Action()+" is not a streaming action")
		return
	}

	var threadID string
	switch r := req.(type) {
	case *router.RunRequest:
		threadID = r.ThreadID
	case *router.RetryRequest:
		threadID = r.ThreadID
	}
	log = log.WithField("thread_id", threadID)
	if s.hub.IsStreaming(threadID) {
		log.Info("thread already streaming on another connection")
	}
	s.hub.Bind(conn, threadID)

	log.WithField("action", req.Action()).Info("stream started")
	if err := s.router.Stream(s.ctx, req, conn); err != nil {
		s.reject(log, conn, err.Error())
		return
	}
	log.WithField("action", req.Action()).Info("stream finished")
}

func (s *Server) reject(log logrus.FieldLogger, conn *channel.Conn, message string) {
	log.WithField("reason", message).Warn("rejecting stream request")
	if err := conn.Send(domain.ErrorEvent(domain.ErrorKindSetup, message)); err != nil {
		log.WithError(err).Debug("failed to send rejection")
	}
}
