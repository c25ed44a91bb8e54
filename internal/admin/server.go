package admin

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/domain"
	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/utils"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	shutdownTimeout     = 5 * time.Second
	defaultPushInterval = 5 * time.Second
)

// Source is the read-only view of the router exposed over HTTP.
type Source interface {
	List() domain.Snapshot
	Unclaimed() []domain.UnclaimedSnapshot
}

// Server is the inspection surface: health, prometheus metrics, the session
// snapshot over REST and a websocket that pushes it periodically. It never
// mutates routing state.
type Server struct {
	app          *fiber.App
	source       Source
	nodeID       string
	pushInterval time.Duration
	sockets      *SocketPool
	started      time.Time
}

func NewServer(source Source, nodeID string, pushInterval time.Duration) *Server {
	if pushInterval <= 0 {
		pushInterval = defaultPushInterval
	}
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
		}),
		source:       source,
		nodeID:       nodeID,
		pushInterval: pushInterval,
		sockets:      NewSocketPool(),
		started:      time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(healthResponse{
			Status:   "ok",
			Node:     s.nodeID,
			Sessions: len(s.source.List().Sessions),
			Uptime:   time.Since(s.started).Round(time.Second).String(),
		})
	})

	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	s.app.Route("/api", func(router fiber.Router) {
		router.Get("/sessions", func(c *fiber.Ctx) error {
			return c.JSON(s.source.List())
		})
		router.Get("/sessions/:id", func(c *fiber.Ctx) error {
			sess, ok := s.source.List().Session(c.Params("id"))
			if !ok {
				return c.Status(fiber.StatusNotFound).SendString("Session not found")
			}
			return c.JSON(sess)
		})
		router.Get("/unclaimed", func(c *fiber.Ctx) error {
			return c.JSON(s.source.Unclaimed())
		})
	})

	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.app.Get("/ws/sessions", websocket.New(func(c *websocket.Conn) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic in /ws/sessions", "error", err)
			}
		}()
		s.listenSessionsSocket(c)
	}))
}

// listenSessionsSocket pushes the snapshot right away and then every push
// interval until the client goes away. Incoming messages are ignored.
func (s *Server) listenSessionsSocket(c *websocket.Conn) {
	id, soc := s.sockets.AddSocket(c)
	slog.Debug("admin socket connected", "socketId", id)

	send := func() {
		if err := soc.WriteJSON(s.source.List()); err != nil {
			slog.Debug("failed to push snapshot", "socketId", id, "error", err)
		}
	}
	send()
	timer := utils.SetIntervalTimer(s.pushInterval, send)
	defer timer.Stop()
	defer s.sockets.RemoveSocket(id, soc)

	for {
		if _, _, err := c.ReadMessage(); err != nil {
			slog.Debug("admin socket disconnected", "socketId", id, "error", err)
			return
		}
	}
}

// Listen blocks serving on port until Shutdown.
func (s *Server) Listen(port int) error {
	slog.Info("admin server listening", "port", port)
	return s.app.Listen(":" + strconv.Itoa(port))
}

func (s *Server) Shutdown() error {
	s.sockets.Close()
	return s.app.ShutdownWithTimeout(shutdownTimeout)
}

type healthResponse struct {
	Status   string `json:"status"`
	Node     string `json:"node"`
	Sessions int    `json:"sessions"`
	Uptime   string `json:"uptime"`
}
