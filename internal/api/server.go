package api

import (
	"context"
	"fmt"
	"log"

	"github.com/cortex-x/go-nfc-motor-bridge/internal/config"
	"github.com/cortex-x/go-nfc-motor-bridge/internal/infra/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type Server struct {
	echo    *echo.Echo
	config  *config.Config
	hub     *websocket.Hub
	handler *Handler
	cancel  context.CancelFunc
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	handler := NewHandler(deps)
	handler.Register(e)

	return &Server{
		echo:    e,
		config:  cfg,
		hub:     deps.Hub,
		handler: handler,
	}
}

func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	// Start WebSocket hub
	go s.hub.Run(ctx)

	addr := fmt.Sprintf(":%d", s.config.Server.Port)
	log.Printf("Starting device server on %s", addr)

	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.echo.Shutdown(ctx)
}
