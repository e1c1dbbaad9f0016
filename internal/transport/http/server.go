// Package http assembles the relay's HTTP server.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/relay/internal/config"
	"github.com/xiaot623/gogo/relay/internal/service"
	v1 "github.com/xiaot623/gogo/relay/internal/transport/http/v1"
	"github.com/xiaot623/gogo/relay/internal/transport/ws"
)

// NewServer creates the echo server with the chat, session and WebSocket
// routes.
func NewServer(svc *service.Service, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  []string{cfg.CORSOrigin},
		ExposeHeaders: []string{v1.HeaderChatID},
	}))

	// Handlers
	v1.NewHandler(svc).RegisterRoutes(e)
	ws.NewServer(svc, cfg.CORSOrigin).RegisterRoutes(e)

	return e
}
