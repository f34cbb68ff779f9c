// Package http assembles the echo server that serves the REST API, the
// gateway WebSocket and Prometheus metrics.
package http

import (
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ignacioreyna/omni-bot/internal/auth"
	"github.com/ignacioreyna/omni-bot/internal/gateway"
	v1 "github.com/ignacioreyna/omni-bot/internal/transport/http/v1"
)

// ServerOptions configure NewServer.
type ServerOptions struct {
	Tokens       *auth.JWTService
	DefaultOwner string
	CORS         bool
}

// NewServer creates and configures the HTTP server.
func NewServer(h *v1.Handler, gw *gateway.Server, opts ServerOptions) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	if opts.CORS {
		e.Use(middleware.CORS())
	}
	e.Use(auth.Middleware(opts.Tokens, opts.DefaultOwner, public))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	if gw != nil {
		e.GET("/ws", gw.HandleWebSocket)
	}
	h.RegisterRoutes(e)

	return e
}

// public reports routes that authenticate on their own or not at all.
func public(c echo.Context) bool {
	path := c.Request().URL.Path
	return path == "/api/health" || !strings.HasPrefix(path, "/api/")
}
