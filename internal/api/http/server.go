package http

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-engine/internal/observability"
)

// ServerConfig describes the HTTP application.
type ServerConfig struct {
	AppName        string
	Logger         *zap.Logger
	Metrics        *observability.Metrics
	RequestTimeout time.Duration
	Routes         RouteConfig
}

// NewServer builds the fiber application with middlewares and routes attached.
func NewServer(cfg ServerConfig) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		DisableStartupMessage: true,
	})
	RegisterMiddlewares(app, cfg.Logger, cfg.Metrics, cfg.RequestTimeout)
	RegisterRoutes(app, cfg.Routes)
	return app
}
