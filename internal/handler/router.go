package handler

import (
	"io"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/bimefy/slam-worker/internal/middleware"
	"github.com/bimefy/slam-worker/internal/retry"
	ws "github.com/bimefy/slam-worker/internal/websocket"
	"github.com/bimefy/slam-worker/pkg/response"
)

// AdminDeps are the collaborators of the admin server
type AdminDeps struct {
	Ledger    retry.Ledger
	Hub       *ws.Hub
	Auth      *middleware.AuthMiddleware
	Running   func() bool
	AccessLog io.Writer // nil disables request logging
}

// NewAdminApp builds the admin fiber app
func NewAdminApp(deps AdminDeps) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          response.ErrorHandler,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	if deps.AccessLog != nil {
		app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
			Output: deps.AccessLog,
		}))
	}

	health := NewHealthHandler(deps.Running)
	app.Get("/health", health.Health)

	retries := NewRetryHandler(deps.Ledger)
	api := app.Group("/api", deps.Auth.Authenticate())
	api.Get("/retries/stats", retries.Stats)
	api.Get("/retries/*", retries.Record)

	jobs := NewJobEventsHandler(deps.Hub)
	app.Get("/ws/jobs/*", deps.Auth.Authenticate(), jobs.Upgrade, jobs.Stream())

	return app
}
