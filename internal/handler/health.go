package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/bimefy/slam-worker/pkg/response"
)

type HealthHandler struct {
	started time.Time
	running func() bool
}

// NewHealthHandler reports liveness. running may be nil.
func NewHealthHandler(running func() bool) *HealthHandler {
	return &HealthHandler{started: time.Now(), running: running}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	body := fiber.Map{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	}
	if h.running != nil {
		body["worker_running"] = h.running()
	}
	return response.OK(c, body)
}
