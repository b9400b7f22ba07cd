package handler

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	ws "github.com/bimefy/slam-worker/internal/websocket"
	"github.com/bimefy/slam-worker/pkg/response"
)

const objectKeyLocal = "objectKey"

type JobEventsHandler struct {
	hub *ws.Hub
}

func NewJobEventsHandler(hub *ws.Hub) *JobEventsHandler {
	return &JobEventsHandler{hub: hub}
}

// Upgrade rejects plain HTTP requests and stashes the object key for the
// websocket handler
func (h *JobEventsHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	key, err := objectKeyParam(c)
	if err != nil || key == "" {
		return response.ValidationError(c, "Object key is required", nil)
	}
	c.Locals(objectKeyLocal, key)
	return c.Next()
}

// Stream handles GET /ws/jobs/* and relays lifecycle events for one object
func (h *JobEventsHandler) Stream() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		key, _ := c.Locals(objectKeyLocal).(string)
		h.hub.HandleConnection(c, key)
	})
}
