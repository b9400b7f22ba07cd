package handler

import (
	"net/url"

	"github.com/gofiber/fiber/v2"

	"github.com/bimefy/slam-worker/internal/retry"
	"github.com/bimefy/slam-worker/pkg/response"
)

type RetryHandler struct {
	ledger retry.Ledger
}

func NewRetryHandler(ledger retry.Ledger) *RetryHandler {
	return &RetryHandler{ledger: ledger}
}

// Stats handles GET /api/retries/stats
func (h *RetryHandler) Stats(c *fiber.Ctx) error {
	return response.OK(c, h.ledger.Stats(c.Context()))
}

// Record handles GET /api/retries/*
func (h *RetryHandler) Record(c *fiber.Ctx) error {
	key, err := objectKeyParam(c)
	if err != nil {
		return response.ValidationError(c, "Invalid object key", nil)
	}
	if key == "" {
		return response.ValidationError(c, "Object key is required", nil)
	}

	record, ok := h.ledger.Record(c.Context(), key)
	if !ok {
		return response.NotFound(c, "No retry record for object")
	}
	return response.OK(c, record)
}

// objectKeyParam returns the unescaped wildcard segment. The result does not
// alias the request buffer.
func objectKeyParam(c *fiber.Ctx) (string, error) {
	raw := c.Params("*")
	key, err := url.PathUnescape(raw)
	if err != nil {
		return "", err
	}
	return string([]byte(key)), nil
}
