package handlers

import (
	"github.com/flowcanvas/companion/internal/relay"
	"github.com/flowcanvas/companion/internal/transport/http/dto"
	"github.com/gofiber/fiber/v2"
)

const banner = "flowcanvas companion is running"

type HealthHandler struct {
	relay *relay.Relay
}

func NewHealthHandler(r *relay.Relay) *HealthHandler {
	return &HealthHandler{relay: r}
}

func (h *HealthHandler) Banner(c *fiber.Ctx) error {
	return c.SendString(banner)
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(dto.HealthResponse{
		Status: "ok",
		Relay:  string(h.relay.Status().State),
	})
}
