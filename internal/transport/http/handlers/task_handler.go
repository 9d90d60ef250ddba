package handlers

import (
	"encoding/json"

	"github.com/flowcanvas/companion/internal/core/ports"
	"github.com/flowcanvas/companion/internal/domain"
	"github.com/flowcanvas/companion/internal/infrastructure/logger"
	"github.com/flowcanvas/companion/internal/transport/http/dto"
	"github.com/gofiber/fiber/v2"
)

type TaskHandler struct {
	gateway ports.TaskGateway
	logger  *logger.Logger
}

func NewTaskHandler(gateway ports.TaskGateway, logger *logger.Logger) *TaskHandler {
	return &TaskHandler{gateway: gateway, logger: logger}
}

func (h *TaskHandler) AddTask(c *fiber.Ctx) error {
	var task domain.TaskDescriptor
	if err := json.Unmarshal(c.Body(), &task); err != nil || task == nil {
		h.logger.Warnw("task_body_parse_failed", "error", err)
		return domain.NewValidationError("request body must be a JSON object")
	}

	receipt, err := h.gateway.Submit(c.UserContext(), task)
	if err != nil {
		return err
	}

	return c.JSON(dto.TaskResponse{
		TaskID:     receipt.TaskID,
		Number:     receipt.Number,
		NodeErrors: receipt.NodeErrors,
	})
}
