package handlers

import (
	"github.com/flowcanvas/companion/internal/core/ports"
	"github.com/flowcanvas/companion/internal/domain"
	"github.com/flowcanvas/companion/internal/infrastructure/logger"
	"github.com/flowcanvas/companion/internal/transport/http/dto"
	"github.com/gofiber/fiber/v2"
)

type InstallHandler struct {
	jobs   ports.JobManager
	logger *logger.Logger
}

func NewInstallHandler(jobs ports.JobManager, logger *logger.Logger) *InstallHandler {
	return &InstallHandler{jobs: jobs, logger: logger}
}

func (h *InstallHandler) InstallExtension(c *fiber.Ctx) error {
	var req dto.InstallExtensionRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("install_extension_body_parse_failed", "error", err)
		return domain.NewValidationError("invalid request body")
	}
	if errors := req.Validate(); len(errors) > 0 {
		return domain.NewValidationError(errors...)
	}
	return h.submit(c, domain.JobKindExtension, req.ToTarget())
}

func (h *InstallHandler) InstallModel(c *fiber.Ctx) error {
	var req dto.InstallModelRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Warnw("install_model_body_parse_failed", "error", err)
		return domain.NewValidationError("invalid request body")
	}
	if errors := req.Validate(); len(errors) > 0 {
		return domain.NewValidationError(errors...)
	}
	return h.submit(c, domain.JobKindModel, req.ToTarget())
}

func (h *InstallHandler) submit(c *fiber.Ctx, kind domain.JobKind, target domain.InstallTarget) error {
	job, created, err := h.jobs.Submit(c.UserContext(), kind, target)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(dto.JobAcceptedResponse{
		JobID:   job.ID,
		Status:  string(job.Status),
		Created: created,
	})
}

func (h *InstallHandler) ListJobs(c *fiber.Ctx) error {
	kind := domain.JobKind(c.Query("kind"))
	if kind != "" && !kind.Valid() {
		return domain.NewValidationError("kind must be extension or model")
	}
	return c.JSON(h.jobs.List(kind))
}

func (h *InstallHandler) GetJob(c *fiber.Ctx) error {
	job, err := h.jobs.Get(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(job)
}
