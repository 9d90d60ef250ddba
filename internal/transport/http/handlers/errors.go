package handlers

import (
	"errors"

	"github.com/flowcanvas/companion/internal/core/services"
	"github.com/flowcanvas/companion/internal/domain"
	"github.com/flowcanvas/companion/internal/infrastructure/logger"
	"github.com/flowcanvas/companion/internal/transport/http/dto"
	"github.com/flowcanvas/companion/internal/transport/http/middleware"
	"github.com/gofiber/fiber/v2"
)

const (
	CodeValidation        = "validation_failed"
	CodeNotFound          = "not_found"
	CodeEngineUnavailable = "engine_unavailable"
	CodeUpstreamRejected  = "upstream_rejected"
	CodeUnavailable       = "unavailable"
	CodeInternal          = "internal"
)

// NewErrorHandler renders every error a handler returns as dto.ErrorResponse. Unknown errors
// become an opaque 500 carrying only the request id.
func NewErrorHandler(log *logger.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status, body := mapError(err)
		body.RequestID = middleware.GetRequestID(c)

		fields := []interface{}{
			"method", c.Method(),
			"path", c.Path(),
			"status", status,
			"error", err.Error(),
			"request_id", body.RequestID,
		}
		if status >= fiber.StatusInternalServerError && body.Code != CodeEngineUnavailable {
			log.Errorw("request_error", fields...)
		} else {
			log.Warnw("request_failed", fields...)
		}

		return c.Status(status).JSON(body)
	}
}

func mapError(err error) (int, dto.ErrorResponse) {
	var (
		fiberErr   *fiber.Error
		validation *domain.ValidationError
		rejected   *domain.UpstreamRejectedError
	)

	switch {
	case errors.As(err, &fiberErr):
		return fiberErr.Code, dto.ErrorResponse{Error: fiberErr.Message}
	case errors.As(err, &validation):
		return fiber.StatusBadRequest, dto.ErrorResponse{
			Error:   "validation failed",
			Code:    CodeValidation,
			Details: validation.Problems,
		}
	case errors.Is(err, domain.ErrJobNotFound):
		return fiber.StatusNotFound, dto.ErrorResponse{Error: "install job not found", Code: CodeNotFound}
	case errors.Is(err, domain.ErrEngineTimeout):
		return fiber.StatusGatewayTimeout, dto.ErrorResponse{Error: "engine timed out", Code: CodeEngineUnavailable}
	case errors.Is(err, domain.ErrEngineUnavailable):
		return fiber.StatusBadGateway, dto.ErrorResponse{Error: "engine offline", Code: CodeEngineUnavailable}
	case errors.As(err, &rejected):
		status := fiber.StatusBadGateway
		if rejected.Status >= 400 && rejected.Status < 500 {
			status = rejected.Status
		}
		return status, dto.ErrorResponse{
			Error:  "engine rejected the request",
			Code:   CodeUpstreamRejected,
			Detail: dto.RawDetail(rejected.Body),
		}
	case errors.Is(err, services.ErrJobManagerClosed):
		return fiber.StatusServiceUnavailable, dto.ErrorResponse{Error: "service is shutting down", Code: CodeUnavailable}
	default:
		return fiber.StatusInternalServerError, dto.ErrorResponse{Error: "internal error", Code: CodeInternal}
	}
}
