package middleware

import (
	"time"

	"github.com/flowcanvas/companion/internal/infrastructure/logger"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// RequestIDKey is the fiber Locals key holding the request id.
const RequestIDKey = "request_id"

// RequestID reuses the caller's id from header when present, else generates one, and echoes
// it on the response.
func RequestID(header string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var reqID string
		if header != "" {
			reqID = c.Get(header)
		}
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Locals(RequestIDKey, reqID)
		if header != "" {
			c.Set(header, reqID)
		}
		return c.Next()
	}
}

// GetRequestID returns the id assigned by RequestID, or "".
func GetRequestID(c *fiber.Ctx) string {
	id, _ := c.Locals(RequestIDKey).(string)
	return id
}

// AccessLog logs one line per request. Body sizes come from headers so streamed proxy bodies
// are never read here.
func AccessLog(log *logger.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		routePath := ""
		if c.Route() != nil {
			routePath = c.Route().Path
		}
		log.Infow("http_access",
			"method", c.Method(),
			"path", c.Path(),
			"route", routePath,
			"query", string(c.Request().URI().QueryString()),
			"status", c.Response().StatusCode(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.IP(),
			"user_agent", string(c.Request().Header.UserAgent()),
			"request_id", GetRequestID(c),
			"req_bytes", c.Request().Header.ContentLength(),
			"resp_bytes", c.Response().Header.ContentLength(),
		)
		return err
	}
}
