package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/usdt-escrow/backend/internal/http/dto"
)

// WriteError sends the common error body.
func WriteError(c *fiber.Ctx, status int, kind, message string) error {
	reqID, _ := c.Locals(CtxRequestID).(string)
	return c.Status(status).JSON(dto.ErrorResponse{
		Error:     dto.ErrorBody{Kind: kind, Message: message},
		RequestID: reqID,
	})
}
