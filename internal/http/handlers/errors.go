package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/middleware"
	"go.uber.org/zap"
)

var kindStatus = map[apperr.Kind]int{
	apperr.KindValidation:     fiber.StatusBadRequest,
	apperr.KindAuthorization:  fiber.StatusForbidden,
	apperr.KindNotFound:       fiber.StatusNotFound,
	apperr.KindIllegalState:   fiber.StatusConflict,
	apperr.KindStaleState:     fiber.StatusConflict,
	apperr.KindDuplicate:      fiber.StatusConflict,
	apperr.KindChainTransient: fiber.StatusServiceUnavailable,
	apperr.KindChainPermanent: fiber.StatusBadGateway,
}

// StatusOf maps an error kind to its HTTP status.
func StatusOf(err error) int {
	if s, ok := kindStatus[apperr.KindOf(err)]; ok {
		return s
	}
	return fiber.StatusInternalServerError
}

func fail(c *fiber.Ctx, log *zap.Logger, err error) error {
	kind := apperr.KindOf(err)
	status := StatusOf(err)
	if status == fiber.StatusInternalServerError {
		reqID, _ := c.Locals(middleware.CtxRequestID).(string)
		log.Error("request failed", zap.String("request_id", reqID), zap.String("path", c.Path()), zap.Error(err))
	}
	return middleware.WriteError(c, status, kind.String(), apperr.MessageOf(err))
}

func badRequest(c *fiber.Ctx, message string) error {
	return middleware.WriteError(c, fiber.StatusBadRequest, apperr.KindValidation.String(), message)
}
