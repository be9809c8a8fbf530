package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/usdt-escrow/backend/internal/http/dto"
	"github.com/usdt-escrow/backend/internal/middleware"
	"github.com/usdt-escrow/backend/internal/services"
	"go.uber.org/zap"
)

type UserHandler struct {
	dealService *services.DealService
	log         *zap.Logger
}

func NewUserHandler(dealService *services.DealService, log *zap.Logger) *UserHandler {
	return &UserHandler{dealService: dealService, log: log}
}

func (h *UserHandler) GetMe(c *fiber.Ctx) error {
	userID := middleware.GetUserID(c)
	stats, err := h.dealService.GetUserStats(c.UserContext(), userID)
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.MeResponse{
		UserID:        userID,
		Arbiter:       middleware.IsArbiter(c),
		CanCreateDeal: !stats.Blacklisted,
		Stats:         stats,
	}})
}
