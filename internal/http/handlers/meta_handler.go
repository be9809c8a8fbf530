package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/usdt-escrow/backend/internal/config"
	"github.com/usdt-escrow/backend/internal/http/dto"
	"github.com/usdt-escrow/backend/internal/models"
	"github.com/usdt-escrow/backend/internal/services"
	"go.uber.org/zap"
)

type MetaHandler struct {
	cfg         *config.Config
	dealService *services.DealService
	log         *zap.Logger
}

func NewMetaHandler(cfg *config.Config, dealService *services.DealService, log *zap.Logger) *MetaHandler {
	return &MetaHandler{cfg: cfg, dealService: dealService, log: log}
}

type tier struct {
	UpTo  *string `json:"up_to,omitempty"`
	Fixed *string `json:"fixed,omitempty"`
	Rate  *string `json:"rate,omitempty"`
}

type limits struct {
	MinAmount        string   `json:"min_amount"`
	MaxDeadlineHours int      `json:"max_deadline_hours"`
	Asset            string   `json:"asset"`
	CommissionTypes  []string `json:"commission_types"`
	Tiers            []tier   `json:"tiers"`
}

func str(d decimal.Decimal) *string {
	s := d.String()
	return &s
}

// GetLimits describes what a new deal may look like.
func (h *MetaHandler) GetLimits(c *fiber.Ctx) error {
	s := h.cfg.Commission
	return c.JSON(dto.SuccessResponse{OK: true, Data: limits{
		MinAmount:        h.cfg.MinAmount.String(),
		MaxDeadlineHours: h.cfg.MaxDeadlineHours,
		Asset:            models.AssetUSDT,
		CommissionTypes: []string{
			string(models.CommissionBuyer), string(models.CommissionSeller), string(models.CommissionSplit),
		},
		Tiers: []tier{
			{UpTo: str(s.T1), Fixed: str(s.C1)},
			{UpTo: str(s.T2), Rate: str(s.R2)},
			{UpTo: str(s.T3), Rate: str(s.R3)},
			{Rate: str(s.R4)},
		},
	}})
}

// Quote returns the commission breakdown for ?amount=&commission_type=.
func (h *MetaHandler) Quote(c *fiber.Ctx) error {
	amount, err := decimal.NewFromString(c.Query("amount"))
	if err != nil {
		return badRequest(c, "amount must be a decimal string")
	}
	payer := models.CommissionType(c.Query("commission_type", string(models.CommissionBuyer)))
	b, err := h.dealService.Quote(amount, payer)
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: b})
}
