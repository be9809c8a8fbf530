package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"github.com/usdt-escrow/backend/internal/http/dto"
	"github.com/usdt-escrow/backend/internal/middleware"
	"github.com/usdt-escrow/backend/internal/models"
	"github.com/usdt-escrow/backend/internal/repositories"
	"github.com/usdt-escrow/backend/internal/services"
	"go.uber.org/zap"
)

const maxPageSize = 100

type DealHandler struct {
	dealService *services.DealService
	log         *zap.Logger
}

func NewDealHandler(dealService *services.DealService, log *zap.Logger) *DealHandler {
	return &DealHandler{dealService: dealService, log: log}
}

func (h *DealHandler) CreateDeal(c *fiber.Ctx) error {
	var req dto.CreateDealRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return badRequest(c, "amount must be a decimal string")
	}

	deal, err := h.dealService.CreateDeal(c.UserContext(), middleware.GetUserID(c), services.CreateDealInput{
		BuyerID:        req.BuyerID,
		SellerID:       req.SellerID,
		CreatorRole:    models.Role(req.CreatorRole),
		ProductName:    req.ProductName,
		Description:    req.Description,
		Amount:         amount,
		CommissionType: models.CommissionType(req.CommissionType),
		DeadlineHours:  req.DeadlineHours,
		PlatformCode:   req.PlatformCode,
		BuyerAddress:   req.BuyerAddress,
		SellerAddress:  req.SellerAddress,
	})
	if err != nil {
		return fail(c, h.log, err)
	}

	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) GetDeal(c *fiber.Ctx) error {
	view, err := h.dealService.GetDeal(c.UserContext(), c.Params("id"), middleware.GetUserID(c))
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: view})
}

// DealEvents lists the audit trail of a deal, newest first.
func (h *DealHandler) DealEvents(c *fiber.Ctx) error {
	view, err := h.dealService.GetDeal(c.UserContext(), c.Params("id"), middleware.GetUserID(c))
	if err != nil {
		return fail(c, h.log, err)
	}
	limit, offset := page(c)
	entries, err := h.dealService.ListDealEvents(c.UserContext(), view.Deal, limit, offset)
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: entries})
}

func (h *DealHandler) ListDeals(c *fiber.Ctx) error {
	limit, offset := page(c)
	filter := repositories.UserDealFilter{
		UserID: middleware.GetUserID(c),
		Query:  c.Query("q"),
		Limit:  limit,
		Offset: offset,
	}
	if v := c.Query("status"); v != "" {
		st := models.DealStatus(v)
		filter.Status = &st
	}

	deals, err := h.dealService.ListUserDeals(c.UserContext(), filter)
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deals})
}

func (h *DealHandler) AttachAddress(c *fiber.Ctx) error {
	var req dto.AttachAddressRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	deal, err := h.dealService.AttachAddress(c.UserContext(), c.Params("id"), middleware.GetUserID(c), models.Role(req.Role), req.Address)
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) StartWork(c *fiber.Ctx) error {
	deal, err := h.dealService.StartWork(c.UserContext(), c.Params("id"), middleware.GetUserID(c))
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) SubmitWork(c *fiber.Ctx) error {
	deal, err := h.dealService.SubmitWork(c.UserContext(), c.Params("id"), middleware.GetUserID(c))
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) AcceptWork(c *fiber.Ctx) error {
	deal, txID, err := h.dealService.AcceptWork(c.UserContext(), c.Params("id"), middleware.GetUserID(c))
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.AcceptWorkResponse{Deal: deal, ReleaseTxID: txID}})
}

func (h *DealHandler) Cancel(c *fiber.Ctx) error {
	deal, err := h.dealService.Cancel(c.UserContext(), c.Params("id"), middleware.GetUserID(c))
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) OpenDispute(c *fiber.Ctx) error {
	var req dto.OpenDisputeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	deal, err := h.dealService.OpenDispute(c.UserContext(), c.Params("id"), middleware.GetUserID(c), req.Reason, req.Media)
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) CommentOnDispute(c *fiber.Ctx) error {
	var req dto.DisputeCommentRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	dispute, err := h.dealService.CommentOnDispute(c.UserContext(), c.Params("id"), middleware.GetUserID(c), req.Text, req.Media)
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dispute})
}

func (h *DealHandler) ResolveDispute(c *fiber.Ctx) error {
	var req dto.ResolveDisputeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	deal, err := h.dealService.ResolveDispute(c.UserContext(), c.Params("id"), middleware.GetUserID(c), models.Decision(req.Decision))
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) CancelDispute(c *fiber.Ctx) error {
	var req dto.CancelDisputeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	deal, err := h.dealService.CancelDispute(c.UserContext(), c.Params("id"), middleware.GetUserID(c), req.DeadlineHours)
	if err != nil {
		return fail(c, h.log, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func page(c *fiber.Ctx) (limit, offset int) {
	limit = 20
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
