package http

import (
	"errors"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/usdt-escrow/backend/internal/config"
	"github.com/usdt-escrow/backend/internal/http/handlers"
	"github.com/usdt-escrow/backend/internal/metrics"
	"github.com/usdt-escrow/backend/internal/middleware"
	"go.uber.org/zap"
)

// NewApp builds the fiber app with the common error body.
func NewApp() *fiber.App {
	return fiber.New(fiber.Config{
		AppName:      "usdt-escrow-api",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			kind := "internal"
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
				kind = "http"
			}
			return middleware.WriteError(c, code, kind, err.Error())
		},
	})
}

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	m *metrics.Metrics,
	dealHandler *handlers.DealHandler,
	userHandler *handlers.UserHandler,
	metaHandler *handlers.MetaHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log, m))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api/v1")

	// Meta (public, no auth required)
	api.Get("/meta/limits", metaHandler.GetLimits)
	api.Get("/meta/quote", metaHandler.Quote)

	// Protected endpoints
	protected := api.Group("", middleware.AuthMiddleware(cfg, log))

	// User
	protected.Get("/me", userHandler.GetMe)

	// Deals
	protected.Post("/deals", dealHandler.CreateDeal)
	protected.Get("/deals", dealHandler.ListDeals)
	protected.Get("/deals/:id", dealHandler.GetDeal)
	protected.Get("/deals/:id/events", dealHandler.DealEvents)
	protected.Post("/deals/:id/address", dealHandler.AttachAddress)
	protected.Post("/deals/:id/start", dealHandler.StartWork)
	protected.Post("/deals/:id/submit", dealHandler.SubmitWork)
	protected.Post("/deals/:id/accept", dealHandler.AcceptWork)
	protected.Post("/deals/:id/cancel", dealHandler.Cancel)

	// Disputes
	protected.Post("/deals/:id/dispute", dealHandler.OpenDispute)
	protected.Post("/deals/:id/dispute/comments", dealHandler.CommentOnDispute)
	protected.Post("/deals/:id/dispute/resolve", middleware.ArbiterMiddleware(), dealHandler.ResolveDispute)
	protected.Post("/deals/:id/dispute/cancel", middleware.ArbiterMiddleware(), dealHandler.CancelDispute)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
