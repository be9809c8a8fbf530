package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/usdt-escrow/backend/internal/bootstrap"
	"github.com/usdt-escrow/backend/internal/commission"
	"github.com/usdt-escrow/backend/internal/config"
	"github.com/usdt-escrow/backend/internal/events"
	apphttp "github.com/usdt-escrow/backend/internal/http"
	"github.com/usdt-escrow/backend/internal/http/handlers"
	"github.com/usdt-escrow/backend/internal/logging"
	"github.com/usdt-escrow/backend/internal/queue"
	"github.com/usdt-escrow/backend/internal/services"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg, "api")
	defer log.Sync()

	if err := cfg.LoadCommissionSchedule(); err != nil {
		log.Fatal("invalid commission schedule", zap.Error(err))
	}
	if err := cfg.Validate(log); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := bootstrap.Open(ctx, cfg, true, log)
	if err != nil {
		log.Fatal("failed to start", zap.Error(err))
	}
	defer deps.Close()

	// Events
	notifier := deps.Notifier(cfg, log)
	go func() { _ = notifier.Run(ctx) }()

	// Services
	dealService := services.NewDealService(
		deps.Store,
		deps.Chain,
		deps.Vault,
		commission.NewCalculator(cfg.Commission),
		queue.NewRedisDispatcher(deps.Redis),
		notifier,
		deps.Clock,
		cfg,
		log,
	)

	// Handlers
	dealHandler := handlers.NewDealHandler(dealService, log)
	userHandler := handlers.NewUserHandler(dealService, log)
	metaHandler := handlers.NewMetaHandler(cfg, dealService, log)
	wsHub := handlers.NewWSHub(cfg, events.NewRedisSubscriber(deps.Redis, log), log)

	if err := wsHub.Start(ctx); err != nil {
		log.Fatal("failed to subscribe to notifications", zap.Error(err))
	}

	app := apphttp.NewApp()
	apphttp.SetupRouter(app, cfg, log, deps.Metrics, dealHandler, userHandler, metaHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
