package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/usdt-escrow/backend/internal/config"
	"github.com/usdt-escrow/backend/internal/db"
	"github.com/usdt-escrow/backend/internal/events"
	"github.com/usdt-escrow/backend/internal/logging"
	"github.com/usdt-escrow/backend/internal/services"
	"go.uber.org/zap"
)

// notify-bridge forwards every deal notification published on Redis to the
// chat front-end's internal endpoint.

func main() {
	cfg := config.Load()
	log := logging.New(cfg, "notify-bridge")
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	bot := services.NewBotClient(cfg.BotInternalURL, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	err = subscriber.Subscribe(ctx, events.Channel, func(n *events.Notification) {
		if err := bot.Deliver(ctx, n); err != nil {
			log.Warn("failed to forward notification",
				zap.String("deal_id", n.DealID),
				zap.String("type", string(n.Type)),
				zap.Error(err))
			return
		}
		log.Debug("notification forwarded", zap.String("deal_id", n.DealID), zap.String("type", string(n.Type)))
	})
	if err != nil {
		log.Fatal("failed to subscribe", zap.Error(err))
	}

	log.Info("notify-bridge started", zap.String("channel", events.Channel))
	<-ctx.Done()
	log.Info("shutting down notify-bridge")
}
