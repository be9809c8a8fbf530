package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/usdt-escrow/backend/internal/bootstrap"
	"github.com/usdt-escrow/backend/internal/config"
	"github.com/usdt-escrow/backend/internal/logging"
	"github.com/usdt-escrow/backend/internal/queue"
	"github.com/usdt-escrow/backend/internal/workers"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg, "worker")
	defer log.Sync()

	if err := cfg.LoadCommissionSchedule(); err != nil {
		log.Fatal("invalid commission schedule", zap.Error(err))
	}
	if err := cfg.Validate(log); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.Open(ctx, cfg, false, log)
	if err != nil {
		log.Fatal("failed to start", zap.Error(err))
	}
	defer deps.Close()

	notifier := deps.Notifier(cfg, log)
	q := queue.NewActivationQueue(deps.Executor(cfg, notifier, log), cfg.QueueCapacity, cfg.ActivationGap, deps.Clock, deps.Metrics, log)

	watcher := workers.NewDepositWatcher(deps.Store, deps.Chain, q, notifier, deps.Clock, workers.DepositWatcherConfig{
		Interval:   cfg.DepositWatchInterval,
		BatchSize:  cfg.BatchSize,
		BatchDelay: cfg.BatchDelay,
		TolMinus:   cfg.TolMinus,
	}, deps.Metrics, log)
	monitor := workers.NewDeadlineMonitor(deps.Store, deps.Chain, q, notifier, deps.Clock, workers.DeadlineMonitorConfig{
		Interval: cfg.DeadlineInterval,
		Grace:    cfg.Grace,
		Policy:   bootstrap.Policy(cfg),
	}, deps.Metrics, log)
	reconciler := deps.Reconciler(cfg, q, log)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"ok","queue_depth":%d}`, q.Len())
	})
	srv := &http.Server{Addr: ":" + cfg.WorkerPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return notifier.Run(gctx) })
	g.Go(func() error { return q.Run(gctx) })
	g.Go(func() error { return queue.NewRedisFeed(deps.Redis, q, log).Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error {
		// One pass at startup picks up whatever the previous process left owed.
		if _, err := reconciler.Reconcile(gctx); err != nil {
			log.Warn("startup reconcile incomplete", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("worker started", zap.String("metrics_addr", srv.Addr))
	if err := g.Wait(); err != nil {
		log.Error("worker stopped with error", zap.Error(err))
		return
	}
	log.Info("worker stopped")
}
