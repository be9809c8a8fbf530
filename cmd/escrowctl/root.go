package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/usdt-escrow/backend/internal/bootstrap"
	"github.com/usdt-escrow/backend/internal/commission"
	"github.com/usdt-escrow/backend/internal/config"
	"github.com/usdt-escrow/backend/internal/logging"
	"github.com/usdt-escrow/backend/internal/queue"
	"github.com/usdt-escrow/backend/internal/services"
	"go.uber.org/zap"
)

var globalFlags struct {
	As      int64
	Verbose bool
}

var rootCmd = &cobra.Command{
	Use:           "escrowctl",
	Short:         "Operator tool for the USDT escrow",
	Long:          "Inspect deals, settle disputes and run maintenance passes against the escrow database.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().Int64Var(&globalFlags.As, "as", 0, "arbiter user id to act as (default: first of ARBITER_IDS)")
	rootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "log to stderr")
}

// env is what a command needs to talk to the escrow.
type env struct {
	cfg  *config.Config
	log  *zap.Logger
	deps *bootstrap.Deps
	svc  *services.DealService

	stopNotifier context.CancelFunc
	notified     chan struct{}
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg := config.Load()
	if err := cfg.LoadCommissionSchedule(); err != nil {
		return nil, nil, err
	}
	log := zap.NewNop()
	if globalFlags.Verbose {
		log = logging.New(cfg, "escrowctl")
	}
	return cfg, log, nil
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(log); err != nil {
		return nil, err
	}
	deps, err := bootstrap.Open(ctx, cfg, false, log)
	if err != nil {
		return nil, err
	}
	notifier := deps.Notifier(cfg, log)
	nctx, stop := context.WithCancel(context.Background())
	e := &env{cfg: cfg, log: log, deps: deps, stopNotifier: stop, notified: make(chan struct{})}
	go func() {
		defer close(e.notified)
		_ = notifier.Run(nctx)
	}()

	// Chain writes go to the worker through the Redis queue.
	e.svc = services.NewDealService(deps.Store, deps.Chain, deps.Vault,
		commission.NewCalculator(cfg.Commission), queue.NewRedisDispatcher(deps.Redis),
		notifier, deps.Clock, cfg, log)
	return e, nil
}

// Close flushes pending notifications before disconnecting.
func (e *env) Close() {
	e.stopNotifier()
	<-e.notified
	e.deps.Close()
}

// actor resolves the arbiter the command acts as.
func (e *env) actor() (int64, error) {
	if globalFlags.As != 0 {
		return globalFlags.As, nil
	}
	if len(e.cfg.ArbiterIDs) == 0 {
		return 0, fmt.Errorf("no --as given and ARBITER_IDS is empty")
	}
	return e.cfg.ArbiterIDs[0], nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
