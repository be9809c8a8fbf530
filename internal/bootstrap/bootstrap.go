// Package bootstrap wires the long-lived dependencies shared by the binaries.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/usdt-escrow/backend/internal/chain/tron"
	"github.com/usdt-escrow/backend/internal/clock"
	"github.com/usdt-escrow/backend/internal/config"
	"github.com/usdt-escrow/backend/internal/db"
	"github.com/usdt-escrow/backend/internal/db/migrations"
	"github.com/usdt-escrow/backend/internal/events"
	"github.com/usdt-escrow/backend/internal/keys"
	"github.com/usdt-escrow/backend/internal/metrics"
	"github.com/usdt-escrow/backend/internal/payout"
	"github.com/usdt-escrow/backend/internal/repositories"
	"github.com/usdt-escrow/backend/internal/workers"
	"go.uber.org/zap"
)

type Deps struct {
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Store   *repositories.PGStore
	Vault   *keys.Vault
	Chain   *tron.Adapter
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

// Open connects to Postgres, Redis and the TRON node. Migrations run when migrate is set.
func Open(ctx context.Context, cfg *config.Config, migrate bool, log *zap.Logger) (*Deps, error) {
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, cfg.PGMaxConns, log)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if migrate {
		if err := db.RunMigrations(ctx, pool, migrations.FS, log); err != nil {
			pool.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	d := &Deps{
		Pool:    pool,
		Redis:   rdb,
		Store:   repositories.NewPGStore(pool),
		Clock:   clock.Real{},
		Metrics: metrics.Default(),
	}
	if err := d.openChain(cfg, log); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Deps) openChain(cfg *config.Config, log *zap.Logger) error {
	arbiter, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.ArbiterPrivateKey, "0x"))
	if err != nil {
		return fmt.Errorf("ARBITER_PRIVATE_KEY: %w", err)
	}
	if cfg.ArbiterAddress != "" && tron.AddressOf(arbiter) != cfg.ArbiterAddress {
		return fmt.Errorf("arbiter key does not match %s", cfg.ArbiterAddress)
	}
	vault, err := keys.NewVault(cfg.KeyEncryptionKey, arbiter, d.Store)
	if err != nil {
		return err
	}

	network, err := tron.ResolveNetwork(cfg.TronNetwork, cfg.TronGRPCURL, cfg.TronGridURL, cfg.USDTContract)
	if err != nil {
		return err
	}
	energy := tron.NewEnergyClient(cfg.EnergyRentalURL, cfg.EnergyRentalKey, cfg.ChainReadTimeout, log)
	adapter, err := tron.New(tron.Options{
		Network:          network,
		APIKey:           cfg.TronAPIKey,
		ServiceAddress:   cfg.ServiceWalletAddress,
		ServiceKey:       cfg.ServiceWalletPrivateKey,
		FeeLimitSun:      cfg.FeeLimitSun,
		GridRPS:          cfg.TronGridRPS,
		ReadTimeout:      cfg.ChainReadTimeout,
		BroadcastTimeout: cfg.ChainBroadcastTimeout,
	}, vault, energy, d.Clock, log)
	if err != nil {
		return err
	}
	d.Vault, d.Chain = vault, adapter
	return nil
}

func (d *Deps) Close() {
	if d.Chain != nil {
		d.Chain.Close()
	}
	_ = d.Redis.Close()
	d.Pool.Close()
}

// Notifier publishes notifications on Redis, deduplicated across processes.
func (d *Deps) Notifier(cfg *config.Config, log *zap.Logger) *events.AsyncNotifier {
	return events.NewAsyncNotifier(
		events.NewRedisPublisher(d.Redis, log),
		events.NewRedisClaimer(d.Redis),
		cfg.NotifyBuffer, cfg.NotifyDedupTTL, d.Metrics, log)
}

func Policy(cfg *config.Config) payout.Policy {
	return payout.Policy{
		ServiceWallet:          cfg.ServiceWalletAddress,
		RefundWaivesCommission: cfg.RefundWaivesCommission,
	}
}

func (d *Deps) Executor(cfg *config.Config, notifier events.Notifier, log *zap.Logger) *workers.Executor {
	return workers.NewExecutor(d.Store, d.Chain, notifier, d.Clock, workers.ExecutorConfig{
		ActivationTRX: cfg.ActivationTRX,
		FallbackTRX:   cfg.FallbackTRX,
		EnergyUnits:   cfg.EnergyUnits,
		ServiceWallet: cfg.ServiceWalletAddress,
		Policy:        Policy(cfg),
	}, log)
}

func (d *Deps) Reconciler(cfg *config.Config, q workers.Submitter, log *zap.Logger) *workers.Reconciler {
	return workers.NewReconciler(d.Store, d.Chain, q, d.Clock, workers.ReconcilerConfig{
		Interval:       cfg.ReconcileInterval,
		PendingTimeout: cfg.PendingTimeout,
		TRXUSDRate:     cfg.TRXUSDRate,
		Policy:         Policy(cfg),
	}, d.Metrics, log)
}
