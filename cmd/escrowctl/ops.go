package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/usdt-escrow/backend/internal/auth"
	"github.com/usdt-escrow/backend/internal/commission"
	"github.com/usdt-escrow/backend/internal/db"
	"github.com/usdt-escrow/backend/internal/db/migrations"
	"github.com/usdt-escrow/backend/internal/models"
	"github.com/usdt-escrow/backend/internal/queue"
	"github.com/usdt-escrow/backend/internal/repositories"
)

var (
	quotePayer   string
	tokenArbiter bool
	tokenTTL     time.Duration
)

// redisSubmitter lets the reconciler push owed writes to the worker's queue.
type redisSubmitter struct {
	d *queue.RedisDispatcher
}

func (s redisSubmitter) Submit(it queue.Item) (<-chan queue.Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.d.Dispatch(ctx, it)
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciler pass and queue whatever is owed",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()

		r := e.deps.Reconciler(e.cfg, redisSubmitter{d: queue.NewRedisDispatcher(e.deps.Redis)}, e.log)
		rep, err := r.Reconcile(cmd.Context())
		if perr := printJSON(rep); perr != nil {
			return perr
		}
		return err
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		pool, err := db.NewPostgresPool(cmd.Context(), cfg.PostgresDSN, 2, log)
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := db.RunMigrations(cmd.Context(), pool, migrations.FS, log); err != nil {
			return err
		}
		files, err := db.UpFiles(migrations.FS)
		if err != nil {
			return err
		}
		fmt.Printf("schema up to date (%d migrations)\n", len(files))
		return nil
	},
}

var quoteCmd = &cobra.Command{
	Use:   "quote <amount>",
	Short: "Print the commission breakdown for an amount",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		amount, err := decimal.NewFromString(args[0])
		if err != nil {
			return fmt.Errorf("amount: %w", err)
		}
		payer := models.CommissionType(quotePayer)
		if !payer.Valid() {
			return fmt.Errorf("unknown commission type %q", quotePayer)
		}
		if amount.LessThan(cfg.MinAmount) {
			return fmt.Errorf("amount %s is below the minimum of %s USDT", amount, cfg.MinAmount)
		}
		return printJSON(commission.NewCalculator(cfg.Commission).Quote(amount, payer))
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue an API token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		userID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || userID <= 0 {
			return fmt.Errorf("invalid user id %q", args[0])
		}
		if tokenArbiter && !cfg.IsArbiter(userID) {
			return fmt.Errorf("user %d is not listed in ARBITER_IDS", userID)
		}
		tok, err := auth.GenerateJWT(cfg.JWTSecret, userID, tokenArbiter, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Inspect and moderate users",
}

var userShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Print the dispute record of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUserStore(cmd, args[0], func(store *repositories.PGStore, userID int64) error {
			st, err := store.GetUserStats(cmd.Context(), userID)
			if err != nil {
				return err
			}
			return printJSON(st)
		})
	},
}

func blacklistCmd(use, short string, blacklisted bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <user-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUserStore(cmd, args[0], func(store *repositories.PGStore, userID int64) error {
				if err := store.SetBlacklisted(cmd.Context(), userID, blacklisted); err != nil {
					return err
				}
				fmt.Printf("user %d blacklisted=%t\n", userID, blacklisted)
				return nil
			})
		},
	}
}

func withUserStore(cmd *cobra.Command, rawID string, fn func(*repositories.PGStore, int64) error) error {
	userID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || userID <= 0 {
		return fmt.Errorf("invalid user id %q", rawID)
	}
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	pool, err := db.NewPostgresPool(cmd.Context(), cfg.PostgresDSN, 2, log)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(repositories.NewPGStore(pool), userID)
}

func init() {
	quoteCmd.Flags().StringVar(&quotePayer, "payer", string(models.CommissionBuyer), "who pays the commission: buyer, seller or split")
	tokenCmd.Flags().BoolVar(&tokenArbiter, "arbiter", false, "grant arbiter rights")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	userCmd.AddCommand(userShowCmd,
		blacklistCmd("ban", "Blacklist a user", true),
		blacklistCmd("unban", "Lift a blacklist and keep the dispute record", false))
	rootCmd.AddCommand(reconcileCmd, migrateCmd, quoteCmd, tokenCmd, userCmd)
}
