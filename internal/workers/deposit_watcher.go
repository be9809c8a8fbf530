package workers

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/chain"
	"github.com/usdt-escrow/backend/internal/clock"
	"github.com/usdt-escrow/backend/internal/commission"
	"github.com/usdt-escrow/backend/internal/events"
	"github.com/usdt-escrow/backend/internal/metrics"
	"github.com/usdt-escrow/backend/internal/models"
	"github.com/usdt-escrow/backend/internal/payout"
	"github.com/usdt-escrow/backend/internal/queue"
	"github.com/usdt-escrow/backend/internal/repositories"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const pageSize = 200

type DepositWatcherConfig struct {
	Interval   time.Duration
	BatchSize  int
	BatchDelay time.Duration
	TolMinus   decimal.Decimal
	// TickBudget bounds one tick; deals not reached are retried next tick.
	TickBudget time.Duration
}

// DepositWatcher promotes funded deals from waiting_for_deposit to locked.
type DepositWatcher struct {
	store    repositories.Store
	chain    chain.Adapter
	queue    Submitter
	notifier events.Notifier
	clk      clock.Clock
	cfg      DepositWatcherConfig
	metrics  *metrics.Metrics
	log      *zap.Logger

	guard    guard
	mu       sync.Mutex
	inflight map[string]bool
}

func NewDepositWatcher(store repositories.Store, adapter chain.Adapter, q Submitter, notifier events.Notifier, clk clock.Clock, cfg DepositWatcherConfig, m *metrics.Metrics, log *zap.Logger) *DepositWatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 8
	}
	if cfg.TickBudget <= 0 {
		cfg.TickBudget = 5 * cfg.Interval
	}
	return &DepositWatcher{
		store:    store,
		chain:    adapter,
		queue:    q,
		notifier: notifier,
		clk:      clk,
		cfg:      cfg,
		metrics:  m,
		log:      log.With(zap.String("component", "deposit_watcher")),
		inflight: map[string]bool{},
	}
}

func (w *DepositWatcher) Run(ctx context.Context) error {
	if err := w.Recover(ctx); err != nil {
		w.log.Error("deposit notification recovery failed", zap.Error(err))
	}
	runLoop(ctx, "deposit_watcher", w.cfg.Interval, func(ctx context.Context) { _ = w.Tick(ctx) }, w.log)
	return nil
}

// Tick checks every waiting deal once. It returns immediately when the
// previous tick is still running.
func (w *DepositWatcher) Tick(ctx context.Context) error {
	if !w.guard.enter() {
		w.metrics.Tick("deposit_watcher", "skipped", 0)
		w.log.Debug("previous tick still running, skipping")
		return nil
	}
	defer w.guard.leave()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, w.cfg.TickBudget)
	defer cancel()

	err := w.tick(ctx)
	observeTick(w.metrics, "deposit_watcher", start, err)
	if err != nil {
		w.log.Error("deposit watcher tick failed", zap.Error(err))
	}
	return err
}

func (w *DepositWatcher) tick(ctx context.Context) error {
	deals, err := listAll(ctx, w.store, repositories.ListFilter{
		Statuses:     []models.DealStatus{models.DealStatusWaitingForDeposit},
		WithMultisig: true,
	})
	if err != nil {
		return err
	}

	for start := 0; start < len(deals); start += w.cfg.BatchSize {
		if start > 0 {
			if err := w.clk.Sleep(ctx, w.cfg.BatchDelay); err != nil {
				return err
			}
		}
		end := start + w.cfg.BatchSize
		if end > len(deals) {
			end = len(deals)
		}

		var g errgroup.Group
		for i := start; i < end; i++ {
			d := deals[i]
			g.Go(func() error {
				if err := w.Check(ctx, &d); err != nil {
					w.metrics.Deposit("error")
					w.log.Warn("deposit check failed", zap.String("deal_id", d.DealID), zap.Error(err))
				}
				return nil
			})
		}
		_ = g.Wait()
	}
	return nil
}

// Check evaluates one deal against the chain.
func (w *DepositWatcher) Check(ctx context.Context, d *models.Deal) error {
	if d.DepositTxHash != nil || d.MultisigAddress == nil {
		return nil
	}
	if !w.claim(d.DealID) {
		return nil
	}
	defer w.release(d.DealID)

	log := w.log.With(zap.String("deal_id", d.DealID), zap.String("address", *d.MultisigAddress))

	transfer, err := w.chain.FindIncomingTransfer(ctx, *d.MultisigAddress, d.Asset, d.CreatedAt)
	if err != nil {
		return err
	}
	if transfer == nil {
		w.metrics.Deposit("none")
		return nil
	}

	b := commission.ForDeal(d)
	difference := transfer.Amount.Sub(b.DepositExpected)
	if difference.LessThan(w.cfg.TolMinus.Neg()) {
		w.metrics.Deposit("insufficient")
		log.Info("deposit below expected",
			zap.String("observed", transfer.Amount.String()),
			zap.String("expected", b.DepositExpected.String()))
		w.notifier.Notify(events.New(d, events.InsufficientDeposit{
			Expected:  b.DepositExpected,
			Observed:  transfer.Amount,
			Shortfall: difference.Neg(),
		}, w.clk.Now()))
		return nil
	}

	now := w.clk.Now()
	overpayment := decimal.Max(difference, decimal.Zero)
	patch := repositories.Patch{
		DepositTxHash:           &transfer.TxHash,
		DepositDetectedAt:       &now,
		ActualDepositAmount:     &transfer.Amount,
		Overpayment:             &overpayment,
		DepositNotificationSent: repositories.Bool(true),
		Record: &models.Transaction{
			Type:        models.TxTypeDeposit,
			Purpose:     models.PurposeDeposit,
			Amount:      transfer.Amount,
			Asset:       d.Asset,
			TxHash:      transfer.TxHash,
			Block:       transfer.Block,
			FromAddress: transfer.FromAddress,
			ToAddress:   *d.MultisigAddress,
			Status:      models.TxStatusConfirmed,
			Timestamp:   transfer.Timestamp,
		},
	}
	if transfer.FromAddress != "" {
		patch.BuyerAddress = &transfer.FromAddress
	}

	locked, err := w.store.Transition(ctx, repositories.TransitionRequest{
		ID:    d.ID,
		From:  []models.DealStatus{models.DealStatusWaitingForDeposit},
		To:    models.DealStatusLocked,
		Patch: patch,
		At:    now,
	})
	if apperr.Is(err, apperr.KindStaleState) || apperr.Is(err, apperr.KindDuplicate) {
		log.Info("deposit already handled elsewhere", zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}

	w.metrics.Deposit("locked")
	log.Info("deposit confirmed",
		zap.String("amount", transfer.Amount.String()),
		zap.String("tx_hash", transfer.TxHash),
		zap.String("overpayment", overpayment.String()))

	_ = w.store.WriteAuditLog(ctx, models.AuditLog{
		ActorType:  models.ActorSystem,
		Action:     "deposit_confirmed",
		EntityType: "deal",
		EntityID:   &locked.ID,
		Meta:       map[string]any{"tx_hash": transfer.TxHash, "amount": transfer.Amount.String(), "transfers": transfer.Count},
	})

	if _, err := w.queue.Submit(queue.Item{DealID: locked.DealID, Multisig: *locked.MultisigAddress, Op: payout.OpActivate}); err != nil {
		log.Warn("enqueue activation failed", zap.Error(err))
	}

	w.notifier.Notify(events.New(locked, events.DepositConfirmed{
		Amount:      transfer.Amount,
		TxHash:      transfer.TxHash,
		Overpayment: overpayment,
	}, now))
	return nil
}

// Recover re-emits the confirmation of locked deals whose notification was
// never flagged as sent, then sets the flag.
func (w *DepositWatcher) Recover(ctx context.Context) error {
	deals, err := listAll(ctx, w.store, repositories.ListFilter{
		Statuses:                models.FundedStatuses,
		DepositNotificationSent: repositories.Bool(false),
	})
	if err != nil {
		return err
	}
	for i := range deals {
		d := &deals[i]
		if d.DepositTxHash == nil {
			continue
		}
		updated, err := w.store.Transition(ctx, repositories.TransitionRequest{
			ID:    d.ID,
			From:  []models.DealStatus{d.Status},
			Patch: repositories.Patch{DepositNotificationSent: repositories.Bool(true)},
			At:    w.clk.Now(),
		})
		if err != nil {
			w.log.Warn("flag deposit notification failed", zap.String("deal_id", d.DealID), zap.Error(err))
			continue
		}
		w.notifier.Notify(events.New(updated, events.DepositConfirmed{
			Amount:      updated.DepositAmount(),
			TxHash:      *updated.DepositTxHash,
			Overpayment: updated.Overpayment,
		}, w.clk.Now()))
	}
	return nil
}

func (w *DepositWatcher) claim(dealID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inflight[dealID] {
		return false
	}
	w.inflight[dealID] = true
	return true
}

func (w *DepositWatcher) release(dealID string) {
	w.mu.Lock()
	delete(w.inflight, dealID)
	w.mu.Unlock()
}

// listAll pages through every deal matching f.
func listAll(ctx context.Context, store repositories.Store, f repositories.ListFilter) ([]models.Deal, error) {
	var out []models.Deal
	cur := repositories.Cursor{}
	for !cur.Done {
		page, next, err := store.ListDeals(ctx, f, cur, pageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		cur = next
	}
	return out, nil
}
