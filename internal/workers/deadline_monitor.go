package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/chain"
	"github.com/usdt-escrow/backend/internal/clock"
	"github.com/usdt-escrow/backend/internal/events"
	"github.com/usdt-escrow/backend/internal/metrics"
	"github.com/usdt-escrow/backend/internal/models"
	"github.com/usdt-escrow/backend/internal/payout"
	"github.com/usdt-escrow/backend/internal/queue"
	"github.com/usdt-escrow/backend/internal/repositories"
	"go.uber.org/zap"
)

type DeadlineMonitorConfig struct {
	Interval time.Duration
	Grace    time.Duration
	Policy   payout.Policy
}

// DeadlineMonitor reminds participants of passed deadlines and expires deals
// once the grace window is over.
type DeadlineMonitor struct {
	store    repositories.Store
	chain    chain.Adapter
	queue    Submitter
	notifier events.Notifier
	clk      clock.Clock
	cfg      DeadlineMonitorConfig
	metrics  *metrics.Metrics
	log      *zap.Logger

	guard guard
}

func NewDeadlineMonitor(store repositories.Store, adapter chain.Adapter, q Submitter, notifier events.Notifier, clk clock.Clock, cfg DeadlineMonitorConfig, m *metrics.Metrics, log *zap.Logger) *DeadlineMonitor {
	return &DeadlineMonitor{
		store:    store,
		chain:    adapter,
		queue:    q,
		notifier: notifier,
		clk:      clk,
		cfg:      cfg,
		metrics:  m,
		log:      log.With(zap.String("component", "deadline_monitor")),
	}
}

func (m *DeadlineMonitor) Run(ctx context.Context) error {
	runLoop(ctx, "deadline_monitor", m.cfg.Interval, func(ctx context.Context) { _ = m.Tick(ctx) }, m.log)
	return nil
}

func (m *DeadlineMonitor) Tick(ctx context.Context) error {
	if !m.guard.enter() {
		m.metrics.Tick("deadline_monitor", "skipped", 0)
		return nil
	}
	defer m.guard.leave()

	start := time.Now()
	err := m.tick(ctx)
	observeTick(m.metrics, "deadline_monitor", start, err)
	if err != nil {
		m.log.Error("deadline monitor tick failed", zap.Error(err))
	}
	return err
}

func (m *DeadlineMonitor) tick(ctx context.Context) error {
	now := m.clk.Now()
	deals, err := listAll(ctx, m.store, repositories.ListFilter{
		Statuses:       models.ExpirableStatuses,
		DeadlineBefore: &now,
	})
	if err != nil {
		return err
	}
	for i := range deals {
		if err := m.check(ctx, &deals[i], now); err != nil {
			m.log.Warn("deadline check failed", zap.String("deal_id", deals[i].DealID), zap.Error(err))
		}
	}
	return nil
}

func (m *DeadlineMonitor) check(ctx context.Context, d *models.Deal, now time.Time) error {
	if now.Before(d.Deadline) {
		return nil
	}

	if !d.DeadlineNotificationSent {
		updated, err := m.store.Transition(ctx, repositories.TransitionRequest{
			ID:    d.ID,
			From:  []models.DealStatus{d.Status},
			Patch: repositories.Patch{DeadlineNotificationSent: repositories.Bool(true)},
			At:    now,
		})
		if apperr.Is(err, apperr.KindStaleState) {
			return nil
		}
		if err != nil {
			return err
		}
		m.notifier.Notify(events.New(updated, events.DeadlineReached{
			Deadline:   updated.Deadline,
			GraceUntil: updated.Deadline.Add(m.cfg.Grace),
		}, now))
		d = updated
	}

	if now.Before(d.Deadline.Add(m.cfg.Grace)) {
		return nil
	}
	return m.expire(ctx, d, now)
}

// expire moves d to expired unless a dispute is open. The status guard makes
// a concurrently opened dispute win.
func (m *DeadlineMonitor) expire(ctx context.Context, d *models.Deal, now time.Time) error {
	ds, err := m.store.GetDispute(ctx, d.ID)
	if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return err
	}
	if ds != nil && ds.IsOpen() {
		m.log.Info("deal past grace has an open dispute, not expiring", zap.String("deal_id", d.DealID))
		return nil
	}

	patch := repositories.Patch{}
	if d.DepositTxHash == nil && d.MultisigAddress != nil {
		stranded, err := strandedDeposit(ctx, m.chain, d, now)
		if err != nil {
			return err
		}
		if stranded != nil {
			patch = *stranded
		}
	}
	patch.DeadlineNotificationSent = repositories.Bool(true)

	expired, err := m.store.Transition(ctx, repositories.TransitionRequest{
		ID:    d.ID,
		From:  []models.DealStatus{d.Status},
		To:    models.DealStatusExpired,
		Patch: patch,
		At:    now,
	})
	if apperr.Is(err, apperr.KindStaleState) {
		return nil
	}
	if err != nil {
		return err
	}

	m.metrics.DealExpired()
	log := m.log.With(zap.String("deal_id", expired.DealID))
	log.Info("deal expired", zap.String("from", string(d.Status)))

	_ = m.store.WriteAuditLog(ctx, models.AuditLog{
		ActorType:  models.ActorSystem,
		Action:     "deal_expired",
		EntityType: "deal",
		EntityID:   &expired.ID,
		Meta:       map[string]any{"from": d.Status},
	})

	// A deal whose multisig stayed empty expires with nothing to return.
	refund := decimal.Zero
	if expired.DepositTxHash != nil && expired.MultisigAddress != nil {
		plan, err := payout.For(expired, nil, m.cfg.Policy)
		if err != nil {
			return err
		}
		for _, leg := range plan.Legs {
			if leg.Purpose == models.PurposeBuyerRefund {
				refund = leg.Amount
			}
		}
		if _, err := m.queue.Submit(queue.Item{DealID: expired.DealID, Multisig: *expired.MultisigAddress, Op: payout.OpRefund}); err != nil {
			log.Warn("enqueue refund failed", zap.Error(err))
		}
	}

	m.notifier.Notify(events.New(expired, events.DealExpired{RefundAmount: refund}, now))
	return nil
}

// strandedDeposit looks for funds on the multisig of a deal that never
// locked: a rejected underpayment or a transfer after the last watcher tick.
// It returns the patch recording them as the deposit, or nil when the
// multisig is empty.
func strandedDeposit(ctx context.Context, adapter chain.Adapter, d *models.Deal, now time.Time) (*repositories.Patch, error) {
	multisig := *d.MultisigAddress
	balance, err := adapter.GetTRC20Balance(ctx, multisig, d.Asset)
	if err != nil {
		return nil, fmt.Errorf("balance of %s: %w", multisig, err)
	}
	if !balance.IsPositive() {
		return nil, nil
	}
	transfer, err := adapter.FindIncomingTransfer(ctx, multisig, d.Asset, d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("transfers to %s: %w", multisig, err)
	}
	if transfer == nil {
		return nil, apperr.ChainTransient(nil, "multisig %s holds %s %s with no indexed transfer yet", multisig, balance, d.Asset)
	}

	patch := &repositories.Patch{
		DepositTxHash:       &transfer.TxHash,
		DepositDetectedAt:   &now,
		ActualDepositAmount: &balance,
		Record: &models.Transaction{
			Type:        models.TxTypeDeposit,
			Purpose:     models.PurposeDeposit,
			Amount:      balance,
			Asset:       d.Asset,
			TxHash:      transfer.TxHash,
			Block:       transfer.Block,
			FromAddress: transfer.FromAddress,
			ToAddress:   multisig,
			Status:      models.TxStatusConfirmed,
			Timestamp:   transfer.Timestamp,
		},
	}
	if d.BuyerAddress == nil && transfer.FromAddress != "" {
		patch.BuyerAddress = &transfer.FromAddress
	}
	return patch, nil
}
