package workers

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/chain"
	"github.com/usdt-escrow/backend/internal/clock"
	"github.com/usdt-escrow/backend/internal/metrics"
	"github.com/usdt-escrow/backend/internal/models"
	"github.com/usdt-escrow/backend/internal/payout"
	"github.com/usdt-escrow/backend/internal/queue"
	"github.com/usdt-escrow/backend/internal/repositories"
	"go.uber.org/zap"
)

type ReconcilerConfig struct {
	Interval time.Duration
	// PendingTimeout marks a broadcast failed once the chain has not seen it
	// for this long, which makes its leg owed again.
	PendingTimeout time.Duration
	TRXUSDRate     decimal.Decimal
	Policy         payout.Policy
}

// Reconciler recovers the work the in-memory queue lost: it settles pending
// broadcasts, re-enqueues owed activations and payouts, prices finished deals
// and purges keys nobody needs anymore.
type Reconciler struct {
	store   repositories.Store
	chain   chain.Adapter
	queue   Submitter
	clk     clock.Clock
	cfg     ReconcilerConfig
	metrics *metrics.Metrics
	log     *zap.Logger

	guard guard
}

func NewReconciler(store repositories.Store, adapter chain.Adapter, q Submitter, clk clock.Clock, cfg ReconcilerConfig, m *metrics.Metrics, log *zap.Logger) *Reconciler {
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 30 * time.Minute
	}
	return &Reconciler{
		store:   store,
		chain:   adapter,
		queue:   q,
		clk:     clk,
		cfg:     cfg,
		metrics: m,
		log:     log.With(zap.String("component", "reconciler")),
	}
}

func (r *Reconciler) Run(ctx context.Context) error {
	runLoop(ctx, "reconciler", r.cfg.Interval, func(ctx context.Context) { _ = r.Tick(ctx) }, r.log)
	return nil
}

// ReconcileReport counts what one pass did.
type ReconcileReport struct {
	Settled     int `json:"settled"`
	Activations int `json:"activations"`
	Payouts     int `json:"payouts"`
	Priced      int `json:"priced"`
	Purged      int `json:"purged"`
}

func (r *Reconciler) Tick(ctx context.Context) error {
	_, err := r.Reconcile(ctx)
	return err
}

// Reconcile runs one pass. Each step is independent; a failing step is logged
// and the pass goes on.
func (r *Reconciler) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	if !r.guard.enter() {
		r.metrics.Tick("reconciler", "skipped", 0)
		return &ReconcileReport{}, nil
	}
	defer r.guard.leave()

	start := time.Now()
	rep := &ReconcileReport{}
	var firstErr error
	for _, step := range []struct {
		name string
		fn   func(context.Context, *ReconcileReport) error
	}{
		{"settle_pending", r.settlePending},
		{"activations", r.activations},
		{"payouts", r.payouts},
		{"cancelled", r.cancelled},
	} {
		if err := step.fn(ctx, rep); err != nil {
			r.log.Error("reconcile step failed", zap.String("step", step.name), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	observeTick(r.metrics, "reconciler", start, firstErr)
	r.log.Info("reconcile pass done",
		zap.Int("settled", rep.Settled),
		zap.Int("activations", rep.Activations),
		zap.Int("payouts", rep.Payouts),
		zap.Int("priced", rep.Priced),
		zap.Int("purged", rep.Purged))
	return rep, firstErr
}

func (r *Reconciler) settlePending(ctx context.Context, rep *ReconcileReport) error {
	txs, err := r.store.ListPendingTransactions(ctx, 0)
	if err != nil {
		return err
	}
	now := r.clk.Now()
	for i := range txs {
		tx := &txs[i]
		status := models.TxStatusPending
		var block int64

		receipt, err := r.chain.GetReceipt(ctx, tx.TxHash)
		switch {
		case apperr.Is(err, apperr.KindNotFound):
		case err != nil:
			r.log.Warn("receipt lookup failed", zap.String("tx_hash", tx.TxHash), zap.Error(err))
			continue
		default:
			status, block = receipt.Status, receipt.Block
		}
		// A transaction unseen for longer than the timeout has expired on
		// chain and can no longer land.
		if status == models.TxStatusPending && now.Sub(tx.Timestamp) >= r.cfg.PendingTimeout {
			status = models.TxStatusFailed
		}
		if status == models.TxStatusPending {
			continue
		}

		err = r.store.SettleTransaction(ctx, tx.ID, status, block)
		if apperr.Is(err, apperr.KindStaleState) {
			continue
		}
		if err != nil {
			return err
		}
		rep.Settled++
		r.log.Info("transaction settled",
			zap.String("tx_hash", tx.TxHash),
			zap.String("purpose", string(tx.Purpose)),
			zap.String("status", string(status)))
	}
	return nil
}

// activations re-enqueues funded deals whose multisig was never activated.
func (r *Reconciler) activations(ctx context.Context, rep *ReconcileReport) error {
	deals, err := listAll(ctx, r.store, repositories.ListFilter{
		Statuses:     models.FundedStatuses,
		WithMultisig: true,
	})
	if err != nil {
		return err
	}
	for i := range deals {
		d := &deals[i]
		txs, err := r.store.ListTransactions(ctx, d.ID)
		if err != nil {
			return err
		}
		if hasLive(txs, models.PurposeActivation) {
			continue
		}
		if r.submit(d, payout.OpActivate) {
			rep.Activations++
		}
	}
	return nil
}

// payouts walks settled deals that still hold keys. A deal with every leg
// confirmed gets its USD cost written and its keys purged; a deal with a
// missing leg is re-enqueued.
func (r *Reconciler) payouts(ctx context.Context, rep *ReconcileReport) error {
	deals, err := listAll(ctx, r.store, repositories.ListFilter{
		Statuses:       models.SettledStatuses,
		WithMultisig:   true,
		WithSealedKeys: true,
	})
	if err != nil {
		return err
	}
	for i := range deals {
		if err := r.payout(ctx, rep, &deals[i]); err != nil {
			r.log.Warn("payout reconcile failed", zap.String("deal_id", deals[i].DealID), zap.Error(err))
		}
	}
	return nil
}

func (r *Reconciler) payout(ctx context.Context, rep *ReconcileReport, d *models.Deal) error {
	if d.DepositTxHash == nil {
		if d.Status == models.DealStatusExpired {
			return r.refundStranded(ctx, rep, d)
		}
		return r.purgeIfEmpty(ctx, rep, d)
	}

	var decision *models.Decision
	if d.Status == models.DealStatusResolved {
		ds, err := r.store.GetDispute(ctx, d.ID)
		if err != nil {
			return err
		}
		decision = ds.Decision
	}
	plan, err := payout.For(d, decision, r.cfg.Policy)
	if err != nil {
		return err
	}
	txs, err := r.store.ListTransactions(ctx, d.ID)
	if err != nil {
		return err
	}

	missing, pending := 0, 0
	for _, leg := range plan.Legs {
		switch st := legStatus(txs, leg.Purpose); st {
		case "":
			missing++
		case models.TxStatusPending:
			pending++
		}
	}
	if missing > 0 {
		if r.submit(d, plan.Op) {
			rep.Payouts++
		}
		return nil
	}
	if pending > 0 {
		return nil
	}

	if d.OperationalCostUSD == nil {
		usd := d.OperationalCostTRX.Mul(r.cfg.TRXUSDRate).Round(2)
		if _, err := r.store.Transition(ctx, repositories.TransitionRequest{
			ID:    d.ID,
			From:  []models.DealStatus{d.Status},
			Patch: repositories.Patch{OperationalCostUSD: &usd},
			At:    r.clk.Now(),
		}); err != nil {
			return err
		}
		rep.Priced++
		r.recordPartnerShare(ctx, d)
	}

	if err := r.store.PurgeWalletKeys(ctx, d.ID, r.clk.Now()); err != nil {
		return err
	}
	rep.Purged++
	r.log.Info("deal settled, keys purged", zap.String("deal_id", d.DealID))
	return nil
}

// refundStranded records funds that reached the multisig of an expired deal
// after it expired and queues their refund. An empty multisig has its keys
// purged.
func (r *Reconciler) refundStranded(ctx context.Context, rep *ReconcileReport, d *models.Deal) error {
	now := r.clk.Now()
	patch, err := strandedDeposit(ctx, r.chain, d, now)
	if err != nil {
		return err
	}
	if patch == nil {
		if err := r.store.PurgeWalletKeys(ctx, d.ID, now); err != nil {
			return err
		}
		rep.Purged++
		return nil
	}

	updated, err := r.store.Transition(ctx, repositories.TransitionRequest{
		ID:    d.ID,
		From:  []models.DealStatus{d.Status},
		Patch: *patch,
		At:    now,
	})
	if apperr.Is(err, apperr.KindStaleState) || apperr.Is(err, apperr.KindDuplicate) {
		return nil
	}
	if err != nil {
		return err
	}
	r.log.Warn("funds arrived on an expired deal, refunding",
		zap.String("deal_id", d.DealID),
		zap.String("amount", updated.DepositAmount().String()))
	_ = r.store.WriteAuditLog(ctx, models.AuditLog{
		ActorType:  models.ActorSystem,
		Action:     "stranded_deposit",
		EntityType: "deal",
		EntityID:   &updated.ID,
		Meta:       map[string]any{"tx_hash": *updated.DepositTxHash, "amount": updated.DepositAmount().String()},
	})
	if r.submit(updated, payout.OpRefund) {
		rep.Payouts++
	}
	return nil
}

// recordPartnerShare writes the referring platform's share of the commission
// to the audit log. It is paid out of band.
func (r *Reconciler) recordPartnerShare(ctx context.Context, d *models.Deal) {
	if d.PlatformCode == nil || d.Status == models.DealStatusExpired {
		return
	}
	p, err := r.store.GetPlatformByCode(ctx, *d.PlatformCode)
	if err != nil {
		r.log.Warn("platform lookup failed", zap.String("deal_id", d.DealID), zap.Error(err))
		return
	}
	share := payout.PartnerShare(d, p.CommissionShare)
	if !share.IsPositive() {
		return
	}
	_ = r.store.WriteAuditLog(ctx, models.AuditLog{
		ActorType:  models.ActorSystem,
		Action:     "partner_share",
		EntityType: "deal",
		EntityID:   &d.ID,
		Meta:       map[string]any{"platform": p.Code, "share": share.String()},
	})
}

// cancelled purges the keys of cancelled deals whose multisig is empty.
func (r *Reconciler) cancelled(ctx context.Context, rep *ReconcileReport) error {
	deals, err := listAll(ctx, r.store, repositories.ListFilter{
		Statuses:       []models.DealStatus{models.DealStatusCancelled},
		WithMultisig:   true,
		WithSealedKeys: true,
	})
	if err != nil {
		return err
	}
	for i := range deals {
		if err := r.purgeIfEmpty(ctx, rep, &deals[i]); err != nil {
			r.log.Warn("purge failed", zap.String("deal_id", deals[i].DealID), zap.Error(err))
		}
	}
	return nil
}

// purgeIfEmpty drops the keys of a deal that never recorded a deposit, as
// long as nothing arrived on chain after all.
func (r *Reconciler) purgeIfEmpty(ctx context.Context, rep *ReconcileReport, d *models.Deal) error {
	balance, err := r.chain.GetTRC20Balance(ctx, *d.MultisigAddress, d.Asset)
	if err != nil {
		return err
	}
	if balance.IsPositive() {
		r.log.Warn("unrecorded funds on a closed deal, keeping keys",
			zap.String("deal_id", d.DealID),
			zap.String("address", *d.MultisigAddress),
			zap.String("balance", balance.String()))
		return nil
	}
	if err := r.store.PurgeWalletKeys(ctx, d.ID, r.clk.Now()); err != nil {
		return err
	}
	rep.Purged++
	return nil
}

func (r *Reconciler) submit(d *models.Deal, op payout.Op) bool {
	_, err := r.queue.Submit(queue.Item{DealID: d.DealID, Multisig: *d.MultisigAddress, Op: op})
	switch {
	case err == nil:
		r.log.Info("re-enqueued owed chain write", zap.String("deal_id", d.DealID), zap.String("op", string(op)))
		return true
	case apperr.Is(err, apperr.KindDuplicate):
	default:
		r.log.Warn("re-enqueue failed", zap.String("deal_id", d.DealID), zap.String("op", string(op)), zap.Error(err))
	}
	return false
}

// legStatus returns the status of the live record for purpose, or "" when
// there is none.
func legStatus(txs []models.Transaction, purpose models.Purpose) models.TxStatus {
	for i := range txs {
		if txs[i].Purpose == purpose && txs[i].Live() {
			return txs[i].Status
		}
	}
	return ""
}
