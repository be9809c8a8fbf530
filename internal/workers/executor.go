package workers

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/chain"
	"github.com/usdt-escrow/backend/internal/clock"
	"github.com/usdt-escrow/backend/internal/events"
	"github.com/usdt-escrow/backend/internal/models"
	"github.com/usdt-escrow/backend/internal/payout"
	"github.com/usdt-escrow/backend/internal/queue"
	"github.com/usdt-escrow/backend/internal/repositories"
	"go.uber.org/zap"
)

type ExecutorConfig struct {
	ActivationTRX decimal.Decimal
	FallbackTRX   decimal.Decimal
	EnergyUnits   int64
	ServiceWallet string
	Policy        payout.Policy
}

// Executor performs the chain writes behind activation queue items and
// records every leg on the deal.
type Executor struct {
	store    repositories.Store
	chain    chain.Adapter
	notifier events.Notifier
	clk      clock.Clock
	cfg      ExecutorConfig
	log      *zap.Logger
}

var _ queue.Handler = (*Executor)(nil)

func NewExecutor(store repositories.Store, adapter chain.Adapter, notifier events.Notifier, clk clock.Clock, cfg ExecutorConfig, log *zap.Logger) *Executor {
	return &Executor{
		store:    store,
		chain:    adapter,
		notifier: notifier,
		clk:      clk,
		cfg:      cfg,
		log:      log.With(zap.String("component", "executor")),
	}
}

func (e *Executor) Handle(ctx context.Context, it queue.Item, pace queue.Pacer) error {
	d, err := e.store.GetDeal(ctx, it.DealID)
	if err != nil {
		return err
	}
	if d.MultisigAddress == nil {
		return apperr.IllegalState("deal %s has no multisig", d.DealID)
	}

	switch it.Op {
	case payout.OpActivate:
		return e.activate(ctx, d, pace)
	case payout.OpRelease, payout.OpRefund:
		return e.payout(ctx, d, it.Op, pace)
	}
	return apperr.Validation("unknown queue op %q", it.Op)
}

// activate funds the multisig and installs its permission. A deal with a
// live activation record is left alone.
func (e *Executor) activate(ctx context.Context, d *models.Deal, pace queue.Pacer) error {
	txs, err := e.store.ListTransactions(ctx, d.ID)
	if err != nil {
		return err
	}
	if hasLive(txs, models.PurposeActivation) {
		return apperr.Duplicate("deal %s is already activated", d.DealID)
	}
	if d.Status == models.DealStatusCancelled {
		return apperr.IllegalState("deal %s is cancelled", d.DealID)
	}

	multisig := *d.MultisigAddress
	rec := &models.Transaction{
		Type:        models.TxTypeFee,
		Purpose:     models.PurposeActivation,
		Amount:      e.cfg.ActivationTRX,
		Asset:       models.AssetTRX,
		FromAddress: e.cfg.ServiceWallet,
		ToAddress:   multisig,
		Status:      models.TxStatusConfirmed,
		Timestamp:   e.clk.Now(),
	}
	cost := decimal.Zero

	var receipt *chain.Receipt
	err = pace(ctx, func() error {
		var err error
		receipt, err = e.chain.ActivateAccount(ctx, multisig, e.cfg.ActivationTRX)
		return err
	})
	switch {
	case apperr.Is(err, apperr.KindDuplicate):
		// Activated on chain by an earlier attempt whose record was lost.
		rec.Amount = decimal.Zero
	case err != nil:
		return fmt.Errorf("activate %s: %w", multisig, err)
	default:
		rec.TxHash = receipt.TxHash
		rec.Block = receipt.Block
		rec.Status = receipt.Status
		rec.Timestamp = receipt.Timestamp
		cost = e.cfg.ActivationTRX.Add(receipt.FeeTRX)
	}

	if err := e.record(ctx, d.DealID, rec, cost); err != nil {
		return err
	}
	e.log.Info("multisig activated",
		zap.String("deal_id", d.DealID),
		zap.String("address", multisig),
		zap.String("tx_hash", rec.TxHash))
	return nil
}

func (e *Executor) payout(ctx context.Context, d *models.Deal, op payout.Op, pace queue.Pacer) error {
	var decision *models.Decision
	if d.Status == models.DealStatusResolved {
		ds, err := e.store.GetDispute(ctx, d.ID)
		if err != nil {
			return err
		}
		decision = ds.Decision
	}
	plan, err := payout.For(d, decision, e.cfg.Policy)
	if err != nil {
		return err
	}
	if plan.Op != op {
		return apperr.IllegalState("deal %s owes a %s, not a %s", d.DealID, plan.Op, op)
	}

	if err := e.activate(ctx, d, pace); err != nil && !apperr.Is(err, apperr.KindDuplicate) {
		return err
	}

	txs, err := e.store.ListTransactions(ctx, d.ID)
	if err != nil {
		return err
	}
	signers := signersFor(op)
	toppedUp := hasLive(txs, models.PurposeFeeTopUp)

	for _, leg := range plan.Legs {
		if hasLive(txs, leg.Purpose) {
			continue
		}
		cost, topUp, err := e.payFees(ctx, d, toppedUp, pace)
		if err != nil {
			return err
		}
		if topUp != nil {
			if err := e.record(ctx, d.DealID, topUp, cost); err != nil {
				return err
			}
			toppedUp = true
			cost = decimal.Zero
		}

		if err := e.send(ctx, d, leg, signers, cost, pace); err != nil {
			return err
		}
	}
	return nil
}

// payFees rents energy for one USDT transfer, or tops the multisig up with
// TRX when no rental is available. A top-up is returned as a record.
func (e *Executor) payFees(ctx context.Context, d *models.Deal, toppedUp bool, pace queue.Pacer) (decimal.Decimal, *models.Transaction, error) {
	multisig := *d.MultisigAddress
	rental, err := e.chain.RentEnergy(ctx, multisig, e.cfg.EnergyUnits)
	if err == nil {
		return rental.CostTRX, nil, nil
	}
	if !errors.Is(err, chain.ErrEnergyUnavailable) {
		e.log.Warn("energy rental failed", zap.String("deal_id", d.DealID), zap.Error(err))
	}
	if toppedUp || !e.cfg.FallbackTRX.IsPositive() {
		return decimal.Zero, nil, nil
	}

	var receipt *chain.Receipt
	err = pace(ctx, func() error {
		var err error
		receipt, err = e.chain.TopUpTRX(ctx, multisig, e.cfg.FallbackTRX)
		return err
	})
	if err != nil {
		return decimal.Zero, nil, fmt.Errorf("fee top-up %s: %w", multisig, err)
	}
	return e.cfg.FallbackTRX.Add(receipt.FeeTRX), &models.Transaction{
		Type:        models.TxTypeFee,
		Purpose:     models.PurposeFeeTopUp,
		Amount:      e.cfg.FallbackTRX,
		Asset:       models.AssetTRX,
		TxHash:      receipt.TxHash,
		Block:       receipt.Block,
		FromAddress: e.cfg.ServiceWallet,
		ToAddress:   multisig,
		Status:      receipt.Status,
		Timestamp:   receipt.Timestamp,
	}, nil
}

// send records leg as pending under the id of its signed transaction, then
// broadcasts it. A leg whose broadcast outcome is unknown stays pending until
// the reconciler finds it on chain or times it out, so it is never sent twice.
func (e *Executor) send(ctx context.Context, d *models.Deal, leg payout.Leg, signers []models.Role, cost decimal.Decimal, pace queue.Pacer) error {
	multisig := *d.MultisigAddress
	raw, err := e.build(ctx, multisig, leg, signers)
	if err != nil {
		if !cost.IsZero() {
			_ = e.record(ctx, d.DealID, nil, cost)
		}
		return err
	}

	names := make([]string, len(raw.Signers))
	for i, r := range raw.Signers {
		names[i] = string(r)
	}
	rec := &models.Transaction{
		Type:        leg.Type,
		Purpose:     leg.Purpose,
		Amount:      leg.Amount,
		Asset:       leg.Asset,
		TxHash:      raw.ID,
		FromAddress: multisig,
		ToAddress:   leg.To,
		Signers:     names,
		Status:      models.TxStatusPending,
		Timestamp:   e.clk.Now(),
	}
	if err := e.record(ctx, d.DealID, rec, cost); err != nil {
		return err
	}

	log := e.log.With(zap.String("deal_id", d.DealID), zap.String("purpose", string(leg.Purpose)), zap.String("tx_hash", rec.TxHash))
	var (
		receipt *chain.Receipt
		sent    bool
	)
	err = pace(ctx, func() error {
		sent = true
		var err error
		receipt, err = e.chain.Broadcast(ctx, raw)
		return err
	})
	switch {
	case err == nil:
	case sent && !apperr.Is(err, apperr.KindChainPermanent):
		log.Warn("broadcast outcome unknown, leg left pending", zap.Error(err))
		return fmt.Errorf("broadcast %s: %w", leg.Purpose, err)
	default:
		e.settle(ctx, log, rec, models.TxStatusFailed, 0)
		return fmt.Errorf("broadcast %s: %w", leg.Purpose, err)
	}

	if receipt.Status != models.TxStatusPending {
		e.settle(ctx, log, rec, receipt.Status, receipt.Block)
	}
	e.notifier.Notify(events.New(d, events.PayoutSent{
		Purpose: leg.Purpose, Amount: leg.Amount, To: leg.To, TxHash: rec.TxHash,
	}, e.clk.Now()))
	return nil
}

func (e *Executor) build(ctx context.Context, multisig string, leg payout.Leg, signers []models.Role) (*chain.RawTx, error) {
	raw, err := e.chain.BuildRelease(ctx, multisig, leg.To, leg.Amount, leg.Asset)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", leg.Purpose, err)
	}
	for _, role := range signers {
		if raw, err = e.chain.Sign(ctx, raw, role); err != nil {
			return nil, fmt.Errorf("sign %s as %s: %w", leg.Purpose, role, err)
		}
	}
	return raw, nil
}

// settle moves a pending record to its final status. A failure only delays
// that until the next reconcile pass.
func (e *Executor) settle(ctx context.Context, log *zap.Logger, rec *models.Transaction, status models.TxStatus, block int64) {
	err := e.store.SettleTransaction(ctx, rec.ID, status, block)
	if err != nil && !apperr.Is(err, apperr.KindStaleState) {
		log.Warn("settle transaction failed", zap.String("status", string(status)), zap.Error(err))
	}
}

// record appends rec and adds cost to the deal's TRX spend in one
// transition. A concurrent status change only makes it retry against the new
// status.
func (e *Executor) record(ctx context.Context, dealID string, rec *models.Transaction, cost decimal.Decimal) error {
	return recordOnDeal(ctx, e.store, e.clk, dealID, rec, cost)
}

func recordOnDeal(ctx context.Context, store repositories.Store, clk clock.Clock, dealID string, rec *models.Transaction, cost decimal.Decimal) error {
	if rec == nil && cost.IsZero() {
		return nil
	}
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		var d *models.Deal
		d, err = store.GetDeal(ctx, dealID)
		if err != nil {
			return err
		}
		patch := repositories.Patch{Record: rec}
		if !cost.IsZero() {
			patch.AddOperationalCostTRX = &cost
		}
		_, err = store.Transition(ctx, repositories.TransitionRequest{
			ID:    d.ID,
			From:  []models.DealStatus{d.Status},
			Patch: patch,
			At:    clk.Now(),
		})
		if !apperr.Is(err, apperr.KindStaleState) {
			return err
		}
	}
	return err
}

// signersFor picks the conceding party and the arbiter: the buyer signs
// releases, the seller signs refunds.
func signersFor(op payout.Op) []models.Role {
	if op == payout.OpRefund {
		return []models.Role{models.RoleSeller, models.RoleArbiter}
	}
	return []models.Role{models.RoleBuyer, models.RoleArbiter}
}

func hasLive(txs []models.Transaction, purpose models.Purpose) bool {
	for i := range txs {
		if txs[i].Purpose == purpose && txs[i].Live() {
			return true
		}
	}
	return false
}
