package workers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/chain/chaintest"
	"github.com/usdt-escrow/backend/internal/events"
	"github.com/usdt-escrow/backend/internal/models"
	"github.com/usdt-escrow/backend/internal/payout"
	"github.com/usdt-escrow/backend/internal/queue"
	"github.com/usdt-escrow/backend/internal/repositories"
	"go.uber.org/zap"
)

func (f *fixture) completedDeal(t *testing.T, amount, commission string, ct models.CommissionType, deposit string) *models.Deal {
	t.Helper()
	d := f.lock(t, f.waitingDeal(t, amount, commission, ct, t0.Add(24*time.Hour)), deposit, true)
	return f.move(t, d, models.DealStatusCompleted, repositories.Patch{})
}

func kinds(bs []chaintest.Broadcast) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = b.Kind
	}
	return out
}

func TestReleasePaysSellerAndService(t *testing.T) {
	f := newFixture(t)
	e := f.executor()
	d := f.completedDeal(t, "100", "6", models.CommissionBuyer, "106")
	it := queue.Item{DealID: d.DealID, Multisig: *d.MultisigAddress, Op: payout.OpRelease}

	require.NoError(t, e.Handle(f.ctx, it, noPace))

	bs := f.chain.Broadcasts()
	assert.Equal(t, []string{"activation", "release", "release"}, kinds(bs))
	assert.Equal(t, sellerAddr, bs[1].To)
	assert.True(t, dec("100").Equal(bs[1].Amount))
	assert.Equal(t, []models.Role{models.RoleBuyer, models.RoleArbiter}, bs[1].Signers)
	assert.Equal(t, serviceWallet, bs[2].To)
	assert.True(t, dec("6").Equal(bs[2].Amount))

	legs := f.txs(t, d)
	assert.Len(t, legs, 4)
	assert.Equal(t, bs[1].TxHash, legs[models.PurposeSellerPay].TxHash)

	got := f.deal(t, d.DealID)
	assert.True(t, dec("128.1").Equal(got.OperationalCostTRX), got.OperationalCostTRX.String())
	assert.Len(t, f.rec.Delivered(events.TypePayoutSent), 2)

	// A second run finds every leg recorded and broadcasts nothing.
	require.NoError(t, e.Handle(f.ctx, it, noPace))
	assert.Len(t, f.chain.Broadcasts(), 3)
}

func TestOverpaymentGoesToService(t *testing.T) {
	f := newFixture(t)
	d := f.completedDeal(t, "500", "17.5", models.CommissionSplit, "510")

	require.NoError(t, f.executor().Handle(f.ctx, queue.Item{DealID: d.DealID, Multisig: *d.MultisigAddress, Op: payout.OpRelease}, noPace))

	legs := f.txs(t, d)
	assert.True(t, dec("491.25").Equal(legs[models.PurposeSellerPay].Amount))
	assert.True(t, dec("18.75").Equal(legs[models.PurposeServiceCut].Amount))
}

func TestFeesFallBackToOneTopUp(t *testing.T) {
	f := newFixture(t)
	f.chain.SetEnergyAvailable(false)
	d := f.completedDeal(t, "100", "6", models.CommissionBuyer, "106")

	require.NoError(t, f.executor().Handle(f.ctx, queue.Item{DealID: d.DealID, Multisig: *d.MultisigAddress, Op: payout.OpRelease}, noPace))

	assert.Equal(t, []string{"activation", "top_up", "release", "release"}, kinds(f.chain.Broadcasts()))
	assert.Contains(t, f.txs(t, d), models.PurposeFeeTopUp)
	got := f.deal(t, d.DealID)
	assert.True(t, dec("137.2").Equal(got.OperationalCostTRX), got.OperationalCostTRX.String())
}

// paidTo counts the USDT releases broadcast to address.
func paidTo(bs []chaintest.Broadcast, address string) int {
	n := 0
	for _, b := range bs {
		if b.Kind == "release" && b.To == address {
			n++
		}
	}
	return n
}

func TestRejectedBroadcastIsRetried(t *testing.T) {
	f := newFixture(t)
	e := f.executor()
	d := f.completedDeal(t, "100", "6", models.CommissionBuyer, "106")
	it := queue.Item{DealID: d.DealID, Multisig: *d.MultisigAddress, Op: payout.OpRelease}

	f.chain.FailNext("Broadcast", apperr.ChainPermanent(nil, "contract validate error"))
	err := e.Handle(f.ctx, it, noPace)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindChainPermanent))
	assert.NotContains(t, f.txs(t, d), models.PurposeSellerPay)

	require.NoError(t, e.Handle(f.ctx, it, noPace))
	assert.Equal(t, []string{"activation", "release", "release"}, kinds(f.chain.Broadcasts()))
}

// A broadcast that may have reached the node keeps its pending record, so
// nothing sends the leg again until the reconciler has failed it.
func TestUnknownBroadcastOutcomeIsNotRepeated(t *testing.T) {
	f := newFixture(t)
	e := f.executor()
	d := f.completedDeal(t, "100", "6", models.CommissionBuyer, "106")
	it := queue.Item{DealID: d.DealID, Multisig: *d.MultisigAddress, Op: payout.OpRelease}

	f.chain.FailNext("Broadcast", apperr.ChainTransient(nil, "node timeout"))
	err := e.Handle(f.ctx, it, noPace)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindChainTransient))
	seller, ok := f.txs(t, d)[models.PurposeSellerPay]
	require.True(t, ok)
	assert.Equal(t, models.TxStatusPending, seller.Status)
	assert.NotEmpty(t, seller.TxHash)

	// The retry pays the service cut and leaves the seller leg alone.
	require.NoError(t, e.Handle(f.ctx, it, noPace))
	assert.Equal(t, []string{"activation", "release"}, kinds(f.chain.Broadcasts()))
	assert.Zero(t, paidTo(f.chain.Broadcasts(), sellerAddr))

	rep, err := f.reconciler().Reconcile(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Payouts, "the leg is still within the pending timeout")

	f.clk.Advance(time.Hour)
	rep, err = f.reconciler().Reconcile(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Settled)
	assert.Equal(t, 1, rep.Payouts)

	require.NoError(t, e.Handle(f.ctx, it, noPace))
	assert.Equal(t, 1, paidTo(f.chain.Broadcasts(), sellerAddr))
}

func TestStoreFailureBeforeBroadcastPaysOnce(t *testing.T) {
	f := newFixture(t)
	e := f.executor()
	d := f.completedDeal(t, "100", "6", models.CommissionBuyer, "106")
	require.NoError(t, e.Handle(f.ctx, queue.Item{DealID: d.DealID, Multisig: *d.MultisigAddress, Op: payout.OpActivate}, noPace))
	it := queue.Item{DealID: d.DealID, Multisig: *d.MultisigAddress, Op: payout.OpRelease}

	f.store.FailNextTransition(errors.New("connection reset"))
	require.Error(t, e.Handle(f.ctx, it, noPace))
	assert.Zero(t, paidTo(f.chain.Broadcasts(), sellerAddr))

	rep, err := f.reconciler().Reconcile(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Payouts)

	require.NoError(t, e.Handle(f.ctx, it, noPace))
	require.NoError(t, e.Handle(f.ctx, it, noPace))
	assert.Equal(t, 1, paidTo(f.chain.Broadcasts(), sellerAddr))
	assert.Equal(t, 1, paidTo(f.chain.Broadcasts(), serviceWallet))
}

// settleFailing loses the first n settle writes.
type settleFailing struct {
	repositories.Store
	n int
}

func (s *settleFailing) SettleTransaction(ctx context.Context, id uuid.UUID, status models.TxStatus, block int64) error {
	if s.n > 0 {
		s.n--
		return errors.New("connection reset")
	}
	return s.Store.SettleTransaction(ctx, id, status, block)
}

func TestStoreFailureAfterBroadcastPaysOnce(t *testing.T) {
	f := newFixture(t)
	d := f.completedDeal(t, "100", "6", models.CommissionBuyer, "106")
	require.NoError(t, f.executor().Handle(f.ctx, queue.Item{DealID: d.DealID, Multisig: *d.MultisigAddress, Op: payout.OpActivate}, noPace))
	it := queue.Item{DealID: d.DealID, Multisig: *d.MultisigAddress, Op: payout.OpRelease}

	require.NoError(t, f.executorOn(&settleFailing{Store: f.store, n: 2}).Handle(f.ctx, it, noPace))
	bs := f.chain.Broadcasts()
	require.Equal(t, 1, paidTo(bs, sellerAddr))
	seller := f.txs(t, d)[models.PurposeSellerPay]
	assert.Equal(t, models.TxStatusPending, seller.Status)
	assert.Equal(t, bs[len(bs)-2].TxHash, seller.TxHash)

	rep, err := f.reconciler().Reconcile(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Settled)
	assert.Zero(t, rep.Payouts)
	assert.Empty(t, f.queue.ops(d.DealID))

	require.NoError(t, f.executor().Handle(f.ctx, it, noPace))
	assert.Equal(t, 1, paidTo(f.chain.Broadcasts(), sellerAddr))
	assert.Equal(t, models.TxStatusConfirmed, f.txs(t, d)[models.PurposeSellerPay].Status)
}

func TestActivationIsIdempotent(t *testing.T) {
	f := newFixture(t)
	e := f.executor()
	d := f.lock(t, f.waitingDeal(t, "100", "6", models.CommissionBuyer, t0.Add(24*time.Hour)), "106", true)
	it := queue.Item{DealID: d.DealID, Multisig: *d.MultisigAddress, Op: payout.OpActivate}

	require.NoError(t, e.Handle(f.ctx, it, noPace))
	err := e.Handle(f.ctx, it, noPace)
	assert.True(t, apperr.Is(err, apperr.KindDuplicate))
	assert.Len(t, f.chain.Broadcasts(), 1)

	got := f.deal(t, d.DealID)
	assert.True(t, dec("121.1").Equal(got.OperationalCostTRX), got.OperationalCostTRX.String())
}

func TestActivationAlreadyOnChainIsRecorded(t *testing.T) {
	f := newFixture(t)
	d := f.lock(t, f.waitingDeal(t, "100", "6", models.CommissionBuyer, t0.Add(24*time.Hour)), "106", true)
	f.chain.FailNext("ActivateAccount", apperr.Duplicate("account already activated"))

	require.NoError(t, f.executor().Handle(f.ctx, queue.Item{DealID: d.DealID, Multisig: *d.MultisigAddress, Op: payout.OpActivate}, noPace))

	act, ok := f.txs(t, d)[models.PurposeActivation]
	require.True(t, ok)
	assert.True(t, act.Amount.IsZero())
	assert.True(t, f.deal(t, d.DealID).OperationalCostTRX.IsZero())
}

func TestWrongOpIsRejected(t *testing.T) {
	f := newFixture(t)
	d := f.completedDeal(t, "100", "6", models.CommissionBuyer, "106")

	err := f.executor().Handle(f.ctx, queue.Item{DealID: d.DealID, Multisig: *d.MultisigAddress, Op: payout.OpRefund}, noPace)
	assert.True(t, apperr.Is(err, apperr.KindIllegalState))
	assert.Empty(t, f.chain.Broadcasts())
}

// Broadcasts touching one multisig stay at least the queue gap apart when the
// executor runs behind the real queue.
func TestQueuedWritesAreGapped(t *testing.T) {
	f := newFixture(t)
	a := f.completedDeal(t, "100", "6", models.CommissionBuyer, "106")
	b := f.completedDeal(t, "200", "12", models.CommissionBuyer, "212")

	q := queue.NewActivationQueue(f.executor(), 16, 2*time.Second, f.clk, nil, zap.NewNop())
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(f.ctx)
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	var results []<-chan queue.Result
	for _, d := range []*models.Deal{a, b} {
		ch, err := q.Submit(queue.Item{DealID: d.DealID, Multisig: *d.MultisigAddress, Op: payout.OpRelease})
		require.NoError(t, err)
		results = append(results, ch)
	}
	for _, ch := range results {
		select {
		case r := <-ch:
			require.NoError(t, r.Err)
		case <-time.After(5 * time.Second):
			t.Fatal("release did not finish")
		}
	}

	last := map[string]time.Time{}
	for _, bc := range f.chain.Broadcasts() {
		if prev, ok := last[bc.Multisig]; ok {
			assert.GreaterOrEqual(t, bc.At.Sub(prev), 2*time.Second, "broadcasts on %s", bc.Multisig)
		}
		last[bc.Multisig] = bc.At
	}
	assert.Len(t, f.chain.Broadcasts(), 6)
}
