package workers

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/events"
	"github.com/usdt-escrow/backend/internal/models"
	"github.com/usdt-escrow/backend/internal/payout"
)

func TestUnderpaymentThenTopUp(t *testing.T) {
	f := newFixture(t)
	w := f.watcher()
	d := f.waitingDeal(t, "100", "6", models.CommissionBuyer, t0.Add(24*time.Hour))

	f.chain.Deposit(*d.MultisigAddress, buyerAddr, dec("103"))
	require.NoError(t, w.Tick(f.ctx))

	assert.Equal(t, models.DealStatusWaitingForDeposit, f.deal(t, d.DealID).Status)
	assert.Empty(t, f.txs(t, d))
	short := f.rec.Delivered(events.TypeInsufficientDeposit)
	require.Len(t, short, 1)
	payload := short[0].Payload.(events.InsufficientDeposit)
	assert.True(t, dec("3").Equal(payload.Shortfall), payload.Shortfall.String())

	f.clk.Advance(time.Minute)
	f.chain.Deposit(*d.MultisigAddress, buyerAddr, dec("3"))
	require.NoError(t, w.Tick(f.ctx))

	got := f.deal(t, d.DealID)
	assert.Equal(t, models.DealStatusLocked, got.Status)
	assert.True(t, dec("106").Equal(got.DepositAmount()))
	assert.True(t, got.Overpayment.IsZero())
	assert.True(t, got.DepositNotificationSent)

	dep, ok := f.txs(t, d)[models.PurposeDeposit]
	require.True(t, ok)
	assert.True(t, dec("106").Equal(dep.Amount))
	assert.Len(t, f.rec.Delivered(events.TypeDepositConfirmed), 1)
	assert.Equal(t, []payout.Op{payout.OpActivate}, f.queue.ops(d.DealID))
}

func TestDepositWithinToleranceLocks(t *testing.T) {
	f := newFixture(t)
	d := f.waitingDeal(t, "100", "6", models.CommissionBuyer, t0.Add(24*time.Hour))
	f.chain.Deposit(*d.MultisigAddress, buyerAddr, dec("104"))

	require.NoError(t, f.watcher().Check(f.ctx, d))
	assert.Equal(t, models.DealStatusLocked, f.deal(t, d.DealID).Status)
	assert.Zero(t, f.rec.Count(events.TypeInsufficientDeposit))
}

func TestOverpaymentIsRecorded(t *testing.T) {
	f := newFixture(t)
	d := f.waitingDeal(t, "500", "17.5", models.CommissionSplit, t0.Add(24*time.Hour))
	f.chain.Deposit(*d.MultisigAddress, buyerAddr, dec("510"))

	require.NoError(t, f.watcher().Check(f.ctx, d))
	got := f.deal(t, d.DealID)
	assert.Equal(t, models.DealStatusLocked, got.Status)
	assert.True(t, dec("1.25").Equal(got.Overpayment), got.Overpayment.String())
}

func TestConcurrentChecksRecordDepositOnce(t *testing.T) {
	f := newFixture(t)
	d := f.waitingDeal(t, "100", "6", models.CommissionBuyer, t0.Add(24*time.Hour))
	f.chain.Deposit(*d.MultisigAddress, buyerAddr, dec("106"))

	// Two watchers stand in for two processes; their in-flight sets are not shared.
	watchers := []*DepositWatcher{f.watcher(), f.watcher()}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(w *DepositWatcher) {
			defer wg.Done()
			snapshot := *d
			assert.NoError(t, w.Check(f.ctx, &snapshot))
		}(watchers[i%2])
	}
	wg.Wait()

	list, err := f.store.ListTransactions(f.ctx, d.ID)
	require.NoError(t, err)
	deposits := 0
	for _, tx := range list {
		if tx.Type == models.TxTypeDeposit {
			deposits++
		}
	}
	assert.Equal(t, 1, deposits)
	assert.Len(t, f.rec.Delivered(events.TypeDepositConfirmed), 1)
	assert.True(t, f.deal(t, d.DealID).DepositNotificationSent)
	assert.Len(t, f.queue.ops(d.DealID), 1)
}

func TestTickPausesBetweenBatches(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		f.waitingDeal(t, "100", "6", models.CommissionBuyer, t0.Add(24*time.Hour))
	}

	require.NoError(t, f.watcher().Tick(f.ctx))
	assert.Equal(t, 10, f.chain.FindCalls())
	assert.Equal(t, 2*time.Second, f.clk.Slept(), "three batches of at most four")
}

func TestChainErrorIsRetriedNextTick(t *testing.T) {
	f := newFixture(t)
	w := f.watcher()
	d := f.waitingDeal(t, "100", "6", models.CommissionBuyer, t0.Add(24*time.Hour))
	f.chain.Deposit(*d.MultisigAddress, buyerAddr, dec("106"))

	f.chain.FailNext("FindIncomingTransfer", apperr.ChainTransient(nil, "trongrid timeout"))
	require.NoError(t, w.Tick(f.ctx))
	assert.Equal(t, models.DealStatusWaitingForDeposit, f.deal(t, d.DealID).Status)

	require.NoError(t, w.Tick(f.ctx))
	assert.Equal(t, models.DealStatusLocked, f.deal(t, d.DealID).Status)
}

func TestRecoverReemitsLostConfirmation(t *testing.T) {
	f := newFixture(t)
	w := f.watcher()
	d := f.waitingDeal(t, "100", "6", models.CommissionBuyer, t0.Add(24*time.Hour))
	f.lock(t, d, "106", false)

	require.NoError(t, w.Recover(f.ctx))
	require.NoError(t, w.Recover(f.ctx))

	assert.Equal(t, 1, f.rec.Count(events.TypeDepositConfirmed))
	assert.True(t, f.deal(t, d.DealID).DepositNotificationSent)
}
