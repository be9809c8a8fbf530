package workers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/usdt-escrow/backend/internal/chain/chaintest"
	"github.com/usdt-escrow/backend/internal/clock"
	"github.com/usdt-escrow/backend/internal/events"
	"github.com/usdt-escrow/backend/internal/models"
	"github.com/usdt-escrow/backend/internal/payout"
	"github.com/usdt-escrow/backend/internal/queue"
	"github.com/usdt-escrow/backend/internal/repositories"
	"github.com/usdt-escrow/backend/internal/repositories/memstore"
	"go.uber.org/zap"
)

var (
	t0            = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	buyerAddr     = chaintest.Address("buyer")
	sellerAddr    = chaintest.Address("seller")
	serviceWallet = chaintest.Address("service")
	policy        = payout.Policy{ServiceWallet: serviceWallet, RefundWaivesCommission: true}
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// stubQueue accepts everything and completes it at once.
type stubQueue struct {
	mu    sync.Mutex
	items []queue.Item
}

func (q *stubQueue) Submit(it queue.Item) (<-chan queue.Result, error) {
	q.mu.Lock()
	q.items = append(q.items, it)
	q.mu.Unlock()
	ch := make(chan queue.Result, 1)
	ch <- queue.Result{Item: it}
	return ch, nil
}

func (q *stubQueue) ops(dealID string) []payout.Op {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []payout.Op
	for _, it := range q.items {
		if it.DealID == dealID {
			out = append(out, it.Op)
		}
	}
	return out
}

type fixture struct {
	ctx   context.Context
	clk   *clock.Fake
	store *memstore.Store
	chain *chaintest.Adapter
	rec   *events.Recorder
	queue *stubQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(t0)
	return &fixture{
		ctx:   context.Background(),
		clk:   clk,
		store: memstore.New(),
		chain: chaintest.New(clk),
		rec:   events.NewRecorder(),
		queue: &stubQueue{},
	}
}

func (f *fixture) executor() *Executor {
	return f.executorOn(f.store)
}

func (f *fixture) executorOn(store repositories.Store) *Executor {
	return NewExecutor(store, f.chain, f.rec, f.clk, ExecutorConfig{
		ActivationTRX: dec("120"),
		FallbackTRX:   dec("15"),
		EnergyUnits:   65_000,
		ServiceWallet: serviceWallet,
		Policy:        policy,
	}, zap.NewNop())
}

func (f *fixture) watcher() *DepositWatcher {
	return NewDepositWatcher(f.store, f.chain, f.queue, f.rec, f.clk, DepositWatcherConfig{
		Interval:   30 * time.Second,
		BatchSize:  4,
		BatchDelay: time.Second,
		TolMinus:   dec("2"),
	}, nil, zap.NewNop())
}

func (f *fixture) monitor() *DeadlineMonitor {
	return NewDeadlineMonitor(f.store, f.chain, f.queue, f.rec, f.clk, DeadlineMonitorConfig{
		Interval: time.Minute,
		Grace:    12 * time.Hour,
		Policy:   policy,
	}, nil, zap.NewNop())
}

func (f *fixture) reconciler() *Reconciler {
	return NewReconciler(f.store, f.chain, f.queue, f.clk, ReconcilerConfig{
		Interval:       5 * time.Minute,
		PendingTimeout: 30 * time.Minute,
		TRXUSDRate:     dec("0.12"),
		Policy:         policy,
	}, nil, zap.NewNop())
}

// waitingDeal creates a deal that already has both addresses and a multisig.
func (f *fixture) waitingDeal(t *testing.T, amount, commission string, ct models.CommissionType, deadline time.Time) *models.Deal {
	t.Helper()
	buyer, seller := buyerAddr, sellerAddr
	d := &models.Deal{
		BuyerID:        101,
		SellerID:       202,
		CreatorRole:    models.RoleBuyer,
		ProductName:    "Landing page",
		Asset:          models.AssetUSDT,
		Amount:         dec(amount),
		Commission:     dec(commission),
		CommissionType: ct,
		Status:         models.DealStatusWaitingForSellerWallet,
		BuyerAddress:   &buyer,
		Deadline:       deadline,
		UniqueKey:      uuid.NewString(),
		CreatedAt:      f.clk.Now(),
	}
	require.NoError(t, f.store.CreateDeal(f.ctx, d))

	ms := chaintest.Address("MS" + d.DealID)
	sealed := "sealed-keys"
	got, err := f.store.Transition(f.ctx, repositories.TransitionRequest{
		ID:   d.ID,
		From: []models.DealStatus{models.DealStatusWaitingForSellerWallet},
		To:   models.DealStatusWaitingForDeposit,
		Patch: repositories.Patch{
			SellerAddress:   &seller,
			MultisigAddress: &ms,
			Wallet:          &models.MultisigWallet{Address: ms, SealedKeys: &sealed},
		},
		At: f.clk.Now(),
	})
	require.NoError(t, err)
	return got
}

// lock records a deposit of amount on d without going through the watcher.
func (f *fixture) lock(t *testing.T, d *models.Deal, amount string, notified bool) *models.Deal {
	t.Helper()
	hash := f.chain.Deposit(*d.MultisigAddress, buyerAddr, dec(amount))
	amt := dec(amount)
	now := f.clk.Now()
	got, err := f.store.Transition(f.ctx, repositories.TransitionRequest{
		ID:   d.ID,
		From: []models.DealStatus{models.DealStatusWaitingForDeposit},
		To:   models.DealStatusLocked,
		Patch: repositories.Patch{
			DepositTxHash:           &hash,
			DepositDetectedAt:       &now,
			ActualDepositAmount:     &amt,
			DepositNotificationSent: repositories.Bool(notified),
			Record: &models.Transaction{
				Type: models.TxTypeDeposit, Purpose: models.PurposeDeposit,
				Amount: amt, Asset: models.AssetUSDT, TxHash: hash,
				FromAddress: buyerAddr, ToAddress: *d.MultisigAddress,
				Status: models.TxStatusConfirmed, Timestamp: now,
			},
		},
		At: now,
	})
	require.NoError(t, err)
	return got
}

func (f *fixture) move(t *testing.T, d *models.Deal, to models.DealStatus, patch repositories.Patch) *models.Deal {
	t.Helper()
	got, err := f.store.Transition(f.ctx, repositories.TransitionRequest{
		ID: d.ID, From: []models.DealStatus{d.Status}, To: to, Patch: patch, At: f.clk.Now(),
	})
	require.NoError(t, err)
	return got
}

func (f *fixture) deal(t *testing.T, dealID string) *models.Deal {
	t.Helper()
	d, err := f.store.GetDeal(f.ctx, dealID)
	require.NoError(t, err)
	return d
}

func (f *fixture) txs(t *testing.T, d *models.Deal) map[models.Purpose]models.Transaction {
	t.Helper()
	list, err := f.store.ListTransactions(f.ctx, d.ID)
	require.NoError(t, err)
	out := map[models.Purpose]models.Transaction{}
	for _, tx := range list {
		if tx.Live() {
			out[tx.Purpose] = tx
		}
	}
	return out
}

func noPace(_ context.Context, broadcast func() error) error { return broadcast() }
