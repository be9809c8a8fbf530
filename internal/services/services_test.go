package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/usdt-escrow/backend/internal/chain/chaintest"
	"github.com/usdt-escrow/backend/internal/clock"
	"github.com/usdt-escrow/backend/internal/commission"
	"github.com/usdt-escrow/backend/internal/config"
	"github.com/usdt-escrow/backend/internal/events"
	"github.com/usdt-escrow/backend/internal/keys"
	"github.com/usdt-escrow/backend/internal/models"
	"github.com/usdt-escrow/backend/internal/payout"
	"github.com/usdt-escrow/backend/internal/queue"
	"github.com/usdt-escrow/backend/internal/repositories/memstore"
	"github.com/usdt-escrow/backend/internal/workers"
	"go.uber.org/zap"
)

const (
	buyerID   int64 = 101
	sellerID  int64 = 202
	arbiterID int64 = 900
)

var (
	t0            = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	buyerAddr     = chaintest.Address("buyer")
	sellerAddr    = chaintest.Address("seller")
	serviceWallet = chaintest.Address("service")
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// recordingDispatcher remembers dispatched items and reports no result.
type recordingDispatcher struct {
	mu    sync.Mutex
	items []queue.Item
}

func (r *recordingDispatcher) Dispatch(_ context.Context, it queue.Item) (<-chan queue.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, it)
	return nil, nil
}

func (r *recordingDispatcher) ops(dealID string) []payout.Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []payout.Op
	for _, it := range r.items {
		if it.DealID == dealID {
			out = append(out, it.Op)
		}
	}
	return out
}

type fixture struct {
	ctx      context.Context
	clk      *clock.Fake
	store    *memstore.Store
	chain    *chaintest.Adapter
	rec      *events.Recorder
	dispatch *recordingDispatcher
	cfg      *config.Config
	svc      *DealService
}

func testConfig() *config.Config {
	return &config.Config{
		MinAmount:              dec("50"),
		TolMinus:               dec("2"),
		Commission:             commission.DefaultSchedule(),
		MaxDeadlineHours:       720,
		DefaultExtensionHours:  12,
		Grace:                  12 * time.Hour,
		DedupWindow:            10 * time.Second,
		AutoBanLossStreak:      3,
		RefundWaivesCommission: true,
		ArbiterIDs:             []int64{arbiterID},
		ActivationGap:          2 * time.Second,
		ServiceWalletAddress:   serviceWallet,
		ActivationTRX:          dec("120"),
		FallbackTRX:            dec("15"),
		EnergyUnits:            65_000,
		ReleaseWait:            5 * time.Second,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(t0)
	f := &fixture{
		ctx:      context.Background(),
		clk:      clk,
		store:    memstore.New(),
		chain:    chaintest.New(clk),
		rec:      events.NewRecorder(),
		dispatch: &recordingDispatcher{},
		cfg:      testConfig(),
	}
	f.svc = f.service(f.dispatch)
	return f
}

func (f *fixture) service(d queue.Dispatcher) *DealService {
	arbiter, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	vault, err := keys.NewVault(strings.Repeat("k", 32), arbiter, f.store)
	if err != nil {
		panic(err)
	}
	return NewDealService(f.store, f.chain, vault, commission.NewCalculator(f.cfg.Commission), d, f.rec, f.clk, f.cfg, zap.NewNop())
}

func (f *fixture) policy() payout.Policy {
	return payout.Policy{ServiceWallet: serviceWallet, RefundWaivesCommission: f.cfg.RefundWaivesCommission}
}

func (f *fixture) executor() *workers.Executor {
	return workers.NewExecutor(f.store, f.chain, f.rec, f.clk, workers.ExecutorConfig{
		ActivationTRX: f.cfg.ActivationTRX,
		FallbackTRX:   f.cfg.FallbackTRX,
		EnergyUnits:   f.cfg.EnergyUnits,
		ServiceWallet: serviceWallet,
		Policy:        f.policy(),
	}, zap.NewNop())
}

// runQueue starts a real queue behind the executor and returns it with a stop func.
func (f *fixture) runQueue(t *testing.T) *queue.ActivationQueue {
	t.Helper()
	q := queue.NewActivationQueue(f.executor(), 16, f.cfg.ActivationGap, f.clk, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return q
}

func (f *fixture) watcher(q workers.Submitter) *workers.DepositWatcher {
	return workers.NewDepositWatcher(f.store, f.chain, q, f.rec, f.clk, workers.DepositWatcherConfig{
		Interval:   30 * time.Second,
		BatchSize:  4,
		BatchDelay: time.Second,
		TolMinus:   f.cfg.TolMinus,
	}, nil, zap.NewNop())
}

func (f *fixture) input(amount string, ct models.CommissionType) CreateDealInput {
	return CreateDealInput{
		BuyerID:        buyerID,
		SellerID:       sellerID,
		CreatorRole:    models.RoleBuyer,
		ProductName:    "Landing page",
		Description:    "One page site with a contact form",
		Amount:         dec(amount),
		CommissionType: ct,
		DeadlineHours:  24,
		BuyerAddress:   buyerAddr,
	}
}

// waitingDeal creates a deal through the service and attaches the seller address.
func (f *fixture) waitingDeal(t *testing.T, amount string, ct models.CommissionType) *models.Deal {
	t.Helper()
	d, err := f.svc.CreateDeal(f.ctx, buyerID, f.input(amount, ct))
	require.NoError(t, err)
	d, err = f.svc.AttachAddress(f.ctx, d.DealID, sellerID, models.RoleSeller, sellerAddr)
	require.NoError(t, err)
	require.Equal(t, models.DealStatusWaitingForDeposit, d.Status)
	f.clk.Advance(time.Minute)
	return d
}

// lockedDeal funds a waiting deal and lets the watcher lock it.
func (f *fixture) lockedDeal(t *testing.T, amount string, ct models.CommissionType, deposit string) *models.Deal {
	t.Helper()
	d := f.waitingDeal(t, amount, ct)
	f.chain.Deposit(*d.MultisigAddress, buyerAddr, dec(deposit))
	require.NoError(t, f.watcher(discard{}).Check(f.ctx, d))
	return f.deal(t, d.DealID)
}

func (f *fixture) deal(t *testing.T, dealID string) *models.Deal {
	t.Helper()
	d, err := f.store.GetDeal(f.ctx, dealID)
	require.NoError(t, err)
	return d
}

func (f *fixture) legs(t *testing.T, d *models.Deal) map[models.Purpose]models.Transaction {
	t.Helper()
	txs, err := f.store.ListTransactions(f.ctx, d.ID)
	require.NoError(t, err)
	out := map[models.Purpose]models.Transaction{}
	for _, tx := range txs {
		if tx.Live() {
			out[tx.Purpose] = tx
		}
	}
	return out
}

// discard accepts queue items without running them.
type discard struct{}

func (discard) Submit(it queue.Item) (<-chan queue.Result, error) {
	ch := make(chan queue.Result, 1)
	ch <- queue.Result{Item: it}
	return ch, nil
}
