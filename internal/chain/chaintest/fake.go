// Package chaintest provides a scriptable in-memory chain.Adapter.
package chaintest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/chain"
	"github.com/usdt-escrow/backend/internal/clock"
	"github.com/usdt-escrow/backend/internal/models"
)

// Broadcast is one transaction accepted by the fake chain.
type Broadcast struct {
	TxHash   string
	Kind     string // activation, top_up or release
	Multisig string
	To       string
	Amount   decimal.Decimal
	Asset    string
	Signers  []models.Role
	At       time.Time
}

// Address returns a syntactically valid TRON-looking address for seed.
func Address(seed string) string {
	const width = 33
	s := strings.ToUpper(seed)
	if len(s) > width {
		s = s[:width]
	}
	return "T" + s + strings.Repeat("x", width-len(s))
}

type Adapter struct {
	clk clock.Clock

	mu           sync.Mutex
	seq          int
	incoming     map[string][]chain.Transfer
	balances     map[string]decimal.Decimal
	broadcasts   []Broadcast
	receipts     map[string]models.TxStatus
	failures     map[string][]error
	findCalls    int
	energyOK     bool
	energyCost   decimal.Decimal
	pendingFirst bool
}

func New(clk clock.Clock) *Adapter {
	return &Adapter{
		clk:        clk,
		incoming:   make(map[string][]chain.Transfer),
		balances:   make(map[string]decimal.Decimal),
		receipts:   make(map[string]models.TxStatus),
		failures:   make(map[string][]error),
		energyOK:   true,
		energyCost: decimal.RequireFromString("3.5"),
	}
}

// Deposit records a confirmed incoming USDT transfer to address.
func (a *Adapter) Deposit(address, from string, amount decimal.Decimal) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	hash := fmt.Sprintf("dep%060d", a.seq)
	a.incoming[address] = append(a.incoming[address], chain.Transfer{
		TxHash:      hash,
		Block:       int64(1000 + a.seq),
		Amount:      amount,
		FromAddress: from,
		Count:       1,
		Timestamp:   a.clk.Now(),
	})
	a.balances[address] = a.balances[address].Add(amount)
	return hash
}

// FailNext makes the next call of method return err.
func (a *Adapter) FailNext(method string, err error) {
	a.mu.Lock()
	a.failures[method] = append(a.failures[method], err)
	a.mu.Unlock()
}

func (a *Adapter) SetEnergyAvailable(ok bool) {
	a.mu.Lock()
	a.energyOK = ok
	a.mu.Unlock()
}

// SetPendingReceipts makes new broadcasts report pending until Confirm is called.
func (a *Adapter) SetPendingReceipts(pending bool) {
	a.mu.Lock()
	a.pendingFirst = pending
	a.mu.Unlock()
}

func (a *Adapter) Confirm(txHash string) {
	a.mu.Lock()
	a.receipts[txHash] = models.TxStatusConfirmed
	a.mu.Unlock()
}

func (a *Adapter) Broadcasts() []Broadcast {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Broadcast, len(a.broadcasts))
	copy(out, a.broadcasts)
	return out
}

func (a *Adapter) FindCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.findCalls
}

func (a *Adapter) takeFailure(method string) error {
	errs := a.failures[method]
	if len(errs) == 0 {
		return nil
	}
	a.failures[method] = errs[1:]
	return errs[0]
}

func (a *Adapter) ValidateAddress(addr string) error {
	if len(addr) != 34 || addr[0] != 'T' {
		return apperr.Validation("invalid TRON address %q", addr)
	}
	return nil
}

func (a *Adapter) CreateMultisig(_ context.Context, p chain.MultisigParams) (*chain.Multisig, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.takeFailure("CreateMultisig"); err != nil {
		return nil, err
	}
	a.seq++
	return &chain.Multisig{
		Address: Address(fmt.Sprintf("MS%d", a.seq)),
		Participants: map[models.Role]string{
			models.RoleBuyer:   Address("B" + short(p.BuyerPub)),
			models.RoleSeller:  Address("S" + short(p.SellerPub)),
			models.RoleArbiter: Address("A" + short(p.ArbiterPub)),
		},
		OwnerKey: fmt.Sprintf("%064x", a.seq),
	}, nil
}

func short(s string) string {
	if len(s) > 8 {
		return s[len(s)-8:]
	}
	return s
}

func (a *Adapter) GetTRC20Balance(_ context.Context, address, _ string) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.takeFailure("GetTRC20Balance"); err != nil {
		return decimal.Zero, err
	}
	return a.balances[address], nil
}

func (a *Adapter) FindIncomingTransfer(_ context.Context, address, _ string, since time.Time) (*chain.Transfer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.findCalls++
	if err := a.takeFailure("FindIncomingTransfer"); err != nil {
		return nil, err
	}
	var out *chain.Transfer
	for _, t := range a.incoming[address] {
		if t.Timestamp.Before(since) {
			continue
		}
		if out == nil {
			first := t
			out = &first
			continue
		}
		out.Amount = out.Amount.Add(t.Amount)
		out.TxHash = t.TxHash
		out.Block = t.Block
		out.Timestamp = t.Timestamp
		out.Count++
	}
	return out, nil
}

func (a *Adapter) ActivateAccount(_ context.Context, address string, trx decimal.Decimal) (*chain.Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.takeFailure("ActivateAccount"); err != nil {
		return nil, err
	}
	return a.record("activation", a.nextHash(), address, address, trx, models.AssetTRX, nil), nil
}

func (a *Adapter) TopUpTRX(_ context.Context, address string, trx decimal.Decimal) (*chain.Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.takeFailure("TopUpTRX"); err != nil {
		return nil, err
	}
	return a.record("top_up", a.nextHash(), address, address, trx, models.AssetTRX, nil), nil
}

func (a *Adapter) BuildRelease(_ context.Context, multisig, to string, amount decimal.Decimal, asset string) (*chain.RawTx, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.takeFailure("BuildRelease"); err != nil {
		return nil, err
	}
	a.seq++
	return &chain.RawTx{
		ID:       fmt.Sprintf("raw%061d", a.seq),
		Multisig: multisig,
		To:       to,
		Amount:   amount,
		Asset:    asset,
	}, nil
}

func (a *Adapter) Sign(_ context.Context, tx *chain.RawTx, role models.Role) (*chain.RawTx, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.takeFailure("Sign"); err != nil {
		return nil, err
	}
	signed := *tx
	signed.Signers = append(append([]models.Role(nil), tx.Signers...), role)
	return &signed, nil
}

func (a *Adapter) Broadcast(_ context.Context, tx *chain.RawTx) (*chain.Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.takeFailure("Broadcast"); err != nil {
		return nil, err
	}
	if len(tx.Signers) < models.MultisigThreshold {
		return nil, apperr.ChainPermanent(nil, "transaction %s has %d signatures", tx.ID, len(tx.Signers))
	}
	if _, ok := a.receipts[tx.ID]; ok {
		return nil, apperr.ChainPermanent(nil, "transaction %s was already broadcast", tx.ID)
	}
	a.balances[tx.Multisig] = a.balances[tx.Multisig].Sub(tx.Amount)
	return a.record("release", tx.ID, tx.Multisig, tx.To, tx.Amount, tx.Asset, tx.Signers), nil
}

// nextHash must be called with a.mu held.
func (a *Adapter) nextHash() string {
	a.seq++
	return fmt.Sprintf("tx%062d", a.seq)
}

// record must be called with a.mu held.
func (a *Adapter) record(kind, hash, multisig, to string, amount decimal.Decimal, asset string, signers []models.Role) *chain.Receipt {
	a.seq++
	now := a.clk.Now()
	a.broadcasts = append(a.broadcasts, Broadcast{
		TxHash:   hash,
		Kind:     kind,
		Multisig: multisig,
		To:       to,
		Amount:   amount,
		Asset:    asset,
		Signers:  signers,
		At:       now,
	})
	status := models.TxStatusConfirmed
	if a.pendingFirst {
		status = models.TxStatusPending
	}
	a.receipts[hash] = status
	return &chain.Receipt{
		TxHash:    hash,
		Block:     int64(2000 + a.seq),
		Status:    status,
		FeeTRX:    decimal.RequireFromString("1.1"),
		From:      multisig,
		To:        to,
		Timestamp: now,
	}
}

func (a *Adapter) RentEnergy(_ context.Context, _ string, units int64) (*chain.EnergyRental, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.energyOK {
		return nil, chain.ErrEnergyUnavailable
	}
	a.seq++
	return &chain.EnergyRental{CostTRX: a.energyCost, OrderID: fmt.Sprintf("order-%d", a.seq), Units: units}, nil
}

func (a *Adapter) GetReceipt(_ context.Context, txHash string) (*chain.Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.takeFailure("GetReceipt"); err != nil {
		return nil, err
	}
	status, ok := a.receipts[txHash]
	if !ok {
		return nil, apperr.NotFound("transaction %s not found", txHash)
	}
	return &chain.Receipt{TxHash: txHash, Status: status, Timestamp: a.clk.Now()}, nil
}

var _ chain.Adapter = (*Adapter)(nil)
