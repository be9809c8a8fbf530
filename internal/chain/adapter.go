// Package chain defines what the escrow core needs from a blockchain. The
// TRON implementation lives in chain/tron; tests use chain/chaintest.
package chain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/usdt-escrow/backend/internal/models"
)

// ErrEnergyUnavailable is returned by RentEnergy when no rental could be
// placed; callers pay fees in TRX instead.
var ErrEnergyUnavailable = errors.New("energy rental unavailable")

// Adapter is the chain capability consumed by the core. Implementations
// classify failures as apperr.ChainTransient or apperr.ChainPermanent and own
// their network retries.
type Adapter interface {
	ValidateAddress(addr string) error
	CreateMultisig(ctx context.Context, p MultisigParams) (*Multisig, error)
	GetTRC20Balance(ctx context.Context, address, asset string) (decimal.Decimal, error)
	// FindIncomingTransfer reports the confirmed incoming transfers to address
	// since the given time, or nil when there are none.
	FindIncomingTransfer(ctx context.Context, address, asset string, since time.Time) (*Transfer, error)
	ActivateAccount(ctx context.Context, address string, trx decimal.Decimal) (*Receipt, error)
	// TopUpTRX sends TRX from the service wallet to pay fees when no energy
	// could be rented.
	TopUpTRX(ctx context.Context, address string, trx decimal.Decimal) (*Receipt, error)
	BuildRelease(ctx context.Context, multisig, to string, amount decimal.Decimal, asset string) (*RawTx, error)
	Sign(ctx context.Context, tx *RawTx, role models.Role) (*RawTx, error)
	Broadcast(ctx context.Context, tx *RawTx) (*Receipt, error)
	RentEnergy(ctx context.Context, target string, units int64) (*EnergyRental, error)
	GetReceipt(ctx context.Context, txHash string) (*Receipt, error)
}

// MultisigParams carries hex-encoded uncompressed secp256k1 public keys.
type MultisigParams struct {
	BuyerPub   string
	SellerPub  string
	ArbiterPub string
}

type Multisig struct {
	Address      string
	Participants map[models.Role]string
	// OwnerKey is the hex private key of the fresh account. It is only needed
	// until the 2-of-3 permission is installed on activation.
	OwnerKey string
}

// Transfer is the cumulative view of incoming transfers: Amount is the sum,
// TxHash and Block point at the latest one, FromAddress at the first sender.
type Transfer struct {
	TxHash      string
	Block       int64
	Amount      decimal.Decimal
	FromAddress string
	Count       int
	Timestamp   time.Time
}

type RawTx struct {
	ID       string
	Multisig string
	To       string
	Amount   decimal.Decimal
	Asset    string
	Payload  []byte
	Signers  []models.Role
}

type Receipt struct {
	TxHash    string
	Block     int64
	Status    models.TxStatus
	FeeTRX    decimal.Decimal
	From      string
	To        string
	Timestamp time.Time
}

type EnergyRental struct {
	CostTRX decimal.Decimal
	OrderID string
	Units   int64
}
