package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TxType string

const (
	TxTypeDeposit TxType = "deposit"
	TxTypeRelease TxType = "release"
	TxTypeRefund  TxType = "refund"
	TxTypeFee     TxType = "fee"
)

type TxStatus string

const (
	TxStatusPending   TxStatus = "pending"
	TxStatusConfirmed TxStatus = "confirmed"
	TxStatusFailed    TxStatus = "failed"
)

// Purpose names a leg of a deal's money flow. A deal has at most one live
// (pending or confirmed) record per purpose.
type Purpose string

const (
	PurposeDeposit     Purpose = "deposit"
	PurposeActivation  Purpose = "activation"
	PurposeFeeTopUp    Purpose = "fee_top_up"
	PurposeSellerPay   Purpose = "seller_payout"
	PurposeBuyerRefund Purpose = "buyer_refund"
	PurposeServiceCut  Purpose = "service_commission"
)

const AssetTRX = "TRX"

type Transaction struct {
	ID          uuid.UUID       `json:"id"`
	DealID      uuid.UUID       `json:"-"`
	Type        TxType          `json:"type"`
	Purpose     Purpose         `json:"purpose"`
	Amount      decimal.Decimal `json:"amount"`
	Asset       string          `json:"asset"`
	TxHash      string          `json:"tx_hash"`
	Block       int64           `json:"block"`
	FromAddress string          `json:"from_address"`
	ToAddress   string          `json:"to_address"`
	Signers     []string        `json:"signers,omitempty"`
	Status      TxStatus        `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Live reports whether the record still counts towards its leg.
func (t *Transaction) Live() bool {
	return t.Status == TxStatusPending || t.Status == TxStatusConfirmed
}
