package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DealStatus string

// Deal statuses
const (
	DealStatusCreated                DealStatus = "created"
	DealStatusWaitingForBuyerWallet  DealStatus = "waiting_for_buyer_wallet"
	DealStatusWaitingForSellerWallet DealStatus = "waiting_for_seller_wallet"
	DealStatusWaitingForDeposit      DealStatus = "waiting_for_deposit"
	DealStatusLocked                 DealStatus = "locked"
	DealStatusInProgress             DealStatus = "in_progress"
	DealStatusWorkSubmitted          DealStatus = "work_submitted"
	DealStatusDispute                DealStatus = "dispute"
	DealStatusCompleted              DealStatus = "completed"
	DealStatusResolved               DealStatus = "resolved"
	DealStatusExpired                DealStatus = "expired"
	DealStatusCancelled              DealStatus = "cancelled"
)

// Valid state transitions: from -> []to
var ValidDealTransitions = map[DealStatus][]DealStatus{
	DealStatusCreated:                {DealStatusWaitingForBuyerWallet, DealStatusWaitingForSellerWallet, DealStatusCancelled},
	DealStatusWaitingForBuyerWallet:  {DealStatusWaitingForSellerWallet, DealStatusWaitingForDeposit, DealStatusCancelled},
	DealStatusWaitingForSellerWallet: {DealStatusWaitingForBuyerWallet, DealStatusWaitingForDeposit, DealStatusCancelled},
	DealStatusWaitingForDeposit:      {DealStatusLocked, DealStatusExpired, DealStatusCancelled},
	DealStatusLocked:                 {DealStatusInProgress, DealStatusWorkSubmitted, DealStatusCompleted, DealStatusDispute, DealStatusExpired},
	DealStatusInProgress:             {DealStatusWorkSubmitted, DealStatusCompleted, DealStatusDispute, DealStatusExpired},
	DealStatusWorkSubmitted:          {DealStatusCompleted, DealStatusDispute, DealStatusExpired},
	DealStatusDispute:                {DealStatusResolved, DealStatusLocked},
	DealStatusCompleted:              {},
	DealStatusResolved:               {},
	DealStatusExpired:                {},
	DealStatusCancelled:              {},
}

// Predecessor sets used by the service and the monitors.
var (
	WaitingForWalletStatuses = []DealStatus{DealStatusWaitingForBuyerWallet, DealStatusWaitingForSellerWallet}
	CancellableStatuses      = []DealStatus{DealStatusCreated, DealStatusWaitingForBuyerWallet, DealStatusWaitingForSellerWallet, DealStatusWaitingForDeposit}
	WorkStatuses             = []DealStatus{DealStatusLocked, DealStatusInProgress}
	AcceptableStatuses       = []DealStatus{DealStatusWorkSubmitted, DealStatusLocked, DealStatusInProgress}
	DisputableStatuses       = []DealStatus{DealStatusLocked, DealStatusInProgress, DealStatusWorkSubmitted}
	ExpirableStatuses        = []DealStatus{DealStatusWaitingForDeposit, DealStatusLocked, DealStatusInProgress, DealStatusWorkSubmitted}
	FundedStatuses           = []DealStatus{DealStatusLocked, DealStatusInProgress, DealStatusWorkSubmitted, DealStatusDispute}
	SettledStatuses          = []DealStatus{DealStatusCompleted, DealStatusResolved, DealStatusExpired}
)

func IsValidTransition(from, to DealStatus) bool {
	allowed, ok := ValidDealTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

func (s DealStatus) Valid() bool {
	_, ok := ValidDealTransitions[s]
	return ok
}

func (s DealStatus) IsTerminal() bool {
	switch s {
	case DealStatusCompleted, DealStatusResolved, DealStatusExpired, DealStatusCancelled:
		return true
	}
	return false
}

// In reports whether s is one of set.
func (s DealStatus) In(set []DealStatus) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}

// WaitingForWallet returns the status that asks role for its payout address.
func WaitingForWallet(role Role) DealStatus {
	if role == RoleSeller {
		return DealStatusWaitingForSellerWallet
	}
	return DealStatusWaitingForBuyerWallet
}

type Role string

const (
	RoleBuyer   Role = "buyer"
	RoleSeller  Role = "seller"
	RoleArbiter Role = "arbiter"
	// RoleOwner is the per-deal account key that installs the 2-of-3 permission.
	RoleOwner Role = "owner"
)

func (r Role) Counterparty() Role {
	if r == RoleBuyer {
		return RoleSeller
	}
	return RoleBuyer
}

type CommissionType string

const (
	CommissionBuyer  CommissionType = "buyer"
	CommissionSeller CommissionType = "seller"
	CommissionSplit  CommissionType = "split"
)

func (t CommissionType) Valid() bool {
	switch t {
	case CommissionBuyer, CommissionSeller, CommissionSplit:
		return true
	}
	return false
}

const AssetUSDT = "USDT"

type Deal struct {
	ID                       uuid.UUID        `json:"-"`
	DealID                   string           `json:"deal_id"`
	BuyerID                  int64            `json:"buyer_id"`
	SellerID                 int64            `json:"seller_id"`
	CreatorRole              Role             `json:"creator_role"`
	ProductName              string           `json:"product_name"`
	Description              string           `json:"description"`
	Asset                    string           `json:"asset"`
	Amount                   decimal.Decimal  `json:"amount"`
	Commission               decimal.Decimal  `json:"commission"`
	CommissionType           CommissionType   `json:"commission_type"`
	MultisigAddress          *string          `json:"multisig_address,omitempty"`
	BuyerAddress             *string          `json:"buyer_address,omitempty"`
	SellerAddress            *string          `json:"seller_address,omitempty"`
	DepositTxHash            *string          `json:"deposit_tx_hash,omitempty"`
	DepositDetectedAt        *time.Time       `json:"deposit_detected_at,omitempty"`
	ActualDepositAmount      *decimal.Decimal `json:"actual_deposit_amount,omitempty"`
	Overpayment              decimal.Decimal  `json:"overpayment"`
	DepositNotificationSent  bool             `json:"deposit_notification_sent"`
	Status                   DealStatus       `json:"status"`
	WorkSubmitted            bool             `json:"work_submitted"`
	Deadline                 time.Time        `json:"deadline"`
	DeadlineNotificationSent bool             `json:"deadline_notification_sent"`
	CompletedAt              *time.Time       `json:"completed_at,omitempty"`
	CancelledBy              *int64           `json:"cancelled_by,omitempty"`
	OperationalCostTRX       decimal.Decimal  `json:"operational_cost_trx"`
	OperationalCostUSD       *decimal.Decimal `json:"operational_cost_usd,omitempty"`
	PlatformID               *uuid.UUID       `json:"platform_id,omitempty"`
	PlatformCode             *string          `json:"platform_code,omitempty"`
	UniqueKey                string           `json:"-"`
	CreatedAt                time.Time        `json:"created_at"`
	UpdatedAt                time.Time        `json:"updated_at"`
}

// RoleOf reports which side of the deal userID is on.
func (d *Deal) RoleOf(userID int64) (Role, bool) {
	switch userID {
	case d.BuyerID:
		return RoleBuyer, true
	case d.SellerID:
		return RoleSeller, true
	}
	return "", false
}

func (d *Deal) UserIDOf(role Role) int64 {
	if role == RoleSeller {
		return d.SellerID
	}
	return d.BuyerID
}

func (d *Deal) AddressOf(role Role) *string {
	switch role {
	case RoleBuyer:
		return d.BuyerAddress
	case RoleSeller:
		return d.SellerAddress
	}
	return nil
}

// Participants returns the user ids notified about deal events.
func (d *Deal) Participants() []int64 {
	return []int64{d.BuyerID, d.SellerID}
}

// DepositAmount is the observed deposit, zero before funding.
func (d *Deal) DepositAmount() decimal.Decimal {
	if d.ActualDepositAmount == nil {
		return decimal.Zero
	}
	return *d.ActualDepositAmount
}

const dealIDPrefix = "DL-"

func FormatDealID(n int64) string {
	return fmt.Sprintf("%s%06d", dealIDPrefix, n)
}

func ParseDealID(s string) (int64, error) {
	if !strings.HasPrefix(s, dealIDPrefix) {
		return 0, fmt.Errorf("deal id %q: missing %s prefix", s, dealIDPrefix)
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(s, dealIDPrefix), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("deal id %q: invalid number", s)
	}
	return n, nil
}
