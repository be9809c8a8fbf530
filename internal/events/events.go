package events

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/usdt-escrow/backend/internal/models"
)

// Channel is the Redis channel notifications are published on.
const Channel = "escrow:notifications"

type Type string

const (
	TypeDealCreated         Type = "deal_created"
	TypeDepositExpected     Type = "deposit_expected"
	TypeInsufficientDeposit Type = "insufficient_deposit"
	TypeDepositConfirmed    Type = "deposit_confirmed"
	TypeWorkStarted         Type = "work_started"
	TypeWorkSubmitted       Type = "work_submitted"
	TypeDealCompleted       Type = "deal_completed"
	TypeDisputeOpened       Type = "dispute_opened"
	TypeDisputeResolved     Type = "dispute_resolved"
	TypeDisputeCancelled    Type = "dispute_cancelled"
	TypeDeadlineReached     Type = "deadline_reached"
	TypeDealExpired         Type = "deal_expired"
	TypeDealCancelled       Type = "deal_cancelled"
	TypePayoutSent          Type = "payout_sent"
)

// Payload is implemented by every typed notification body.
type Payload interface {
	Type() Type
}

type DealCreated struct {
	Amount          decimal.Decimal       `json:"amount"`
	Commission      decimal.Decimal       `json:"commission"`
	CommissionType  models.CommissionType `json:"commission_type"`
	DepositExpected decimal.Decimal       `json:"deposit_expected"`
	CreatorRole     models.Role           `json:"creator_role"`
}

type DepositExpected struct {
	MultisigAddress string          `json:"multisig_address"`
	Amount          decimal.Decimal `json:"amount"`
	Asset           string          `json:"asset"`
}

type InsufficientDeposit struct {
	Expected  decimal.Decimal `json:"expected"`
	Observed  decimal.Decimal `json:"observed"`
	Shortfall decimal.Decimal `json:"shortfall"`
}

type DepositConfirmed struct {
	Amount      decimal.Decimal `json:"amount"`
	TxHash      string          `json:"tx_hash"`
	Overpayment decimal.Decimal `json:"overpayment"`
}

type WorkStarted struct{}

type WorkSubmitted struct{}

type DealCompleted struct {
	SellerPayout decimal.Decimal `json:"seller_payout"`
	ReleaseTxID  string          `json:"release_tx_id,omitempty"`
}

type DisputeOpened struct {
	OpenedBy int64  `json:"opened_by"`
	Reason   string `json:"reason"`
}

type DisputeResolved struct {
	Decision  models.Decision `json:"decision"`
	ArbiterID int64           `json:"arbiter_id"`
}

type DisputeCancelled struct {
	Deadline time.Time `json:"deadline"`
}

type DeadlineReached struct {
	Deadline   time.Time `json:"deadline"`
	GraceUntil time.Time `json:"grace_until"`
}

type DealExpired struct {
	RefundAmount decimal.Decimal `json:"refund_amount"`
}

type DealCancelled struct {
	CancelledBy int64 `json:"cancelled_by"`
}

type PayoutSent struct {
	Purpose models.Purpose  `json:"purpose"`
	Amount  decimal.Decimal `json:"amount"`
	To      string          `json:"to"`
	TxHash  string          `json:"tx_hash"`
}

func (DealCreated) Type() Type         { return TypeDealCreated }
func (DepositExpected) Type() Type     { return TypeDepositExpected }
func (InsufficientDeposit) Type() Type { return TypeInsufficientDeposit }
func (DepositConfirmed) Type() Type    { return TypeDepositConfirmed }
func (WorkStarted) Type() Type         { return TypeWorkStarted }
func (WorkSubmitted) Type() Type       { return TypeWorkSubmitted }
func (DealCompleted) Type() Type       { return TypeDealCompleted }
func (DisputeOpened) Type() Type       { return TypeDisputeOpened }
func (DisputeResolved) Type() Type     { return TypeDisputeResolved }
func (DisputeCancelled) Type() Type    { return TypeDisputeCancelled }
func (DeadlineReached) Type() Type     { return TypeDeadlineReached }
func (DealExpired) Type() Type         { return TypeDealExpired }
func (DealCancelled) Type() Type       { return TypeDealCancelled }
func (PayoutSent) Type() Type          { return TypePayoutSent }

// An underpayment is reported again only when the observed amount changes.
func (p InsufficientDeposit) dedupSuffix() string { return p.Observed.String() }

func (p PayoutSent) dedupSuffix() string { return string(p.Purpose) }

// Cancelling a dispute twice yields two distinct deadlines.
func (p DisputeCancelled) dedupSuffix() string { return p.Deadline.UTC().Format(time.RFC3339) }

var payloadTypes = map[Type]func() Payload{
	TypeDealCreated:         func() Payload { return &DealCreated{} },
	TypeDepositExpected:     func() Payload { return &DepositExpected{} },
	TypeInsufficientDeposit: func() Payload { return &InsufficientDeposit{} },
	TypeDepositConfirmed:    func() Payload { return &DepositConfirmed{} },
	TypeWorkStarted:         func() Payload { return &WorkStarted{} },
	TypeWorkSubmitted:       func() Payload { return &WorkSubmitted{} },
	TypeDealCompleted:       func() Payload { return &DealCompleted{} },
	TypeDisputeOpened:       func() Payload { return &DisputeOpened{} },
	TypeDisputeResolved:     func() Payload { return &DisputeResolved{} },
	TypeDisputeCancelled:    func() Payload { return &DisputeCancelled{} },
	TypeDeadlineReached:     func() Payload { return &DeadlineReached{} },
	TypeDealExpired:         func() Payload { return &DealExpired{} },
	TypeDealCancelled:       func() Payload { return &DealCancelled{} },
	TypePayoutSent:          func() Payload { return &PayoutSent{} },
}

// Notification is the envelope handed to the Notifier and published on Redis.
type Notification struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	DealID     string    `json:"deal_id"`
	Recipients []int64   `json:"recipients"`
	Timestamp  time.Time `json:"timestamp"`
	Payload    Payload   `json:"payload"`
}

// New addresses p to both deal participants.
func New(d *models.Deal, p Payload, at time.Time) *Notification {
	return &Notification{
		ID:         ulid.MustNew(ulid.Timestamp(at), ulid.Monotonic(rand.Reader, 0)).String(),
		Type:       p.Type(),
		DealID:     d.DealID,
		Recipients: d.Participants(),
		Timestamp:  at,
		Payload:    p,
	}
}

// DedupKey identifies notifications that must be delivered at most once.
func (n *Notification) DedupKey() string {
	key := string(n.Type) + ":" + n.DealID
	if s, ok := n.Payload.(interface{ dedupSuffix() string }); ok {
		key += ":" + s.dedupSuffix()
	}
	return key
}

func (n *Notification) UnmarshalJSON(data []byte) error {
	type envelope Notification
	var raw struct {
		envelope
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	mk, ok := payloadTypes[raw.Type]
	if !ok {
		return fmt.Errorf("unknown notification type %q", raw.Type)
	}
	p := mk()
	if len(raw.Payload) > 0 && string(raw.Payload) != "null" {
		if err := json.Unmarshal(raw.Payload, p); err != nil {
			return fmt.Errorf("decode %s payload: %w", raw.Type, err)
		}
	}
	*n = Notification(raw.envelope)
	n.Payload = p
	return nil
}

// Notifier accepts notifications without blocking the caller. Delivery is
// best effort and never fails a state transition.
type Notifier interface {
	Notify(n *Notification)
}

type Publisher interface {
	Publish(ctx context.Context, channel string, n *Notification) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, channel string, handler func(*Notification)) error
}
