package models

import (
	"time"

	"github.com/google/uuid"
)

type DisputeStatus string

const (
	DisputeStatusOpen     DisputeStatus = "open"
	DisputeStatusInReview DisputeStatus = "in_review"
	DisputeStatusResolved DisputeStatus = "resolved"
)

type Decision string

const (
	DecisionRefundBuyer   Decision = "refund_buyer"
	DecisionReleaseSeller Decision = "release_seller"
)

func (d Decision) Valid() bool {
	return d == DecisionRefundBuyer || d == DecisionReleaseSeller
}

// Winner returns the role favoured by the decision.
func (d Decision) Winner() Role {
	if d == DecisionRefundBuyer {
		return RoleBuyer
	}
	return RoleSeller
}

type DisputeComment struct {
	UserID    int64     `json:"user_id"`
	Text      string    `json:"text"`
	Media     []string  `json:"media,omitempty"`
	CreatedAt time.Time `json:"ts"`
}

type Dispute struct {
	ID         uuid.UUID        `json:"id"`
	DealID     uuid.UUID        `json:"-"`
	OpenedBy   int64            `json:"opened_by"`
	ReasonText string           `json:"reason_text"`
	Media      []string         `json:"media,omitempty"`
	Comments   []DisputeComment `json:"comments"`
	Status     DisputeStatus    `json:"status"`
	Decision   *Decision        `json:"decision,omitempty"`
	ArbiterID  *int64           `json:"arbiter_id,omitempty"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

func (d *Dispute) IsOpen() bool {
	return d.Status == DisputeStatusOpen || d.Status == DisputeStatusInReview
}

// DisputeResolution is applied to the dispute in the same write as the deal transition.
type DisputeResolution struct {
	Decision   Decision
	ArbiterID  int64
	ResolvedAt time.Time
}
