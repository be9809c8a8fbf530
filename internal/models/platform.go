package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Platform is a partner that refers deals and earns a share of commission.
type Platform struct {
	ID              uuid.UUID       `json:"id"`
	Code            string          `json:"code"`
	Name            string          `json:"name"`
	CommissionShare decimal.Decimal `json:"commission_share"`
}
