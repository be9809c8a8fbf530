// Package commission computes the service fee for a deal and the amounts that
// follow from it. Everything here is pure and carried in 2-digit fixed point.
package commission

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/usdt-escrow/backend/internal/models"
)

const places = 2

// Schedule is the tiered fee table. Amounts up to T1 pay the flat fee C1,
// then each band pays its rate on the whole amount.
type Schedule struct {
	T1 decimal.Decimal
	C1 decimal.Decimal
	T2 decimal.Decimal
	R2 decimal.Decimal
	T3 decimal.Decimal
	R3 decimal.Decimal
	R4 decimal.Decimal
}

func DefaultSchedule() Schedule {
	return Schedule{
		T1: decimal.NewFromInt(150),
		C1: decimal.NewFromInt(6),
		T2: decimal.NewFromInt(500),
		R2: decimal.RequireFromString("0.035"),
		T3: decimal.NewFromInt(1500),
		R3: decimal.RequireFromString("0.03"),
		R4: decimal.RequireFromString("0.025"),
	}
}

func (s Schedule) Validate() error {
	if !s.T1.IsPositive() || s.T2.LessThanOrEqual(s.T1) || s.T3.LessThanOrEqual(s.T2) {
		return fmt.Errorf("commission thresholds must be positive and ascending: %s < %s < %s", s.T1, s.T2, s.T3)
	}
	if s.C1.IsNegative() {
		return fmt.Errorf("flat commission must not be negative: %s", s.C1)
	}
	one := decimal.NewFromInt(1)
	for name, r := range map[string]decimal.Decimal{"r2": s.R2, "r3": s.R3, "r4": s.R4} {
		if r.IsNegative() || r.GreaterThanOrEqual(one) {
			return fmt.Errorf("commission rate %s out of range: %s", name, r)
		}
	}
	return nil
}

type Calculator struct {
	schedule Schedule
}

func NewCalculator(s Schedule) *Calculator {
	return &Calculator{schedule: s}
}

func (c *Calculator) Schedule() Schedule {
	return c.schedule
}

// Commission returns the fee for amount, rounded half away from zero.
func (c *Calculator) Commission(amount decimal.Decimal) decimal.Decimal {
	s := c.schedule
	switch {
	case amount.LessThanOrEqual(s.T1):
		return s.C1.Round(places)
	case amount.LessThanOrEqual(s.T2):
		return amount.Mul(s.R2).Round(places)
	case amount.LessThanOrEqual(s.T3):
		return amount.Mul(s.R3).Round(places)
	default:
		return amount.Mul(s.R4).Round(places)
	}
}

// Breakdown holds the derived quantities of a deal.
type Breakdown struct {
	Amount          decimal.Decimal `json:"amount"`
	Commission      decimal.Decimal `json:"commission"`
	BuyerPortion    decimal.Decimal `json:"buyer_portion"`
	SellerPortion   decimal.Decimal `json:"seller_portion"`
	DepositExpected decimal.Decimal `json:"deposit_expected"`
	SellerPayout    decimal.Decimal `json:"seller_payout"`
	ServicePayout   decimal.Decimal `json:"service_payout"`
}

// Split distributes an already computed commission between the parties.
// For split deals the buyer's half is rounded and the seller carries the
// remainder, so the two portions always add up to the commission.
func Split(amount, commission decimal.Decimal, payer models.CommissionType) Breakdown {
	var buyer, seller decimal.Decimal
	switch payer {
	case models.CommissionBuyer:
		buyer, seller = commission, decimal.Zero
	case models.CommissionSeller:
		buyer, seller = decimal.Zero, commission
	default:
		buyer = commission.Div(decimal.NewFromInt(2)).Round(places)
		seller = commission.Sub(buyer)
	}
	return Breakdown{
		Amount:          amount,
		Commission:      commission,
		BuyerPortion:    buyer,
		SellerPortion:   seller,
		DepositExpected: amount.Add(buyer),
		SellerPayout:    amount.Sub(seller),
		ServicePayout:   commission,
	}
}

// Quote computes the commission and its split in one go.
func (c *Calculator) Quote(amount decimal.Decimal, payer models.CommissionType) Breakdown {
	return Split(amount, c.Commission(amount), payer)
}

// ForDeal rebuilds the breakdown from the commission persisted on the deal,
// so later schedule changes never alter an existing deal.
func ForDeal(d *models.Deal) Breakdown {
	return Split(d.Amount, d.Commission, d.CommissionType)
}
