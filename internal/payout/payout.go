// Package payout turns a settled deal into the outbound transfers it owes.
package payout

import (
	"github.com/shopspring/decimal"
	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/commission"
	"github.com/usdt-escrow/backend/internal/models"
)

type Op string

const (
	OpActivate Op = "activate"
	OpRelease  Op = "release"
	OpRefund   Op = "refund"
)

type Policy struct {
	ServiceWallet string
	// RefundWaivesCommission returns the whole deposit to the buyer when a
	// dispute is decided in their favour.
	RefundWaivesCommission bool
}

type Leg struct {
	Purpose models.Purpose
	Type    models.TxType
	To      string
	Amount  decimal.Decimal
	Asset   string
}

type Plan struct {
	Op   Op
	Legs []Leg
}

// Total is the sum of all legs; it never exceeds the deposit.
func (p *Plan) Total() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range p.Legs {
		sum = sum.Add(l.Amount)
	}
	return sum
}

// For computes the plan of a deal in a paying terminal status. decision is
// required for resolved deals and ignored otherwise.
func For(d *models.Deal, decision *models.Decision, p Policy) (*Plan, error) {
	deposit := d.DepositAmount()
	if !deposit.IsPositive() {
		return nil, apperr.IllegalState("deal %s has no recorded deposit", d.DealID)
	}
	b := commission.ForDeal(d)

	switch d.Status {
	case models.DealStatusCompleted:
		return release(d, b, deposit, p)
	case models.DealStatusExpired:
		return refund(d, b, deposit, false, p)
	case models.DealStatusResolved:
		if decision == nil {
			return nil, apperr.IllegalState("deal %s is resolved without a decision", d.DealID)
		}
		if *decision == models.DecisionReleaseSeller {
			return release(d, b, deposit, p)
		}
		return refund(d, b, deposit, p.RefundWaivesCommission, p)
	}
	return nil, apperr.IllegalState("deal %s is %s and owes no payout", d.DealID, d.Status)
}

// release pays the seller their payout; commission and any overpayment go to
// the service wallet.
func release(d *models.Deal, b commission.Breakdown, deposit decimal.Decimal, p Policy) (*Plan, error) {
	if d.SellerAddress == nil {
		return nil, apperr.IllegalState("deal %s has no seller address", d.DealID)
	}
	seller := decimal.Min(b.SellerPayout, deposit)
	plan := &Plan{Op: OpRelease}
	plan.add(models.PurposeSellerPay, models.TxTypeRelease, *d.SellerAddress, seller, d.Asset)
	if err := plan.addService(d, deposit.Sub(seller), p); err != nil {
		return nil, err
	}
	return plan, nil
}

// refund returns the deposit to the buyer, minus the commission unless waived.
func refund(d *models.Deal, b commission.Breakdown, deposit decimal.Decimal, waive bool, p Policy) (*Plan, error) {
	if d.BuyerAddress == nil {
		return nil, apperr.IllegalState("deal %s has no buyer address", d.DealID)
	}
	buyer := deposit
	if !waive {
		buyer = decimal.Max(deposit.Sub(b.Commission), decimal.Zero)
	}
	plan := &Plan{Op: OpRefund}
	plan.add(models.PurposeBuyerRefund, models.TxTypeRefund, *d.BuyerAddress, buyer, d.Asset)
	if err := plan.addService(d, deposit.Sub(buyer), p); err != nil {
		return nil, err
	}
	return plan, nil
}

func (p *Plan) add(purpose models.Purpose, typ models.TxType, to string, amount decimal.Decimal, asset string) {
	if !amount.IsPositive() {
		return
	}
	p.Legs = append(p.Legs, Leg{Purpose: purpose, Type: typ, To: to, Amount: amount, Asset: asset})
}

func (p *Plan) addService(d *models.Deal, amount decimal.Decimal, pol Policy) error {
	if !amount.IsPositive() {
		return nil
	}
	if pol.ServiceWallet == "" {
		return apperr.IllegalState("service wallet is not configured, cannot pay %s of deal %s", amount, d.DealID)
	}
	p.add(models.PurposeServiceCut, models.TxTypeFee, pol.ServiceWallet, amount, d.Asset)
	return nil
}

// PartnerShare is the part of the commission owed to the referring platform.
func PartnerShare(d *models.Deal, share decimal.Decimal) decimal.Decimal {
	return d.Commission.Mul(share).Round(2)
}
