package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/events"
	"github.com/usdt-escrow/backend/internal/models"
	"github.com/usdt-escrow/backend/internal/payout"
	"github.com/usdt-escrow/backend/internal/queue"
)

func (f *fixture) disputedDeal(t *testing.T) *models.Deal {
	t.Helper()
	d := f.lockedDeal(t, "100", models.CommissionBuyer, "106")
	_, err := f.svc.StartWork(f.ctx, d.DealID, sellerID)
	require.NoError(t, err)
	d, err = f.svc.OpenDispute(f.ctx, d.DealID, buyerID, "nothing delivered", []string{"photo-1"})
	require.NoError(t, err)
	require.Equal(t, models.DealStatusDispute, d.Status)
	return d
}

func TestResolveForSellerReleasesAndCountsLoss(t *testing.T) {
	f := newFixture(t)
	q := f.runQueue(t)
	svc := f.service(queue.Local{Queue: q})
	d := f.disputedDeal(t)

	_, err := svc.ResolveDispute(f.ctx, d.DealID, buyerID, models.DecisionReleaseSeller)
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))

	got, err := svc.ResolveDispute(f.ctx, d.DealID, arbiterID, models.DecisionReleaseSeller)
	require.NoError(t, err)
	assert.Equal(t, models.DealStatusResolved, got.Status)

	legs := f.legs(t, d)
	seller := legs[models.PurposeSellerPay]
	assert.True(t, dec("100").Equal(seller.Amount))
	assert.Equal(t, sellerAddr, seller.ToAddress)
	assert.Equal(t, []string{"buyer", "arbiter"}, seller.Signers)

	ds, err := f.store.GetDispute(f.ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DisputeStatusResolved, ds.Status)
	require.NotNil(t, ds.Decision)
	assert.Equal(t, models.DecisionReleaseSeller, *ds.Decision)

	buyer, err := f.store.GetUserStats(f.ctx, buyerID)
	require.NoError(t, err)
	assert.Equal(t, 1, buyer.LossStreak)
	assert.Equal(t, 1, buyer.DisputesLost)
	seller2, err := f.store.GetUserStats(f.ctx, sellerID)
	require.NoError(t, err)
	assert.Equal(t, 1, seller2.DisputesWon)
	assert.Equal(t, 1, f.rec.Count(events.TypeDisputeResolved))
}

func TestResolveForBuyerRefunds(t *testing.T) {
	f := newFixture(t)
	d := f.disputedDeal(t)

	_, err := f.svc.ResolveDispute(f.ctx, d.DealID, arbiterID, "split_it")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.svc.ResolveDispute(f.ctx, d.DealID, arbiterID, models.DecisionRefundBuyer)
	require.NoError(t, err)
	assert.Equal(t, []payout.Op{payout.OpRefund}, f.dispatch.ops(d.DealID))

	seller, err := f.store.GetUserStats(f.ctx, sellerID)
	require.NoError(t, err)
	assert.Equal(t, 1, seller.LossStreak)

	_, err = f.svc.ResolveDispute(f.ctx, d.DealID, arbiterID, models.DecisionRefundBuyer)
	assert.True(t, apperr.Is(err, apperr.KindIllegalState), "a resolved deal is final")
}

func TestThreeLossesBlacklist(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		d := f.disputedDeal(t)
		_, err := f.svc.ResolveDispute(f.ctx, d.DealID, arbiterID, models.DecisionReleaseSeller)
		require.NoError(t, err)
		f.clk.Advance(time.Minute)
	}

	st, err := f.svc.GetUserStats(f.ctx, buyerID)
	require.NoError(t, err)
	assert.True(t, st.Blacklisted)
	assert.Equal(t, 3, st.LossStreak)

	ok, err := f.svc.CanCreateDeal(f.ctx, buyerID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.svc.CreateDeal(f.ctx, buyerID, f.input("100", models.CommissionBuyer))
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))

	ok, err = f.svc.CanCreateDeal(f.ctx, sellerID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpenDisputeRules(t *testing.T) {
	f := newFixture(t)
	waiting := f.waitingDeal(t, "100", models.CommissionBuyer)
	_, err := f.svc.OpenDispute(f.ctx, waiting.DealID, buyerID, "where is it", nil)
	assert.True(t, apperr.Is(err, apperr.KindIllegalState), "unfunded deals cannot be disputed")

	f.clk.Advance(time.Minute)
	d := f.lockedDeal(t, "200", models.CommissionBuyer, "212")
	_, err = f.svc.OpenDispute(f.ctx, d.DealID, buyerID, "  ", nil)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = f.svc.OpenDispute(f.ctx, d.DealID, 555, "not mine", nil)
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))

	_, err = f.svc.OpenDispute(f.ctx, d.DealID, sellerID, "buyer is silent", nil)
	require.NoError(t, err)
	_, err = f.svc.OpenDispute(f.ctx, d.DealID, buyerID, "me too", nil)
	assert.True(t, apperr.Is(err, apperr.KindIllegalState))

	opened := f.rec.Delivered(events.TypeDisputeOpened)
	require.Len(t, opened, 1)
	assert.Equal(t, sellerID, opened[0].Payload.(events.DisputeOpened).OpenedBy)
}

func TestArbiterCommentPutsDisputeInReview(t *testing.T) {
	f := newFixture(t)
	d := f.disputedDeal(t)

	ds, err := f.svc.CommentOnDispute(f.ctx, d.DealID, sellerID, "I sent it on Monday", nil)
	require.NoError(t, err)
	assert.Equal(t, models.DisputeStatusOpen, ds.Status)

	_, err = f.svc.CommentOnDispute(f.ctx, d.DealID, 555, "hello", nil)
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))

	ds, err = f.svc.CommentOnDispute(f.ctx, d.DealID, arbiterID, "Please upload the tracking number", nil)
	require.NoError(t, err)
	assert.Equal(t, models.DisputeStatusInReview, ds.Status)
	assert.Len(t, ds.Comments, 2)

	v, err := f.svc.GetDeal(f.ctx, d.DealID, buyerID)
	require.NoError(t, err)
	require.NotNil(t, v.Dispute)
	assert.Equal(t, "nothing delivered", v.Dispute.ReasonText)
}

func TestCancelDisputeExtendsFutureDeadline(t *testing.T) {
	f := newFixture(t)
	d := f.disputedDeal(t)
	before := d.Deadline

	_, err := f.svc.CancelDispute(f.ctx, d.DealID, sellerID, 6)
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))

	got, err := f.svc.CancelDispute(f.ctx, d.DealID, arbiterID, 6)
	require.NoError(t, err)
	assert.Equal(t, models.DealStatusLocked, got.Status)
	assert.Equal(t, before.Add(6*time.Hour), got.Deadline)
	assert.False(t, got.WorkSubmitted)
	assert.False(t, got.DeadlineNotificationSent)

	_, err = f.store.GetDispute(f.ctx, d.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.Equal(t, 1, f.rec.Count(events.TypeDisputeCancelled))

	// The deal can be disputed again.
	_, err = f.svc.OpenDispute(f.ctx, d.DealID, buyerID, "still nothing", nil)
	assert.NoError(t, err)
}

func TestCancelDisputeRestartsPassedDeadline(t *testing.T) {
	f := newFixture(t)
	d := f.disputedDeal(t)

	f.clk.Advance(30 * time.Hour)
	got, err := f.svc.CancelDispute(f.ctx, d.DealID, arbiterID, 0)
	require.NoError(t, err)
	assert.Equal(t, f.clk.Now().Add(12*time.Hour), got.Deadline)

	got2, err := f.svc.OpenDispute(f.ctx, d.DealID, buyerID, "again", nil)
	require.NoError(t, err)
	got, err = f.svc.CancelDispute(f.ctx, got2.DealID, arbiterID, 48)
	require.NoError(t, err)
	assert.Equal(t, f.clk.Now().Add(60*time.Hour), got.Deadline)
}
