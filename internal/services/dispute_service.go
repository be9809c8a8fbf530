package services

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/events"
	"github.com/usdt-escrow/backend/internal/models"
	"github.com/usdt-escrow/backend/internal/payout"
	"github.com/usdt-escrow/backend/internal/repositories"
	"go.uber.org/zap"
)

const maxMedia = 10

// OpenDispute freezes a funded deal until an arbiter decides it.
func (s *DealService) OpenDispute(ctx context.Context, dealID string, userID int64, reason string, media []string) (*models.Deal, error) {
	reason = strings.TrimSpace(reason)
	switch {
	case reason == "":
		return nil, apperr.Validation("dispute reason is required")
	case utf8.RuneCountInString(reason) > maxReason:
		return nil, apperr.Validation("dispute reason is longer than %d characters", maxReason)
	case len(media) > maxMedia:
		return nil, apperr.Validation("at most %d attachments", maxMedia)
	}

	d, err := s.mutate(ctx, dealID, func(d *models.Deal) (repositories.TransitionRequest, error) {
		if _, ok := d.RoleOf(userID); !ok {
			return repositories.TransitionRequest{}, apperr.Authorization("user %d is not a participant of deal %s", userID, d.DealID)
		}
		return repositories.TransitionRequest{
			From: models.DisputableStatuses,
			To:   models.DealStatusDispute,
			Patch: repositories.Patch{Dispute: &models.Dispute{
				OpenedBy:   userID,
				ReasonText: reason,
				Media:      media,
				CreatedAt:  s.clk.Now(),
			}},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, &userID, models.ActorUser, "dispute_opened", d, map[string]any{"reason": reason})
	s.notifier.Notify(events.New(d, events.DisputeOpened{OpenedBy: userID, Reason: reason}, s.clk.Now()))
	s.log.Info("dispute opened", zap.String("deal_id", d.DealID), zap.Int64("opened_by", userID))
	return d, nil
}

// CommentOnDispute appends to the dispute thread. The first arbiter comment
// puts the dispute in review.
func (s *DealService) CommentOnDispute(ctx context.Context, dealID string, userID int64, text string, media []string) (*models.Dispute, error) {
	text = strings.TrimSpace(text)
	switch {
	case text == "" && len(media) == 0:
		return nil, apperr.Validation("comment is empty")
	case utf8.RuneCountInString(text) > maxReason:
		return nil, apperr.Validation("comment is longer than %d characters", maxReason)
	case len(media) > maxMedia:
		return nil, apperr.Validation("at most %d attachments", maxMedia)
	}

	d, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	arbiter := s.cfg.IsArbiter(userID)
	if _, ok := d.RoleOf(userID); !ok && !arbiter {
		return nil, apperr.Authorization("user %d is not a participant of deal %s", userID, d.DealID)
	}
	if d.Status != models.DealStatusDispute {
		return nil, apperr.IllegalState("deal %s has no open dispute", d.DealID)
	}

	ds, err := s.store.AddDisputeComment(ctx, d.ID, models.DisputeComment{
		UserID:    userID,
		Text:      text,
		Media:     media,
		CreatedAt: s.clk.Now(),
	}, arbiter)
	if err != nil {
		return nil, err
	}
	actor := models.ActorUser
	if arbiter {
		actor = models.ActorArbiter
	}
	s.audit(ctx, &userID, actor, "dispute_comment", d, nil)
	return ds, nil
}

// ResolveDispute settles a disputed deal in favour of one side. The loser's
// streak is recorded and the payout is handed to the queue.
func (s *DealService) ResolveDispute(ctx context.Context, dealID string, arbiterID int64, decision models.Decision) (*models.Deal, error) {
	if !s.cfg.IsArbiter(arbiterID) {
		return nil, apperr.Authorization("user %d is not an arbiter", arbiterID)
	}
	if !decision.Valid() {
		return nil, apperr.Validation("unknown decision %q", decision)
	}

	d, err := s.mutate(ctx, dealID, func(d *models.Deal) (repositories.TransitionRequest, error) {
		return repositories.TransitionRequest{
			From: []models.DealStatus{models.DealStatusDispute},
			To:   models.DealStatusResolved,
			Patch: repositories.Patch{ResolveDispute: &models.DisputeResolution{
				Decision:   decision,
				ArbiterID:  arbiterID,
				ResolvedAt: s.clk.Now(),
			}},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	winner := decision.Winner()
	loser, err := s.store.RecordDisputeOutcome(ctx, d.UserIDOf(winner), d.UserIDOf(winner.Counterparty()), s.cfg.AutoBanLossStreak)
	if err != nil {
		// The decision stands; the streak is only advisory.
		s.log.Error("record dispute outcome", zap.String("deal_id", d.DealID), zap.Error(err))
	} else if loser.Blacklisted {
		s.log.Warn("user blacklisted after dispute losses",
			zap.Int64("user_id", loser.UserID), zap.Int("loss_streak", loser.LossStreak))
	}

	s.audit(ctx, &arbiterID, models.ActorArbiter, "dispute_resolved", d, map[string]any{"decision": decision})
	op, purpose := payout.OpRelease, models.PurposeSellerPay
	if decision == models.DecisionRefundBuyer {
		op, purpose = payout.OpRefund, models.PurposeBuyerRefund
	}
	txID := s.dispatchAndWait(ctx, d, op, purpose)
	s.notifier.Notify(events.New(d, events.DisputeResolved{Decision: decision, ArbiterID: arbiterID}, s.clk.Now()))
	s.log.Info("dispute resolved",
		zap.String("deal_id", d.DealID),
		zap.String("decision", string(decision)),
		zap.String("tx_hash", txID))
	return d, nil
}

// CancelDispute withdraws the dispute and returns the deal to locked. A
// deadline still in the future is pushed back by hours; one already passed
// restarts from now.
func (s *DealService) CancelDispute(ctx context.Context, dealID string, arbiterID int64, hours int) (*models.Deal, error) {
	if !s.cfg.IsArbiter(arbiterID) {
		return nil, apperr.Authorization("user %d is not an arbiter", arbiterID)
	}
	if hours < 0 || hours > s.cfg.MaxDeadlineHours {
		return nil, apperr.Validation("extension must be between 0 and %d hours", s.cfg.MaxDeadlineHours)
	}

	d, err := s.mutate(ctx, dealID, func(d *models.Deal) (repositories.TransitionRequest, error) {
		deadline := s.extendedDeadline(d.Deadline, hours)
		return repositories.TransitionRequest{
			From: []models.DealStatus{models.DealStatusDispute},
			To:   models.DealStatusLocked,
			Patch: repositories.Patch{
				DeleteDispute:            true,
				Deadline:                 &deadline,
				WorkSubmitted:            repositories.Bool(false),
				DeadlineNotificationSent: repositories.Bool(false),
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, &arbiterID, models.ActorArbiter, "dispute_cancelled", d, map[string]any{"deadline": d.Deadline})
	s.notifier.Notify(events.New(d, events.DisputeCancelled{Deadline: d.Deadline}, s.clk.Now()))
	return d, nil
}

func (s *DealService) extendedDeadline(current time.Time, hours int) time.Time {
	now := s.clk.Now()
	if current.After(now) {
		return current.Add(time.Duration(hours) * time.Hour)
	}
	if hours < s.cfg.DefaultExtensionHours {
		hours = s.cfg.DefaultExtensionHours
	}
	return now.Add(time.Duration(hours) * time.Hour)
}
