package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/chain"
	"github.com/usdt-escrow/backend/internal/clock"
	"github.com/usdt-escrow/backend/internal/commission"
	"github.com/usdt-escrow/backend/internal/config"
	"github.com/usdt-escrow/backend/internal/events"
	"github.com/usdt-escrow/backend/internal/keys"
	"github.com/usdt-escrow/backend/internal/models"
	"github.com/usdt-escrow/backend/internal/payout"
	"github.com/usdt-escrow/backend/internal/queue"
	"github.com/usdt-escrow/backend/internal/repositories"
	"go.uber.org/zap"
)

const (
	maxProductName = 200
	maxDescription = 5000
	maxReason      = 2000
)

// KeyVault creates and seals the per-deal signing keys.
type KeyVault interface {
	Generate() (*keys.DealKeys, chain.MultisigParams, error)
	Seal(k *keys.DealKeys) (string, error)
}

type DealService struct {
	store      repositories.Store
	chain      chain.Adapter
	vault      KeyVault
	calc       *commission.Calculator
	dispatcher queue.Dispatcher
	notifier   events.Notifier
	clk        clock.Clock
	cfg        *config.Config
	log        *zap.Logger
}

func NewDealService(
	store repositories.Store,
	adapter chain.Adapter,
	vault KeyVault,
	calc *commission.Calculator,
	dispatcher queue.Dispatcher,
	notifier events.Notifier,
	clk clock.Clock,
	cfg *config.Config,
	log *zap.Logger,
) *DealService {
	return &DealService{
		store:      store,
		chain:      adapter,
		vault:      vault,
		calc:       calc,
		dispatcher: dispatcher,
		notifier:   notifier,
		clk:        clk,
		cfg:        cfg,
		log:        log.With(zap.String("component", "deal_service")),
	}
}

type CreateDealInput struct {
	BuyerID        int64
	SellerID       int64
	CreatorRole    models.Role
	ProductName    string
	Description    string
	Amount         decimal.Decimal
	CommissionType models.CommissionType
	DeadlineHours  int
	PlatformCode   string
	// Optional payout addresses known at creation.
	BuyerAddress  string
	SellerAddress string
}

func (s *DealService) validateCreate(in *CreateDealInput) error {
	in.ProductName = strings.TrimSpace(in.ProductName)
	in.Description = strings.TrimSpace(in.Description)
	in.PlatformCode = strings.TrimSpace(in.PlatformCode)

	switch {
	case in.BuyerID <= 0 || in.SellerID <= 0:
		return apperr.Validation("buyer and seller are required")
	case in.BuyerID == in.SellerID:
		return apperr.Validation("buyer and seller must be different users")
	case in.CreatorRole != models.RoleBuyer && in.CreatorRole != models.RoleSeller:
		return apperr.Validation("creator role must be buyer or seller")
	case in.ProductName == "":
		return apperr.Validation("product name is required")
	case utf8.RuneCountInString(in.ProductName) > maxProductName:
		return apperr.Validation("product name is longer than %d characters", maxProductName)
	case utf8.RuneCountInString(in.Description) > maxDescription:
		return apperr.Validation("description is longer than %d characters", maxDescription)
	case !in.CommissionType.Valid():
		return apperr.Validation("unknown commission type %q", in.CommissionType)
	case in.Amount.LessThan(s.cfg.MinAmount):
		return apperr.Validation("amount %s is below the minimum of %s USDT", in.Amount, s.cfg.MinAmount)
	case in.Amount.Exponent() < -6:
		return apperr.Validation("amount %s has more than 6 decimals", in.Amount)
	case in.DeadlineHours <= 0 || in.DeadlineHours > s.cfg.MaxDeadlineHours:
		return apperr.Validation("deadline must be between 1 and %d hours", s.cfg.MaxDeadlineHours)
	}
	for _, addr := range []string{in.BuyerAddress, in.SellerAddress} {
		if addr == "" {
			continue
		}
		if err := s.chain.ValidateAddress(addr); err != nil {
			return err
		}
	}
	return nil
}

// CreateDeal persists a new deal on behalf of callerID, who must be the side
// named by CreatorRole. Addresses supplied up front are attached at once.
func (s *DealService) CreateDeal(ctx context.Context, callerID int64, in CreateDealInput) (*models.Deal, error) {
	if err := s.validateCreate(&in); err != nil {
		return nil, err
	}
	creator := in.BuyerID
	if in.CreatorRole == models.RoleSeller {
		creator = in.SellerID
	}
	if callerID != creator {
		return nil, apperr.Authorization("caller is not the %s of the new deal", in.CreatorRole)
	}
	for _, id := range []int64{in.BuyerID, in.SellerID} {
		ok, err := s.CanCreateDeal(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperr.Authorization("user %d is blacklisted", id)
		}
	}

	now := s.clk.Now()
	b := s.calc.Quote(in.Amount, in.CommissionType)
	d := &models.Deal{
		BuyerID:        in.BuyerID,
		SellerID:       in.SellerID,
		CreatorRole:    in.CreatorRole,
		ProductName:    in.ProductName,
		Description:    in.Description,
		Asset:          models.AssetUSDT,
		Amount:         in.Amount,
		Commission:     b.Commission,
		CommissionType: in.CommissionType,
		Status:         models.DealStatusCreated,
		Deadline:       now.Add(time.Duration(in.DeadlineHours) * time.Hour),
		UniqueKey:      s.uniqueKey(in, now),
		CreatedAt:      now,
	}
	if in.PlatformCode != "" {
		p, err := s.store.GetPlatformByCode(ctx, in.PlatformCode)
		if apperr.Is(err, apperr.KindNotFound) {
			return nil, apperr.Validation("unknown platform code %q", in.PlatformCode)
		}
		if err != nil {
			return nil, err
		}
		d.PlatformID = &p.ID
		d.PlatformCode = &p.Code
	}

	if err := s.store.CreateDeal(ctx, d); err != nil {
		return nil, err
	}
	s.audit(ctx, &callerID, models.ActorUser, "deal_created", d, map[string]any{
		"amount": d.Amount.String(), "commission": d.Commission.String(), "commission_type": d.CommissionType,
	})
	s.notifier.Notify(events.New(d, events.DealCreated{
		Amount:          d.Amount,
		Commission:      d.Commission,
		CommissionType:  d.CommissionType,
		DepositExpected: b.DepositExpected,
		CreatorRole:     d.CreatorRole,
	}, now))
	s.log.Info("deal created",
		zap.String("deal_id", d.DealID),
		zap.String("amount", d.Amount.String()),
		zap.String("commission", d.Commission.String()))

	patch := repositories.Patch{}
	if in.BuyerAddress != "" {
		patch.BuyerAddress = &in.BuyerAddress
	}
	if in.SellerAddress != "" {
		patch.SellerAddress = &in.SellerAddress
	}
	return s.advance(ctx, d, patch)
}

// uniqueKey folds the creation time into DedupWindow buckets so an accidental
// double submit collides while a deliberate repeat later does not.
func (s *DealService) uniqueKey(in CreateDealInput, at time.Time) string {
	window := s.cfg.DedupWindow.Milliseconds()
	if window <= 0 {
		window = 1
	}
	raw := fmt.Sprintf("%d|%d|%s|%s|%d", in.BuyerID, in.SellerID, in.Description, in.Amount.String(), at.UnixMilli()/window)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// AttachAddress records the payout address of the caller's side.
func (s *DealService) AttachAddress(ctx context.Context, dealID string, userID int64, role models.Role, address string) (*models.Deal, error) {
	address = strings.TrimSpace(address)
	if err := s.chain.ValidateAddress(address); err != nil {
		return nil, err
	}
	d, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if err := requireRole(d, userID, role); err != nil {
		return nil, err
	}
	if d.Status != models.DealStatusCreated && !d.Status.In(models.WaitingForWalletStatuses) {
		return nil, apperr.IllegalState("deal %s is %s and no longer takes addresses", d.DealID, d.Status)
	}
	if d.AddressOf(role) != nil {
		return nil, apperr.IllegalState("%s address of deal %s is already set", role, d.DealID)
	}

	patch := repositories.Patch{}
	if role == models.RoleBuyer {
		patch.BuyerAddress = &address
	} else {
		patch.SellerAddress = &address
	}
	updated, err := s.advance(ctx, d, patch)
	if err != nil {
		return nil, err
	}
	s.audit(ctx, &userID, models.ActorUser, "address_attached", updated, map[string]any{"role": role, "address": address})
	return updated, nil
}

// advance applies patch and moves the deal to the status its addresses call
// for. Once both are known the multisig is created and the deal waits for
// the deposit.
func (s *DealService) advance(ctx context.Context, d *models.Deal, patch repositories.Patch) (*models.Deal, error) {
	buyer := d.BuyerAddress != nil || patch.BuyerAddress != nil
	seller := d.SellerAddress != nil || patch.SellerAddress != nil

	var to models.DealStatus
	switch {
	case !buyer && !seller:
		to = models.WaitingForWallet(d.CreatorRole)
	case !buyer:
		to = models.DealStatusWaitingForBuyerWallet
	case !seller:
		to = models.DealStatusWaitingForSellerWallet
	default:
		to = models.DealStatusWaitingForDeposit
	}

	if to == models.DealStatusWaitingForDeposit {
		wallet, err := s.createMultisig(ctx, d)
		if err != nil {
			return nil, err
		}
		patch.MultisigAddress = &wallet.Address
		patch.Wallet = wallet
	}

	req := repositories.TransitionRequest{ID: d.ID, From: []models.DealStatus{d.Status}, To: to, Patch: patch, At: s.clk.Now()}
	if to == d.Status {
		req.To = ""
	}
	updated, err := s.store.Transition(ctx, req)
	if err != nil {
		return nil, err
	}

	if updated.Status == models.DealStatusWaitingForDeposit {
		b := commission.ForDeal(updated)
		s.notifier.Notify(events.New(updated, events.DepositExpected{
			MultisigAddress: *updated.MultisigAddress,
			Amount:          b.DepositExpected,
			Asset:           updated.Asset,
		}, s.clk.Now()))
		s.log.Info("multisig created",
			zap.String("deal_id", updated.DealID),
			zap.String("address", *updated.MultisigAddress))
	}
	return updated, nil
}

func (s *DealService) createMultisig(ctx context.Context, d *models.Deal) (*models.MultisigWallet, error) {
	k, params, err := s.vault.Generate()
	if err != nil {
		return nil, err
	}
	ms, err := s.chain.CreateMultisig(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create multisig for %s: %w", d.DealID, err)
	}
	k.Owner = ms.OwnerKey
	sealed, err := s.vault.Seal(k)
	if err != nil {
		return nil, err
	}
	return &models.MultisigWallet{
		Address:      ms.Address,
		Threshold:    models.MultisigThreshold,
		Participants: ms.Participants,
		Balances:     map[string]string{},
		SealedKeys:   &sealed,
	}, nil
}

// StartWork is the seller acknowledging the funded deal.
func (s *DealService) StartWork(ctx context.Context, dealID string, sellerID int64) (*models.Deal, error) {
	d, err := s.mutate(ctx, dealID, func(d *models.Deal) (repositories.TransitionRequest, error) {
		if err := requireRole(d, sellerID, models.RoleSeller); err != nil {
			return repositories.TransitionRequest{}, err
		}
		return repositories.TransitionRequest{
			From: []models.DealStatus{models.DealStatusLocked},
			To:   models.DealStatusInProgress,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, &sellerID, models.ActorUser, "work_started", d, nil)
	s.notifier.Notify(events.New(d, events.WorkStarted{}, s.clk.Now()))
	return d, nil
}

func (s *DealService) SubmitWork(ctx context.Context, dealID string, sellerID int64) (*models.Deal, error) {
	d, err := s.mutate(ctx, dealID, func(d *models.Deal) (repositories.TransitionRequest, error) {
		if err := requireRole(d, sellerID, models.RoleSeller); err != nil {
			return repositories.TransitionRequest{}, err
		}
		return repositories.TransitionRequest{
			From:  models.WorkStatuses,
			To:    models.DealStatusWorkSubmitted,
			Patch: repositories.Patch{WorkSubmitted: repositories.Bool(true)},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, &sellerID, models.ActorUser, "work_submitted", d, nil)
	s.notifier.Notify(events.New(d, events.WorkSubmitted{}, s.clk.Now()))
	return d, nil
}

// AcceptWork completes the deal and hands the release to the queue. When the
// queue runs in this process it waits up to ReleaseWait for the seller leg
// and returns its hash; otherwise the hash is empty and the release follows.
func (s *DealService) AcceptWork(ctx context.Context, dealID string, buyerID int64) (*models.Deal, string, error) {
	d, err := s.mutate(ctx, dealID, func(d *models.Deal) (repositories.TransitionRequest, error) {
		if err := requireRole(d, buyerID, models.RoleBuyer); err != nil {
			return repositories.TransitionRequest{}, err
		}
		return repositories.TransitionRequest{
			From: models.AcceptableStatuses,
			To:   models.DealStatusCompleted,
		}, nil
	})
	if err != nil {
		return nil, "", err
	}
	s.audit(ctx, &buyerID, models.ActorUser, "work_accepted", d, nil)

	txID := s.dispatchAndWait(ctx, d, payout.OpRelease, models.PurposeSellerPay)
	s.notifier.Notify(events.New(d, events.DealCompleted{
		SellerPayout: commission.ForDeal(d).SellerPayout,
		ReleaseTxID:  txID,
	}, s.clk.Now()))
	s.log.Info("deal completed", zap.String("deal_id", d.DealID), zap.String("tx_hash", txID))
	return d, txID, nil
}

// Cancel closes a deal that has not been funded. A deposit already sitting
// on the multisig blocks the cancel.
func (s *DealService) Cancel(ctx context.Context, dealID string, userID int64) (*models.Deal, error) {
	d, err := s.mutate(ctx, dealID, func(d *models.Deal) (repositories.TransitionRequest, error) {
		if _, ok := d.RoleOf(userID); !ok {
			return repositories.TransitionRequest{}, apperr.Authorization("user %d is not a participant of deal %s", userID, d.DealID)
		}
		if !d.Status.In(models.CancellableStatuses) {
			return repositories.TransitionRequest{}, apperr.IllegalState("deal %s is %s and can no longer be cancelled", d.DealID, d.Status)
		}
		if d.MultisigAddress != nil {
			balance, err := s.chain.GetTRC20Balance(ctx, *d.MultisigAddress, d.Asset)
			if err != nil {
				return repositories.TransitionRequest{}, err
			}
			if balance.IsPositive() {
				return repositories.TransitionRequest{}, apperr.IllegalState("deal %s already holds %s %s", d.DealID, balance, d.Asset)
			}
		}
		return repositories.TransitionRequest{
			From:  []models.DealStatus{d.Status},
			To:    models.DealStatusCancelled,
			Patch: repositories.Patch{CancelledBy: &userID},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.audit(ctx, &userID, models.ActorUser, "deal_cancelled", d, nil)
	s.notifier.Notify(events.New(d, events.DealCancelled{CancelledBy: userID}, s.clk.Now()))
	return d, nil
}

// DealView is a deal with everything a participant sees about it.
type DealView struct {
	Deal         *models.Deal           `json:"deal"`
	Breakdown    commission.Breakdown   `json:"breakdown"`
	Dispute      *models.Dispute        `json:"dispute,omitempty"`
	Transactions []models.Transaction   `json:"transactions"`
	Wallet       *models.MultisigWallet `json:"wallet,omitempty"`
}

// GetDeal returns the view of a deal to one of its participants or an arbiter.
func (s *DealService) GetDeal(ctx context.Context, dealID string, callerID int64) (*DealView, error) {
	d, err := s.store.GetDeal(ctx, dealID)
	if err != nil {
		return nil, err
	}
	if _, ok := d.RoleOf(callerID); !ok && !s.cfg.IsArbiter(callerID) {
		return nil, apperr.Authorization("user %d is not a participant of deal %s", callerID, d.DealID)
	}
	return s.view(ctx, d)
}

func (s *DealService) view(ctx context.Context, d *models.Deal) (*DealView, error) {
	v := &DealView{Deal: d, Breakdown: commission.ForDeal(d)}
	ds, err := s.store.GetDispute(ctx, d.ID)
	switch {
	case err == nil:
		v.Dispute = ds
	case !apperr.Is(err, apperr.KindNotFound):
		return nil, err
	}
	if v.Transactions, err = s.store.ListTransactions(ctx, d.ID); err != nil {
		return nil, err
	}
	if d.MultisigAddress != nil {
		if v.Wallet, err = s.store.GetWallet(ctx, d.ID); err != nil && !apperr.Is(err, apperr.KindNotFound) {
			return nil, err
		}
	}
	return v, nil
}

func (s *DealService) ListUserDeals(ctx context.Context, f repositories.UserDealFilter) ([]models.Deal, error) {
	if f.Status != nil && !f.Status.Valid() {
		return nil, apperr.Validation("unknown status %q", *f.Status)
	}
	return s.store.ListUserDeals(ctx, f)
}

// CanCreateDeal reports whether userID may open new deals.
func (s *DealService) CanCreateDeal(ctx context.Context, userID int64) (bool, error) {
	st, err := s.store.GetUserStats(ctx, userID)
	if err != nil {
		return false, err
	}
	return !st.Blacklisted, nil
}

func (s *DealService) GetUserStats(ctx context.Context, userID int64) (*models.UserStats, error) {
	return s.store.GetUserStats(ctx, userID)
}

// Quote is the commission breakdown a deal of amount would get today.
func (s *DealService) Quote(amount decimal.Decimal, payer models.CommissionType) (commission.Breakdown, error) {
	if !payer.Valid() {
		return commission.Breakdown{}, apperr.Validation("unknown commission type %q", payer)
	}
	if amount.LessThan(s.cfg.MinAmount) {
		return commission.Breakdown{}, apperr.Validation("amount %s is below the minimum of %s USDT", amount, s.cfg.MinAmount)
	}
	return s.calc.Quote(amount, payer), nil
}

func (s *DealService) ListDealEvents(ctx context.Context, d *models.Deal, limit, offset int) ([]models.AuditLog, error) {
	return s.store.ListAuditLog(ctx, "deal", d.ID, limit, offset)
}

// --- helpers ---

// mutate loads the deal, lets build derive the transition from it and
// applies it. A lost compare-and-set is retried once against a fresh read.
func (s *DealService) mutate(ctx context.Context, dealID string, build func(d *models.Deal) (repositories.TransitionRequest, error)) (*models.Deal, error) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var d *models.Deal
		if d, err = s.store.GetDeal(ctx, dealID); err != nil {
			return nil, err
		}
		var req repositories.TransitionRequest
		if req, err = build(d); err != nil {
			return nil, err
		}
		if !d.Status.In(req.From) {
			return nil, apperr.IllegalState("deal %s is %s, cannot move to %s", d.DealID, d.Status, req.To)
		}
		req.ID = d.ID
		req.At = s.clk.Now()

		var updated *models.Deal
		updated, err = s.store.Transition(ctx, req)
		if err == nil {
			return updated, nil
		}
		if !apperr.Is(err, apperr.KindStaleState) {
			return nil, err
		}
		s.log.Debug("transition lost a race, retrying", zap.String("deal_id", dealID), zap.Error(err))
	}
	return nil, err
}

// dispatchAndWait hands op to the queue and, when the result is observable,
// waits for it and returns the hash of the leg for purpose.
func (s *DealService) dispatchAndWait(ctx context.Context, d *models.Deal, op payout.Op, purpose models.Purpose) string {
	done, err := s.dispatcher.Dispatch(ctx, queue.Item{DealID: d.DealID, Multisig: *d.MultisigAddress, Op: op})
	if err != nil {
		s.log.Warn("dispatch failed, left to the reconciler", zap.String("deal_id", d.DealID), zap.String("op", string(op)), zap.Error(err))
		return ""
	}
	if done == nil {
		return ""
	}

	timer := time.NewTimer(s.cfg.ReleaseWait)
	defer timer.Stop()
	select {
	case res := <-done:
		if res.Err != nil {
			s.log.Warn("payout failed, left to the reconciler", zap.String("deal_id", d.DealID), zap.Error(res.Err))
			return ""
		}
	case <-timer.C:
		return ""
	case <-ctx.Done():
		return ""
	}

	txs, err := s.store.ListTransactions(ctx, d.ID)
	if err != nil {
		return ""
	}
	for i := range txs {
		if txs[i].Purpose == purpose && txs[i].Live() {
			return txs[i].TxHash
		}
	}
	return ""
}

func (s *DealService) audit(ctx context.Context, actor *int64, actorType, action string, d *models.Deal, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["deal_id"] = d.DealID
	meta["status"] = d.Status
	_ = s.store.WriteAuditLog(ctx, models.AuditLog{
		ActorUserID: actor,
		ActorType:   actorType,
		Action:      action,
		EntityType:  "deal",
		EntityID:    &d.ID,
		Meta:        meta,
	})
}

func requireRole(d *models.Deal, userID int64, role models.Role) error {
	if got, ok := d.RoleOf(userID); !ok || got != role {
		return apperr.Authorization("only the %s of deal %s can do this", role, d.DealID)
	}
	return nil
}
