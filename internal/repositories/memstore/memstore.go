// Package memstore is an in-memory repositories.Store used by tests and the
// local demo. It mirrors the Postgres semantics: status compare-and-set,
// write-once columns, one live transaction per leg.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/models"
	"github.com/usdt-escrow/backend/internal/repositories"
)

type Store struct {
	mu sync.Mutex

	deals     map[uuid.UUID]*models.Deal
	byDealID  map[string]uuid.UUID
	uniqueKey map[string]uuid.UUID
	disputes  map[uuid.UUID]*models.Dispute
	txs       []*models.Transaction
	wallets   map[uuid.UUID]*models.MultisigWallet
	users     map[int64]*models.UserStats
	platforms map[string]*models.Platform
	audit     []models.AuditLog
	counters  map[string]int64

	// failTransition, when set, is returned by the next Transition call.
	failTransition error
}

var _ repositories.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		deals:     map[uuid.UUID]*models.Deal{},
		byDealID:  map[string]uuid.UUID{},
		uniqueKey: map[string]uuid.UUID{},
		disputes:  map[uuid.UUID]*models.Dispute{},
		wallets:   map[uuid.UUID]*models.MultisigWallet{},
		users:     map[int64]*models.UserStats{},
		platforms: map[string]*models.Platform{},
		counters:  map[string]int64{},
	}
}

// FailNextTransition makes the next Transition return err without writing.
func (s *Store) FailNextTransition(err error) {
	s.mu.Lock()
	s.failTransition = err
	s.mu.Unlock()
}

func (s *Store) NextCounter(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[name]++
	return s.counters[name], nil
}

func (s *Store) CreateDeal(_ context.Context, d *models.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.uniqueKey[d.UniqueKey]; ok {
		return apperr.Duplicate("an identical deal was just created")
	}
	s.counters[repositories.DealCounter]++
	d.ID = uuid.New()
	d.DealID = models.FormatDealID(s.counters[repositories.DealCounter])
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	d.UpdatedAt = d.CreatedAt

	cp := cloneDeal(d)
	s.deals[d.ID] = cp
	s.byDealID[d.DealID] = d.ID
	s.uniqueKey[d.UniqueKey] = d.ID
	return nil
}

func (s *Store) GetDeal(_ context.Context, dealID string) (*models.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byDealID[dealID]
	if !ok {
		return nil, apperr.NotFound("deal %s not found", dealID)
	}
	return s.view(s.deals[id]), nil
}

func (s *Store) GetDealByMultisig(_ context.Context, address string) (*models.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deals {
		if d.MultisigAddress != nil && *d.MultisigAddress == address {
			return s.view(d), nil
		}
	}
	return nil, apperr.NotFound("no deal for multisig %s", address)
}

func (s *Store) Transition(_ context.Context, req repositories.TransitionRequest) (*models.Deal, error) {
	if err := repositories.ValidateTransition(req); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.failTransition; err != nil {
		s.failTransition = nil
		return nil, err
	}

	cur, ok := s.deals[req.ID]
	if !ok {
		return nil, apperr.NotFound("deal %s not found", req.ID)
	}
	if !cur.Status.In(req.From) {
		return nil, repositories.CASMiss(cur.DealID, cur.Status, req)
	}
	if err := s.checkSideRecords(cur, req.Patch); err != nil {
		return nil, err
	}

	at := req.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	next := cloneDeal(cur)
	next.UpdatedAt = at
	if req.To != "" {
		next.Status = req.To
		if req.To.IsTerminal() {
			next.CompletedAt = &at
		}
	}
	applyPatch(next, req.Patch)
	s.deals[req.ID] = next
	s.writeSideRecords(next, req.Patch, at)
	return s.view(next), nil
}

// checkSideRecords rejects a transition whose side records would violate a
// uniqueness rule, so nothing is written.
func (s *Store) checkSideRecords(d *models.Deal, p repositories.Patch) error {
	if p.Wallet != nil {
		if _, ok := s.wallets[d.ID]; ok {
			return apperr.Duplicate("multisig %s is already registered", p.Wallet.Address)
		}
	}
	if p.Record != nil && s.liveLeg(d.ID, p.Record.Purpose) {
		return apperr.Duplicate("deal already has a live %s record", p.Record.Purpose)
	}
	if p.Dispute != nil {
		if _, ok := s.disputes[d.ID]; ok && !p.DeleteDispute {
			return apperr.Duplicate("deal already has a dispute")
		}
	}
	if p.ResolveDispute != nil {
		ds, ok := s.disputes[d.ID]
		if !ok || !ds.IsOpen() {
			return apperr.StaleState("dispute of deal %s is not open", d.DealID)
		}
	}
	return nil
}

func (s *Store) writeSideRecords(d *models.Deal, p repositories.Patch, at time.Time) {
	if p.Wallet != nil {
		p.Wallet.DealID = d.ID
		if p.Wallet.Threshold == 0 {
			p.Wallet.Threshold = models.MultisigThreshold
		}
		if p.Wallet.CreatedAt.IsZero() {
			p.Wallet.CreatedAt = at
		}
		s.wallets[d.ID] = cloneWallet(p.Wallet)
	}
	if p.Record != nil {
		p.Record.DealID = d.ID
		s.appendTx(p.Record)
	}
	if p.DeleteDispute {
		delete(s.disputes, d.ID)
	}
	if p.Dispute != nil {
		p.Dispute.DealID = d.ID
		if p.Dispute.ID == uuid.Nil {
			p.Dispute.ID = uuid.New()
		}
		if p.Dispute.Status == "" {
			p.Dispute.Status = models.DisputeStatusOpen
		}
		s.disputes[d.ID] = cloneDispute(p.Dispute)
	}
	if r := p.ResolveDispute; r != nil {
		ds := s.disputes[d.ID]
		ds.Status = models.DisputeStatusResolved
		decision := r.Decision
		arbiter := r.ArbiterID
		resolved := r.ResolvedAt
		ds.Decision = &decision
		ds.ArbiterID = &arbiter
		ds.ResolvedAt = &resolved
	}
}

func applyPatch(d *models.Deal, p repositories.Patch) {
	setOnce := func(dst **string, v *string) {
		if v != nil && *dst == nil {
			s := *v
			*dst = &s
		}
	}
	setOnce(&d.BuyerAddress, p.BuyerAddress)
	setOnce(&d.SellerAddress, p.SellerAddress)
	setOnce(&d.MultisigAddress, p.MultisigAddress)
	setOnce(&d.DepositTxHash, p.DepositTxHash)

	if p.DepositDetectedAt != nil {
		t := *p.DepositDetectedAt
		d.DepositDetectedAt = &t
	}
	if p.ActualDepositAmount != nil {
		v := *p.ActualDepositAmount
		d.ActualDepositAmount = &v
	}
	if p.Overpayment != nil {
		d.Overpayment = *p.Overpayment
	}
	if p.DepositNotificationSent != nil {
		d.DepositNotificationSent = *p.DepositNotificationSent
	}
	if p.DeadlineNotificationSent != nil {
		d.DeadlineNotificationSent = *p.DeadlineNotificationSent
	}
	if p.WorkSubmitted != nil {
		d.WorkSubmitted = *p.WorkSubmitted
	}
	if p.Deadline != nil {
		d.Deadline = *p.Deadline
	}
	if p.CancelledBy != nil {
		v := *p.CancelledBy
		d.CancelledBy = &v
	}
	if p.OperationalCostUSD != nil {
		v := *p.OperationalCostUSD
		d.OperationalCostUSD = &v
	}
	if p.AddOperationalCostTRX != nil {
		d.OperationalCostTRX = d.OperationalCostTRX.Add(*p.AddOperationalCostTRX)
	}
}

func (s *Store) ListDeals(_ context.Context, f repositories.ListFilter, after repositories.Cursor, limit int) ([]models.Deal, repositories.Cursor, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*models.Deal
	for _, d := range s.deals {
		if s.matches(d, f) && afterCursor(d, after) {
			all = append(all, d)
		}
	}
	sortByCreated(all)
	if len(all) > limit {
		all = all[:limit]
	}

	out := make([]models.Deal, 0, len(all))
	for _, d := range all {
		out = append(out, *s.view(d))
	}
	next := repositories.Cursor{Done: len(out) < limit}
	if n := len(out); n > 0 {
		next.CreatedAt = out[n-1].CreatedAt
		next.ID = out[n-1].ID
	}
	return out, next, nil
}

func (s *Store) matches(d *models.Deal, f repositories.ListFilter) bool {
	if len(f.Statuses) > 0 && !d.Status.In(f.Statuses) {
		return false
	}
	if f.DeadlineBefore != nil && d.Deadline.After(*f.DeadlineBefore) {
		return false
	}
	if f.WithMultisig && d.MultisigAddress == nil {
		return false
	}
	if f.DepositNotificationSent != nil && d.DepositNotificationSent != *f.DepositNotificationSent {
		return false
	}
	if f.WithSealedKeys {
		w, ok := s.wallets[d.ID]
		if !ok || w.SealedKeys == nil {
			return false
		}
	}
	return true
}

func afterCursor(d *models.Deal, c repositories.Cursor) bool {
	if c.CreatedAt.IsZero() {
		return true
	}
	if d.CreatedAt.Equal(c.CreatedAt) {
		return strings.Compare(d.ID.String(), c.ID.String()) > 0
	}
	return d.CreatedAt.After(c.CreatedAt)
}

func sortByCreated(deals []*models.Deal) {
	sort.Slice(deals, func(i, j int) bool {
		if deals[i].CreatedAt.Equal(deals[j].CreatedAt) {
			return deals[i].ID.String() < deals[j].ID.String()
		}
		return deals[i].CreatedAt.Before(deals[j].CreatedAt)
	})
}

func (s *Store) ListUserDeals(_ context.Context, f repositories.UserDealFilter) ([]models.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := strings.ToLower(strings.TrimSpace(f.Query))
	var all []*models.Deal
	for _, d := range s.deals {
		if d.BuyerID != f.UserID && d.SellerID != f.UserID {
			continue
		}
		if f.Status != nil && d.Status != *f.Status {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(d.ProductName), q) {
			continue
		}
		all = append(all, d)
	}
	sortByCreated(all)

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	out := []models.Deal{}
	for i := len(all) - 1 - f.Offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, *s.view(all[i]))
	}
	return out, nil
}

func (s *Store) GetDispute(_ context.Context, dealID uuid.UUID) (*models.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.disputes[dealID]
	if !ok {
		return nil, apperr.NotFound("no dispute for deal %s", dealID)
	}
	return cloneDispute(d), nil
}

func (s *Store) AddDisputeComment(_ context.Context, dealID uuid.UUID, c models.DisputeComment, review bool) (*models.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.disputes[dealID]
	if !ok {
		return nil, apperr.NotFound("no dispute for deal %s", dealID)
	}
	if !d.IsOpen() {
		return nil, apperr.IllegalState("dispute of deal %s is already resolved", dealID)
	}
	d.Comments = append(d.Comments, c)
	if review && d.Status == models.DisputeStatusOpen {
		d.Status = models.DisputeStatusInReview
	}
	return cloneDispute(d), nil
}

func (s *Store) liveLeg(dealID uuid.UUID, purpose models.Purpose) bool {
	for _, t := range s.txs {
		if t.DealID == dealID && t.Purpose == purpose && t.Live() {
			return true
		}
	}
	return false
}

func (s *Store) appendTx(t *models.Transaction) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	cp := *t
	cp.Signers = append([]string(nil), t.Signers...)
	s.txs = append(s.txs, &cp)
}

func (s *Store) AppendTransaction(_ context.Context, t *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liveLeg(t.DealID, t.Purpose) {
		return apperr.Duplicate("deal already has a live %s record", t.Purpose)
	}
	s.appendTx(t)
	return nil
}

func (s *Store) ListTransactions(_ context.Context, dealID uuid.UUID) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transaction
	for _, t := range s.txs {
		if t.DealID == dealID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *Store) ListPendingTransactions(_ context.Context, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Transaction
	for _, t := range s.txs {
		if t.Status == models.TxStatusPending && len(out) < limit {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *Store) SettleTransaction(_ context.Context, id uuid.UUID, status models.TxStatus, block int64) error {
	if status != models.TxStatusConfirmed && status != models.TxStatusFailed {
		return apperr.Validation("cannot settle a transaction as %s", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.txs {
		if t.ID != id {
			continue
		}
		if t.Status != models.TxStatusPending {
			return apperr.StaleState("transaction %s is not pending", id)
		}
		t.Status = status
		if block > t.Block {
			t.Block = block
		}
		return nil
	}
	return apperr.StaleState("transaction %s is not pending", id)
}

func (s *Store) GetWallet(_ context.Context, dealID uuid.UUID) (*models.MultisigWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[dealID]
	if !ok {
		return nil, apperr.NotFound("no wallet for deal %s", dealID)
	}
	return cloneWallet(w), nil
}

func (s *Store) GetWalletByAddress(_ context.Context, address string) (*models.MultisigWallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.wallets {
		if w.Address == address {
			return cloneWallet(w), nil
		}
	}
	return nil, apperr.NotFound("wallet %s not found", address)
}

func (s *Store) PurgeWalletKeys(_ context.Context, dealID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.wallets[dealID]; ok && w.SealedKeys != nil {
		w.SealedKeys = nil
		w.KeysPurgedAt = &at
	}
	return nil
}

func (s *Store) GetUserStats(_ context.Context, userID int64) (*models.UserStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		cp := *u
		return &cp, nil
	}
	return &models.UserStats{UserID: userID}, nil
}

func (s *Store) user(id int64) *models.UserStats {
	u, ok := s.users[id]
	if !ok {
		u = &models.UserStats{UserID: id}
		s.users[id] = u
	}
	return u
}

func (s *Store) RecordDisputeOutcome(_ context.Context, winner, loser int64, autoBanStreak int) (*models.UserStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()

	w := s.user(winner)
	w.DisputesWon++
	w.LossStreak = 0
	w.UpdatedAt = now

	l := s.user(loser)
	l.DisputesLost++
	l.LossStreak++
	if autoBanStreak > 0 && l.LossStreak >= autoBanStreak {
		l.Blacklisted = true
	}
	l.UpdatedAt = now
	cp := *l
	return &cp, nil
}

func (s *Store) SetBlacklisted(_ context.Context, userID int64, blacklisted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(userID)
	u.Blacklisted = blacklisted
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) GetPlatformByCode(_ context.Context, code string) (*models.Platform, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.platforms[code]
	if !ok {
		return nil, apperr.NotFound("platform %s not found", code)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) UpsertPlatform(_ context.Context, p *models.Platform) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.platforms[p.Code]; ok {
		p.ID = cur.ID
	} else if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	cp := *p
	s.platforms[p.Code] = &cp
	return nil
}

func (s *Store) WriteAuditLog(_ context.Context, entry models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.audit = append(s.audit, entry)
	return nil
}

func (s *Store) ListAuditLog(_ context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]models.AuditLog, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditLog
	skipped := 0
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.audit[i]
		if e.EntityType != entityType || e.EntityID == nil || *e.EntityID != entityID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// AuditActions lists recorded actions in write order.
func (s *Store) AuditActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.audit))
	for i, e := range s.audit {
		out[i] = e.Action
	}
	return out
}

// view returns a copy of d with the platform code resolved.
func (s *Store) view(d *models.Deal) *models.Deal {
	cp := cloneDeal(d)
	if cp.PlatformID != nil {
		for _, p := range s.platforms {
			if p.ID == *cp.PlatformID {
				code := p.Code
				cp.PlatformCode = &code
			}
		}
	}
	return cp
}

// Stored rows never share pointers with callers.
func cloneDeal(d *models.Deal) *models.Deal {
	cp := *d
	cp.MultisigAddress = clonePtr(d.MultisigAddress)
	cp.BuyerAddress = clonePtr(d.BuyerAddress)
	cp.SellerAddress = clonePtr(d.SellerAddress)
	cp.DepositTxHash = clonePtr(d.DepositTxHash)
	cp.DepositDetectedAt = clonePtr(d.DepositDetectedAt)
	cp.ActualDepositAmount = clonePtr(d.ActualDepositAmount)
	cp.CompletedAt = clonePtr(d.CompletedAt)
	cp.CancelledBy = clonePtr(d.CancelledBy)
	cp.OperationalCostUSD = clonePtr(d.OperationalCostUSD)
	cp.PlatformID = clonePtr(d.PlatformID)
	cp.PlatformCode = clonePtr(d.PlatformCode)
	return &cp
}

func cloneDispute(d *models.Dispute) *models.Dispute {
	cp := *d
	cp.Media = append([]string(nil), d.Media...)
	cp.Comments = append([]models.DisputeComment(nil), d.Comments...)
	cp.Decision = clonePtr(d.Decision)
	cp.ArbiterID = clonePtr(d.ArbiterID)
	cp.ResolvedAt = clonePtr(d.ResolvedAt)
	return &cp
}

func cloneWallet(w *models.MultisigWallet) *models.MultisigWallet {
	cp := *w
	cp.Participants = make(map[models.Role]string, len(w.Participants))
	for k, v := range w.Participants {
		cp.Participants[k] = v
	}
	cp.Balances = make(map[string]string, len(w.Balances))
	for k, v := range w.Balances {
		cp.Balances[k] = v
	}
	cp.SealedKeys = clonePtr(w.SealedKeys)
	cp.KeysPurgedAt = clonePtr(w.KeysPurgedAt)
	return &cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
