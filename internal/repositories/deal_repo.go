package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/models"
)

const dealColumns = `
	d.id, d.deal_id, d.buyer_id, d.seller_id, d.creator_role, d.product_name, d.description,
	d.asset, d.amount, d.commission, d.commission_type,
	d.multisig_address, d.buyer_address, d.seller_address,
	d.deposit_tx_hash, d.deposit_detected_at, d.actual_deposit_amount, d.overpayment, d.deposit_notification_sent,
	d.status, d.work_submitted, d.deadline, d.deadline_notification_sent, d.completed_at, d.cancelled_by,
	d.operational_cost_trx, d.operational_cost_usd, d.platform_id, p.code, d.unique_key, d.created_at, d.updated_at`

func scanDeal(row rowScanner) (*models.Deal, error) {
	var d models.Deal
	err := row.Scan(&d.ID, &d.DealID, &d.BuyerID, &d.SellerID, &d.CreatorRole, &d.ProductName, &d.Description,
		&d.Asset, &d.Amount, &d.Commission, &d.CommissionType,
		&d.MultisigAddress, &d.BuyerAddress, &d.SellerAddress,
		&d.DepositTxHash, &d.DepositDetectedAt, &d.ActualDepositAmount, &d.Overpayment, &d.DepositNotificationSent,
		&d.Status, &d.WorkSubmitted, &d.Deadline, &d.DeadlineNotificationSent, &d.CompletedAt, &d.CancelledBy,
		&d.OperationalCostTRX, &d.OperationalCostUSD, &d.PlatformID, &d.PlatformCode, &d.UniqueKey, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PGStore) CreateDeal(ctx context.Context, d *models.Deal) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		n, err := nextCounter(ctx, tx, DealCounter)
		if err != nil {
			return err
		}
		d.ID = uuid.New()
		d.DealID = models.FormatDealID(n)
		if d.CreatedAt.IsZero() {
			d.CreatedAt = time.Now().UTC()
		}
		d.UpdatedAt = d.CreatedAt

		_, err = tx.Exec(ctx, `
			INSERT INTO deals (id, deal_id, buyer_id, seller_id, creator_role, product_name, description,
			                   asset, amount, commission, commission_type, buyer_address, seller_address,
			                   status, deadline, platform_id, unique_key, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		`, d.ID, d.DealID, d.BuyerID, d.SellerID, d.CreatorRole, d.ProductName, d.Description,
			d.Asset, d.Amount, d.Commission, d.CommissionType, d.BuyerAddress, d.SellerAddress,
			d.Status, d.Deadline, d.PlatformID, d.UniqueKey, d.CreatedAt, d.UpdatedAt)
		if isUniqueViolation(err) {
			return apperr.Duplicate("an identical deal was just created")
		}
		if err != nil {
			return fmt.Errorf("insert deal: %w", err)
		}
		return nil
	})
}

func (s *PGStore) GetDeal(ctx context.Context, dealID string) (*models.Deal, error) {
	d, err := scanDeal(s.pool.QueryRow(ctx, `
		SELECT `+dealColumns+`
		FROM deals d LEFT JOIN platforms p ON p.id = d.platform_id
		WHERE d.deal_id = $1
	`, dealID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("deal %s not found", dealID)
	}
	return d, err
}

func (s *PGStore) GetDealByMultisig(ctx context.Context, address string) (*models.Deal, error) {
	d, err := scanDeal(s.pool.QueryRow(ctx, `
		SELECT `+dealColumns+`
		FROM deals d LEFT JOIN platforms p ON p.id = d.platform_id
		WHERE d.multisig_address = $1
	`, address))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("no deal for multisig %s", address)
	}
	return d, err
}

// Transition applies the status change, the patch and its side records in one
// database transaction, guarded by the current status.
func (s *PGStore) Transition(ctx context.Context, req TransitionRequest) (*models.Deal, error) {
	if err := ValidateTransition(req); err != nil {
		return nil, err
	}
	at := req.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var out *models.Deal
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		set, args := transitionSet(req, at)
		args = append(args, req.ID, statusStrings(req.From))
		q := fmt.Sprintf(`
			WITH d AS (
				UPDATE deals SET %s
				WHERE id = $%d AND status = ANY($%d)
				RETURNING *
			)
			SELECT %s FROM d LEFT JOIN platforms p ON p.id = d.platform_id
		`, strings.Join(set, ", "), len(args)-1, len(args), dealColumns)

		d, err := scanDeal(tx.QueryRow(ctx, q, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			return casMiss(ctx, tx, req)
		}
		if err != nil {
			return fmt.Errorf("transition deal: %w", err)
		}
		if err := applySideRecords(ctx, tx, d, req.Patch, at); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func casMiss(ctx context.Context, q querier, req TransitionRequest) error {
	var dealID string
	var status models.DealStatus
	err := q.QueryRow(ctx, `SELECT deal_id, status FROM deals WHERE id = $1`, req.ID).Scan(&dealID, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("deal %s not found", req.ID)
	}
	if err != nil {
		return err
	}
	return CASMiss(dealID, status, req)
}

func transitionSet(req TransitionRequest, at time.Time) ([]string, []any) {
	set := []string{"updated_at = $1"}
	args := []any{at}
	add := func(expr string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf(expr, len(args)))
	}

	if req.To != "" {
		add("status = $%d", string(req.To))
		if req.To.IsTerminal() {
			add("completed_at = $%d", at)
		}
	}

	p := req.Patch
	if p.BuyerAddress != nil {
		add("buyer_address = COALESCE(buyer_address, $%d)", *p.BuyerAddress)
	}
	if p.SellerAddress != nil {
		add("seller_address = COALESCE(seller_address, $%d)", *p.SellerAddress)
	}
	if p.MultisigAddress != nil {
		add("multisig_address = COALESCE(multisig_address, $%d)", *p.MultisigAddress)
	}
	if p.DepositTxHash != nil {
		add("deposit_tx_hash = COALESCE(deposit_tx_hash, $%d)", *p.DepositTxHash)
	}
	if p.DepositDetectedAt != nil {
		add("deposit_detected_at = $%d", *p.DepositDetectedAt)
	}
	if p.ActualDepositAmount != nil {
		add("actual_deposit_amount = $%d", *p.ActualDepositAmount)
	}
	if p.Overpayment != nil {
		add("overpayment = $%d", *p.Overpayment)
	}
	if p.DepositNotificationSent != nil {
		add("deposit_notification_sent = $%d", *p.DepositNotificationSent)
	}
	if p.DeadlineNotificationSent != nil {
		add("deadline_notification_sent = $%d", *p.DeadlineNotificationSent)
	}
	if p.WorkSubmitted != nil {
		add("work_submitted = $%d", *p.WorkSubmitted)
	}
	if p.Deadline != nil {
		add("deadline = $%d", *p.Deadline)
	}
	if p.CancelledBy != nil {
		add("cancelled_by = $%d", *p.CancelledBy)
	}
	if p.OperationalCostUSD != nil {
		add("operational_cost_usd = $%d", *p.OperationalCostUSD)
	}
	if p.AddOperationalCostTRX != nil {
		add("operational_cost_trx = operational_cost_trx + $%d", *p.AddOperationalCostTRX)
	}
	return set, args
}

func applySideRecords(ctx context.Context, tx pgx.Tx, d *models.Deal, p Patch, at time.Time) error {
	if p.Wallet != nil {
		p.Wallet.DealID = d.ID
		if p.Wallet.CreatedAt.IsZero() {
			p.Wallet.CreatedAt = at
		}
		if err := insertWallet(ctx, tx, p.Wallet); err != nil {
			return err
		}
	}
	if p.Record != nil {
		p.Record.DealID = d.ID
		if err := insertTransaction(ctx, tx, p.Record); err != nil {
			return err
		}
	}
	if p.DeleteDispute {
		if _, err := tx.Exec(ctx, `DELETE FROM disputes WHERE deal_id = $1`, d.ID); err != nil {
			return fmt.Errorf("delete dispute: %w", err)
		}
	}
	if p.Dispute != nil {
		p.Dispute.DealID = d.ID
		if err := insertDispute(ctx, tx, p.Dispute); err != nil {
			return err
		}
	}
	if p.ResolveDispute != nil {
		if err := resolveDispute(ctx, tx, d.ID, p.ResolveDispute); err != nil {
			return err
		}
	}
	return nil
}

// ListDeals pages deals in creation order.
func (s *PGStore) ListDeals(ctx context.Context, f ListFilter, after Cursor, limit int) ([]models.Deal, Cursor, error) {
	if limit <= 0 {
		limit = 100
	}
	var where []string
	var args []any
	add := func(expr string, v ...any) {
		idx := make([]any, len(v))
		for i := range v {
			args = append(args, v[i])
			idx[i] = len(args)
		}
		where = append(where, fmt.Sprintf(expr, idx...))
	}

	if len(f.Statuses) > 0 {
		add("d.status = ANY($%d)", statusStrings(f.Statuses))
	}
	if f.DeadlineBefore != nil {
		add("d.deadline <= $%d", *f.DeadlineBefore)
	}
	if f.WithMultisig {
		where = append(where, "d.multisig_address IS NOT NULL")
	}
	if f.DepositNotificationSent != nil {
		add("d.deposit_notification_sent = $%d", *f.DepositNotificationSent)
	}
	if f.WithSealedKeys {
		where = append(where, "EXISTS (SELECT 1 FROM multisig_wallets w WHERE w.deal_id = d.id AND w.sealed_keys IS NOT NULL)")
	}
	if !after.CreatedAt.IsZero() {
		add("(d.created_at, d.id) > ($%d, $%d)", after.CreatedAt, after.ID)
	}

	query := `SELECT ` + dealColumns + ` FROM deals d LEFT JOIN platforms p ON p.id = d.platform_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY d.created_at, d.id LIMIT $%d", len(args))

	deals, err := s.queryDeals(ctx, query, args...)
	if err != nil {
		return nil, Cursor{}, err
	}
	next := Cursor{Done: len(deals) < limit}
	if n := len(deals); n > 0 {
		next.CreatedAt = deals[n-1].CreatedAt
		next.ID = deals[n-1].ID
	}
	return deals, next, nil
}

func (s *PGStore) ListUserDeals(ctx context.Context, f UserDealFilter) ([]models.Deal, error) {
	args := []any{f.UserID}
	where := []string{"(d.buyer_id = $1 OR d.seller_id = $1)"}

	if f.Status != nil {
		args = append(args, string(*f.Status))
		where = append(where, fmt.Sprintf("d.status = $%d", len(args)))
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		args = append(args, q)
		where = append(where, fmt.Sprintf("position(lower($%d) in lower(d.product_name)) > 0", len(args)))
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	args = append(args, limit, f.Offset)
	query := `SELECT ` + dealColumns + ` FROM deals d LEFT JOIN platforms p ON p.id = d.platform_id
		WHERE ` + strings.Join(where, " AND ") +
		fmt.Sprintf(" ORDER BY d.created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	return s.queryDeals(ctx, query, args...)
}

func (s *PGStore) queryDeals(ctx context.Context, query string, args ...any) ([]models.Deal, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deals []models.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, err
		}
		deals = append(deals, *d)
	}
	return deals, rows.Err()
}
