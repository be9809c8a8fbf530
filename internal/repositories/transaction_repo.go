package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/models"
)

const txColumns = `id, deal_id, type, purpose, amount, asset, tx_hash, block, from_address, to_address, signers, status, timestamp`

func insertTransaction(ctx context.Context, q querier, t *models.Transaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Signers == nil {
		t.Signers = []string{}
	}
	_, err := q.Exec(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, t.ID, t.DealID, t.Type, t.Purpose, t.Amount, t.Asset, t.TxHash, t.Block,
		t.FromAddress, t.ToAddress, t.Signers, t.Status, t.Timestamp)
	if isUniqueViolation(err) {
		return apperr.Duplicate("deal already has a live %s record", t.Purpose)
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *PGStore) AppendTransaction(ctx context.Context, t *models.Transaction) error {
	return insertTransaction(ctx, s.pool, t)
}

func (s *PGStore) ListTransactions(ctx context.Context, dealID uuid.UUID) ([]models.Transaction, error) {
	return s.queryTransactions(ctx, `SELECT `+txColumns+` FROM transactions WHERE deal_id = $1 ORDER BY timestamp, id`, dealID)
}

func (s *PGStore) ListPendingTransactions(ctx context.Context, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryTransactions(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE status = 'pending' ORDER BY timestamp LIMIT $1
	`, limit)
}

func (s *PGStore) SettleTransaction(ctx context.Context, id uuid.UUID, status models.TxStatus, block int64) error {
	if status != models.TxStatusConfirmed && status != models.TxStatusFailed {
		return apperr.Validation("cannot settle a transaction as %s", status)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE transactions SET status = $2, block = GREATEST(block, $3)
		WHERE id = $1 AND status = 'pending'
	`, id, status, block)
	if err != nil {
		return fmt.Errorf("settle transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.StaleState("transaction %s is not pending", id)
	}
	return nil
}

func (s *PGStore) queryTransactions(ctx context.Context, query string, args ...any) ([]models.Transaction, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		var t models.Transaction
		if err := rows.Scan(&t.ID, &t.DealID, &t.Type, &t.Purpose, &t.Amount, &t.Asset, &t.TxHash, &t.Block,
			&t.FromAddress, &t.ToAddress, &t.Signers, &t.Status, &t.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
