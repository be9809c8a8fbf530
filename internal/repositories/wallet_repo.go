package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/models"
)

const walletColumns = `deal_id, address, threshold, participants, balances, sealed_keys, keys_purged_at, created_at`

func scanWallet(row rowScanner) (*models.MultisigWallet, error) {
	var w models.MultisigWallet
	err := row.Scan(&w.DealID, &w.Address, &w.Threshold, &w.Participants, &w.Balances, &w.SealedKeys, &w.KeysPurgedAt, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func insertWallet(ctx context.Context, q querier, w *models.MultisigWallet) error {
	if w.Threshold == 0 {
		w.Threshold = models.MultisigThreshold
	}
	if w.Balances == nil {
		w.Balances = map[string]string{}
	}
	_, err := q.Exec(ctx, `
		INSERT INTO multisig_wallets (`+walletColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, w.DealID, w.Address, w.Threshold, w.Participants, w.Balances, w.SealedKeys, w.KeysPurgedAt, w.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.Duplicate("multisig %s is already registered", w.Address)
	}
	if err != nil {
		return fmt.Errorf("insert wallet: %w", err)
	}
	return nil
}

func (s *PGStore) GetWallet(ctx context.Context, dealID uuid.UUID) (*models.MultisigWallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM multisig_wallets WHERE deal_id = $1`, dealID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("no wallet for deal %s", dealID)
	}
	return w, err
}

func (s *PGStore) GetWalletByAddress(ctx context.Context, address string) (*models.MultisigWallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM multisig_wallets WHERE address = $1`, address))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("wallet %s not found", address)
	}
	return w, err
}

// PurgeWalletKeys drops the sealed keys once the deal can no longer move funds.
func (s *PGStore) PurgeWalletKeys(ctx context.Context, dealID uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE multisig_wallets SET sealed_keys = NULL, keys_purged_at = $2
		WHERE deal_id = $1 AND sealed_keys IS NOT NULL
	`, dealID, at)
	return err
}
