package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/models"
)

const disputeColumns = `id, deal_id, opened_by, reason_text, media, comments, status, decision, arbiter_id, resolved_at, created_at`

func scanDispute(row rowScanner) (*models.Dispute, error) {
	var d models.Dispute
	err := row.Scan(&d.ID, &d.DealID, &d.OpenedBy, &d.ReasonText, &d.Media, &d.Comments,
		&d.Status, &d.Decision, &d.ArbiterID, &d.ResolvedAt, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func insertDispute(ctx context.Context, q querier, d *models.Dispute) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = models.DisputeStatusOpen
	}
	if d.Media == nil {
		d.Media = []string{}
	}
	if d.Comments == nil {
		d.Comments = []models.DisputeComment{}
	}
	_, err := q.Exec(ctx, `
		INSERT INTO disputes (id, deal_id, opened_by, reason_text, media, comments, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, d.ID, d.DealID, d.OpenedBy, d.ReasonText, d.Media, d.Comments, d.Status, d.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.Duplicate("deal already has a dispute")
	}
	if err != nil {
		return fmt.Errorf("insert dispute: %w", err)
	}
	return nil
}

func resolveDispute(ctx context.Context, q querier, dealID uuid.UUID, r *models.DisputeResolution) error {
	tag, err := q.Exec(ctx, `
		UPDATE disputes SET status = 'resolved', decision = $2, arbiter_id = $3, resolved_at = $4
		WHERE deal_id = $1 AND status IN ('open', 'in_review')
	`, dealID, r.Decision, r.ArbiterID, r.ResolvedAt)
	if err != nil {
		return fmt.Errorf("resolve dispute: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.StaleState("dispute of deal %s is not open", dealID)
	}
	return nil
}

func (s *PGStore) GetDispute(ctx context.Context, dealID uuid.UUID) (*models.Dispute, error) {
	d, err := scanDispute(s.pool.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE deal_id = $1`, dealID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("no dispute for deal %s", dealID)
	}
	return d, err
}

func (s *PGStore) AddDisputeComment(ctx context.Context, dealID uuid.UUID, c models.DisputeComment, review bool) (*models.Dispute, error) {
	d, err := scanDispute(s.pool.QueryRow(ctx, `
		UPDATE disputes SET
			comments = comments || jsonb_build_array($2::jsonb),
			status = CASE WHEN $3 AND status = 'open' THEN 'in_review' ELSE status END
		WHERE deal_id = $1 AND status IN ('open', 'in_review')
		RETURNING `+disputeColumns, dealID, c, review))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetDispute(ctx, dealID); getErr != nil {
			return nil, getErr
		}
		return nil, apperr.IllegalState("dispute of deal %s is already resolved", dealID)
	}
	return d, err
}
