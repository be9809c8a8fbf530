package repositories

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/models"
)

func (s *PGStore) GetPlatformByCode(ctx context.Context, code string) (*models.Platform, error) {
	var p models.Platform
	err := s.pool.QueryRow(ctx, `
		SELECT id, code, name, commission_share FROM platforms WHERE code = $1
	`, code).Scan(&p.ID, &p.Code, &p.Name, &p.CommissionShare)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("platform %s not found", code)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PGStore) UpsertPlatform(ctx context.Context, p *models.Platform) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO platforms (code, name, commission_share) VALUES ($1, $2, $3)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name, commission_share = EXCLUDED.commission_share
		RETURNING id
	`, p.Code, p.Name, p.CommissionShare).Scan(&p.ID)
}
