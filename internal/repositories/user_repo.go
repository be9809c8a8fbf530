package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/usdt-escrow/backend/internal/models"
)

const userColumns = `user_id, blacklisted, disputes_won, disputes_lost, loss_streak, updated_at`

func scanUser(row rowScanner) (*models.UserStats, error) {
	var u models.UserStats
	if err := row.Scan(&u.UserID, &u.Blacklisted, &u.DisputesWon, &u.DisputesLost, &u.LossStreak, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *PGStore) GetUserStats(ctx context.Context, userID int64) (*models.UserStats, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return &models.UserStats{UserID: userID}, nil
	}
	return u, err
}

// RecordDisputeOutcome never bans when autoBanStreak is zero.
func (s *PGStore) RecordDisputeOutcome(ctx context.Context, winner, loser int64, autoBanStreak int) (*models.UserStats, error) {
	var out *models.UserStats
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO users (user_id, disputes_won) VALUES ($1, 1)
			ON CONFLICT (user_id) DO UPDATE SET
				disputes_won = users.disputes_won + 1,
				loss_streak = 0,
				updated_at = now()
		`, winner)
		if err != nil {
			return fmt.Errorf("record win: %w", err)
		}

		out, err = scanUser(tx.QueryRow(ctx, `
			INSERT INTO users (user_id, disputes_lost, loss_streak, blacklisted) VALUES ($1, 1, 1, $2 = 1)
			ON CONFLICT (user_id) DO UPDATE SET
				disputes_lost = users.disputes_lost + 1,
				loss_streak = users.loss_streak + 1,
				blacklisted = users.blacklisted OR ($2 > 0 AND users.loss_streak + 1 >= $2),
				updated_at = now()
			RETURNING `+userColumns, loser, autoBanStreak))
		if err != nil {
			return fmt.Errorf("record loss: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PGStore) SetBlacklisted(ctx context.Context, userID int64, blacklisted bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (user_id, blacklisted) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET blacklisted = EXCLUDED.blacklisted, updated_at = now()
	`, userID, blacklisted)
	return err
}
