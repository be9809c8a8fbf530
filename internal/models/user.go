package models

import "time"

// UserStats carries the dispute record of a participant. Users are identified
// by the external numeric id of the chat front-end.
type UserStats struct {
	UserID       int64     `json:"user_id"`
	Blacklisted  bool      `json:"blacklisted"`
	DisputesWon  int       `json:"disputes_won"`
	DisputesLost int       `json:"disputes_lost"`
	LossStreak   int       `json:"loss_streak"`
	UpdatedAt    time.Time `json:"updated_at"`
}
