package models

import (
	"time"

	"github.com/google/uuid"
)

const MultisigThreshold = 2

type MultisigWallet struct {
	DealID    uuid.UUID `json:"-"`
	Address   string    `json:"address"`
	Threshold int       `json:"threshold"`
	// Participants maps buyer/seller/arbiter to their signer address.
	Participants map[Role]string `json:"participants"`
	// Balances is a cached view keyed by asset; the chain is authoritative.
	Balances     map[string]string `json:"balances,omitempty"`
	SealedKeys   *string           `json:"-"`
	KeysPurgedAt *time.Time        `json:"keys_purged_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}
