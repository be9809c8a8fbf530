package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ActorUser    = "user"
	ActorArbiter = "arbiter"
	ActorSystem  = "system"
)

type AuditLog struct {
	ID          uuid.UUID  `json:"id"`
	ActorUserID *int64     `json:"actor_user_id,omitempty"`
	ActorType   string     `json:"actor_type"` // user/arbiter/system
	Action      string     `json:"action"`
	EntityType  string     `json:"entity_type"`
	EntityID    *uuid.UUID `json:"entity_id,omitempty"`
	Meta        any        `json:"meta,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
