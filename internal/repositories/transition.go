package repositories

import (
	"github.com/usdt-escrow/backend/internal/apperr"
	"github.com/usdt-escrow/backend/internal/models"
)

// ValidateTransition rejects requests the state machine does not allow for
// every listed source status.
func ValidateTransition(req TransitionRequest) error {
	if len(req.From) == 0 {
		return apperr.IllegalState("transition of %s has no source status", req.ID)
	}
	if req.To == "" {
		return nil
	}
	if !req.To.Valid() {
		return apperr.IllegalState("unknown status %q", req.To)
	}
	for _, from := range req.From {
		if !models.IsValidTransition(from, req.To) {
			return apperr.IllegalState("transition %s -> %s is not allowed", from, req.To)
		}
	}
	return nil
}

// CASMiss reports a transition whose guard did not match the current status.
func CASMiss(dealID string, current models.DealStatus, req TransitionRequest) error {
	return apperr.StaleState("deal %s is %s, expected one of %v", dealID, current, req.From)
}

func statusStrings(in []models.DealStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
