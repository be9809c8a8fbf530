package dto

type ErrorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error     ErrorBody `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

type AcceptWorkResponse struct {
	Deal        any    `json:"deal"`
	ReleaseTxID string `json:"release_tx_id,omitempty"`
}

type MeResponse struct {
	UserID        int64 `json:"user_id"`
	Arbiter       bool  `json:"arbiter"`
	CanCreateDeal bool  `json:"can_create_deal"`
	Stats         any   `json:"stats"`
}
