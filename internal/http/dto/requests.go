package dto

type CreateDealRequest struct {
	BuyerID        int64  `json:"buyer_id"`
	SellerID       int64  `json:"seller_id"`
	CreatorRole    string `json:"creator_role"` // buyer / seller
	ProductName    string `json:"product_name"`
	Description    string `json:"description"`
	Amount         string `json:"amount"` // USDT, up to 6 decimals
	CommissionType string `json:"commission_type"`
	DeadlineHours  int    `json:"deadline_hours"`
	PlatformCode   string `json:"platform_code,omitempty"`
	BuyerAddress   string `json:"buyer_address,omitempty"`
	SellerAddress  string `json:"seller_address,omitempty"`
}

type AttachAddressRequest struct {
	Role    string `json:"role"`
	Address string `json:"address"`
}

type OpenDisputeRequest struct {
	Reason string   `json:"reason"`
	Media  []string `json:"media,omitempty"`
}

type DisputeCommentRequest struct {
	Text  string   `json:"text"`
	Media []string `json:"media,omitempty"`
}

type ResolveDisputeRequest struct {
	Decision string `json:"decision"`
}

type CancelDisputeRequest struct {
	DeadlineHours int `json:"deadline_hours"`
}
