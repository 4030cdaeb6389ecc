package models

import "github.com/shopspring/decimal"

// CreateMembershipRequest is the payload a creator posts to mint a collection.
type CreateMembershipRequest struct {
	Name          string          `json:"name"`
	CollectionTag string          `json:"collection_tag"`
	Description   string          `json:"description"`
	Price         decimal.Decimal `json:"price"`
	Quantity      int64           `json:"quantity"`
}

// TradeRequestBody names the membership wanted and the one offered for it.
type TradeRequestBody struct {
	RequestedID int64 `json:"requested_id"`
	OfferedID   int64 `json:"offered_id"`
}

// OnChainSummary points at the transaction behind a response, when there is one.
type OnChainSummary struct {
	TrxHash string `json:"trx_hash"`
}

// Response is the envelope every API call answers with.
type Response struct {
	IsSuccess      bool            `json:"isSuccess"`
	StatusCode     int             `json:"statusCode"`
	Message        string          `json:"message"`
	Data           any             `json:"data,omitempty"`
	ErrorKind      string          `json:"errorKind,omitempty"`
	Indeterminate  bool            `json:"indeterminate,omitempty"`
	OnChainSummary *OnChainSummary `json:"onChainSummary,omitempty"`
}
