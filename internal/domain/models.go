package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleGeneral Role = "general"
	RoleCreator Role = "creator"
)

type MembershipStatus string

const (
	MembershipUnsold MembershipStatus = "UNSOLD"
	MembershipSold   MembershipStatus = "SOLD"
)

type TradeStatus string

const (
	TradePending   TradeStatus = "PENDING"
	TradeAccepted  TradeStatus = "ACCEPTED"
	TradeRejected  TradeStatus = "REJECTED"
	TradeCancelled TradeStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s TradeStatus) Terminal() bool {
	return s == TradeAccepted || s == TradeRejected || s == TradeCancelled
}

// User is the identity view the coordinator needs: who the caller is,
// which wallet holds their tokens and what they are allowed to do.
type User struct {
	ID            int64  `json:"id"`
	Username      string `json:"username"`
	WalletAddress string `json:"wallet_address,omitempty"`
	Role          Role   `json:"role"`
}

// Wallet is a custodial key pair. PrivateKeyDigest is sealed ciphertext,
// never the raw key.
type Wallet struct {
	Address          string    `json:"address"`
	PublicKey        string    `json:"public_key"`
	PrivateKeyDigest string    `json:"-"`
	UserID           int64     `json:"user_id"`
	CreatedAt        time.Time `json:"created_at"`
}

// Membership is one minted unit. All units of a (collection, creator) pair
// share the same TokenID.
type Membership struct {
	ID            int64            `json:"id"`
	Name          string           `json:"name"`
	Description   string           `json:"description"`
	Price         decimal.Decimal  `json:"price"`
	CollectionTag string           `json:"collection_tag"`
	TokenID       string           `json:"token_id"`
	TrxHash       string           `json:"trx_hash"`
	Status        MembershipStatus `json:"status"`
	CreatorID     int64            `json:"creator_id"`
	OwnerID       int64            `json:"owner_id"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// TradeRequest is an offer of OfferedID (owned by UserID) in exchange for RequestedID.
type TradeRequest struct {
	ID          int64       `json:"id"`
	RequestedID int64       `json:"requested_id"`
	OfferedID   int64       `json:"offered_id"`
	UserID      int64       `json:"user_id"`
	Status      TradeStatus `json:"status"`
	TrxHash     string      `json:"trx_hash,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// OnChainSummary is returned by every ledger-mutating operation. TrxHash is
// the proof of execution recorded in the store.
type OnChainSummary struct {
	TrxHash string `json:"trx_hash"`
	TokenID string `json:"token_id,omitempty"`
	Message string `json:"message"`
}

// MembershipInput is the data a creator supplies to mint a collection.
type MembershipInput struct {
	Name          string          `json:"name"`
	CollectionTag string          `json:"collection_tag"`
	Description   string          `json:"description"`
	Price         decimal.Decimal `json:"price"`
	Quantity      int64           `json:"quantity"`
}

type ApprovalState string

const (
	ApprovalQueued            ApprovalState = "QUEUED"
	ApprovalFundingSubmitted  ApprovalState = "FUNDING_SUBMITTED"
	ApprovalFundingConfirmed  ApprovalState = "FUNDING_CONFIRMED"
	ApprovalApprovalSubmitted ApprovalState = "APPROVAL_SUBMITTED"
	ApprovalConfirmed         ApprovalState = "APPROVAL_CONFIRMED"
	ApprovalFailed            ApprovalState = "FAILED"
)

func (s ApprovalState) Terminal() bool {
	return s == ApprovalConfirmed || s == ApprovalFailed
}

// ApprovalJob tracks the deferred operator grant for a freshly created wallet.
type ApprovalJob struct {
	ID             string        `json:"id"`
	Owner          string        `json:"owner"`
	Operator       string        `json:"operator"`
	State          ApprovalState `json:"state"`
	FundingTxHash  string        `json:"funding_tx_hash,omitempty"`
	ApprovalTxHash string        `json:"approval_tx_hash,omitempty"`
	Attempts       int           `json:"attempts"`
	LastError      string        `json:"last_error,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Page bounds list queries.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Normalize applies the default limit and clamps out-of-range values.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Paged is a page of results plus the total count matching the query.
type Paged[T any] struct {
	Count  int `json:"count"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Data   []T `json:"data"`
}
