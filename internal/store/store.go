// Package store persists users, wallets, memberships, trade requests and
// approval jobs. Status changes are compare-and-swap on the current status so
// two racing requests can never both apply a terminal transition.
package store

import (
	"context"
	"errors"

	"github.com/punchamoorthee/wavesops/internal/domain"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrStaleStatus = errors.New("record status changed")
	ErrClaimed     = errors.New("record is being settled")
	ErrDuplicate   = errors.New("record already exists")
)

// MembershipFilter narrows ListMemberships. Zero values match everything.
type MembershipFilter struct {
	Status  domain.MembershipStatus
	OwnerID int64
}

// Users is the identity provider view of the store.
type Users interface {
	GetUser(ctx context.Context, id int64) (domain.User, error)
}

type Wallets interface {
	// CreateWallet persists w and binds it to w.UserID. A user holds at most
	// one wallet; a second one is ErrDuplicate.
	CreateWallet(ctx context.Context, w domain.Wallet) (domain.Wallet, error)
	GetWalletByAddress(ctx context.Context, address string) (domain.Wallet, error)
}

type Memberships interface {
	// CreateMemberships inserts quantity copies of m in one transaction.
	CreateMemberships(ctx context.Context, m domain.Membership, quantity int64) ([]domain.Membership, error)
	GetMembership(ctx context.Context, id int64) (domain.Membership, error)
	ListMemberships(ctx context.Context, f MembershipFilter, page domain.Page) ([]domain.Membership, int64, error)

	// ClaimMembership marks an UNSOLD membership as being sold under token.
	ClaimMembership(ctx context.Context, id int64, token string) error
	ReleaseMembership(ctx context.Context, id int64, token string) error
	// ClaimMemberships marks every listed membership as being settled under
	// token, whatever its status. Either all rows are claimed or none is.
	ClaimMemberships(ctx context.Context, ids []int64, token string) error
	ReleaseMemberships(ctx context.Context, ids []int64, token string) error
	// SellMembership moves a claimed UNSOLD membership still held by its
	// creator to SOLD, owned by buyerID.
	SellMembership(ctx context.Context, id int64, token string, buyerID int64, trxHash string) (domain.Membership, error)
}

type Trades interface {
	CreateTrade(ctx context.Context, t domain.TradeRequest) (domain.TradeRequest, error)
	GetTrade(ctx context.Context, id int64) (domain.TradeRequest, error)
	// ListTrades returns trades the user requested or was asked to answer.
	ListTrades(ctx context.Context, userID int64, page domain.Page) ([]domain.TradeRequest, int64, error)

	ClaimTrade(ctx context.Context, id int64, token string) error
	ReleaseTrade(ctx context.Context, id int64, token string) error
	// SettleTrade swaps the owners of both memberships and moves the claimed
	// trade PENDING -> ACCEPTED, atomically. Both memberships must carry the
	// same claim token; all three claims are cleared.
	SettleTrade(ctx context.Context, id int64, token, trxHash string) (domain.TradeRequest, error)
	// TransitionTrade moves an unclaimed PENDING trade to a terminal status.
	TransitionTrade(ctx context.Context, id int64, to domain.TradeStatus) (domain.TradeRequest, error)
}

type ApprovalJobs interface {
	CreateApprovalJob(ctx context.Context, job domain.ApprovalJob) (domain.ApprovalJob, error)
	GetApprovalJob(ctx context.Context, id string) (domain.ApprovalJob, error)
	LatestApprovalJob(ctx context.Context, owner string) (domain.ApprovalJob, error)
	// UpdateApprovalJob writes job only if its stored state is still from.
	UpdateApprovalJob(ctx context.Context, job domain.ApprovalJob, from domain.ApprovalState) (domain.ApprovalJob, error)
	ListOpenApprovalJobs(ctx context.Context, limit int) ([]domain.ApprovalJob, error)
}

// RecordStore is everything the coordinator persists.
type RecordStore interface {
	Users
	Wallets
	Memberships
	Trades
	ApprovalJobs
}
