package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/wavesops/internal/domain"
)

// addUserFunc creates a user in the store under test.
type addUserFunc func(t *testing.T, username string, role domain.Role) domain.User

// runStoreSuite exercises the RecordStore contract shared by Store and Memory.
func runStoreSuite(t *testing.T, s RecordStore, addUser addUserFunc) {
	ctx := context.Background()

	mint := func(t *testing.T, creator domain.User, qty int64) []domain.Membership {
		rows, err := s.CreateMemberships(ctx, domain.Membership{
			Name:          "Gold",
			Description:   "front row",
			Price:         decimal.RequireFromString("19.99"),
			CollectionTag: "gold-" + uuid.NewString()[:8],
			TokenID:       "0x01",
			TrxHash:       "0xmint",
			CreatorID:     creator.ID,
			OwnerID:       creator.ID,
		}, qty)
		require.NoError(t, err)
		return rows
	}

	t.Run("wallet binds to user once", func(t *testing.T) {
		u := addUser(t, "w-"+uuid.NewString()[:8], domain.RoleGeneral)
		addr := "0x" + uuid.NewString()[:8]

		w, err := s.CreateWallet(ctx, domain.Wallet{Address: addr, PublicKey: "0x04", PrivateKeyDigest: "sealed", UserID: u.ID})
		require.NoError(t, err)
		assert.False(t, w.CreatedAt.IsZero())

		got, err := s.GetUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, addr, got.WalletAddress)

		fetched, err := s.GetWalletByAddress(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, "sealed", fetched.PrivateKeyDigest)

		_, err = s.CreateWallet(ctx, domain.Wallet{Address: addr + "ff", PublicKey: "0x04", PrivateKeyDigest: "x", UserID: u.ID})
		assert.ErrorIs(t, err, ErrDuplicate)

		_, err = s.CreateWallet(ctx, domain.Wallet{Address: addr + "ee", UserID: -1})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("create and list memberships", func(t *testing.T) {
		creator := addUser(t, "c-"+uuid.NewString()[:8], domain.RoleCreator)
		rows := mint(t, creator, 3)
		require.Len(t, rows, 3)
		for _, m := range rows {
			assert.Equal(t, domain.MembershipUnsold, m.Status)
			assert.Equal(t, creator.ID, m.OwnerID)
			assert.True(t, m.Price.Equal(decimal.RequireFromString("19.99")))
		}

		got, err := s.GetMembership(ctx, rows[1].ID)
		require.NoError(t, err)
		assert.Equal(t, rows[1].ID, got.ID)

		page, total, err := s.ListMemberships(ctx, MembershipFilter{OwnerID: creator.ID}, domain.Page{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
		assert.Len(t, page, 2)

		_, err = s.GetMembership(ctx, -1)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("membership claim is exclusive", func(t *testing.T) {
		creator := addUser(t, "c-"+uuid.NewString()[:8], domain.RoleCreator)
		buyer := addUser(t, "b-"+uuid.NewString()[:8], domain.RoleGeneral)
		m := mint(t, creator, 1)[0]

		require.NoError(t, s.ClaimMembership(ctx, m.ID, "a"))
		assert.ErrorIs(t, s.ClaimMembership(ctx, m.ID, "b"), ErrClaimed)

		_, err := s.SellMembership(ctx, m.ID, "b", buyer.ID, "0xbuy")
		assert.ErrorIs(t, err, ErrClaimed)

		sold, err := s.SellMembership(ctx, m.ID, "a", buyer.ID, "0xbuy")
		require.NoError(t, err)
		assert.Equal(t, domain.MembershipSold, sold.Status)
		assert.Equal(t, buyer.ID, sold.OwnerID)
		assert.Equal(t, "0xbuy", sold.TrxHash)

		assert.ErrorIs(t, s.ClaimMembership(ctx, m.ID, "c"), ErrStaleStatus)
	})

	t.Run("released claim can be retaken", func(t *testing.T) {
		creator := addUser(t, "c-"+uuid.NewString()[:8], domain.RoleCreator)
		m := mint(t, creator, 1)[0]

		require.NoError(t, s.ClaimMembership(ctx, m.ID, "a"))
		require.NoError(t, s.ReleaseMembership(ctx, m.ID, "wrong"))
		assert.ErrorIs(t, s.ClaimMembership(ctx, m.ID, "b"), ErrClaimed)
		require.NoError(t, s.ReleaseMembership(ctx, m.ID, "a"))
		assert.NoError(t, s.ClaimMembership(ctx, m.ID, "b"))
	})

	t.Run("settle swaps owners", func(t *testing.T) {
		creator := addUser(t, "c-"+uuid.NewString()[:8], domain.RoleCreator)
		alice := addUser(t, "a-"+uuid.NewString()[:8], domain.RoleGeneral)
		bob := addUser(t, "b-"+uuid.NewString()[:8], domain.RoleGeneral)
		rows := mint(t, creator, 2)
		_, err := s.SellMembership(ctx, rows[0].ID, claim(t, s, rows[0].ID), alice.ID, "0x1")
		require.NoError(t, err)
		_, err = s.SellMembership(ctx, rows[1].ID, claim(t, s, rows[1].ID), bob.ID, "0x2")
		require.NoError(t, err)

		// alice offers rows[0] for bob's rows[1]
		trade, err := s.CreateTrade(ctx, domain.TradeRequest{RequestedID: rows[1].ID, OfferedID: rows[0].ID, UserID: alice.ID})
		require.NoError(t, err)
		assert.Equal(t, domain.TradePending, trade.Status)

		mine, total, err := s.ListTrades(ctx, bob.ID, domain.Page{})
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		assert.Equal(t, trade.ID, mine[0].ID)

		_, err = s.SettleTrade(ctx, trade.ID, "unclaimed", "0xswap")
		assert.ErrorIs(t, err, ErrClaimed)

		require.NoError(t, s.ClaimTrade(ctx, trade.ID, "tok"))
		_, err = s.TransitionTrade(ctx, trade.ID, domain.TradeRejected)
		assert.ErrorIs(t, err, ErrClaimed)

		// the memberships must be held under the same token
		_, err = s.SettleTrade(ctx, trade.ID, "tok", "0xswap")
		assert.ErrorIs(t, err, ErrClaimed)
		require.NoError(t, s.ClaimMemberships(ctx, []int64{rows[1].ID, rows[0].ID}, "tok"))

		settled, err := s.SettleTrade(ctx, trade.ID, "tok", "0xswap")
		require.NoError(t, err)
		assert.Equal(t, domain.TradeAccepted, settled.Status)
		assert.Equal(t, "0xswap", settled.TrxHash)

		requested, err := s.GetMembership(ctx, rows[1].ID)
		require.NoError(t, err)
		offered, err := s.GetMembership(ctx, rows[0].ID)
		require.NoError(t, err)
		assert.Equal(t, alice.ID, requested.OwnerID)
		assert.Equal(t, bob.ID, offered.OwnerID)
		// claims are cleared with the swap
		require.NoError(t, s.ClaimMemberships(ctx, []int64{rows[0].ID, rows[1].ID}, "next"))

		_, err = s.TransitionTrade(ctx, trade.ID, domain.TradeRejected)
		assert.ErrorIs(t, err, ErrStaleStatus)
	})

	t.Run("membership claims are all or nothing", func(t *testing.T) {
		creator := addUser(t, "c-"+uuid.NewString()[:8], domain.RoleCreator)
		rows := mint(t, creator, 3)

		require.NoError(t, s.ClaimMembership(ctx, rows[1].ID, "buy"))
		assert.ErrorIs(t, s.ClaimMemberships(ctx, []int64{rows[0].ID, rows[1].ID}, "trade"), ErrClaimed)
		assert.ErrorIs(t, s.ClaimMemberships(ctx, []int64{rows[0].ID, -1}, "trade"), ErrNotFound)

		// nothing was taken by the failed attempts
		require.NoError(t, s.ClaimMemberships(ctx, []int64{rows[0].ID, rows[2].ID}, "trade"))
		assert.ErrorIs(t, s.ClaimMembership(ctx, rows[0].ID, "buy2"), ErrClaimed)

		require.NoError(t, s.ReleaseMemberships(ctx, []int64{rows[0].ID, rows[2].ID}, "other"))
		assert.ErrorIs(t, s.ClaimMembership(ctx, rows[2].ID, "buy2"), ErrClaimed)
		require.NoError(t, s.ReleaseMemberships(ctx, []int64{rows[0].ID, rows[2].ID}, "trade"))
		assert.NoError(t, s.ClaimMembership(ctx, rows[2].ID, "buy2"))
	})

	t.Run("sale requires the creator to still hold the membership", func(t *testing.T) {
		creator := addUser(t, "c-"+uuid.NewString()[:8], domain.RoleCreator)
		alice := addUser(t, "a-"+uuid.NewString()[:8], domain.RoleGeneral)
		bob := addUser(t, "b-"+uuid.NewString()[:8], domain.RoleGeneral)
		rows := mint(t, creator, 2)
		_, err := s.SellMembership(ctx, rows[1].ID, claim(t, s, rows[1].ID), alice.ID, "0x1")
		require.NoError(t, err)

		// the creator trades the unsold rows[0] for alice's rows[1]
		trade, err := s.CreateTrade(ctx, domain.TradeRequest{RequestedID: rows[1].ID, OfferedID: rows[0].ID, UserID: creator.ID})
		require.NoError(t, err)
		require.NoError(t, s.ClaimTrade(ctx, trade.ID, "tok"))
		require.NoError(t, s.ClaimMemberships(ctx, []int64{rows[0].ID, rows[1].ID}, "tok"))
		_, err = s.SettleTrade(ctx, trade.ID, "tok", "0xswap")
		require.NoError(t, err)

		traded, err := s.GetMembership(ctx, rows[0].ID)
		require.NoError(t, err)
		require.Equal(t, domain.MembershipUnsold, traded.Status)
		require.Equal(t, alice.ID, traded.OwnerID)

		token := claim(t, s, rows[0].ID)
		_, err = s.SellMembership(ctx, rows[0].ID, token, bob.ID, "0xbuy")
		assert.ErrorIs(t, err, ErrStaleStatus)

		after, err := s.GetMembership(ctx, rows[0].ID)
		require.NoError(t, err)
		assert.Equal(t, alice.ID, after.OwnerID)
	})

	t.Run("transition is compare and swap", func(t *testing.T) {
		creator := addUser(t, "c-"+uuid.NewString()[:8], domain.RoleCreator)
		rows := mint(t, creator, 2)
		trade, err := s.CreateTrade(ctx, domain.TradeRequest{RequestedID: rows[0].ID, OfferedID: rows[1].ID, UserID: creator.ID})
		require.NoError(t, err)

		_, err = s.TransitionTrade(ctx, trade.ID, domain.TradePending)
		assert.Error(t, err)

		done, err := s.TransitionTrade(ctx, trade.ID, domain.TradeCancelled)
		require.NoError(t, err)
		assert.Equal(t, domain.TradeCancelled, done.Status)

		_, err = s.TransitionTrade(ctx, trade.ID, domain.TradeRejected)
		assert.ErrorIs(t, err, ErrStaleStatus)
		_, err = s.TransitionTrade(ctx, -1, domain.TradeRejected)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent claims have one winner", func(t *testing.T) {
		creator := addUser(t, "c-"+uuid.NewString()[:8], domain.RoleCreator)
		rows := mint(t, creator, 2)
		trade, err := s.CreateTrade(ctx, domain.TradeRequest{RequestedID: rows[0].ID, OfferedID: rows[1].ID, UserID: creator.ID})
		require.NoError(t, err)

		var wins, conflicts int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.ClaimTrade(ctx, trade.ID, uuid.NewString())
				switch {
				case err == nil:
					atomic.AddInt32(&wins, 1)
				case assert.ErrorIs(t, err, ErrClaimed):
					atomic.AddInt32(&conflicts, 1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins)
		assert.Equal(t, int32(15), conflicts)
	})

	t.Run("approval job state CAS", func(t *testing.T) {
		owner := "0x" + uuid.NewString()[:8]
		job, err := s.CreateApprovalJob(ctx, domain.ApprovalJob{ID: uuid.NewString(), Owner: owner, Operator: "0xop", State: domain.ApprovalQueued})
		require.NoError(t, err)

		next := job
		next.State = domain.ApprovalFundingSubmitted
		next.FundingTxHash = "0xfund"
		updated, err := s.UpdateApprovalJob(ctx, next, domain.ApprovalQueued)
		require.NoError(t, err)
		assert.Equal(t, "0xfund", updated.FundingTxHash)

		_, err = s.UpdateApprovalJob(ctx, next, domain.ApprovalQueued)
		assert.ErrorIs(t, err, ErrStaleStatus)

		open, err := s.ListOpenApprovalJobs(ctx, 1000)
		require.NoError(t, err)
		assert.True(t, containsJob(open, job.ID))

		latest, err := s.LatestApprovalJob(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, domain.ApprovalFundingSubmitted, latest.State)

		final := updated
		final.State = domain.ApprovalFailed
		_, err = s.UpdateApprovalJob(ctx, final, domain.ApprovalFundingSubmitted)
		require.NoError(t, err)
		open, err = s.ListOpenApprovalJobs(ctx, 1000)
		require.NoError(t, err)
		assert.False(t, containsJob(open, job.ID))

		_, err = s.LatestApprovalJob(ctx, "0xnobody")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func claim(t *testing.T, s RecordStore, id int64) string {
	t.Helper()
	token := uuid.NewString()
	require.NoError(t, s.ClaimMembership(context.Background(), id, token))
	return token
}

func containsJob(jobs []domain.ApprovalJob, id string) bool {
	for _, j := range jobs {
		if j.ID == id {
			return true
		}
	}
	return false
}
