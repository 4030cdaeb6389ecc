package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/wavesops/internal/domain"
	"github.com/punchamoorthee/wavesops/internal/ledger"
)

// tradeSetup gives alice a gold membership and bob a silver one, and has
// alice offer her gold for bob's silver.
func tradeSetup(t *testing.T, f *fixture) (gold, silver domain.Membership, trade domain.TradeRequest) {
	t.Helper()
	gold = f.sold(t, "gold", aliceID)
	silver = f.sold(t, "silver", bobID)

	res := f.coord.RequestTrade(context.Background(), silver.ID, gold.ID, aliceID)
	require.NoError(t, res.Error())
	require.Equal(t, domain.TradePending, res.Data.Status)
	return gold, silver, res.Data
}

func TestRequestTrade_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gold := f.sold(t, "gold", aliceID)
	silver := f.sold(t, "silver", bobID)
	bronze := f.sold(t, "bronze", bobID)

	cases := []struct {
		name                           string
		requested, offered, requester int64
	}{
		{"same membership", gold.ID, gold.ID, aliceID},
		{"unknown requested", 999, gold.ID, aliceID},
		{"unknown offered", silver.ID, 999, aliceID},
		{"offered not owned", gold.ID, silver.ID, aliceID},
		{"requested already owned", silver.ID, bronze.ID, bobID},
		{"unknown requester", silver.ID, gold.ID, 999},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := f.coord.RequestTrade(ctx, tc.requested, tc.offered, tc.requester)
			assert.ErrorIs(t, res.Error(), domain.ErrValidation)
		})
	}
}

func TestRequestTrade_StaleOwnershipRow(t *testing.T) {
	f := newFixture(t)
	gold := f.sold(t, "gold", aliceID)
	silver := f.sold(t, "silver", bobID)

	// Alice's unit left her wallet without the store noticing.
	f.chain.SetBalance(f.wallet(aliceID), ledger.EncodeTokenID("gold", creatorID), 0)

	res := f.coord.RequestTrade(context.Background(), silver.ID, gold.ID, aliceID)
	assert.ErrorIs(t, res.Error(), domain.ErrValidation)
	assert.Contains(t, res.Message, "holds no units")
}

func TestDeclineTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gold, silver, trade := tradeSetup(t, f)
	calls := len(f.chain.Calls)

	assert.ErrorIs(t, f.coord.DeclineTrade(ctx, trade.ID, aliceID).Error(), domain.ErrValidation,
		"only the requested owner may decline")

	res := f.coord.DeclineTrade(ctx, trade.ID, bobID)
	require.NoError(t, res.Error())
	assert.Equal(t, domain.TradeRejected, res.Data.Status)
	assert.Len(t, f.chain.Calls, calls, "declining never touches the ledger")

	assert.Equal(t, aliceID, f.membership(t, gold.ID).OwnerID)
	assert.Equal(t, bobID, f.membership(t, silver.ID).OwnerID)

	again := f.coord.DeclineTrade(ctx, trade.ID, bobID)
	assert.ErrorIs(t, again.Error(), domain.ErrConflict)
	assert.ErrorIs(t, f.coord.AcceptTrade(ctx, trade.ID, bobID).Error(), domain.ErrConflict)
}

func TestCancelTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, trade := tradeSetup(t, f)

	assert.ErrorIs(t, f.coord.CancelTrade(ctx, trade.ID, bobID).Error(), domain.ErrValidation)

	res := f.coord.CancelTrade(ctx, trade.ID, aliceID)
	require.NoError(t, res.Error())
	assert.Equal(t, domain.TradeCancelled, res.Data.Status)
	assert.Equal(t, domain.TradeCancelled, f.tradeRow(t, trade.ID).Status)
}

func TestAcceptTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gold, silver, trade := tradeSetup(t, f)
	goldToken := ledger.EncodeTokenID("gold", creatorID)
	silverToken := ledger.EncodeTokenID("silver", creatorID)

	assert.ErrorIs(t, f.coord.AcceptTrade(ctx, trade.ID, aliceID).Error(), domain.ErrValidation,
		"the requester cannot accept their own offer")

	res := f.coord.AcceptTrade(ctx, trade.ID, bobID)
	require.NoError(t, res.Error())
	assert.Equal(t, domain.TradeAccepted, res.Data.Status)
	assert.NotEmpty(t, res.TrxHash)
	assert.Equal(t, res.TrxHash, res.Data.TrxHash)

	assert.Equal(t, bobID, f.membership(t, gold.ID).OwnerID)
	assert.Equal(t, aliceID, f.membership(t, silver.ID).OwnerID)

	assert.Equal(t, int64(1), f.chain.Balance(f.wallet(aliceID), silverToken))
	assert.Equal(t, int64(0), f.chain.Balance(f.wallet(aliceID), goldToken))
	assert.Equal(t, int64(1), f.chain.Balance(f.wallet(bobID), goldToken))
	assert.Equal(t, int64(0), f.chain.Balance(f.wallet(bobID), silverToken))

	exchanges := f.chain.CallsTo(ledger.MethodExchange)
	require.Len(t, exchanges, 1)
	args := exchanges[0].Args
	assert.Equal(t, common.HexToAddress(f.wallet(bobID)), args[0], "requested owner first")
	assert.Equal(t, common.HexToAddress(f.wallet(aliceID)), args[1])

	assert.ErrorIs(t, f.coord.AcceptTrade(ctx, trade.ID, bobID).Error(), domain.ErrConflict)
}

func TestAcceptTrade_ExchangeFailureIsLedgerFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gold, silver, trade := tradeSetup(t, f)
	f.chain.Fail[ledger.MethodExchange] = errors.New("execution reverted: exchange paused")

	res := f.coord.AcceptTrade(ctx, trade.ID, bobID)
	require.Error(t, res.Error())
	assert.ErrorIs(t, res.Error(), domain.ErrLedger)
	assert.Contains(t, res.Err.Error(), "exchange paused")

	assert.Equal(t, domain.TradePending, f.tradeRow(t, trade.ID).Status)
	assert.Equal(t, aliceID, f.membership(t, gold.ID).OwnerID)
	assert.Equal(t, bobID, f.membership(t, silver.ID).OwnerID)

	delete(f.chain.Fail, ledger.MethodExchange)
	assert.NoError(t, f.coord.AcceptTrade(ctx, trade.ID, bobID).Error(), "claim was released")
}

func TestAcceptTrade_IndeterminateRetainsClaim(t *testing.T) {
	f := newFixtureWith(t, 30*time.Millisecond, nil)
	ctx := context.Background()
	gold, _, trade := tradeSetup(t, f)
	f.chain.Block[ledger.MethodExchange] = true

	res := f.coord.AcceptTrade(ctx, trade.ID, bobID)
	require.Error(t, res.Error())
	assert.True(t, res.Err.Indeterminate)
	assert.NotEmpty(t, res.TrxHash)

	assert.Equal(t, domain.TradePending, f.tradeRow(t, trade.ID).Status)
	assert.Equal(t, aliceID, f.membership(t, gold.ID).OwnerID)

	f.chain.Block[ledger.MethodExchange] = false
	assert.ErrorIs(t, f.coord.AcceptTrade(ctx, trade.ID, bobID).Error(), domain.ErrConflict)
	assert.ErrorIs(t, f.coord.DeclineTrade(ctx, trade.ID, bobID).Error(), domain.ErrConflict)
}

func TestAcceptTrade_ConcurrentExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, trade := tradeSetup(t, f)

	const callers = 12
	results := make([]domain.Result[domain.TradeRequest], callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.coord.AcceptTrade(ctx, trade.ID, bobID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, r := range results {
		if r.OK() {
			wins++
			continue
		}
		assert.Equal(t, domain.KindConflict, r.Err.Kind, "unexpected failure %v", r.Err)
	}
	assert.Equal(t, 1, wins)
	assert.Len(t, f.chain.CallsTo(ledger.MethodExchange), 1)
	assert.Equal(t, domain.TradeAccepted, f.tradeRow(t, trade.ID).Status)
}

func TestAcceptTrade_LoserSeesConflict(t *testing.T) {
	for _, call := range []string{"ClaimTrade", "GetMembership"} {
		t.Run("rival at "+call, func(t *testing.T) {
			f, hooks := newHookedFixture(t)
			ctx := context.Background()
			gold, silver, trade := tradeSetup(t, f)

			var rival domain.Result[domain.TradeRequest]
			hooks.on(call, func() { rival = f.coord.AcceptTrade(ctx, trade.ID, bobID) })
			res := f.coord.AcceptTrade(ctx, trade.ID, bobID)

			results := []domain.Result[domain.TradeRequest]{res, rival}
			wins := 0
			for _, r := range results {
				if r.OK() {
					wins++
					continue
				}
				assert.Equal(t, domain.KindConflict, r.Err.Kind, "unexpected failure %v", r.Err)
			}
			assert.Equal(t, 1, wins)
			assert.Len(t, f.chain.CallsTo(ledger.MethodExchange), 1)
			assert.Equal(t, bobID, f.membership(t, gold.ID).OwnerID)
			assert.Equal(t, aliceID, f.membership(t, silver.ID).OwnerID)
		})
	}
}

func TestAcceptTrade_OverlappingOffersSettleOnce(t *testing.T) {
	cases := []struct {
		name       string
		call       string
		firstWins  bool
		secondWins bool
	}{
		// The first trade settles while the second is between its status
		// read and its claim.
		{name: "first settles before second claims", call: "ClaimTrade", firstWins: true},
		// The second trade already holds gold when the first tries to claim it.
		{name: "second holds the offered membership", call: "GetMembership", secondWins: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, hooks := newHookedFixture(t)
			ctx := context.Background()
			gold := f.sold(t, "gold", aliceID)
			silver := f.sold(t, "silver", bobID)
			bronze := f.sold(t, "bronze", carolID)

			first := f.coord.RequestTrade(ctx, silver.ID, gold.ID, aliceID)
			require.NoError(t, first.Error())
			second := f.coord.RequestTrade(ctx, bronze.ID, gold.ID, aliceID)
			require.NoError(t, second.Error())

			// A second gold unit in alice's wallet means the ledger alone
			// would let both exchanges through.
			goldToken := ledger.EncodeTokenID("gold", creatorID)
			f.chain.SetBalance(f.wallet(aliceID), goldToken, 2)

			var firstRes domain.Result[domain.TradeRequest]
			hooks.on(tc.call, func() { firstRes = f.coord.AcceptTrade(ctx, first.Data.ID, bobID) })
			secondRes := f.coord.AcceptTrade(ctx, second.Data.ID, carolID)

			assert.Len(t, f.chain.CallsTo(ledger.MethodExchange), 1)
			loser, loserTrade, decliner := secondRes, second.Data.ID, carolID
			winnerOwner := bobID
			if tc.firstWins {
				require.NoError(t, firstRes.Error())
			}
			if tc.secondWins {
				require.NoError(t, secondRes.Error())
				loser, loserTrade, decliner = firstRes, first.Data.ID, bobID
				winnerOwner = carolID
			}
			assert.ErrorIs(t, loser.Error(), domain.ErrConflict)
			assert.Equal(t, winnerOwner, f.membership(t, gold.ID).OwnerID)
			assert.Equal(t, domain.TradePending, f.tradeRow(t, loserTrade).Status)

			// The losing trade released its claims and can still be answered.
			res := f.coord.DeclineTrade(ctx, loserTrade, decliner)
			require.NoError(t, res.Error())
			assert.Equal(t, domain.TradeRejected, res.Data.Status)
		})
	}
}

func TestListTrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, trade := tradeSetup(t, f)
	listed := testutil.ToFloat64(coordinatorOps.WithLabelValues("list_trades", "ok"))

	for _, id := range []int64{aliceID, bobID} {
		res := f.coord.ListTrades(ctx, id, domain.Page{})
		require.NoError(t, res.Error())
		require.Equal(t, 1, res.Data.Count)
		assert.Equal(t, trade.ID, res.Data.Data[0].ID)
		assert.Equal(t, domain.DefaultPageLimit, res.Data.Limit)
	}

	res := f.coord.ListTrades(ctx, carolID, domain.Page{})
	require.NoError(t, res.Error())
	assert.Zero(t, res.Data.Count)

	assert.Equal(t, listed+3, testutil.ToFloat64(coordinatorOps.WithLabelValues("list_trades", "ok")))
}
