package service

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/wavesops/internal/domain"
	"github.com/punchamoorthee/wavesops/internal/ledger"
	"github.com/punchamoorthee/wavesops/internal/store"
)

// RequestTrade offers the requester's membership offeredID in exchange for
// requestedID.
func (c *Coordinator) RequestTrade(ctx context.Context, requestedID, offeredID, requesterID int64) domain.Result[domain.TradeRequest] {
	trade, err := c.requestTrade(ctx, requestedID, offeredID, requesterID)
	if err != nil {
		return finish(c, "request_trade", domain.Fail[domain.TradeRequest](err))
	}
	return finish(c, "request_trade", domain.Ok(trade, "Trade requested", ""))
}

func (c *Coordinator) requestTrade(ctx context.Context, requestedID, offeredID, requesterID int64) (domain.TradeRequest, error) {
	if requestedID == offeredID {
		return domain.TradeRequest{}, domain.Validation("a membership cannot be traded for itself")
	}
	requester, err := c.member(ctx, requesterID, "requester")
	if err != nil {
		return domain.TradeRequest{}, err
	}
	requested, err := c.membership(ctx, requestedID)
	if err != nil {
		return domain.TradeRequest{}, err
	}
	offered, err := c.membership(ctx, offeredID)
	if err != nil {
		return domain.TradeRequest{}, err
	}
	if offered.OwnerID != requesterID {
		return domain.TradeRequest{}, domain.Validation("membership %d is not owned by user %d", offeredID, requesterID)
	}
	if requested.OwnerID == requesterID {
		return domain.TradeRequest{}, domain.Validation("membership %d is already owned by user %d", requestedID, requesterID)
	}

	// Ownership rows can be stale; the ledger is the authority.
	if err := c.holds(ctx, requester.WalletAddress, tokenOf(offered), "requester"); err != nil {
		return domain.TradeRequest{}, err
	}

	trade, err := c.records.CreateTrade(ctx, domain.TradeRequest{
		RequestedID: requestedID,
		OfferedID:   offeredID,
		UserID:      requesterID,
	})
	if err != nil {
		return domain.TradeRequest{}, domain.Internal("create trade", err)
	}
	c.log.WithFields(logrus.Fields{
		"trade":     trade.ID,
		"requested": requestedID,
		"offered":   offeredID,
		"requester": requesterID,
	}).Info("trade requested")
	return trade, nil
}

// AcceptTrade settles a pending trade: one exchange call on the ledger, then
// the owner swap and PENDING -> ACCEPTED in one store transaction.
func (c *Coordinator) AcceptTrade(ctx context.Context, tradeID, accepterID int64) domain.Result[domain.TradeRequest] {
	trade, hash, err := c.acceptTrade(ctx, tradeID, accepterID)
	if err != nil {
		return finish(c, "accept_trade", domain.Fail[domain.TradeRequest](err))
	}
	return finish(c, "accept_trade", domain.Ok(trade, "Trade accepted", hash))
}

func (c *Coordinator) acceptTrade(ctx context.Context, tradeID, accepterID int64) (domain.TradeRequest, string, error) {
	trade, err := c.trade(ctx, tradeID)
	if err != nil {
		return domain.TradeRequest{}, "", err
	}
	if trade.Status != domain.TradePending {
		return domain.TradeRequest{}, "", domain.Conflict("trade %d is %s", tradeID, trade.Status)
	}

	// The trade and both memberships stay claimed from here until settlement,
	// so competing settlements over any of those rows stop before the ledger.
	claim := c.newClaim()
	if err := c.records.ClaimTrade(ctx, tradeID, claim); err != nil {
		return domain.TradeRequest{}, "", claimConflict("trade", tradeID, err)
	}
	fields := logrus.Fields{"trade": tradeID}
	rows := []int64{trade.RequestedID, trade.OfferedID}
	if err := c.records.ClaimMemberships(ctx, rows, claim); err != nil {
		c.release(ctx, fields, func(ctx context.Context) error {
			return c.records.ReleaseTrade(ctx, tradeID, claim)
		})
		switch {
		case errors.Is(err, store.ErrClaimed):
			return domain.TradeRequest{}, "", domain.Conflict("a membership in trade %d is already being settled", tradeID)
		case errors.Is(err, store.ErrNotFound):
			return domain.TradeRequest{}, "", domain.Validation("a membership in trade %d no longer exists", tradeID)
		}
		return domain.TradeRequest{}, "", domain.Internal("claim trade memberships", err)
	}
	release := func(ctx context.Context) error {
		return errors.Join(
			c.records.ReleaseMemberships(ctx, rows, claim),
			c.records.ReleaseTrade(ctx, tradeID, claim),
		)
	}

	accepter, requester, tokens, err := c.tradeParties(ctx, trade, accepterID)
	if err != nil {
		c.release(ctx, fields, release)
		return domain.TradeRequest{}, "", err
	}

	summary, err := c.ledger.Exchange(ctx, accepter.WalletAddress, requester.WalletAddress, tokens[0], tokens[1])
	if err != nil {
		c.releaseUnlessIndeterminate(ctx, err, fields, release)
		return domain.TradeRequest{}, "", err
	}

	settled, err := c.records.SettleTrade(context.WithoutCancel(ctx), tradeID, claim, summary.TrxHash)
	if err != nil {
		return domain.TradeRequest{}, summary.TrxHash, afterLedger("exchange succeeded but trade settlement failed", summary.TrxHash, err)
	}
	c.log.WithFields(logrus.Fields{
		"trade": tradeID,
		"tx":    summary.TrxHash,
	}).Info("trade accepted")
	return settled, summary.TrxHash, nil
}

// tradeParties checks a claimed trade against the store and the ledger and
// returns the accepter, the requester, and the requested and offered tokens.
func (c *Coordinator) tradeParties(ctx context.Context, trade domain.TradeRequest, accepterID int64) (accepter, requester domain.User, tokens [2]ledger.TokenID, err error) {
	requested, err := c.membership(ctx, trade.RequestedID)
	if err != nil {
		return accepter, requester, tokens, err
	}
	offered, err := c.membership(ctx, trade.OfferedID)
	if err != nil {
		return accepter, requester, tokens, err
	}
	if requested.OwnerID != accepterID {
		return accepter, requester, tokens, domain.Validation("membership %d is not owned by user %d", requested.ID, accepterID)
	}
	if offered.OwnerID != trade.UserID {
		return accepter, requester, tokens, domain.Conflict("offered membership %d changed hands", offered.ID)
	}
	if accepter, err = c.member(ctx, accepterID, "accepter"); err != nil {
		return accepter, requester, tokens, err
	}
	if requester, err = c.member(ctx, trade.UserID, "requester"); err != nil {
		return accepter, requester, tokens, err
	}

	tokens = [2]ledger.TokenID{tokenOf(requested), tokenOf(offered)}
	if err = c.holds(ctx, accepter.WalletAddress, tokens[0], "accepter"); err != nil {
		return accepter, requester, tokens, err
	}
	if err = c.holds(ctx, requester.WalletAddress, tokens[1], "requester"); err != nil {
		return accepter, requester, tokens, err
	}
	return accepter, requester, tokens, nil
}

// DeclineTrade lets the owner of the requested membership reject a pending trade.
func (c *Coordinator) DeclineTrade(ctx context.Context, tradeID, callerID int64) domain.Result[domain.TradeRequest] {
	trade, err := c.closeTrade(ctx, tradeID, callerID, domain.TradeRejected)
	if err != nil {
		return finish(c, "decline_trade", domain.Fail[domain.TradeRequest](err))
	}
	return finish(c, "decline_trade", domain.Ok(trade, "Trade declined", ""))
}

// CancelTrade lets the requester withdraw a pending trade.
func (c *Coordinator) CancelTrade(ctx context.Context, tradeID, callerID int64) domain.Result[domain.TradeRequest] {
	trade, err := c.closeTrade(ctx, tradeID, callerID, domain.TradeCancelled)
	if err != nil {
		return finish(c, "cancel_trade", domain.Fail[domain.TradeRequest](err))
	}
	return finish(c, "cancel_trade", domain.Ok(trade, "Trade cancelled", ""))
}

func (c *Coordinator) closeTrade(ctx context.Context, tradeID, callerID int64, to domain.TradeStatus) (domain.TradeRequest, error) {
	trade, err := c.trade(ctx, tradeID)
	if err != nil {
		return domain.TradeRequest{}, err
	}
	if trade.Status != domain.TradePending {
		return domain.TradeRequest{}, domain.Conflict("trade %d is %s", tradeID, trade.Status)
	}

	switch to {
	case domain.TradeRejected:
		requested, err := c.membership(ctx, trade.RequestedID)
		if err != nil {
			return domain.TradeRequest{}, err
		}
		if requested.OwnerID != callerID {
			return domain.TradeRequest{}, domain.Validation("only the owner of membership %d can decline trade %d", requested.ID, tradeID)
		}
	case domain.TradeCancelled:
		if trade.UserID != callerID {
			return domain.TradeRequest{}, domain.Validation("only the requester can cancel trade %d", tradeID)
		}
	}

	closed, err := c.records.TransitionTrade(ctx, tradeID, to)
	if err != nil {
		return domain.TradeRequest{}, claimConflict("trade", tradeID, err)
	}
	c.log.WithFields(logrus.Fields{"trade": tradeID, "status": to}).Info("trade closed")
	return closed, nil
}

// ListTrades pages through trades the user requested or must answer.
func (c *Coordinator) ListTrades(ctx context.Context, userID int64, page domain.Page) domain.Result[domain.Paged[domain.TradeRequest]] {
	page = page.Normalize()
	rows, total, err := c.records.ListTrades(ctx, userID, page)
	if err != nil {
		return finish(c, "list_trades", domain.Fail[domain.Paged[domain.TradeRequest]](domain.Internal("list trades", err)))
	}
	return finish(c, "list_trades", domain.Ok(paged(rows, total, page), "", ""))
}

func paged[T any](rows []T, total int64, page domain.Page) domain.Paged[T] {
	if rows == nil {
		rows = []T{}
	}
	return domain.Paged[T]{Count: int(total), Limit: page.Limit, Offset: page.Offset, Data: rows}
}
