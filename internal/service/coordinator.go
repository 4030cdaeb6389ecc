// Package service holds the trade coordinator and wallet service: the
// operations that keep membership ownership in the record store consistent
// with token balances on the ledger.
//
// Every mutating operation follows the same order: validate against local
// state, verify against the ledger, submit the ledger mutation, and only
// after that succeeds commit the local change.
package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/wavesops/internal/domain"
	"github.com/punchamoorthee/wavesops/internal/ledger"
	"github.com/punchamoorthee/wavesops/internal/store"
)

var coordinatorOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "waves_coordinator_operations_total",
	Help: "Coordinator operations, labeled by operation and outcome kind",
}, []string{"op", "outcome"})

// Ledger is the part of the ledger gateway the coordinator uses.
type Ledger interface {
	Mint(ctx context.Context, creatorWallet, collectionTag string, creatorID, quantity int64, meta ledger.Metadata) (domain.OnChainSummary, error)
	BalanceOfToken(ctx context.Context, address string, id ledger.TokenID) (uint64, error)
	Transfer(ctx context.Context, from, to, collectionTag string, creatorID, amount int64) (domain.OnChainSummary, error)
	Exchange(ctx context.Context, partyA, partyB string, tokenA, tokenB ledger.TokenID) (domain.OnChainSummary, error)
}

// Records is the slice of the record store the coordinator reads and writes.
type Records interface {
	store.Users
	store.Memberships
	store.Trades
}

type Coordinator struct {
	ledger  Ledger
	records Records
	log     *logrus.Logger

	newClaim func() string
}

func NewCoordinator(l Ledger, records Records, log *logrus.Logger) *Coordinator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Coordinator{
		ledger:   l,
		records:  records,
		log:      log,
		newClaim: uuid.NewString,
	}
}

func tokenOf(m domain.Membership) ledger.TokenID {
	return ledger.EncodeTokenID(m.CollectionTag, m.CreatorID)
}

// member loads a user that must exist and hold a wallet.
func (c *Coordinator) member(ctx context.Context, id int64, role string) (domain.User, error) {
	u, err := c.records.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.User{}, domain.Validation("%s %d not found", role, id)
	}
	if err != nil {
		return domain.User{}, domain.Internal("load "+role, err)
	}
	if u.WalletAddress == "" {
		return domain.User{}, domain.Validation("%s %d has no wallet", role, id)
	}
	return u, nil
}

func (c *Coordinator) membership(ctx context.Context, id int64) (domain.Membership, error) {
	m, err := c.records.GetMembership(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Membership{}, domain.Validation("membership %d not found", id)
	}
	if err != nil {
		return domain.Membership{}, domain.Internal("load membership", err)
	}
	return m, nil
}

func (c *Coordinator) trade(ctx context.Context, id int64) (domain.TradeRequest, error) {
	t, err := c.records.GetTrade(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return domain.TradeRequest{}, domain.Validation("trade %d not found", id)
	}
	if err != nil {
		return domain.TradeRequest{}, domain.Internal("load trade", err)
	}
	return t, nil
}

// holds verifies on the ledger that address has at least one unit of id.
func (c *Coordinator) holds(ctx context.Context, address string, id ledger.TokenID, who string) error {
	bal, err := c.ledger.BalanceOfToken(ctx, address, id)
	if err != nil {
		return err
	}
	if bal == 0 {
		return domain.Validation("%s wallet holds no units of token %s", who, id.Hex())
	}
	return nil
}

// claimConflict maps a failed claim or conditional update to a conflict.
func claimConflict(what string, id int64, err error) error {
	switch {
	case errors.Is(err, store.ErrClaimed):
		return domain.Conflict("%s %d is already being settled", what, id)
	case errors.Is(err, store.ErrStaleStatus):
		return domain.Conflict("%s %d changed state concurrently", what, id)
	case errors.Is(err, store.ErrNotFound):
		return domain.Validation("%s %d not found", what, id)
	}
	return domain.Internal("update "+what, err)
}

// afterLedger reports a store failure that followed a successful ledger call.
// The hash is kept so the on-chain effect can be reconciled.
func afterLedger(msg, trxHash string, err error) error {
	e := domain.Internal(msg, err)
	e.TrxHash = trxHash
	return e
}

// releaseUnlessIndeterminate frees a settlement claim after a ledger failure.
// When the outcome is unknown the claim is kept so nothing else touches the
// row until it is reconciled.
func (c *Coordinator) releaseUnlessIndeterminate(ctx context.Context, ledgerErr error, fields logrus.Fields, release func(context.Context) error) {
	if domain.AsError(ledgerErr).Indeterminate {
		c.log.WithFields(fields).WithError(ledgerErr).Warn("ledger outcome unknown; settlement claim retained for reconciliation")
		return
	}
	c.release(ctx, fields, release)
}

// release frees a settlement claim even when ctx is already cancelled.
func (c *Coordinator) release(ctx context.Context, fields logrus.Fields, release func(context.Context) error) {
	if err := release(context.WithoutCancel(ctx)); err != nil {
		c.log.WithFields(fields).WithError(err).Error("failed to release settlement claim")
	}
}

// finish counts and logs the outcome of op.
func finish[T any](c *Coordinator, op string, r domain.Result[T]) domain.Result[T] {
	outcome := "ok"
	if r.Err != nil {
		outcome = string(r.Err.Kind)
		entry := c.log.WithFields(logrus.Fields{"op": op, "kind": r.Err.Kind})
		if r.TrxHash != "" {
			entry = entry.WithField("tx", r.TrxHash)
		}
		if r.Err.Kind == domain.KindValidation || r.Err.Kind == domain.KindConflict {
			entry.Debug(r.Err.Message)
		} else {
			entry.WithError(r.Err).Error("operation failed")
		}
	}
	coordinatorOps.WithLabelValues(op, outcome).Inc()
	return r
}
