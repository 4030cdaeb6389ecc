package service

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/wavesops/internal/domain"
	"github.com/punchamoorthee/wavesops/internal/ledger"
	"github.com/punchamoorthee/wavesops/internal/ledger/ledgertest"
	"github.com/punchamoorthee/wavesops/internal/store"
)

const (
	creatorID int64 = 1
	aliceID   int64 = 2
	bobID     int64 = 3
	carolID   int64 = 4
)

type fixture struct {
	coord *Coordinator
	chain *ledgertest.Client
	gw    *ledger.Gateway
	db    *store.Memory
	users map[int64]domain.User
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, time.Second, nil)
}

// newFixtureWith builds a coordinator over a simulated chain. wrap, when set,
// replaces the record store the coordinator sees.
func newFixtureWith(t *testing.T, callTimeout time.Duration, wrap func(*store.Memory) Records) *fixture {
	t.Helper()
	log := quietLogger()
	chain := ledgertest.New()
	chain.RequireApproval = true

	gw, err := ledger.NewGateway(chain, ledger.Config{
		ContractAddress: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
		Custodian:       ledgertest.NewSigner(t),
		CallTimeout:     callTimeout,
	}, log)
	require.NoError(t, err)

	db := store.NewMemory()
	users := map[int64]domain.User{}
	for _, u := range []domain.User{
		{ID: creatorID, Username: "creator", Role: domain.RoleCreator},
		{ID: aliceID, Username: "alice", Role: domain.RoleGeneral},
		{ID: bobID, Username: "bob", Role: domain.RoleGeneral},
		{ID: carolID, Username: "carol", Role: domain.RoleGeneral},
	} {
		u.WalletAddress = ledgertest.NewSigner(t).Address().Hex()
		chain.Approve(u.WalletAddress, gw.CustodianAddress())
		db.PutUser(u)
		users[u.ID] = u
	}

	var records Records = db
	if wrap != nil {
		records = wrap(db)
	}
	return &fixture{
		coord: NewCoordinator(gw, records, log),
		chain: chain,
		gw:    gw,
		db:    db,
		users: users,
	}
}

func (f *fixture) wallet(id int64) string { return f.users[id].WalletAddress }

// mint creates quantity memberships in the creator's tag collection.
func (f *fixture) mint(t *testing.T, tag string, quantity int64) []domain.Membership {
	t.Helper()
	res := f.coord.CreateMembership(context.Background(), creatorID, domain.MembershipInput{
		Name:          "Pass " + tag,
		CollectionTag: tag,
		Description:   "access to " + tag,
		Price:         decimal.NewFromInt(25),
		Quantity:      quantity,
	})
	require.NoError(t, res.Error())
	return res.Data
}

// sold mints one membership in tag and sells it to buyer.
func (f *fixture) sold(t *testing.T, tag string, buyer int64) domain.Membership {
	t.Helper()
	m := f.mint(t, tag, 1)[0]
	res := f.coord.BuyMembership(context.Background(), m.ID, buyer)
	require.NoError(t, res.Error())
	return res.Data
}

func (f *fixture) membership(t *testing.T, id int64) domain.Membership {
	t.Helper()
	m, err := f.db.GetMembership(context.Background(), id)
	require.NoError(t, err)
	return m
}

func (f *fixture) tradeRow(t *testing.T, id int64) domain.TradeRequest {
	t.Helper()
	tr, err := f.db.GetTrade(context.Background(), id)
	require.NoError(t, err)
	return tr
}

// hookedRecords runs a callback once, just before the named store call
// goes through. Tests use it to land a competing operation at an exact point.
type hookedRecords struct {
	Records

	mu    sync.Mutex
	hooks map[string]func()
}

func newHookedFixture(t *testing.T) (*fixture, *hookedRecords) {
	t.Helper()
	hooked := &hookedRecords{hooks: map[string]func(){}}
	f := newFixtureWith(t, time.Second, func(db *store.Memory) Records {
		hooked.Records = db
		return hooked
	})
	return f, hooked
}

func (h *hookedRecords) on(call string, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks[call] = fn
}

func (h *hookedRecords) fire(call string) {
	h.mu.Lock()
	fn := h.hooks[call]
	delete(h.hooks, call)
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (h *hookedRecords) GetMembership(ctx context.Context, id int64) (domain.Membership, error) {
	h.fire("GetMembership")
	return h.Records.GetMembership(ctx, id)
}

func (h *hookedRecords) ClaimMembership(ctx context.Context, id int64, token string) error {
	h.fire("ClaimMembership")
	return h.Records.ClaimMembership(ctx, id, token)
}

func (h *hookedRecords) ClaimTrade(ctx context.Context, id int64, token string) error {
	h.fire("ClaimTrade")
	return h.Records.ClaimTrade(ctx, id, token)
}
