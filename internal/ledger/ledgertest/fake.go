// Package ledgertest provides an in-memory ledger.Client for tests.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/punchamoorthee/wavesops/internal/ledger"
)

// Call records one mutating submission.
type Call struct {
	Method string
	Args   []any
	From   common.Address
	Value  *big.Int
	Hash   common.Hash
}

type balanceKey struct {
	owner common.Address
	id    string
}

// ErrReverted is what the fake returns when the simulated contract refuses a call.
var ErrReverted = errors.New("execution reverted")

// Client simulates the waves token contract: mint, transfer and exchange move
// balances, and setApprovalForAll records operator grants. Receipts are
// reported as successful immediately unless Pending is set.
type Client struct {
	mu sync.Mutex

	Calls     []Call
	balances  map[balanceKey]*big.Int
	approvals map[common.Address]map[common.Address]bool
	receipts  map[common.Hash]ledger.ReceiptStatus
	native    map[common.Address]*big.Int
	seq       uint64

	// Fail forces the named method to fail with the given error.
	Fail map[string]error
	// Block makes the named method wait until ctx is done, returning a
	// SubmitError that carries the signed hash.
	Block map[string]bool
	// Pending leaves receipts of newly submitted transactions pending.
	Pending bool
	// RequireApproval makes safeTransferFrom and exchangeWave revert when the
	// signer is not an approved operator of the token holder.
	RequireApproval bool

	Gas   uint64
	Price *big.Int
}

func New() *Client {
	return &Client{
		balances:  make(map[balanceKey]*big.Int),
		approvals: make(map[common.Address]map[common.Address]bool),
		receipts:  make(map[common.Hash]ledger.ReceiptStatus),
		native:    make(map[common.Address]*big.Int),
		Fail:      make(map[string]error),
		Block:     make(map[string]bool),
		Gas:       50_000,
		Price:     big.NewInt(2_000_000_000),
	}
}

func (c *Client) Submit(ctx context.Context, contract common.Address, method string, args []any, signer *ledger.Signer) (common.Hash, error) {
	c.mu.Lock()
	hash := c.nextHash()
	from := signer.Address()
	if err := c.Fail[method]; err != nil {
		c.mu.Unlock()
		return common.Hash{}, err
	}
	block := c.Block[method]
	c.mu.Unlock()

	if block {
		<-ctx.Done()
		return common.Hash{}, &ledger.SubmitError{Hash: hash, Err: ctx.Err()}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.apply(method, args, from); err != nil {
		return common.Hash{}, err
	}
	c.Calls = append(c.Calls, Call{Method: method, Args: args, From: from, Hash: hash})
	c.settle(hash)
	return hash, nil
}

func (c *Client) SendNative(ctx context.Context, to common.Address, amount *big.Int, signer *ledger.Signer) (common.Hash, error) {
	const method = "sendNative"
	c.mu.Lock()
	hash := c.nextHash()
	if err := c.Fail[method]; err != nil {
		c.mu.Unlock()
		return common.Hash{}, err
	}
	block := c.Block[method]
	c.mu.Unlock()

	if block {
		<-ctx.Done()
		return common.Hash{}, &ledger.SubmitError{Hash: hash, Err: ctx.Err()}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	bal := c.native[to]
	if bal == nil {
		bal = new(big.Int)
	}
	c.native[to] = new(big.Int).Add(bal, amount)
	c.Calls = append(c.Calls, Call{Method: method, Args: []any{to}, From: signer.Address(), Value: new(big.Int).Set(amount), Hash: hash})
	c.settle(hash)
	return hash, nil
}

func (c *Client) Call(ctx context.Context, contract common.Address, method string, args []any) ([]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.Fail[method]; err != nil {
		return nil, err
	}
	switch method {
	case ledger.MethodBalanceOf:
		owner, id := args[0].(common.Address), args[1].(*big.Int)
		return []any{new(big.Int).Set(c.balance(owner, id))}, nil
	case ledger.MethodIsApprovedAll:
		owner, op := args[0].(common.Address), args[1].(common.Address)
		return []any{c.approvals[owner][op]}, nil
	}
	return nil, fmt.Errorf("fake: unsupported call %s", method)
}

func (c *Client) EstimateGas(ctx context.Context, contract common.Address, method string, args []any, from common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.Fail["estimateGas"]; err != nil {
		return 0, err
	}
	return c.Gas, nil
}

func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.Fail["gasPrice"]; err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.Price), nil
}

func (c *Client) Receipt(ctx context.Context, hash common.Hash) (ledger.ReceiptStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.Fail["receipt"]; err != nil {
		return ledger.ReceiptPending, err
	}
	return c.receipts[hash], nil
}

// SetReceipt overrides the reported status of hash.
func (c *Client) SetReceipt(hash string, status ledger.ReceiptStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receipts[common.HexToHash(hash)] = status
}

// SetBalance seeds a holder's balance of a token.
func (c *Client) SetBalance(owner string, id ledger.TokenID, amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[balanceKey{common.HexToAddress(owner), id.Big().String()}] = big.NewInt(amount)
}

// Balance reads a holder's balance of a token.
func (c *Client) Balance(owner string, id ledger.TokenID) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balance(common.HexToAddress(owner), id.Big()).Int64()
}

// Approve records an operator grant without a transaction.
func (c *Client) Approve(owner, operator string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.grant(common.HexToAddress(owner), common.HexToAddress(operator), true)
}

func (c *Client) Approved(owner, operator string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.approvals[common.HexToAddress(owner)][common.HexToAddress(operator)]
}

// Native returns the native balance sent to addr.
func (c *Client) Native(addr string) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b := c.native[common.HexToAddress(addr)]; b != nil {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// CallsTo returns the recorded submissions of method.
func (c *Client) CallsTo(method string) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Call
	for _, call := range c.Calls {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

func (c *Client) apply(method string, args []any, from common.Address) error {
	switch method {
	case ledger.MethodMint:
		to, id, amount := args[0].(common.Address), args[1].(*big.Int), args[2].(*big.Int)
		c.add(to, id, amount)
	case ledger.MethodSafeTransfer:
		src, dst := args[0].(common.Address), args[1].(common.Address)
		id, amount := args[2].(*big.Int), args[3].(*big.Int)
		if err := c.checkOperator(src, from); err != nil {
			return err
		}
		if c.balance(src, id).Cmp(amount) < 0 {
			return fmt.Errorf("%w: insufficient balance for transfer", ErrReverted)
		}
		c.add(src, id, new(big.Int).Neg(amount))
		c.add(dst, id, amount)
	case ledger.MethodExchange:
		a, b := args[0].(common.Address), args[1].(common.Address)
		tokA, tokB := args[2].(*big.Int), args[3].(*big.Int)
		one := big.NewInt(1)
		if err := c.checkOperator(a, from); err != nil {
			return err
		}
		if err := c.checkOperator(b, from); err != nil {
			return err
		}
		if c.balance(a, tokA).Cmp(one) < 0 || c.balance(b, tokB).Cmp(one) < 0 {
			return fmt.Errorf("%w: insufficient balance for exchange", ErrReverted)
		}
		c.add(a, tokA, new(big.Int).Neg(one))
		c.add(b, tokA, one)
		c.add(b, tokB, new(big.Int).Neg(one))
		c.add(a, tokB, one)
	case ledger.MethodSetApproval:
		c.grant(from, args[0].(common.Address), args[1].(bool))
	default:
		return fmt.Errorf("fake: unsupported submit %s", method)
	}
	return nil
}

func (c *Client) checkOperator(holder, signer common.Address) error {
	if !c.RequireApproval || holder == signer || c.approvals[holder][signer] {
		return nil
	}
	return fmt.Errorf("%w: caller is not owner nor approved", ErrReverted)
}

func (c *Client) grant(owner, operator common.Address, approved bool) {
	m := c.approvals[owner]
	if m == nil {
		m = make(map[common.Address]bool)
		c.approvals[owner] = m
	}
	m[operator] = approved
}

func (c *Client) balance(owner common.Address, id *big.Int) *big.Int {
	if b := c.balances[balanceKey{owner, id.String()}]; b != nil {
		return b
	}
	return new(big.Int)
}

func (c *Client) add(owner common.Address, id, delta *big.Int) {
	k := balanceKey{owner, id.String()}
	c.balances[k] = new(big.Int).Add(c.balance(owner, id), delta)
}

func (c *Client) settle(hash common.Hash) {
	if c.Pending {
		c.receipts[hash] = ledger.ReceiptPending
		return
	}
	c.receipts[hash] = ledger.ReceiptSuccess
}

func (c *Client) nextHash() common.Hash {
	c.seq++
	return crypto.Keccak256Hash(big.NewInt(int64(c.seq)).Bytes())
}
