package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// EthConfig configures the JSON-RPC backed Client.
type EthConfig struct {
	RPCURL  string
	ChainID int64
	// RPS caps outgoing RPC round trips (a submission counts once).
	RPS   float64
	Burst int
}

// EthClient implements Client on top of go-ethereum's ethclient.
type EthClient struct {
	rpc     *ethclient.Client
	abi     abi.ABI
	chainID *big.Int
	limiter *rate.Limiter

	mu     sync.Mutex
	nonces map[common.Address]*sync.Mutex
}

func DialEth(ctx context.Context, cfg EthConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("RPC URL required")
	}
	if cfg.ChainID <= 0 {
		return nil, errors.New("chain id required")
	}
	parsed, err := WavesTokenABI()
	if err != nil {
		return nil, fmt.Errorf("parse token ABI: %w", err)
	}
	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &EthClient{
		rpc:     rpc,
		abi:     parsed,
		chainID: big.NewInt(cfg.ChainID),
		limiter: rate.NewLimiter(limit, burst),
		nonces:  make(map[common.Address]*sync.Mutex),
	}, nil
}

func (c *EthClient) Close() {
	c.rpc.Close()
}

func (c *EthClient) Submit(ctx context.Context, contract common.Address, method string, args []any, signer *Signer) (common.Hash, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}
	return c.send(ctx, &contract, data, nil, signer)
}

func (c *EthClient) SendNative(ctx context.Context, to common.Address, amount *big.Int, signer *Signer) (common.Hash, error) {
	return c.send(ctx, &to, nil, amount, signer)
}

func (c *EthClient) Call(ctx context.Context, contract common.Address, method string, args []any) ([]any, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return c.abi.Unpack(method, out)
}

func (c *EthClient) EstimateGas(ctx context.Context, contract common.Address, method string, args []any, from common.Address) (uint64, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return 0, fmt.Errorf("pack %s: %w", method, err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return c.rpc.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &contract, Data: data})
}

func (c *EthClient) GasPrice(ctx context.Context) (*big.Int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.rpc.SuggestGasPrice(ctx)
}

func (c *EthClient) Receipt(ctx context.Context, hash common.Hash) (ReceiptStatus, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return ReceiptPending, err
	}
	receipt, err := c.rpc.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return ReceiptPending, nil
	}
	if err != nil {
		return ReceiptPending, err
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return ReceiptSuccess, nil
	}
	return ReceiptReverted, nil
}

// send builds, signs and broadcasts an EIP-1559 transaction. Nonce
// allocation is serialised per sender so concurrent submissions from the
// custodial signer do not collide.
func (c *EthClient) send(ctx context.Context, to *common.Address, data []byte, value *big.Int, signer *Signer) (common.Hash, error) {
	from := signer.Address()
	lock := c.senderLock(from)
	lock.Lock()
	defer lock.Unlock()

	if value == nil {
		value = new(big.Int)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return common.Hash{}, err
	}

	nonce, err := c.rpc.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce: %w", err)
	}
	tip, err := c.rpc.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas tip: %w", err)
	}
	head, err := c.rpc.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latest header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))

	gas, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{From: from, To: to, Data: data, Value: value})
	if err != nil {
		// Reverts surface here with the contract's reason string.
		return common.Hash{}, err
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        to,
		Value:     value,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), signer.PrivateKey())
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign: %w", err)
	}
	if err := c.rpc.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, &SubmitError{Hash: signed.Hash(), Err: err}
	}
	return signed.Hash(), nil
}

func (c *EthClient) senderLock(addr common.Address) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.nonces[addr]
	if !ok {
		l = &sync.Mutex{}
		c.nonces[addr] = l
	}
	return l
}
