package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/wavesops/internal/domain"
)

var (
	ledgerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waves_ledger_calls_total",
		Help: "Ledger gateway calls, labeled by method and outcome",
	}, []string{"method", "outcome"})

	ledgerCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "waves_ledger_call_duration_seconds",
		Help:    "Latency of ledger gateway calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"method"})
)

const (
	DefaultCallTimeout = 30 * time.Second
	opTransferAmount   = 1
)

// DefaultFundingBuffer is added on top of the estimated approval cost (0.001 ether).
var DefaultFundingBuffer = big.NewInt(1_000_000_000_000_000)

// Config is everything the gateway needs; there is no package-level chain state.
type Config struct {
	ContractAddress common.Address
	Custodian       *Signer
	CallTimeout     time.Duration
	FundingBuffer   *big.Int
}

type Gateway struct {
	client Client
	cfg    Config
	log    *logrus.Logger
}

func NewGateway(client Client, cfg Config, log *logrus.Logger) (*Gateway, error) {
	if client == nil {
		return nil, errors.New("ledger client is required")
	}
	if cfg.Custodian == nil {
		return nil, errors.New("custodial signer is required")
	}
	if cfg.ContractAddress == (common.Address{}) {
		return nil, errors.New("contract address is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.FundingBuffer == nil {
		cfg.FundingBuffer = new(big.Int).Set(DefaultFundingBuffer)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Gateway{client: client, cfg: cfg, log: log}, nil
}

// CustodianAddress is the operator every user wallet approves.
func (g *Gateway) CustodianAddress() string {
	return g.cfg.Custodian.Address().Hex()
}

// Mint creates quantity units of the (collectionTag, creatorID) token in the creator's wallet.
func (g *Gateway) Mint(ctx context.Context, creatorWallet, collectionTag string, creatorID, quantity int64, meta Metadata) (domain.OnChainSummary, error) {
	to, err := ParseAddress(creatorWallet)
	if err != nil {
		return domain.OnChainSummary{}, domain.Validation("creator wallet: %v", err)
	}
	if quantity <= 0 {
		return domain.OnChainSummary{}, domain.Validation("quantity must be positive")
	}
	data, err := meta.Pack()
	if err != nil {
		return domain.OnChainSummary{}, domain.Internal("encode mint metadata", err)
	}
	id := EncodeTokenID(collectionTag, creatorID)

	hash, err := g.submit(ctx, MethodMint, func(ctx context.Context) (common.Hash, error) {
		return g.client.Submit(ctx, g.cfg.ContractAddress, MethodMint,
			[]any{to, id.Big(), big.NewInt(quantity), data}, g.cfg.Custodian)
	})
	if err != nil {
		return domain.OnChainSummary{}, err
	}
	g.log.WithFields(logrus.Fields{
		"tx":       hash.Hex(),
		"token_id": id.Hex(),
		"to":       to.Hex(),
		"quantity": quantity,
	}).Info("minted waves")
	return domain.OnChainSummary{
		TrxHash: hash.Hex(),
		TokenID: id.Hex(),
		Message: fmt.Sprintf("minted %d units", quantity),
	}, nil
}

// BalanceOf returns how many units of the collection token address holds.
// An empty balance is 0, not an error.
func (g *Gateway) BalanceOf(ctx context.Context, address, collectionTag string, creatorID int64) (uint64, error) {
	return g.BalanceOfToken(ctx, address, EncodeTokenID(collectionTag, creatorID))
}

func (g *Gateway) BalanceOfToken(ctx context.Context, address string, id TokenID) (uint64, error) {
	account, err := ParseAddress(address)
	if err != nil {
		return 0, domain.Validation("balance address: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	out, err := g.client.Call(ctx, g.cfg.ContractAddress, MethodBalanceOf, []any{account, id.Big()})
	observe(MethodBalanceOf, start, err)
	if err != nil {
		return 0, domain.Ledger("balanceOf failed", "", false, err)
	}
	if len(out) == 0 {
		return 0, nil
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return 0, domain.Ledger(fmt.Sprintf("balanceOf returned %T", out[0]), "", false, nil)
	}
	if !bal.IsUint64() {
		return math.MaxUint64, nil
	}
	return bal.Uint64(), nil
}

// Transfer moves amount units from one address to another, signed by the
// custodial signer. The custodian must already be an approved operator for from.
func (g *Gateway) Transfer(ctx context.Context, from, to, collectionTag string, creatorID, amount int64) (domain.OnChainSummary, error) {
	if amount <= 0 {
		amount = opTransferAmount
	}
	src, err := ParseAddress(from)
	if err != nil {
		return domain.OnChainSummary{}, domain.Validation("transfer source: %v", err)
	}
	dst, err := ParseAddress(to)
	if err != nil {
		return domain.OnChainSummary{}, domain.Validation("transfer destination: %v", err)
	}
	id := EncodeTokenID(collectionTag, creatorID)

	hash, err := g.submit(ctx, MethodSafeTransfer, func(ctx context.Context) (common.Hash, error) {
		return g.client.Submit(ctx, g.cfg.ContractAddress, MethodSafeTransfer,
			[]any{src, dst, id.Big(), big.NewInt(amount), []byte{}}, g.cfg.Custodian)
	})
	if err != nil {
		return domain.OnChainSummary{}, err
	}
	return domain.OnChainSummary{
		TrxHash: hash.Hex(),
		TokenID: id.Hex(),
		Message: fmt.Sprintf("transferred %d unit(s)", amount),
	}, nil
}

// Exchange swaps one unit of tokenA held by partyA for one unit of tokenB
// held by partyB in a single contract call.
func (g *Gateway) Exchange(ctx context.Context, partyA, partyB string, tokenA, tokenB TokenID) (domain.OnChainSummary, error) {
	a, err := ParseAddress(partyA)
	if err != nil {
		return domain.OnChainSummary{}, domain.Validation("exchange party A: %v", err)
	}
	b, err := ParseAddress(partyB)
	if err != nil {
		return domain.OnChainSummary{}, domain.Validation("exchange party B: %v", err)
	}

	hash, err := g.submit(ctx, MethodExchange, func(ctx context.Context) (common.Hash, error) {
		return g.client.Submit(ctx, g.cfg.ContractAddress, MethodExchange,
			[]any{a, b, tokenA.Big(), tokenB.Big()}, g.cfg.Custodian)
	})
	if err != nil {
		return domain.OnChainSummary{}, err
	}
	return domain.OnChainSummary{TrxHash: hash.Hex(), Message: "exchanged waves"}, nil
}

// GrantApproval sets (or revokes) operator over all of owner's tokens. It is
// signed by the owner's own key.
func (g *Gateway) GrantApproval(ctx context.Context, owner *Signer, operator string, approved bool) (domain.OnChainSummary, error) {
	op, err := ParseAddress(operator)
	if err != nil {
		return domain.OnChainSummary{}, domain.Validation("operator: %v", err)
	}
	hash, err := g.submit(ctx, MethodSetApproval, func(ctx context.Context) (common.Hash, error) {
		return g.client.Submit(ctx, g.cfg.ContractAddress, MethodSetApproval, []any{op, approved}, owner)
	})
	if err != nil {
		return domain.OnChainSummary{}, err
	}
	g.log.WithFields(logrus.Fields{
		"tx":       hash.Hex(),
		"owner":    owner.Address().Hex(),
		"operator": op.Hex(),
		"approved": approved,
	}).Info("approval submitted")
	return domain.OnChainSummary{TrxHash: hash.Hex(), Message: fmt.Sprintf("approval set to %t", approved)}, nil
}

// FundApproval sends owner enough native currency to pay for its own
// setApprovalForAll call: estimatedGas * gasPrice + FundingBuffer.
func (g *Gateway) FundApproval(ctx context.Context, owner string) (domain.OnChainSummary, error) {
	to, err := ParseAddress(owner)
	if err != nil {
		return domain.OnChainSummary{}, domain.Validation("owner: %v", err)
	}

	amount, err := g.approvalCost(ctx, to)
	if err != nil {
		return domain.OnChainSummary{}, err
	}

	hash, err := g.submit(ctx, "sendNative", func(ctx context.Context) (common.Hash, error) {
		return g.client.SendNative(ctx, to, amount, g.cfg.Custodian)
	})
	if err != nil {
		return domain.OnChainSummary{}, err
	}
	g.log.WithFields(logrus.Fields{
		"tx":     hash.Hex(),
		"to":     to.Hex(),
		"amount": amount.String(),
	}).Info("funded wallet for approval")
	return domain.OnChainSummary{TrxHash: hash.Hex(), Message: fmt.Sprintf("funded %s wei", amount)}, nil
}

func (g *Gateway) approvalCost(ctx context.Context, owner common.Address) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	gas, err := g.client.EstimateGas(ctx, g.cfg.ContractAddress, MethodSetApproval,
		[]any{g.cfg.Custodian.Address(), true}, owner)
	observe("estimateGas", start, err)
	if err != nil {
		return nil, domain.Ledger("estimate approval gas", "", false, err)
	}

	start = time.Now()
	price, err := g.client.GasPrice(ctx)
	observe("gasPrice", start, err)
	if err != nil {
		return nil, domain.Ledger("gas price", "", false, err)
	}

	amount := new(big.Int).Mul(new(big.Int).SetUint64(gas), price)
	return amount.Add(amount, g.cfg.FundingBuffer), nil
}

// Receipt reports whether txHash has been mined and whether it succeeded.
func (g *Gateway) Receipt(ctx context.Context, txHash string) (ReceiptStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	status, err := g.client.Receipt(ctx, common.HexToHash(txHash))
	observe("receipt", start, err)
	if err != nil {
		return ReceiptPending, domain.Ledger("receipt lookup", txHash, false, err)
	}
	return status, nil
}

// submit runs a mutating call. It is detached from the caller's cancellation:
// once a transaction may have been broadcast we wait for the answer, bounded
// only by CallTimeout.
func (g *Gateway) submit(ctx context.Context, method string, fn func(context.Context) (common.Hash, error)) (common.Hash, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	hash, err := fn(ctx)
	observe(method, start, err)
	if err == nil {
		return hash, nil
	}

	// A signed transaction whose broadcast failed may still be mined, so its
	// outcome is as unknown as a timeout's.
	var txHash string
	var se *SubmitError
	signed := errors.As(err, &se)
	if signed {
		txHash = se.Hash.Hex()
	}
	timedOut := errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil
	indeterminate := signed || timedOut

	g.log.WithFields(logrus.Fields{
		"method":        method,
		"tx":            txHash,
		"indeterminate": indeterminate,
	}).WithError(err).Error("ledger submission failed")

	msg := method + " failed"
	switch {
	case timedOut:
		msg = method + " timed out; outcome unknown"
	case signed:
		msg = method + " broadcast failed; outcome unknown"
	}
	return common.Hash{}, domain.Ledger(msg, txHash, indeterminate, err)
}

func observe(method string, start time.Time, err error) {
	ledgerCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if errors.Is(err, context.DeadlineExceeded) {
			outcome = "timeout"
		}
	}
	ledgerCallsTotal.WithLabelValues(method, outcome).Inc()
}
