// Package ledger talks to the waves token contract: it encodes token ids and
// metadata, and submits mint, transfer, exchange and approval transactions.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

type ReceiptStatus int

const (
	ReceiptPending ReceiptStatus = iota
	ReceiptSuccess
	ReceiptReverted
)

func (s ReceiptStatus) String() string {
	switch s {
	case ReceiptSuccess:
		return "success"
	case ReceiptReverted:
		return "reverted"
	default:
		return "pending"
	}
}

// Client is the narrow view of a chain node the gateway consumes.
type Client interface {
	Submit(ctx context.Context, contract common.Address, method string, args []any, signer *Signer) (common.Hash, error)
	Call(ctx context.Context, contract common.Address, method string, args []any) ([]any, error)
	EstimateGas(ctx context.Context, contract common.Address, method string, args []any, from common.Address) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	SendNative(ctx context.Context, to common.Address, amount *big.Int, signer *Signer) (common.Hash, error)
	Receipt(ctx context.Context, hash common.Hash) (ReceiptStatus, error)
}

// SubmitError is returned by a Client when a transaction was signed but its
// broadcast failed. Hash identifies the transaction that may or may not land.
type SubmitError struct {
	Hash common.Hash
	Err  error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("submit %s: %v", e.Hash.Hex(), e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Signer holds signing material for exactly one account. It is created per
// operation and never stored in shared state.
type Signer struct {
	key *ecdsa.PrivateKey
}

func NewSigner(privateKey []byte) (*Signer, error) {
	key, err := crypto.ToECDSA(privateKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{key: key}, nil
}

func SignerFromHex(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{key: key}, nil
}

func (s *Signer) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// PrivateKey exposes the key to Client implementations for signing.
func (s *Signer) PrivateKey() *ecdsa.PrivateKey {
	return s.key
}

// Zero overwrites the private scalar. The signer cannot sign afterwards.
func (s *Signer) Zero() {
	if s == nil || s.key == nil || s.key.D == nil {
		return
	}
	words := s.key.D.Bits()
	for i := range words {
		words[i] = 0
	}
	s.key.D.SetInt64(0)
}

var errBadAddress = errors.New("invalid address")

// ParseAddress accepts 0x-prefixed hex addresses in any case.
func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", errBadAddress, s)
	}
	return common.HexToAddress(s), nil
}
