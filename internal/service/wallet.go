package service

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/punchamoorthee/wavesops/internal/domain"
	"github.com/punchamoorthee/wavesops/internal/keyvault"
	"github.com/punchamoorthee/wavesops/internal/store"
)

// Sealer encrypts private keys for storage.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
}

// Approvals schedules and reports the operator grant of new wallets.
type Approvals interface {
	Schedule(ctx context.Context, owner string) (domain.ApprovalJob, error)
	Status(ctx context.Context, owner string) (domain.ApprovalJob, error)
}

type WalletService struct {
	users     store.Users
	wallets   store.Wallets
	vault     Sealer
	approvals Approvals
	log       *logrus.Logger
}

func NewWalletService(users store.Users, wallets store.Wallets, vault Sealer, approvals Approvals, log *logrus.Logger) *WalletService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &WalletService{users: users, wallets: wallets, vault: vault, approvals: approvals, log: log}
}

// CreateWallet generates a custodial key pair for userID, stores the sealed
// private key and schedules the approval grant. Approval problems are not
// reported to the caller; they are visible through ApprovalStatus.
func (s *WalletService) CreateWallet(ctx context.Context, userID int64) domain.Result[domain.Wallet] {
	w, err := s.createWallet(ctx, userID)
	outcome := "ok"
	if err != nil {
		outcome = string(domain.AsError(err).Kind)
	}
	coordinatorOps.WithLabelValues("create_wallet", outcome).Inc()
	if err != nil {
		return domain.Fail[domain.Wallet](err)
	}
	return domain.Ok(w, "Wallet created", "")
}

func (s *WalletService) createWallet(ctx context.Context, userID int64) (domain.Wallet, error) {
	u, err := s.users.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Wallet{}, domain.Validation("user %d not found", userID)
	}
	if err != nil {
		return domain.Wallet{}, domain.Internal("load user", err)
	}
	if u.WalletAddress != "" {
		return domain.Wallet{}, domain.Conflict("user %d already has wallet %s", userID, u.WalletAddress)
	}

	kp, err := keyvault.GenerateKeyPair()
	if err != nil {
		return domain.Wallet{}, err
	}
	sealed, err := s.vault.Seal(kp.PrivateKey)
	keyvault.Zero(kp.PrivateKey)
	if err != nil {
		return domain.Wallet{}, err
	}

	w, err := s.wallets.CreateWallet(ctx, domain.Wallet{
		Address:          kp.Address,
		PublicKey:        kp.PublicKey,
		PrivateKeyDigest: sealed,
		UserID:           userID,
	})
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return domain.Wallet{}, domain.Conflict("user %d already has a wallet", userID)
	case errors.Is(err, store.ErrNotFound):
		return domain.Wallet{}, domain.Validation("user %d not found", userID)
	case err != nil:
		return domain.Wallet{}, domain.Internal("store wallet", err)
	}

	entry := s.log.WithFields(logrus.Fields{"user": userID, "address": w.Address})
	if _, err := s.approvals.Schedule(context.WithoutCancel(ctx), w.Address); err != nil {
		entry.WithError(err).Error("failed to schedule approval grant")
	} else {
		entry.Info("wallet created; approval scheduled")
	}
	return w, nil
}

// ApprovalStatus reports the latest approval job for a wallet address.
func (s *WalletService) ApprovalStatus(ctx context.Context, address string) domain.Result[domain.ApprovalJob] {
	if !common.IsHexAddress(address) {
		return domain.Fail[domain.ApprovalJob](domain.Validation("invalid address %q", address))
	}
	job, err := s.approvals.Status(ctx, common.HexToAddress(address).Hex())
	if errors.Is(err, store.ErrNotFound) {
		return domain.Fail[domain.ApprovalJob](domain.Validation("no approval job for %s", address))
	}
	if err != nil {
		return domain.Fail[domain.ApprovalJob](domain.Internal("load approval job", err))
	}
	return domain.Ok(job, string(job.State), "")
}
