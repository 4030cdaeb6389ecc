package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/wavesops/internal/domain"
	"github.com/punchamoorthee/wavesops/internal/keyvault"
	"github.com/punchamoorthee/wavesops/internal/store"
)

const testVaultKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type recordingApprovals struct {
	mu        sync.Mutex
	scheduled []string
	err       error
	jobs      map[string]domain.ApprovalJob
}

func (r *recordingApprovals) Schedule(_ context.Context, owner string) (domain.ApprovalJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return domain.ApprovalJob{}, r.err
	}
	r.scheduled = append(r.scheduled, owner)
	job := domain.ApprovalJob{ID: "job-" + owner, Owner: owner, State: domain.ApprovalQueued}
	if r.jobs == nil {
		r.jobs = map[string]domain.ApprovalJob{}
	}
	r.jobs[owner] = job
	return job, nil
}

func (r *recordingApprovals) Status(_ context.Context, owner string) (domain.ApprovalJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[owner]
	if !ok {
		return domain.ApprovalJob{}, store.ErrNotFound
	}
	return job, nil
}

func newWalletService(t *testing.T) (*WalletService, *store.Memory, *recordingApprovals, *keyvault.Vault) {
	t.Helper()
	vault, err := keyvault.New(testVaultKey)
	require.NoError(t, err)
	db := store.NewMemory()
	db.PutUser(domain.User{ID: 7, Username: "grace", Role: domain.RoleGeneral})
	approvals := &recordingApprovals{}
	return NewWalletService(db, db, vault, approvals, quietLogger()), db, approvals, vault
}

func TestCreateWallet(t *testing.T) {
	svc, db, approvals, vault := newWalletService(t)
	ctx := context.Background()

	res := svc.CreateWallet(ctx, 7)
	require.NoError(t, res.Error())
	w := res.Data
	assert.Equal(t, int64(7), w.UserID)
	assert.NotEmpty(t, w.Address)

	stored, err := db.GetWalletByAddress(ctx, w.Address)
	require.NoError(t, err)
	key, err := vault.Open(stored.PrivateKeyDigest)
	require.NoError(t, err)
	assert.Len(t, key, 32)
	assert.NotContains(t, stored.PrivateKeyDigest, w.Address)

	u, err := db.GetUser(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, w.Address, u.WalletAddress)
	assert.Equal(t, []string{w.Address}, approvals.scheduled)

	status := svc.ApprovalStatus(ctx, w.Address)
	require.NoError(t, status.Error())
	assert.Equal(t, domain.ApprovalQueued, status.Data.State)

	again := svc.CreateWallet(ctx, 7)
	assert.ErrorIs(t, again.Error(), domain.ErrConflict)
}

func TestCreateWallet_UnknownUser(t *testing.T) {
	svc, _, approvals, _ := newWalletService(t)

	res := svc.CreateWallet(context.Background(), 404)
	assert.ErrorIs(t, res.Error(), domain.ErrValidation)
	assert.Empty(t, approvals.scheduled)
}

func TestCreateWallet_ApprovalFailureIsNotSurfaced(t *testing.T) {
	svc, _, approvals, _ := newWalletService(t)
	approvals.err = errors.New("queue unavailable")

	res := svc.CreateWallet(context.Background(), 7)
	assert.NoError(t, res.Error())
}

func TestApprovalStatus_Validation(t *testing.T) {
	svc, _, _, _ := newWalletService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.ApprovalStatus(ctx, "nope").Error(), domain.ErrValidation)
	assert.ErrorIs(t, svc.ApprovalStatus(ctx, "0x5FbDB2315678afecb367f032d93F642f64180aa3").Error(), domain.ErrValidation)
}
