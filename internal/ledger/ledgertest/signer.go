package ledgertest

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/punchamoorthee/wavesops/internal/ledger"
)

// NewSigner returns a signer over a freshly generated key.
func NewSigner(t testing.TB) *ledger.Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := ledger.NewSigner(crypto.FromECDSA(key))
	require.NoError(t, err)
	return s
}
