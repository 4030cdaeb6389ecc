// Package keyvault generates custodial key pairs and seals private key
// material at rest.
package keyvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/bcrypt"

	"github.com/punchamoorthee/wavesops/internal/domain"
)

// KeySize is the length of the process-wide sealing secret (AES-256).
const KeySize = 32

// KeyPair is a freshly generated secp256k1 key. PrivateKey must be sealed
// and zeroed by the caller; it never leaves the process unencrypted.
type KeyPair struct {
	Address    string
	PublicKey  string
	PrivateKey []byte
}

// GenerateKeyPair creates a new account key from the system entropy source.
func GenerateKeyPair() (KeyPair, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return KeyPair{}, domain.KeyVault("generate key pair", err)
	}
	return KeyPair{
		Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PublicKey:  hexutil.Encode(crypto.FromECDSAPub(&key.PublicKey)),
		PrivateKey: crypto.FromECDSA(key),
	}, nil
}

// Encrypt seals plaintext with AES-256-GCM. The random nonce is stored as
// the ciphertext prefix so Decrypt never has to guess it.
func Encrypt(plaintext, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", domain.KeyVault("generate nonce", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return hex.EncodeToString(sealed), nil
}

// Decrypt opens a digest produced by Encrypt.
func Decrypt(ciphertext string, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(ciphertext, "0x"))
	if err != nil {
		return nil, domain.KeyVault("malformed ciphertext", err)
	}
	if len(raw) < gcm.NonceSize()+gcm.Overhead() {
		return nil, domain.KeyVault("ciphertext too short", nil)
	}
	nonce, body := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, domain.KeyVault("decrypt", err)
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, domain.KeyVault(fmt.Sprintf("sealing key must be %d bytes, got %d", KeySize, len(key)), nil)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, domain.KeyVault("create cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, domain.KeyVault("create GCM", err)
	}
	return gcm, nil
}

// Vault binds the process-wide sealing secret.
type Vault struct {
	key []byte
}

// New builds a Vault from a hex-encoded 32-byte secret.
func New(hexKey string) (*Vault, error) {
	key, err := hex.DecodeString(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	return &Vault{key: key}, nil
}

func (v *Vault) Seal(plaintext []byte) (string, error) {
	return Encrypt(plaintext, v.key)
}

func (v *Vault) Open(ciphertext string) ([]byte, error) {
	return Decrypt(ciphertext, v.key)
}

// HashSecret returns a bcrypt hash of plain. cost <= 0 uses bcrypt.DefaultCost.
func HashSecret(plain string, cost int) (string, error) {
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", domain.KeyVault("hash secret", err)
	}
	return string(hash), nil
}

// CompareSecret reports whether plain matches a bcrypt hash.
func CompareSecret(plain, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// Zero overwrites b. Callers use it on decrypted key material once signing is done.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
