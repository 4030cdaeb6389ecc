package ledger

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// TokenID identifies one creator's collection on the contract. It is used
// as the ERC-1155 uint256 id.
type TokenID [32]byte

// EncodeTokenID derives the token id of a (collection, creator) pair:
//
//	keccak256( uint32_be(len(tag)) || tag || uint64_be(creatorID) )
//
// The length prefix keeps ("wave1", 2) and ("wave", 12) apart.
func EncodeTokenID(collectionTag string, creatorID int64) TokenID {
	buf := make([]byte, 0, 4+len(collectionTag)+8)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(collectionTag)))
	buf = append(buf, collectionTag...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(creatorID))

	var id TokenID
	copy(id[:], crypto.Keccak256(buf))
	return id
}

// ParseTokenID reads the 0x-hex form stored on membership rows.
func ParseTokenID(s string) (TokenID, error) {
	var id TokenID
	raw, err := hexutil.Decode(s)
	if err != nil {
		return id, fmt.Errorf("decode token id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("token id must be %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func (id TokenID) Hex() string { return hexutil.Encode(id[:]) }

func (id TokenID) String() string { return id.Hex() }

func (id TokenID) Big() *big.Int { return new(big.Int).SetBytes(id[:]) }
