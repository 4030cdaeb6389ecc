package ledger

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/shopspring/decimal"
)

// Metadata is what a mint records on-chain about a collection.
type Metadata struct {
	CollectionTag string
	Name          string
	Price         decimal.Decimal
	Quantity      int64
	Description   string
}

// metadataArgs fixes the wire order: tag, name, price, quantity, description.
// Every field travels as an ABI string so the contract can decode it without
// knowing about decimals.
var metadataArgs = func() abi.Arguments {
	str, err := abi.NewType("string", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: str}, {Type: str}, {Type: str}, {Type: str}, {Type: str}}
}()

// Pack serialises the metadata for the mint call's data argument.
func (m Metadata) Pack() ([]byte, error) {
	return metadataArgs.Pack(
		m.CollectionTag,
		m.Name,
		m.Price.String(),
		strconv.FormatInt(m.Quantity, 10),
		m.Description,
	)
}

// UnpackMetadata reverses Pack.
func UnpackMetadata(data []byte) (Metadata, error) {
	vals, err := metadataArgs.Unpack(data)
	if err != nil {
		return Metadata{}, fmt.Errorf("unpack metadata: %w", err)
	}
	fields := make([]string, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			return Metadata{}, fmt.Errorf("unpack metadata: field %d is %T", i, v)
		}
		fields[i] = s
	}
	price, err := decimal.NewFromString(fields[2])
	if err != nil {
		return Metadata{}, fmt.Errorf("unpack metadata price: %w", err)
	}
	qty, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return Metadata{}, fmt.Errorf("unpack metadata quantity: %w", err)
	}
	return Metadata{
		CollectionTag: fields[0],
		Name:          fields[1],
		Price:         price,
		Quantity:      qty,
		Description:   fields[4],
	}, nil
}
