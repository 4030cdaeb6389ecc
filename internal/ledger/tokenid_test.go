package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeTokenID_Deterministic(t *testing.T) {
	a := EncodeTokenID("wave", 7)
	b := EncodeTokenID("wave", 7)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, EncodeTokenID("wave", 8))
	assert.NotEqual(t, a, EncodeTokenID("Wave", 7))
}

func TestEncodeTokenID_NoConcatenationCollisions(t *testing.T) {
	assert.NotEqual(t, EncodeTokenID("wave1", 2), EncodeTokenID("wave", 12))
	assert.NotEqual(t, EncodeTokenID("", 1), EncodeTokenID("\x00", 1))
}

func TestParseTokenID(t *testing.T) {
	id := EncodeTokenID("summer", 42)

	parsed, err := ParseTokenID(id.Hex())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
	assert.Equal(t, 0, parsed.Big().Cmp(id.Big()))

	_, err = ParseTokenID("0x1234")
	assert.Error(t, err)
	_, err = ParseTokenID("not-hex")
	assert.Error(t, err)
}
