package blob

import (
	"math/big"

	"github.com/google/uuid"
)

// KeyLength is the length of keys produced by NewKey.
const KeyLength = 28

// NewKey returns a random lowercase base36 key of KeyLength characters.
func NewKey() string {
	var raw [32]byte
	a, b := uuid.New(), uuid.New()
	copy(raw[:16], a[:])
	copy(raw[16:], b[:])
	s := new(big.Int).SetBytes(raw[:]).Text(36)
	for len(s) < KeyLength {
		s = "0" + s
	}
	return s[len(s)-KeyLength:]
}
