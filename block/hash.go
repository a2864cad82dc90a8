package block

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/gardenledger/garden/common"
)

const HashSize = 32

// Hash is a sha256 digest identifying a block.
type Hash [HashSize]byte

// RootHash is the previous hash of every genesis block.
var RootHash Hash

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 hex characters, for log lines.
func (h Hash) Short() string {
	return common.ShortHex(h[:], 4)
}

func (h Hash) IsRoot() bool {
	return h == RootHash
}

func (h Hash) Bytes() []byte {
	return h[:]
}

// Less orders hashes lexicographically by their bytes.
func (h Hash) Less(o Hash) bool {
	return bytes.Compare(h[:], o[:]) < 0
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HashFromHex(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// HashFromHex parses a 64 character hex string.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(raw) != HashSize {
		return h, fmt.Errorf("invalid hash length %d, want %d", len(raw), HashSize)
	}
	copy(h[:], raw)
	return h, nil
}
