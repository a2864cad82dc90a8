package common

import (
	"encoding/hex"
	"fmt"

	"github.com/mr-tron/base58"
)

// EncodeBytesToBase58 encodes bytes directly to base58
func EncodeBytesToBase58(bytes []byte) string {
	return base58.Encode(bytes)
}

// DecodeBase58ToBytes decodes base58 string to bytes
func DecodeBase58ToBytes(base58Str string) ([]byte, error) {
	bytes, err := base58.Decode(base58Str)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base58 string: %w", err)
	}
	return bytes, nil
}

// ShortHex renders the first n bytes of b as hex, for log lines.
func ShortHex(b []byte, n int) string {
	if len(b) < n {
		n = len(b)
	}
	return hex.EncodeToString(b[:n])
}
