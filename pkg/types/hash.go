// Package types defines the value types shared by the gossip node:
// peer addresses and view digests.
package types

import (
	"encoding/hex"
	"fmt"
)

// HashSize is the length of a hash in bytes.
const HashSize = 32

// Hash is a 256-bit digest, used to compare membership views.
type Hash [HashSize]byte

// IsZero returns true if the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the hex-encoded hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 bytes in hex, for log lines.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:8])
}

// MarshalText encodes the hash as hex.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes hex into the hash. Empty text is the zero hash.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*h = Hash{}
		return nil
	}
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHash decodes exactly 64 hex characters.
func ParseHash(s string) (Hash, error) {
	if len(s) != 2*HashSize {
		return Hash{}, fmt.Errorf("hash must be %d hex chars, got %d", 2*HashSize, len(s))
	}
	var h Hash
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return Hash{}, fmt.Errorf("invalid hash hex: %w", err)
	}
	return h, nil
}
