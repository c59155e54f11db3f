// Package crypto provides the hashing primitives used by the gossip node.
package crypto

import (
	"encoding/binary"

	"github.com/Klingon-tech/klingnet-gossip/pkg/types"
	"github.com/zeebo/blake3"
)

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// HashStrings hashes an ordered list of strings. Each item is length
// prefixed so ["ab","c"] and ["a","bc"] never collide.
func HashStrings(items []string) types.Hash {
	h := blake3.New()
	var lenBuf [4]byte
	for _, s := range items {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}
