package crypto

import (
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"
)

// HashSize is the size in bytes of every digest produced by this package.
const HashSize = 32

// MaxTarget is the production upper bound for proof-of-work targets: the
// target for difficulty 1. 2^224 leaves the top 32 bits of a valid hash zero,
// which keeps difficulty-1 mining fast while still being a real search.
var MaxTarget = new(uint256.Int).Lsh(uint256.NewInt(1), 224)

// Blake3Hash computes the BLAKE3-256 digest of data. This is the canonical
// block header hash function.
func Blake3Hash(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// Keccak256Hash computes the legacy Keccak-256 digest of data, used for the
// transaction summary root.
func Keccak256Hash(data []byte) [32]byte {
	var h [32]byte
	d := sha3.NewLegacyKeccak256()
	d.Write(data)
	copy(h[:], d.Sum(nil))
	return h
}
