package common

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

func Keccak256(data []byte) Hash {
	hash := sha3.NewLegacyKeccak256()
	hash.Write(data)
	h := hash.Sum(nil)
	return BytesToHash(h)
}

// HashPair is keccak256(left || right), the node hash of the order commitment tree.
func HashPair(left, right Hash) Hash {
	hash := sha3.NewLegacyKeccak256()
	hash.Write(left[:])
	hash.Write(right[:])
	var out Hash
	hash.Sum(out[:0])
	return out
}

// Uint64ToBigEndian is used for LevelDB keys so that iteration order matches numeric order.
func Uint64ToBigEndian(val uint64) []byte {
	bytes := make([]byte, 8)
	binary.BigEndian.PutUint64(bytes, val)
	return bytes
}

func BigEndianToUint64(data []byte) uint64 {
	if len(data) < 8 {
		panic("BigEndianToUint64: byte slice too short")
	}
	return binary.BigEndian.Uint64(data)
}
