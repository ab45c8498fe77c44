package util

import (
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

const (
	M    uint64 = 0xc6a4a7935bd1e995
	SEED uint64 = 0xe17a1465
)

func HashBytes(data []byte) uint64 {
	return xxhash.Sum64(data)
}

func HashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

func HashPtrBytes(ptr unsafe.Pointer, len int) uint64 {
	return xxhash.Sum64(PointerToSlice[byte](ptr, len))
}

// HashU64 is the murmur3 finalizer. Every input bit reaches the
// high bits used for shard selection.
func HashU64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

func CombineHash(a, b uint64) uint64 {
	a ^= b * M
	a ^= a >> 47
	return a * M
}

// Hash128 hashes two fixed words.
func Hash128(lo, hi uint64) uint64 {
	return CombineHash(HashU64(lo^SEED), HashU64(hi))
}
