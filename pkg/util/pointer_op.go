package util

import (
	"unsafe"
)

// Load and Store access a value inside arena memory.
func Load[T any](ptr unsafe.Pointer) T {
	return *(*T)(ptr)
}

func Store[T any](val T, ptr unsafe.Pointer) {
	*(*T)(ptr) = val
}

// Memset fills size bytes at ptr. Records are zeroed this way before
// their states are initialized.
func Memset(ptr unsafe.Pointer, val byte, size int) {
	data := PointerToSlice[byte](ptr, size)
	if val == 0 {
		clear(data)
		return
	}
	for i := range data {
		data[i] = val
	}
}

func PointerAdd(base unsafe.Pointer, offset int) unsafe.Pointer {
	return unsafe.Add(base, offset)
}

func PointerToSlice[T any](base unsafe.Pointer, len int) []T {
	return unsafe.Slice((*T)(base), len)
}
