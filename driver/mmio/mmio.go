// Package mmio defines the capability to access memory-mapped
// registers, and the translation of Go memory into addresses a
// bus master such as a DMA controller can reach.
package mmio

import (
	"errors"
	"unsafe"
)

// Bus accesses registers at 32-bit bus addresses.
type Bus interface {
	Load32(addr uint32) uint32
	Store32(addr uint32, v uint32)
	Load16(addr uint32) uint16
	Store16(addr uint32, v uint16)
	// Barrier completes all preceding accesses before any
	// following access is issued.
	Barrier()
}

// AddressSpace translates Go memory into bus addresses.
type AddressSpace interface {
	// BusAddr returns the bus address of the first byte of p.
	// It fails if p is empty or not reachable by bus masters.
	BusAddr(p []byte) (uint32, error)
}

var ErrUnreachable = errors.New("mmio: memory not reachable by bus masters")

// Bytes returns the memory of s as a byte slice.
func Bytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var v T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(s))), len(s)*int(unsafe.Sizeof(v)))
}

// SetBits32 sets mask in the register at addr.
func SetBits32(b Bus, addr, mask uint32) {
	b.Store32(addr, b.Load32(addr)|mask)
}

// ClearBits32 clears mask in the register at addr.
func ClearBits32(b Bus, addr, mask uint32) {
	b.Store32(addr, b.Load32(addr)&^mask)
}

// ReplaceBits32 replaces the bits of mask at addr with value.
func ReplaceBits32(b Bus, addr, mask, value uint32) {
	b.Store32(addr, b.Load32(addr)&^mask|value&mask)
}
