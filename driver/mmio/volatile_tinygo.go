//go:build tinygo

package mmio

import (
	"device/arm"
	"runtime/volatile"
	"unsafe"
)

// Volatile is the Bus of the running microcontroller.
type Volatile struct{}

func (Volatile) Load32(addr uint32) uint32 {
	return volatile.LoadUint32((*uint32)(unsafe.Pointer(uintptr(addr))))
}

func (Volatile) Store32(addr uint32, v uint32) {
	volatile.StoreUint32((*uint32)(unsafe.Pointer(uintptr(addr))), v)
}

func (Volatile) Load16(addr uint32) uint16 {
	return volatile.LoadUint16((*uint16)(unsafe.Pointer(uintptr(addr))))
}

func (Volatile) Store16(addr uint32, v uint16) {
	volatile.StoreUint16((*uint16)(unsafe.Pointer(uintptr(addr))), v)
}

func (Volatile) Barrier() {
	arm.Asm("dsb 0xF")
}

// Direct is the AddressSpace of the running microcontroller,
// where bus addresses equal CPU addresses.
type Direct struct{}

func (Direct) BusAddr(p []byte) (uint32, error) {
	if len(p) == 0 {
		return 0, ErrUnreachable
	}
	return uint32(uintptr(unsafe.Pointer(unsafe.SliceData(p)))), nil
}
