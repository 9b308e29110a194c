//go:build linux && !tinygo

package mmio

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/pmem"
)

// DevMem is a Bus and AddressSpace for Linux hosts with access
// to physical memory through /dev/mem. Registers are mapped
// from a single physical window, and DMA-reachable buffers are
// allocated with Alloc.
type DevMem struct {
	base uint32
	regs []byte

	mu     sync.Mutex
	allocs []*pmem.MemAlloc
}

var fence uint32

// OpenDevMem maps size bytes of registers starting at the
// physical address base.
func OpenDevMem(base uint32, size int) (*DevMem, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("mmio: %w", err)
	}
	f, err := os.OpenFile("/dev/mem", os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("mmio: %w", err)
	}
	defer f.Close()
	regs, err := unix.Mmap(int(f.Fd()), int64(base), size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmio: mmap %#x: %w", base, err)
	}
	return &DevMem{base: base, regs: regs}, nil
}

func (d *DevMem) ptr(addr uint32, width uint32) unsafe.Pointer {
	off := addr - d.base
	if addr < d.base || int(off+width) > len(d.regs) {
		panic(fmt.Sprintf("mmio: address %#x outside mapped window", addr))
	}
	return unsafe.Pointer(&d.regs[off])
}

func (d *DevMem) Load32(addr uint32) uint32 {
	return atomic.LoadUint32((*uint32)(d.ptr(addr, 4)))
}

func (d *DevMem) Store32(addr uint32, v uint32) {
	atomic.StoreUint32((*uint32)(d.ptr(addr, 4)), v)
}

func (d *DevMem) Load16(addr uint32) uint16 {
	return *(*uint16)(d.ptr(addr, 2))
}

func (d *DevMem) Store16(addr uint32, v uint16) {
	*(*uint16)(d.ptr(addr, 2)) = v
}

func (d *DevMem) Barrier() {
	atomic.AddUint32(&fence, 1)
}

// Alloc returns size bytes of physically contiguous memory,
// reachable by BusAddr. Size must be a multiple of the page
// size.
func (d *DevMem) Alloc(size int) ([]byte, error) {
	m, err := pmem.Alloc(size)
	if err != nil {
		return nil, fmt.Errorf("mmio: %w", err)
	}
	if m.PhysAddr()+uint64(size) > 1<<32 {
		m.Close()
		return nil, fmt.Errorf("mmio: allocation at %#x: %w", m.PhysAddr(), ErrUnreachable)
	}
	d.mu.Lock()
	d.allocs = append(d.allocs, m)
	d.mu.Unlock()
	return m.Bytes(), nil
}

func (d *DevMem) BusAddr(p []byte) (uint32, error) {
	if len(p) == 0 {
		return 0, ErrUnreachable
	}
	start := uintptr(unsafe.Pointer(unsafe.SliceData(p)))
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.allocs {
		b := m.Bytes()
		base := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
		if start >= base && start+uintptr(len(p)) <= base+uintptr(len(b)) {
			return uint32(m.PhysAddr() + uint64(start-base)), nil
		}
	}
	return 0, ErrUnreachable
}

// Close unmaps the registers and frees all allocations.
func (d *DevMem) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.allocs {
		m.Close()
	}
	d.allocs = nil
	return unix.Munmap(d.regs)
}
