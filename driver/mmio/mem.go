package mmio

import "sync"

// Mem is a Bus backed by plain, sparsely allocated memory.
// The zero value is ready for use.
type Mem struct {
	mu    sync.Mutex
	words map[uint32]uint32
}

func (m *Mem) Load32(addr uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.words[addr&^3]
}

func (m *Mem) Store32(addr uint32, v uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.words == nil {
		m.words = make(map[uint32]uint32)
	}
	m.words[addr&^3] = v
}

func (m *Mem) Load16(addr uint32) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint16(m.words[addr&^3] >> (addr & 2 * 8))
}

func (m *Mem) Store16(addr uint32, v uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.words == nil {
		m.words = make(map[uint32]uint32)
	}
	shift := addr & 2 * 8
	w := m.words[addr&^3]
	m.words[addr&^3] = w&^(0xffff<<shift) | uint32(v)<<shift
}

func (m *Mem) Barrier() {}
