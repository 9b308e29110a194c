package dmasim

import "sync"

// Peripheral is a simulated peripheral register window with a
// data register backed by a receive queue and a transmit log.
// Its receive request is asserted while the queue is non-empty,
// and its transmit request while it is ready to transmit.
type Peripheral struct {
	s      *Sim
	base   uint32
	size   uint32
	data   uint32
	rxData uint32

	rxReq, txReq uint8

	mu      sync.Mutex
	regs    map[uint32]uint32
	w1c     map[uint32]uint32
	rx      []uint32
	tx      []uint32
	writes  []Write
	txReady bool
	onWrite func(off, v uint32)
}

// Write is a recorded store to a peripheral register.
type Write struct {
	Offset uint32
	Value  uint32
	// DMA reports whether the engine performed the store.
	DMA bool
}

// AddPeripheral maps a peripheral of size bytes at base, with its
// data register at offset data. Request sources of zero are not
// connected.
func (s *Sim) AddPeripheral(base, size, data uint32, rx, tx uint8) *Peripheral {
	p := &Peripheral{
		s:       s,
		base:    base,
		size:    size,
		data:    data,
		rxData:  data,
		rxReq:   rx,
		txReq:   tx,
		regs:    make(map[uint32]uint32),
		w1c:     make(map[uint32]uint32),
		txReady: true,
	}
	s.mu.Lock()
	s.periphs = append(s.periphs, p)
	s.mu.Unlock()
	return p
}

// OnWrite calls f after every store, including those the engine
// performs. It runs with the simulator locked and must only
// call methods of the Peripheral.
func (p *Peripheral) OnWrite(f func(off, v uint32)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onWrite = f
}

// SetReceiveRegister moves the receive side of the data register
// to off, for peripherals with separate transmit and receive
// registers.
func (p *Peripheral) SetReceiveRegister(off uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rxData = off &^ 3
}

// Receive queues words to be read from the data register.
func (p *Peripheral) Receive(words ...uint32) {
	p.mu.Lock()
	p.rx = append(p.rx, words...)
	p.mu.Unlock()
	p.s.poke()
}

// ReceiveBytes queues bytes to be read from the data register.
func (p *Peripheral) ReceiveBytes(b []byte) {
	words := make([]uint32, len(b))
	for i, v := range b {
		words[i] = uint32(v)
	}
	p.Receive(words...)
}

// Pending returns the number of queued receive words.
func (p *Peripheral) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rx)
}

// Transmitted returns the words stored to the data register.
func (p *Peripheral) Transmitted() []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint32(nil), p.tx...)
}

// TransmittedBytes returns the low bytes of the words stored to
// the data register.
func (p *Peripheral) TransmittedBytes() []byte {
	tx := p.Transmitted()
	b := make([]byte, len(tx))
	for i, w := range tx {
		b[i] = byte(w)
	}
	return b
}

// Writes returns every recorded store, in order.
func (p *Peripheral) Writes() []Write {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Write(nil), p.writes...)
}

// SetTxReady controls the transmit request.
func (p *Peripheral) SetTxReady(ready bool) {
	p.mu.Lock()
	p.txReady = ready
	p.mu.Unlock()
	p.s.poke()
}

// Reg returns the value of the register at off.
func (p *Peripheral) Reg(off uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.regs[off&^3]
}

// SetReg sets the register at off.
func (p *Peripheral) SetReg(off, v uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs[off&^3] = v
}

// SetBits sets bits in the register at off.
func (p *Peripheral) SetBits(off, mask uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs[off&^3] |= mask
}

// W1C makes the mask bits of the register at off clear when
// written with one.
func (p *Peripheral) W1C(off, mask uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.w1c[off&^3] = mask
}

func (p *Peripheral) requests(src uint8) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if src == p.rxReq && len(p.rx) > 0 {
		return true
	}
	return src == p.txReq && p.txReady
}

func (p *Peripheral) read(off, size uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if off&^3 == p.rxData {
		if len(p.rx) == 0 {
			return 0
		}
		v := p.rx[0]
		p.rx = p.rx[1:]
		return v
	}
	v := p.regs[off&^3] >> (off & 3 * 8)
	switch size {
	case 1:
		return v & 0xff
	case 2:
		return v & 0xffff
	}
	return v
}

func (p *Peripheral) write(off, size, v uint32, dma bool) {
	p.mu.Lock()
	p.writes = append(p.writes, Write{Offset: off, Value: v, DMA: dma})
	if off&^3 == p.data {
		p.tx = append(p.tx, v)
	} else {
		r := off &^ 3
		if mask, ok := p.w1c[r]; ok {
			cur := p.regs[r]
			v = cur&mask&^v | v&^mask
		}
		p.regs[r] = v
	}
	hook := p.onWrite
	p.mu.Unlock()
	if hook != nil {
		hook(off, v)
	}
}
