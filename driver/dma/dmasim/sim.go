// Package dmasim simulates the eDMA controller of the MCXA276
// and the request interface of simple peripherals.
//
// A Sim is both the register Bus and the AddressSpace of a
// simulated system. Go buffers translated by BusAddr are mapped
// into the simulated SRAM, and descriptors are executed against
// them. Execution happens only in Step, Run, RunMajor, or in the
// background after Start, never during a register access, and
// channel interrupts are delivered from there through
// critical.Do.
package dmasim

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"mcxa.dev/driver/critical"
	"mcxa.dev/driver/mmio"
)

const (
	NumChannels = 8

	mpBase    = 0x4008_0000
	chBase    = 0x4008_1000
	chStride  = 0x1000
	chWindow  = 0x40
	sramBase  = 0x2000_0000
	sramEnd   = 0x3000_0000
	periphLow = 0x4000_0000
	periphEnd = 0x6000_0000

	chCSR = 0x00
	chES  = 0x04
	chINT = 0x08
	chSBR = 0x0c
	chPRI = 0x10
	chMUX = 0x14
	tcd   = 0x20

	csrERQ     = 1 << 0
	csrEARQ    = 1 << 1
	csrEEI     = 1 << 2
	csrEBW     = 1 << 3
	csrDONE    = 1 << 30
	csrControl = csrERQ | csrEARQ | csrEEI | csrEBW
	esERR      = 1 << 31

	tcdStart     = 1 << 0
	tcdIntMajor  = 1 << 1
	tcdIntHalf   = 1 << 2
	tcdDReq      = 1 << 3
	tcdESG       = 1 << 4
	tcdMajorLink = 1 << 5

	iterELink = 1 << 15
)

// Error status bits.
const (
	errDBE = 1 << iota
	errSBE
	errSGE
	errNCE
	errDOE
	errDAE
	errSOE
	errSAE
)

// maxSteps bounds a single Run against channels that never
// stop requesting.
const maxSteps = 1 << 16

type channel struct {
	regs [chWindow]byte
}

// desc is a decoded transfer control descriptor.
type desc struct {
	saddr    uint32
	soff     int16
	attr     uint16
	nbytes   uint32
	slast    int32
	daddr    uint32
	doff     int16
	citer    uint16
	dlastsga int32
	csr      uint16
	biter    uint16
}

func decode(b []byte) desc {
	le := binary.LittleEndian
	return desc{
		saddr:    le.Uint32(b[0x00:]),
		soff:     int16(le.Uint16(b[0x04:])),
		attr:     le.Uint16(b[0x06:]),
		nbytes:   le.Uint32(b[0x08:]),
		slast:    int32(le.Uint32(b[0x0c:])),
		daddr:    le.Uint32(b[0x10:]),
		doff:     int16(le.Uint16(b[0x14:])),
		citer:    le.Uint16(b[0x16:]),
		dlastsga: int32(le.Uint32(b[0x18:])),
		csr:      le.Uint16(b[0x1c:]),
		biter:    le.Uint16(b[0x1e:]),
	}
}

func (d *desc) encode(b []byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0x00:], d.saddr)
	le.PutUint16(b[0x04:], uint16(d.soff))
	le.PutUint16(b[0x06:], d.attr)
	le.PutUint32(b[0x08:], d.nbytes)
	le.PutUint32(b[0x0c:], uint32(d.slast))
	le.PutUint32(b[0x10:], d.daddr)
	le.PutUint16(b[0x14:], uint16(d.doff))
	le.PutUint16(b[0x16:], d.citer)
	le.PutUint32(b[0x18:], uint32(d.dlastsga))
	le.PutUint16(b[0x1c:], d.csr)
	le.PutUint16(b[0x1e:], d.biter)
}

func count(iter uint16) uint16 {
	if iter&iterELink != 0 {
		return iter & 0x1ff
	}
	return iter & 0x7fff
}

func withCount(iter, n uint16) uint16 {
	if iter&iterELink != 0 {
		return iter&^0x1ff | n
	}
	return iter&^0x7fff | n
}

func (c *channel) reg(off uint32) uint32 {
	return binary.LittleEndian.Uint32(c.regs[off:])
}

func (c *channel) setReg(off, v uint32) {
	binary.LittleEndian.PutUint32(c.regs[off:], v)
}

func (c *channel) desc() desc {
	return decode(c.regs[tcd:])
}

func (c *channel) setDesc(d desc) {
	d.encode(c.regs[tcd:])
}

type region struct {
	addr uint32
	buf  []byte
}

// Sim is a simulated eDMA controller.
type Sim struct {
	mu      sync.Mutex
	mpCSR   uint32
	mpES    uint32
	chans   [NumChannels]channel
	regions []region
	next    uint32
	mem     map[uint32]byte
	periphs []*Peripheral
	lines   map[uint8]int
	pending []int
	last    int
	handler func(ch int)

	kick chan struct{}
	quit chan struct{}
	done chan struct{}
}

func New() *Sim {
	return &Sim{
		next:  sramBase,
		mem:   make(map[uint32]byte),
		lines: make(map[uint8]int),
		kick:  make(chan struct{}, 1),
		last:  NumChannels - 1,
	}
}

// SetInterruptHandler sets the function called with the index of
// a channel whose interrupt is raised.
func (s *Sim) SetInterruptHandler(h func(ch int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// BusAddr maps the memory of p, and the rest of its capacity,
// into simulated SRAM.
func (s *Sim) BusAddr(p []byte) (uint32, error) {
	if len(p) == 0 {
		return 0, mmio.ErrUnreachable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ptr := uintptr(unsafe.Pointer(unsafe.SliceData(p)))
	for _, r := range s.regions {
		base := uintptr(unsafe.Pointer(unsafe.SliceData(r.buf)))
		if ptr >= base && ptr+uintptr(len(p)) <= base+uintptr(len(r.buf)) {
			return r.addr + uint32(ptr-base), nil
		}
	}
	full := p[:cap(p)]
	addr := s.next
	if uint64(addr)+uint64(len(full)) > sramEnd {
		return 0, fmt.Errorf("dmasim: SRAM exhausted: %w", mmio.ErrUnreachable)
	}
	s.regions = append(s.regions, region{addr: addr, buf: full})
	// Separate regions by a gap to catch overruns.
	s.next = (addr + uint32(len(full)) + 2*32 - 1) &^ (32 - 1)
	return addr, nil
}

// Request asserts n one-shot requests on the request source src.
func (s *Sim) Request(src uint8, n int) {
	s.mu.Lock()
	s.lines[src] += n
	s.mu.Unlock()
	s.poke()
}

func (s *Sim) poke() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Start executes channels in the background until Stop.
func (s *Sim) Start() {
	s.quit = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop()
}

// Stop stops background execution.
func (s *Sim) Stop() {
	close(s.quit)
	<-s.done
}

func (s *Sim) loop() {
	defer close(s.done)
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()
	for {
		s.Run()
		select {
		case <-s.kick:
		case <-t.C:
		case <-s.quit:
			return
		}
	}
}

// Run services channels until none is ready.
func (s *Sim) Run() {
	for i := 0; i < maxSteps && s.Step(); i++ {
	}
}

// Step services a single minor loop of the next ready channel,
// in round-robin order. It reports whether a channel was
// ready.
func (s *Sim) Step() bool {
	s.mu.Lock()
	ch := -1
	for i := 1; i <= NumChannels; i++ {
		c := (s.last + i) % NumChannels
		if s.ready(c) {
			ch = c
			break
		}
	}
	if ch != -1 {
		s.last = ch
		s.service(ch)
	}
	s.mu.Unlock()
	s.deliver()
	return ch != -1
}

// RunMajor services channel ch until its current major loop
// completes, and reports whether it did.
func (s *Sim) RunMajor(ch int) bool {
	for {
		s.mu.Lock()
		if !s.ready(ch) {
			s.mu.Unlock()
			return false
		}
		major := s.service(ch)
		s.mu.Unlock()
		s.deliver()
		if major {
			return true
		}
	}
}

func (s *Sim) deliver() {
	s.mu.Lock()
	pending, h := s.pending, s.handler
	s.pending = nil
	s.mu.Unlock()
	if h == nil {
		return
	}
	for _, ch := range pending {
		critical.Do(func() {
			h(ch)
		})
	}
}

func (s *Sim) raise(ch int) {
	s.chans[ch].setReg(chINT, 1)
	for _, p := range s.pending {
		if p == ch {
			return
		}
	}
	s.pending = append(s.pending, ch)
}

// ready reports whether channel ch has a service request.
func (s *Sim) ready(ch int) bool {
	c := &s.chans[ch]
	if c.desc().csr&tcdStart != 0 {
		return true
	}
	if c.reg(chCSR)&csrERQ == 0 || c.reg(chES)&esERR != 0 {
		return false
	}
	return s.requested(uint8(c.reg(chMUX) & 0x7f))
}

func (s *Sim) requested(src uint8) bool {
	if src == 0 {
		return false
	}
	if s.lines[src] > 0 {
		return true
	}
	for _, p := range s.periphs {
		if p.requests(src) {
			return true
		}
	}
	return false
}

func (s *Sim) fail(ch int, cause uint32) {
	c := &s.chans[ch]
	c.setReg(chES, esERR|cause)
	c.setReg(chCSR, c.reg(chCSR)&^csrERQ)
	d := c.desc()
	d.csr &^= tcdStart
	c.setDesc(d)
	s.mpES = 1<<31 | uint32(ch)<<24 | cause
	if c.reg(chCSR)&csrEEI != 0 {
		s.pending = append(s.pending, ch)
	}
}

func validate(d desc) uint32 {
	ssize := uint32(1) << (d.attr >> 8 & 0b111)
	dsize := uint32(1) << (d.attr & 0b111)
	var cause uint32
	if ssize != dsize || d.nbytes == 0 || d.nbytes%ssize != 0 ||
		count(d.citer) == 0 || count(d.biter) == 0 || d.citer&iterELink != d.biter&iterELink {
		cause |= errNCE
	}
	if d.saddr%ssize != 0 {
		cause |= errSAE
	}
	if uint32(int32(d.soff))%ssize != 0 {
		cause |= errSOE
	}
	if d.daddr%dsize != 0 {
		cause |= errDAE
	}
	if uint32(int32(d.doff))%dsize != 0 {
		cause |= errDOE
	}
	if d.csr&tcdESG != 0 && d.dlastsga%32 != 0 {
		cause |= errSGE
	}
	return cause
}

// service executes a minor loop of channel ch, and reports
// whether it completed the major loop.
func (s *Sim) service(ch int) bool {
	c := &s.chans[ch]
	d := c.desc()
	d.csr &^= tcdStart
	if cause := validate(d); cause != 0 {
		c.setDesc(d)
		s.fail(ch, cause)
		return false
	}
	size := uint32(1) << (d.attr & 0b111)
	for off := uint32(0); off < d.nbytes; off += size {
		v, ok := s.read(d.saddr, size)
		if !ok {
			c.setDesc(d)
			s.fail(ch, errSBE)
			return false
		}
		if !s.write(d.daddr, size, v) {
			c.setDesc(d)
			s.fail(ch, errDBE)
			return false
		}
		d.saddr += uint32(int32(d.soff))
		d.daddr += uint32(int32(d.doff))
	}
	src := uint8(c.reg(chMUX) & 0x7f)
	if s.lines[src] > 0 {
		s.lines[src]--
	}
	citer := count(d.citer) - 1
	d.citer = withCount(d.citer, citer)
	if citer > 0 {
		if d.csr&tcdIntHalf != 0 && citer == count(d.biter)/2 {
			s.raise(ch)
		}
		if d.citer&iterELink != 0 {
			s.link(int(d.citer >> 9 & 0b111))
		}
		c.setDesc(d)
		return false
	}
	// Major loop completion.
	d.citer = d.biter
	completed := d
	if d.csr&tcdESG != 0 {
		next, ok := s.block(uint32(d.dlastsga))
		if !ok {
			c.setDesc(d)
			s.fail(ch, errSGE)
			return true
		}
		d = decode(next)
	} else {
		d.saddr += uint32(d.slast)
		d.daddr += uint32(d.dlastsga)
		csr := c.reg(chCSR) | csrDONE
		if d.csr&tcdDReq != 0 {
			csr &^= csrERQ
		}
		c.setReg(chCSR, csr)
	}
	c.setDesc(d)
	if completed.csr&tcdIntMajor != 0 {
		s.raise(ch)
	}
	if completed.csr&tcdMajorLink != 0 {
		s.link(int(completed.csr >> 8 & 0b111))
	}
	return true
}

// link starts a single service request on channel ch.
func (s *Sim) link(ch int) {
	c := &s.chans[ch]
	d := c.desc()
	d.csr |= tcdStart
	c.setDesc(d)
}

func (s *Sim) region(addr, n uint32) []byte {
	for _, r := range s.regions {
		if addr >= r.addr && uint64(addr)+uint64(n) <= uint64(r.addr)+uint64(len(r.buf)) {
			return r.buf[addr-r.addr : addr-r.addr+n]
		}
	}
	return nil
}

func (s *Sim) peripheral(addr uint32) *Peripheral {
	for _, p := range s.periphs {
		if addr >= p.base && addr < p.base+p.size {
			return p
		}
	}
	return nil
}

// block returns the 32 bytes of a descriptor in memory.
func (s *Sim) block(addr uint32) ([]byte, bool) {
	b := s.region(addr, 32)
	return b, b != nil
}

func controller(addr uint32) bool {
	return addr >= mpBase && addr < chBase+NumChannels*chStride
}

// read performs an engine read.
func (s *Sim) read(addr, size uint32) (uint32, bool) {
	if b := s.region(addr, size); b != nil {
		return getN(b, size), true
	}
	if p := s.peripheral(addr); p != nil {
		return p.read(addr-p.base, size), true
	}
	if addr >= periphLow && addr < periphEnd && !controller(addr) {
		var v uint32
		for i := uint32(0); i < size; i++ {
			v |= uint32(s.mem[addr+i]) << (8 * i)
		}
		return v, true
	}
	return 0, false
}

// write performs an engine write.
func (s *Sim) write(addr, size, v uint32) bool {
	if b := s.region(addr, size); b != nil {
		putN(b, size, v)
		return true
	}
	if p := s.peripheral(addr); p != nil {
		p.write(addr-p.base, size, v, true)
		return true
	}
	if addr >= periphLow && addr < periphEnd && !controller(addr) {
		for i := uint32(0); i < size; i++ {
			s.mem[addr+i] = byte(v >> (8 * i))
		}
		return true
	}
	return false
}

func getN(b []byte, size uint32) uint32 {
	switch size {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(b))
	default:
		return binary.LittleEndian.Uint32(b)
	}
}

func putN(b []byte, size, v uint32) {
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	default:
		binary.LittleEndian.PutUint32(b, v)
	}
}
