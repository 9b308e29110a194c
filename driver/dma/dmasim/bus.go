package dmasim

import "fmt"

func (s *Sim) Load32(addr uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(addr, 4)
}

func (s *Sim) Load16(addr uint32) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint16(s.load(addr, 2))
}

func (s *Sim) Store32(addr uint32, v uint32) {
	s.mu.Lock()
	s.store(addr, 4, v)
	s.mu.Unlock()
	s.poke()
}

func (s *Sim) Store16(addr uint32, v uint16) {
	s.mu.Lock()
	s.store(addr, 2, uint32(v))
	s.mu.Unlock()
	s.poke()
}

func (s *Sim) Barrier() {}

// channelReg splits a controller address into a channel and a
// register offset.
func channelReg(addr uint32) (int, uint32, bool) {
	if addr < chBase || addr >= chBase+NumChannels*chStride {
		return 0, 0, false
	}
	off := (addr - chBase) % chStride
	if off >= chWindow {
		return 0, 0, false
	}
	return int((addr - chBase) / chStride), off, true
}

func (s *Sim) load(addr, size uint32) uint32 {
	switch {
	case addr == mpBase:
		return s.mpCSR
	case addr == mpBase+0x04:
		return s.mpES
	case addr == mpBase+0x08:
		var ints uint32
		for i := range s.chans {
			ints |= s.chans[i].reg(chINT) << i
		}
		return ints
	}
	if ch, off, ok := channelReg(addr); ok {
		return getN(s.chans[ch].regs[off:], size)
	}
	if v, ok := s.read(addr, size); ok {
		return v
	}
	panic(fmt.Sprintf("dmasim: load from unmapped address %#x", addr))
}

func (s *Sim) store(addr, size, v uint32) {
	if addr == mpBase {
		s.mpCSR = v
		return
	}
	if ch, off, ok := channelReg(addr); ok {
		s.storeChannel(ch, off, size, v)
		return
	}
	if b := s.region(addr, size); b != nil {
		putN(b, size, v)
		return
	}
	if p := s.peripheral(addr); p != nil {
		p.write(addr-p.base, size, v, false)
		return
	}
	if !s.write(addr, size, v) {
		panic(fmt.Sprintf("dmasim: store to unmapped address %#x", addr))
	}
}

func (s *Sim) storeChannel(ch int, off, size, v uint32) {
	c := &s.chans[ch]
	if off < tcd {
		if size != 4 {
			panic(fmt.Sprintf("dmasim: %d-byte store to channel register %#x", size, off))
		}
		switch off {
		case chCSR:
			csr := c.reg(chCSR)&csrDONE | v&csrControl
			if v&csrDONE != 0 {
				csr &^= csrDONE
			}
			c.setReg(chCSR, csr)
		case chES:
			if v&esERR != 0 {
				c.setReg(chES, 0)
			}
		case chINT:
			if v&1 != 0 {
				c.setReg(chINT, 0)
			}
		case chMUX:
			c.setReg(chMUX, v&0x7f)
		case chPRI:
			c.setReg(chPRI, v&0b111)
		default:
			c.setReg(off, v)
		}
		return
	}
	putN(c.regs[off:], size, v)
}
