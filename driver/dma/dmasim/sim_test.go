package dmasim

import (
	"bytes"
	"testing"

	"mcxa.dev/driver/mmio"
)

func program(s *Sim, ch int, d desc) {
	base := uint32(chBase + ch*chStride)
	var b [32]byte
	d.encode(b[:])
	for off := uint32(0); off < 32; off += 4 {
		s.Store32(base+tcd+off, uint32(b[off])|uint32(b[off+1])<<8|uint32(b[off+2])<<16|uint32(b[off+3])<<24)
	}
}

func TestCopy(t *testing.T) {
	s := New()
	src := []byte("0123456789abcdef")
	dst := make([]byte, len(src))
	sa, err := s.BusAddr(src)
	if err != nil {
		t.Fatal(err)
	}
	da, err := s.BusAddr(dst)
	if err != nil {
		t.Fatal(err)
	}
	var irqs []int
	s.SetInterruptHandler(func(ch int) { irqs = append(irqs, ch) })
	program(s, 3, desc{
		saddr: sa, soff: 1, daddr: da, doff: 1,
		nbytes: uint32(len(src)), citer: 1, biter: 1,
		csr: tcdStart | tcdIntMajor | tcdDReq,
	})
	s.Run()
	if !bytes.Equal(src, dst) {
		t.Errorf("copied %q, expected %q", dst, src)
	}
	csr := s.Load32(chBase + 3*chStride + chCSR)
	if csr&csrDONE == 0 {
		t.Error("DONE not set")
	}
	if len(irqs) != 1 || irqs[0] != 3 {
		t.Errorf("interrupts %v, expected [3]", irqs)
	}
	// DONE is cleared by writing one, and control bits are kept.
	s.Store32(chBase+3*chStride+chCSR, csrDONE|csrERQ)
	if got := s.Load32(chBase + 3*chStride + chCSR); got != csrERQ {
		t.Errorf("CH_CSR %#x after clearing DONE, expected %#x", got, csrERQ)
	}
}

func TestSourceBusError(t *testing.T) {
	s := New()
	dst := make([]uint32, 2)
	da, _ := s.BusAddr(mmio.Bytes(dst))
	s.Store32(chBase+chCSR, csrEEI)
	program(s, 0, desc{
		saddr: 0x1000_0000, soff: 4, attr: 2<<8 | 2, daddr: da, doff: 4,
		nbytes: 8, citer: 1, biter: 1, csr: tcdStart,
	})
	raised := false
	s.SetInterruptHandler(func(int) { raised = true })
	s.Run()
	es := s.Load32(chBase + chES)
	if es != esERR|errSBE {
		t.Errorf("CH_ES %#x, expected %#x", es, esERR|errSBE)
	}
	if !raised {
		t.Error("error interrupt not raised")
	}
}

func TestPeripheralRequests(t *testing.T) {
	s := New()
	const src = 21
	p := s.AddPeripheral(0x4010_5000, 0x1000, 0x1c, src, 0)
	dst := make([]byte, 4)
	da, _ := s.BusAddr(dst)
	s.Store32(chBase+chMUX, src)
	program(s, 0, desc{
		saddr: 0x4010_501c, daddr: da, doff: 1,
		nbytes: 1, citer: 4, biter: 4, csr: tcdDReq,
	})
	s.Store32(chBase+chCSR, csrERQ)
	p.ReceiveBytes([]byte{1, 2})
	s.Run()
	if got := s.Load16(chBase + tcd + 0x16); got != 2 {
		t.Errorf("CITER %d after two requests, expected 2", got)
	}
	p.ReceiveBytes([]byte{3, 4})
	s.Run()
	if !bytes.Equal(dst, []byte{1, 2, 3, 4}) {
		t.Errorf("received %v", dst)
	}
	if csr := s.Load32(chBase + chCSR); csr&csrERQ != 0 || csr&csrDONE == 0 {
		t.Errorf("CH_CSR %#x, expected DONE and no ERQ", csr)
	}
}

func TestScatterGatherLoad(t *testing.T) {
	s := New()
	a, b := []byte{1, 2}, []byte{3, 4}
	out := make([]byte, 4)
	tcds := make([]byte, 64)
	aa, _ := s.BusAddr(a)
	ba, _ := s.BusAddr(b)
	oa, _ := s.BusAddr(out)
	ta, _ := s.BusAddr(tcds)
	second := desc{saddr: ba, soff: 1, daddr: oa + 2, doff: 1, nbytes: 2, citer: 1, biter: 1, csr: tcdStart | tcdIntMajor}
	second.encode(tcds[32:])
	program(s, 1, desc{
		saddr: aa, soff: 1, daddr: oa, doff: 1, nbytes: 2, citer: 1, biter: 1,
		dlastsga: int32(ta + 32), csr: tcdStart | tcdESG,
	})
	if !s.RunMajor(1) {
		t.Fatal("first segment did not complete")
	}
	if s.Load32(chBase+chStride+chCSR)&csrDONE != 0 {
		t.Error("DONE set after intermediate segment")
	}
	if !s.RunMajor(1) {
		t.Fatal("second segment did not complete")
	}
	if !bytes.Equal(out, []byte{1, 2, 3, 4}) {
		t.Errorf("gathered %v", out)
	}
	if s.Load32(chBase+chStride+chCSR)&csrDONE == 0 {
		t.Error("DONE not set after final segment")
	}
}
