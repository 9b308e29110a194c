package dma

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
	"unsafe"

	"mcxa.dev/driver/dma/dmasim"
	"mcxa.dev/driver/mmio"
)

func newController(t *testing.T) (*Controller, *dmasim.Sim) {
	t.Helper()
	s := dmasim.New()
	c := New(s, s, MCXA276)
	s.SetInterruptHandler(c.HandleInterrupt)
	c.Init()
	return c, s
}

func claim(t *testing.T, c *Controller, index int) *Channel {
	t.Helper()
	ch, err := c.Channel(index)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ch.Close)
	return ch
}

func pattern[W Word](n int) []W {
	s := make([]W, n)
	for i := range s {
		s[i] = W(i*7 + 3)
	}
	return s
}

func roundTrip[W Word](t *testing.T, n int) {
	c, s := newController(t)
	ch := claim(t, c, 0)
	src := pattern[W](n)
	dst := make([]W, n)
	tr, err := MemToMem(ch, src, dst, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	s.Run()
	if err := tr.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(src, dst) {
		t.Errorf("%d-byte words, %d: copied %v, expected %v", sizeOf[W](), n, dst, src)
	}
	if got, want := tr.TransferredBytes(), n*int(sizeOf[W]()); got != want {
		t.Errorf("transferred %d bytes, expected %d", got, want)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, n := range []int{1, 7, 64, 1000} {
		roundTrip[uint8](t, n)
		roundTrip[uint16](t, n)
		roundTrip[uint32](t, n)
	}
}

func TestMemsetIdempotent(t *testing.T) {
	c, s := newController(t)
	ch := claim(t, c, 1)
	dst := make([]uint8, 8)
	v := uint8(0xaa)
	for i := 0; i < 2; i++ {
		tr, err := Memset(ch, &v, dst, DefaultOptions())
		if err != nil {
			t.Fatal(err)
		}
		s.Run()
		if err := tr.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
		for j, b := range dst {
			if b != 0xaa {
				t.Fatalf("fill %d: dst[%d] = %#x, expected 0xaa", i, j, b)
			}
		}
	}
	wide := make([]uint32, 5)
	w := uint32(0xdeadbeef)
	tr, err := Memset(ch, &w, wide, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	s.Run()
	if err := tr.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	for j, x := range wide {
		if x != w {
			t.Errorf("wide[%d] = %#x, expected %#x", j, x, w)
		}
	}
}

func TestExclusiveOwnership(t *testing.T) {
	c, _ := newController(t)
	ch, err := c.Channel(2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Channel(2); !errors.Is(err, ErrChannelInUse) {
		t.Errorf("second claim: %v, expected %v", err, ErrChannelInUse)
	}
	if _, err := c.Channel(NumChannels); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("out of range claim: %v", err)
	}
	r, err := c.Reserve()
	if err != nil {
		t.Fatal(err)
	}
	if r.Index() != 0 {
		t.Errorf("reserved channel %d, expected 0", r.Index())
	}
	ch.Close()
	ch.Close()
	again, err := c.Channel(2)
	if err != nil {
		t.Fatalf("claim after close: %v", err)
	}
	again.Close()
	r.Close()
}

func TestReborrow(t *testing.T) {
	c, _ := newController(t)
	ch := claim(t, c, 4)
	view := ch.Reborrow()
	view.SetRequestSource(LPUART1Tx)
	view.Close()
	if _, err := c.Channel(4); !errors.Is(err, ErrChannelInUse) {
		t.Errorf("closing a view released the channel: %v", err)
	}
	if got := ch.RequestSource(); got != LPUART1Tx {
		t.Errorf("request source %v, expected %v", got, LPUART1Tx)
	}
	ch.Close()
	defer func() {
		if recover() == nil {
			t.Error("use of closed channel did not panic")
		}
	}()
	ch.Reborrow().EnableRequest()
}

func TestSizeBoundary(t *testing.T) {
	s := dmasim.New()
	log := mmio.NewLog(s)
	c := New(log, s, MCXA276)
	s.SetInterruptHandler(c.HandleInterrupt)
	ch := claim(t, c, 0)

	log.Reset()
	big := make([]byte, MaxTransferSize+1)
	if _, err := MemToMem(ch, big, make([]byte, len(big)), DefaultOptions()); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("%#x bytes: %v, expected %v", len(big), err, ErrInvalidParameters)
	}
	if _, err := Write(ch, big, 0x4010_501c, DefaultOptions()); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("%#x byte write: %v", len(big), err)
	}
	if _, err := MemToMem(ch, []uint32{1, 2}, make([]uint32, 1), DefaultOptions()); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("short destination: %v", err)
	}
	if _, err := Read(ch, 0x4010_501c, []uint16(nil), DefaultOptions()); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("empty read: %v", err)
	}
	if n := log.Len(); n != 0 {
		t.Errorf("rejected transfers touched %d registers: %v", n, log.Accesses())
	}

	src := pattern[uint8](MaxTransferSize)
	dst := make([]uint8, len(src))
	tr, err := MemToMem(ch, src, dst, DefaultOptions())
	if err != nil {
		t.Fatalf("%#x bytes: %v", len(src), err)
	}
	s.Run()
	if err := tr.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(src, dst) {
		t.Error("maximum size transfer corrupted")
	}
}

func TestArmingOrder(t *testing.T) {
	s := dmasim.New()
	log := mmio.NewLog(s)
	c := New(log, s, MCXA276)
	ch := claim(t, c, 3)
	base := MCXA276[3].Base

	log.Reset()
	ch.SetRequestSource(LPUART2Tx)
	want := []mmio.Access{
		{Op: mmio.OpStore, Width: 32, Addr: base + chMUX, Value: 0},
		{Op: mmio.OpBarrier},
		{Op: mmio.OpStore, Width: 32, Addr: base + chMUX, Value: uint32(LPUART2Tx)},
	}
	if got := log.Accesses(); !slices.Equal(got, want) {
		t.Errorf("mux write\n%v\nexpected\n%v", got, want)
	}

	log.Reset()
	src, dst := make([]byte, 4), make([]byte, 4)
	if _, err := MemToMem(ch, src, dst, DefaultOptions()); err != nil {
		t.Fatal(err)
	}
	stores := log.Stores()
	if first := stores[0]; first.Addr != base+chCSR || first.Value != chCSRDONE {
		t.Errorf("first store %v, expected status reset", first)
	}
	last := stores[len(stores)-1]
	if last.Addr != base+tcdCSR || last.Value&CSRStart == 0 {
		t.Errorf("last store %v, expected control and status with start", last)
	}
	for _, a := range stores[:len(stores)-1] {
		if a.Addr == base+tcdCSR && a.Value != 0 {
			t.Errorf("control and status written before the descriptor: %v", a)
		}
	}
}

func TestPriority(t *testing.T) {
	c, s := newController(t)
	ch := claim(t, c, 5)
	for p, apl := range map[Priority]uint32{PriorityLow: 7, PriorityMedium: 4, PriorityHigh: 1, PriorityHighest: 0} {
		ch.SetPriority(p)
		if got := s.Load32(MCXA276[5].Base + chPRI); got != apl {
			t.Errorf("priority %v: APL %d, expected %d", p, got, apl)
		}
	}
}

func TestCancellation(t *testing.T) {
	c, s := newController(t)
	ch := claim(t, c, 2)
	ch.SetRequestSource(LPUART0Tx)
	src := pattern[uint8](8)
	tr, err := Write(ch, src, 0x4010_501c, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	s.Request(uint8(LPUART0Tx), 3)
	s.Run()
	if !tr.IsRunning() {
		t.Fatal("transfer not running")
	}
	if got := tr.TransferredBytes(); got != 3 {
		t.Errorf("transferred %d bytes before cancellation, expected 3", got)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tr.Wait(ctx); !errors.Is(err, ErrAborted) {
		t.Errorf("cancelled wait: %v, expected %v", err, ErrAborted)
	}
	base := MCXA276[2].Base
	if csr := s.Load32(base + chCSR); csr&(chCSRERQ|chCSRDONE) != 0 {
		t.Errorf("CH_CSR %#x after cancellation", csr)
	}
	if v := s.Load32(base + chINT); v != 0 {
		t.Errorf("CH_INT %#x after cancellation", v)
	}
	if got := tr.TransferredBytes(); got != 3 {
		t.Errorf("transferred %d bytes after cancellation, expected 3", got)
	}
	tr.Close()
	// The channel no longer advances on requests.
	s.Request(uint8(LPUART0Tx), 5)
	s.Run()
	if n := s.Load16(base + tcdCITER); n != 5 {
		t.Errorf("CITER %d after cancellation, expected 5", n)
	}
	// And accepts the next transfer.
	dst := make([]byte, 8)
	next, err := MemToMem(ch, src, dst, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	s.Run()
	if err := next.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestTransferInFlight(t *testing.T) {
	c, _ := newController(t)
	ch := claim(t, c, 0)
	tr, err := Read(ch, 0x4010_501c, make([]byte, 4), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	if _, err := MemToMem(ch, []byte{1}, []byte{0}, DefaultOptions()); !errors.Is(err, ErrConfiguration) {
		t.Errorf("second transfer: %v, expected %v", err, ErrConfiguration)
	}
}

func TestWaitTimeout(t *testing.T) {
	c, _ := newController(t)
	ch := claim(t, c, 6)
	tr, err := Read(ch, 0x4010_501c, make([]byte, 4), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = tr.Wait(ctx)
	if !errors.Is(err, ErrAborted) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("timed out wait: %v", err)
	}
}

func TestPolledCompletion(t *testing.T) {
	c, s := newController(t)
	s.Start()
	defer s.Stop()
	ch := claim(t, c, 1)
	src, dst := pattern[uint16](32), make([]uint16, 32)
	opts := DefaultOptions()
	opts.CompleteTransferInterrupt = false
	tr, err := MemToMem(ch, src, dst, opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(src, dst) {
		t.Errorf("copied %v, expected %v", dst, src)
	}
}

func TestBlockingWait(t *testing.T) {
	c, s := newController(t)
	s.Start()
	defer s.Stop()
	ch := claim(t, c, 1)
	src, dst := pattern[uint32](16), make([]uint32, 16)
	tr, err := MemToMem(ch, src, dst, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.BlockingWait(); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(src, dst) {
		t.Errorf("copied %v, expected %v", dst, src)
	}
}

func TestBusError(t *testing.T) {
	c, s := newController(t)
	ch := claim(t, c, 7)
	dst := make([]uint32, 4)
	da, err := s.BusAddr(mmio.Bytes(dst))
	if err != nil {
		t.Fatal(err)
	}
	var d TCD
	if err := d.ProgramLinear(0x1000_0000, da, FourBytes, len(dst), true, true); err != nil {
		t.Fatal(err)
	}
	d.CSR = CSRIntMajor | CSRDReq
	ch.LoadTCD(&d)
	tr, err := ch.Begin()
	if err != nil {
		t.Fatal(err)
	}
	ch.TriggerStart()
	s.Run()
	err = tr.Wait(context.Background())
	if !errors.Is(err, ErrBus) {
		t.Fatalf("wait: %v, expected %v", err, ErrBus)
	}
	var be *BusError
	if !errors.As(err, &be) {
		t.Fatalf("%v is not a *BusError", err)
	}
	if causes := be.Causes(); len(causes) != 1 || causes[0] != SourceBus {
		t.Errorf("causes %v, expected [%v]", causes, SourceBus)
	}
	if be.Channel != 7 {
		t.Errorf("error on channel %d, expected 7", be.Channel)
	}
}

// unmapped is an address space placing one buffer outside of
// the simulated memory.
type unmapped struct {
	mmio.AddressSpace
	buf []byte
}

func (u *unmapped) BusAddr(p []byte) (uint32, error) {
	if len(p) > 0 && unsafe.SliceData(p) == unsafe.SliceData(u.buf) {
		return 0x1000_0000, nil
	}
	return u.AddressSpace.BusAddr(p)
}

func TestSoftwareStartBusError(t *testing.T) {
	s := dmasim.New()
	src := make([]uint32, 4)
	as := &unmapped{AddressSpace: s, buf: mmio.Bytes(src)}
	c := New(s, as, MCXA276)
	s.SetInterruptHandler(c.HandleInterrupt)
	c.Init()
	ch := claim(t, c, 2)

	wait := func(tr *Transfer) error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return tr.Wait(ctx)
	}
	tr, err := MemToMem(ch, src, make([]uint32, 4), DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	s.Run()
	var be *BusError
	if err := wait(tr); !errors.As(err, &be) {
		t.Fatalf("copy from unmapped memory: %v, expected a *BusError", err)
	}
	if causes := be.Causes(); len(causes) != 1 || causes[0] != SourceBus {
		t.Errorf("causes %v, expected [%v]", causes, SourceBus)
	}
	if s.Load32(MCXA276[2].Base+chCSR)&chCSRERQ != 0 {
		t.Error("hardware requests enabled for a software started copy")
	}

	// A failing second segment of a memory chain.
	sg := NewScatterGather(NewTCDs(2))
	if err := AddSegment(sg, pattern[uint32](4), make([]uint32, 4)); err != nil {
		t.Fatal(err)
	}
	if err := AddSegment(sg, src, make([]uint32, 4)); err != nil {
		t.Fatal(err)
	}
	tr, err = sg.Build(ch)
	if err != nil {
		t.Fatal(err)
	}
	s.Run()
	if err := wait(tr); !errors.Is(err, ErrBus) {
		t.Errorf("chain through unmapped memory: %v, expected %v", err, ErrBus)
	}
}

func TestWriteShape(t *testing.T) {
	c, _ := newController(t)
	ch := claim(t, c, 1)
	tr, err := Write(ch, []byte{1, 2, 3}, 0x4010_501c, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	live := ch.ReadTCD()
	if live.SOFF != 1 || live.DOFF != 0 {
		t.Errorf("offsets source %d, destination %d, expected 1, 0", live.SOFF, live.DOFF)
	}
	if live.NBYTES != 1 || live.MajorCount() != 3 || live.Biter() != 3 {
		t.Errorf("descriptor %v, expected 3 iterations of 1 byte", live)
	}
	if live.DADDR != 0x4010_501c {
		t.Errorf("destination %#x, expected %#x", live.DADDR, 0x4010_501c)
	}
	if live.CSR&CSRDReq == 0 {
		t.Errorf("control and status %#x lacks the request disable", live.CSR)
	}
}

func TestSpuriousInterrupt(t *testing.T) {
	c, s := newController(t)
	ch := claim(t, c, 3)
	base := MCXA276[3].Base
	s.Store32(base+chINT, 0)
	c.HandleInterrupt(3)
	c.HandleInterrupt(-1)
	c.HandleInterrupt(NumChannels)
	if ch.o.slot.state != slotIdle {
		t.Errorf("slot state %d after spurious interrupt", ch.o.slot.state)
	}

	src, dst := []byte{1, 2, 3}, make([]byte, 3)
	tr, err := MemToMem(ch, src, dst, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	s.Run()
	if err := tr.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	// A late interrupt for a completed transfer is ignored.
	c.HandleInterrupt(3)
	if ch.o.slot.state != slotIdle || len(ch.o.slot.notify) != 0 {
		t.Errorf("late interrupt fired slot: state %d", ch.o.slot.state)
	}
}

func TestScatterGatherChain(t *testing.T) {
	c, s := newController(t)
	ch := claim(t, c, 0)
	const segments = 5
	srcs := make([][]uint32, segments)
	dst := make([]uint32, segments*4)
	sg := NewScatterGather(NewTCDs(segments))
	for i := range srcs {
		srcs[i] = []uint32{uint32(i), uint32(i) << 8, uint32(i) << 16, uint32(i) << 24}
		if err := AddSegment(sg, srcs[i], dst[i*4:]); err != nil {
			t.Fatal(err)
		}
	}
	if sg.Len() != segments {
		t.Fatalf("%d segments, expected %d", sg.Len(), segments)
	}
	tr, err := sg.Build(ch)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < segments-1; i++ {
		if !s.RunMajor(0) {
			t.Fatalf("segment %d did not complete", i+1)
		}
		if st := ch.o.slot.state; st != slotArmed || len(ch.o.slot.notify) != 0 {
			t.Fatalf("woken after segment %d", i+1)
		}
		if ch.IsDone() {
			t.Fatalf("done after segment %d", i+1)
		}
	}
	if !s.RunMajor(0) {
		t.Fatal("last segment did not complete")
	}
	if err := tr.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	for i, src := range srcs {
		if got := dst[i*4 : i*4+4]; !slices.Equal(got, src) {
			t.Errorf("segment %d: copied %x, expected %x", i, got, src)
		}
	}
}

func TestScatterGatherCapacity(t *testing.T) {
	c, _ := newController(t)
	ch := claim(t, c, 0)
	sg := NewScatterGather(NewTCDs(2))
	if _, err := sg.Build(ch); !errors.Is(err, ErrConfiguration) {
		t.Errorf("empty build: %v, expected %v", err, ErrConfiguration)
	}
	buf := make([]byte, 4)
	for i := 0; i < 2; i++ {
		if err := AddSegment(sg, buf, buf); err != nil {
			t.Fatal(err)
		}
	}
	if err := AddSegment(sg, buf, buf); !errors.Is(err, ErrConfiguration) {
		t.Errorf("third segment: %v, expected %v", err, ErrConfiguration)
	}
	if _, err := sg.Build(ch); !errors.Is(err, ErrConfiguration) {
		t.Errorf("overfull build: %v, expected %v", err, ErrConfiguration)
	}
	sg.Reset()
	if sg.Len() != 0 {
		t.Errorf("%d segments after reset", sg.Len())
	}
	if err := AddSegment(sg, []byte(nil), buf); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("empty segment: %v", err)
	}
}

func TestScatterGatherPaced(t *testing.T) {
	c, s := newController(t)
	ch := claim(t, c, 1)
	const data = 0x4002_0064
	const ctrl = 0x4002_0060
	p := s.AddPeripheral(0x4002_0000, 0x1000, 0x64, 0, uint8(LPSPI1Tx))
	payload := []byte("chain")
	final := uint32(0x1234_5678)
	sg := NewScatterGather(NewTCDs(2))
	if err := AddWriteSegment(sg, payload, data); err != nil {
		t.Fatal(err)
	}
	if err := AddPatternSegment(sg, &final, 1, ctrl); err != nil {
		t.Fatal(err)
	}
	ch.SetRequestSource(LPSPI1Tx)
	tr, err := sg.Build(ch)
	if err != nil {
		t.Fatal(err)
	}
	s.Run()
	if err := tr.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	writes := p.Writes()
	if len(writes) != len(payload)+1 {
		t.Fatalf("%d writes, expected %d", len(writes), len(payload)+1)
	}
	if w := writes[len(writes)-1]; w.Offset != 0x60 || w.Value != final || !w.DMA {
		t.Errorf("last write %+v, expected %#x to control", w, final)
	}
	if got := p.TransmittedBytes(); string(got) != string(payload) {
		t.Errorf("transmitted %q, expected %q", got, payload)
	}
	if ch.RequestEnabled() {
		t.Error("request left enabled")
	}
}

func TestMajorLink(t *testing.T) {
	c, s := newController(t)
	a := claim(t, c, 0)
	b := claim(t, c, 1)
	src1, dst1 := pattern[uint8](8), make([]uint8, 8)
	src2, dst2 := pattern[uint16](4), make([]uint16, 4)

	sa, _ := s.BusAddr(mmio.Bytes(src2))
	da, _ := s.BusAddr(mmio.Bytes(dst2))
	var d TCD
	if err := d.ProgramLinear(sa, da, TwoBytes, len(src2), true, true); err != nil {
		t.Fatal(err)
	}
	d.CSR = CSRIntMajor | CSRDReq
	b.LoadTCD(&d)
	trb, err := b.Begin()
	if err != nil {
		t.Fatal(err)
	}
	tra, err := MemToMem(a, src1, dst1, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.SetMajorLink(1); err != nil {
		t.Fatal(err)
	}
	s.Run()
	if err := WaitAll(context.Background(), tra, trb); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(src1, dst1) || !slices.Equal(src2, dst2) {
		t.Errorf("linked copies %v %v", dst1, dst2)
	}
	if err := a.SetMajorLink(NumChannels); !errors.Is(err, ErrInvalidChannel) {
		t.Errorf("link out of range: %v", err)
	}
}

func TestMinorLinkLimit(t *testing.T) {
	c, _ := newController(t)
	ch := claim(t, c, 0)
	var d TCD
	if err := d.Program(Shape{Src: 0x2000_0000, Dst: 0x4010_501c, Size: OneByte, Count: 600, SrcInc: true, Paced: true}); err != nil {
		t.Fatal(err)
	}
	ch.LoadTCD(&d)
	if err := ch.SetMinorLink(1); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("linking 600 iterations: %v", err)
	}
	d.CITER, d.BITER = 100, 100
	ch.LoadTCD(&d)
	if err := ch.SetMinorLink(1); err != nil {
		t.Fatal(err)
	}
	live := ch.ReadTCD()
	if l, ok := live.MinorLink(); !ok || l != 1 || live.MajorCount() != 100 {
		t.Errorf("linked descriptor %v", live)
	}
	ch.ClearMinorLink()
	live = ch.ReadTCD()
	if _, ok := live.MinorLink(); ok {
		t.Error("minor link not cleared")
	}
}

func TestWaitAllCondition(t *testing.T) {
	c, s := newController(t)
	s.Start()
	defer s.Stop()
	ch := claim(t, c, 0)
	src, dst := pattern[uint8](16), make([]uint8, 16)
	tr, err := MemToMem(ch, src, dst, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	polls := 0
	cond := Condition(func() (bool, error) {
		polls++
		return polls > 3, nil
	})
	if err := WaitAll(context.Background(), tr, cond); err != nil {
		t.Fatal(err)
	}
	if polls != 4 {
		t.Errorf("condition polled %d times", polls)
	}
	failing := Condition(func() (bool, error) { return false, ErrOverrun })
	if err := WaitAll(context.Background(), failing); !errors.Is(err, ErrOverrun) {
		t.Errorf("failing leg: %v", err)
	}
}

func TestHalfTransfer(t *testing.T) {
	c, s := newController(t)
	ch := claim(t, c, 2)
	ch.SetRequestSource(LPUART3Rx)
	p := s.AddPeripheral(0x4010_8000, 0x1000, 0x1c, uint8(LPUART3Rx), 0)
	dst := make([]byte, 8)
	opts := DefaultOptions()
	opts.HalfTransferInterrupt = true
	tr, err := Read(ch, 0x4010_801c, dst, opts)
	if err != nil {
		t.Fatal(err)
	}
	p.ReceiveBytes([]byte{1, 2, 3, 4})
	s.Run()
	half, err := tr.WaitHalf(context.Background())
	if err != nil || !half {
		t.Fatalf("half wait: %v, %v", half, err)
	}
	p.ReceiveBytes([]byte{5, 6, 7, 8})
	s.Run()
	if half, err := tr.WaitHalf(context.Background()); half || err != nil {
		t.Errorf("half wait after completion: %v, %v", half, err)
	}
	if err := tr.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(dst, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("received %v", dst)
	}
}

func TestRingBuffer(t *testing.T) {
	c, s := newController(t)
	ch := claim(t, c, 0)
	ch.SetRequestSource(LPUART1Rx)
	p := s.AddPeripheral(0x4010_6000, 0x1000, 0x1c, uint8(LPUART1Rx), 0)
	buf := make([]byte, 8)
	ring, err := SetupCircularRead(ch, 0x4010_601c, buf)
	if err != nil {
		t.Fatal(err)
	}
	p.ReceiveBytes([]byte("abcd"))
	s.Run()
	out := make([]byte, 8)
	n, err := ring.Read(context.Background(), out)
	if err != nil {
		t.Fatal(err)
	}
	if string(out[:n]) != "abcd" {
		t.Errorf("read %q, expected %q", out[:n], "abcd")
	}
	// Wrap around.
	p.ReceiveBytes([]byte("efghij"))
	s.Run()
	if got := ring.Available(); got != 6 {
		t.Errorf("%d available, expected 6", got)
	}
	n = ring.ReadImmediate(out)
	if string(out[:n]) != "efghij" {
		t.Errorf("read %q across the wrap, expected %q", out[:n], "efghij")
	}
	p.ReceiveBytes([]byte("klmnopq"))
	s.Run()
	if !ring.IsOverrun() {
		t.Error("overrun not detected")
	}
	if _, err := ring.Read(context.Background(), out); !errors.Is(err, ErrOverrun) {
		t.Errorf("read after overrun: %v, expected %v", err, ErrOverrun)
	}
	ring.Clear()
	if got := ring.Available(); got != 0 {
		t.Errorf("%d available after clear", got)
	}
	ring.Stop()
	if ch.RequestEnabled() {
		t.Error("request enabled after stop")
	}
	if _, err := ring.Read(context.Background(), out); !errors.Is(err, ErrAborted) {
		t.Errorf("read after stop: %v", err)
	}
}

func TestRingBufferTooShort(t *testing.T) {
	c, _ := newController(t)
	ch := claim(t, c, 0)
	if _, err := SetupCircularRead(ch, 0x4010_601c, make([]byte, 1)); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("ring of one element: %v, expected %v", err, ErrInvalidParameters)
	}
	if ch.RequestEnabled() {
		t.Error("request enabled by a rejected ring")
	}
}

func TestRequestNames(t *testing.T) {
	r, ok := RequestByName("LPUART2_TX")
	if !ok || r != LPUART2Tx {
		t.Errorf("LPUART2_TX = %d, %v", r, ok)
	}
	if _, ok := RequestByName("LPUART9_TX"); ok {
		t.Error("unknown request found")
	}
	for _, n := range requestNames {
		if n.req.String() != n.name {
			t.Errorf("%d named %q, expected %q", n.req, n.req.String(), n.name)
		}
	}
}

func TestLookup(t *testing.T) {
	ch, name, ok := Lookup(MCXA276, MCXA276[4].Base+tcdCSR)
	if !ok || ch != 4 || name != "TCD_CSR" {
		t.Errorf("lookup: %d %q %v", ch, name, ok)
	}
	if off, ok := TCDRegister(name); !ok || off != 0x1c {
		t.Errorf("TCD offset %#x, %v", off, ok)
	}
	if _, _, ok := Lookup(MCXA276, 0x2000_0000); ok {
		t.Error("memory address named")
	}
}
