// Package lpuart drives the LPUART serial ports of the MCXA
// family with DMA transfers.
package lpuart

import (
	"context"
	"errors"
	"fmt"

	"mcxa.dev/driver/dma"
	"mcxa.dev/driver/mmio"
	"periph.io/x/conn/v3/physic"
)

// Instance describes an LPUART port.
type Instance struct {
	Index int
	Base  uint32
	RX    dma.Request
	TX    dma.Request
}

// MCXA276 lists the ports of the MCXA276.
var MCXA276 = func() []Instance {
	insts := make([]Instance, 6)
	for i := range insts {
		insts[i] = Instance{
			Index: i,
			Base:  0x4010_5000 + uint32(i)*0x1000,
			RX:    dma.LPUART0Rx + dma.Request(2*i),
			TX:    dma.LPUART0Tx + dma.Request(2*i),
		}
	}
	return insts
}()

const (
	regGLOBAL = 0x08
	regBAUD   = 0x10
	regSTAT   = 0x14
	regCTRL   = 0x18
	regDATA   = 0x1c
	regFIFO   = 0x28
	regWATER  = 0x2c

	globalRST = 1 << 1

	baudSBRMask   = 0x1fff
	baudBOTHEDGE  = 1 << 17
	baudRDMAE     = 1 << 21
	baudTDMAE     = 1 << 23
	baudOSRShift  = 24
	baudOSRMask   = 0x1f << baudOSRShift
	baudDMAEnable = baudRDMAE | baudTDMAE

	statPF = 1 << 16
	statFE = 1 << 17
	statNF = 1 << 18
	statOR = 1 << 19
	statTC = 1 << 22

	statErrors = statPF | statFE | statNF | statOR

	ctrlRE = 1 << 18
	ctrlTE = 1 << 19

	fifoRXFE    = 1 << 3
	fifoTXFE    = 1 << 7
	fifoRXFLUSH = 1 << 14
	fifoTXFLUSH = 1 << 15
)

var (
	ErrOverrun  = errors.New("lpuart: receiver overrun")
	ErrParity   = errors.New("lpuart: parity error")
	ErrFraming  = errors.New("lpuart: framing error")
	ErrNoise    = errors.New("lpuart: noise detected")
	ErrBaudRate = errors.New("lpuart: unsupported baud rate")
	ErrNoDMA    = errors.New("lpuart: direction has no DMA channel")
)

// Config is the port configuration. Zero values select the
// defaults.
type Config struct {
	// Baud is the line rate, 115200 by default.
	Baud physic.Frequency
	// Clock is the functional clock of the port, 12 MHz by
	// default.
	Clock physic.Frequency
}

const (
	defaultBaud  = 115200 * physic.Hertz
	defaultClock = 12 * physic.MegaHertz
)

// UART is an LPUART port whose transmitter and receiver are
// served by DMA channels. Transmission and reception may run
// concurrently, but each direction serves one caller at a time.
type UART struct {
	bus  mmio.Bus
	inst Instance
	tx   *dma.Channel
	rx   *dma.Channel
}

// New resets and configures the port. The UART takes ownership
// of the channels; either may be nil to leave its direction
// unused.
func New(bus mmio.Bus, inst Instance, tx, rx *dma.Channel, cfg Config) (*UART, error) {
	if cfg.Baud == 0 {
		cfg.Baud = defaultBaud
	}
	if cfg.Clock == 0 {
		cfg.Clock = defaultClock
	}
	osr, sbr, err := divisors(uint32(cfg.Baud/physic.Hertz), uint32(cfg.Clock/physic.Hertz))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", err, cfg.Baud)
	}
	u := &UART{bus: bus, inst: inst, tx: tx, rx: rx}
	u.store(regGLOBAL, globalRST)
	u.store(regGLOBAL, 0)
	mmio.ClearBits32(bus, u.reg(regCTRL), ctrlTE|ctrlRE)
	baud := uint32(osr-1)<<baudOSRShift | uint32(sbr)
	if osr > 3 && osr < 8 {
		baud |= baudBOTHEDGE
	}
	mmio.ReplaceBits32(bus, u.reg(regBAUD), baudOSRMask|baudSBRMask|baudBOTHEDGE|baudDMAEnable, baud)
	u.store(regWATER, 0)
	mmio.SetBits32(bus, u.reg(regFIFO), fifoTXFE|fifoRXFE)
	mmio.SetBits32(bus, u.reg(regFIFO), fifoTXFLUSH|fifoRXFLUSH)
	// Writing back the status acknowledges every pending flag.
	u.store(regSTAT, u.load(regSTAT))
	var ctrl uint32
	if tx != nil {
		ctrl |= ctrlTE
	}
	if rx != nil {
		ctrl |= ctrlRE
	}
	mmio.SetBits32(bus, u.reg(regCTRL), ctrl)
	return u, nil
}

// divisors searches the oversampling ratio and baud rate modulo
// divisor that best approximate baud, within 3%.
func divisors(baud, clock uint32) (osr uint8, sbr uint16, err error) {
	if baud == 0 {
		return 0, 0, ErrBaudRate
	}
	diff := baud
	for o := uint32(4); o <= 32; o++ {
		s := (clock*2/(baud*o) + 1) / 2
		s = max(1, min(s, baudSBRMask))
		actual := clock / (o * s)
		d := actual - baud
		if actual < baud {
			d = baud - actual
		}
		if d <= diff {
			diff = d
			osr, sbr = uint8(o), uint16(s)
		}
	}
	if diff > baud/100*3 {
		return 0, 0, ErrBaudRate
	}
	return osr, sbr, nil
}

func (u *UART) reg(off uint32) uint32 {
	return u.inst.Base + off
}

func (u *UART) load(off uint32) uint32 {
	return u.bus.Load32(u.reg(off))
}

func (u *UART) store(off, v uint32) {
	u.bus.Store32(u.reg(off), v)
}

func (u *UART) String() string {
	return fmt.Sprintf("LPUART%d", u.inst.Index)
}

// Write transmits p and returns when the last byte is handed to
// the transmitter.
func (u *UART) Write(p []byte) (int, error) {
	return u.WriteContext(context.Background(), p)
}

// WriteContext is like Write, but stops transmitting when ctx is
// done.
func (u *UART) WriteContext(ctx context.Context, p []byte) (int, error) {
	if u.tx == nil {
		return 0, ErrNoDMA
	}
	n := 0
	for len(p) > 0 {
		chunk := p[:min(len(p), dma.MaxTransferSize)]
		c, err := u.writeChunk(ctx, chunk)
		n += c
		if err != nil {
			return n, err
		}
		p = p[len(chunk):]
	}
	return n, nil
}

func (u *UART) writeChunk(ctx context.Context, chunk []byte) (int, error) {
	ch := u.tx
	ch.DisableRequest()
	ch.ClearDone()
	ch.ClearInterrupt()
	ch.SetRequestSource(u.inst.TX)
	if err := dma.SetupWrite(ch, chunk, u.reg(regDATA), true); err != nil {
		return 0, err
	}
	mmio.SetBits32(u.bus, u.reg(regBAUD), baudTDMAE)
	defer mmio.ClearBits32(u.bus, u.reg(regBAUD), baudTDMAE)
	tr, err := ch.Begin()
	if err != nil {
		return 0, err
	}
	defer tr.Close()
	err = tr.Wait(ctx)
	return tr.TransferredBytes(), err
}

// Flush waits for the transmitter to shift out the last byte.
func (u *UART) Flush(ctx context.Context) error {
	done := dma.Condition(func() (bool, error) {
		return u.load(regSTAT)&statTC != 0, nil
	})
	return done.Wait(ctx)
}

// Read fills p with received bytes.
func (u *UART) Read(p []byte) (int, error) {
	return u.ReadContext(context.Background(), p)
}

// ReadContext is like Read, but stops receiving when ctx is done.
// A receiver error ends the read with the bytes received so far.
func (u *UART) ReadContext(ctx context.Context, p []byte) (int, error) {
	if u.rx == nil {
		return 0, ErrNoDMA
	}
	n := 0
	for len(p) > 0 {
		chunk := p[:min(len(p), dma.MaxTransferSize)]
		c, err := u.readChunk(ctx, chunk)
		n += c
		if err != nil {
			return n, err
		}
		p = p[len(chunk):]
	}
	return n, nil
}

func (u *UART) readChunk(ctx context.Context, chunk []byte) (int, error) {
	if err := u.rxErrors(); err != nil {
		return 0, err
	}
	ch := u.rx
	ch.DisableRequest()
	ch.ClearDone()
	ch.ClearInterrupt()
	ch.SetRequestSource(u.inst.RX)
	if err := dma.SetupRead(ch, u.reg(regDATA), chunk, true); err != nil {
		return 0, err
	}
	mmio.SetBits32(u.bus, u.reg(regBAUD), baudRDMAE)
	defer mmio.ClearBits32(u.bus, u.reg(regBAUD), baudRDMAE)
	tr, err := ch.Begin()
	if err != nil {
		return 0, err
	}
	defer tr.Close()
	if err := tr.Wait(ctx); err != nil {
		return tr.TransferredBytes(), err
	}
	return tr.TransferredBytes(), u.rxErrors()
}

// rxErrors acknowledges receiver errors and reports the most
// likely cause. An overrun masks the other flags.
func (u *UART) rxErrors() error {
	stat := u.load(regSTAT)
	if stat&statOR != 0 {
		u.store(regSTAT, statOR)
		return ErrOverrun
	}
	var err error
	for _, e := range []struct {
		flag uint32
		err  error
	}{
		{statPF, ErrParity},
		{statFE, ErrFraming},
		{statNF, ErrNoise},
	} {
		if stat&e.flag != 0 {
			u.store(regSTAT, e.flag)
			err = e.err
		}
	}
	return err
}

// Close disables the port and releases its channels.
func (u *UART) Close() {
	mmio.ClearBits32(u.bus, u.reg(regBAUD), baudDMAEnable)
	mmio.ClearBits32(u.bus, u.reg(regCTRL), ctrlTE|ctrlRE)
	if u.tx != nil {
		u.tx.Close()
		u.tx = nil
	}
	if u.rx != nil {
		u.rx.Close()
		u.rx = nil
	}
}
