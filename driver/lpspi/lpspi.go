// Package lpspi drives the LPSPI controllers of the MCXA family
// as SPI masters with DMA transfers.
//
// The transmit channel runs a two descriptor chain: the payload,
// followed by a write of the transmit command register that ends
// the continuous command. The chip select is thereby released
// right after the last byte without software intervention.
package lpspi

import (
	"context"
	"errors"
	"fmt"

	"mcxa.dev/driver/dma"
	"mcxa.dev/driver/mmio"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// Instance describes an LPSPI controller.
type Instance struct {
	Index int
	Base  uint32
	RX    dma.Request
	TX    dma.Request
}

// MCXA276 lists the controllers of the MCXA276.
var MCXA276 = []Instance{
	{Index: 0, Base: 0x4010_b000, RX: dma.LPSPI0Rx, TX: dma.LPSPI0Tx},
	{Index: 1, Base: 0x4010_c000, RX: dma.LPSPI1Rx, TX: dma.LPSPI1Tx},
}

const (
	regCR    = 0x10
	regSR    = 0x14
	regIER   = 0x18
	regDER   = 0x1c
	regCFGR1 = 0x24
	regCCR   = 0x40
	regFCR   = 0x58
	regFSR   = 0x5c
	regTCR   = 0x60
	regTDR   = 0x64
	regRDR   = 0x74

	crMEN = 1 << 0
	crRTF = 1 << 8
	crRRF = 1 << 9

	srMBF      = 1 << 24
	statusMask = 0x3f00

	derTDDE = 1 << 0
	derRDDE = 1 << 1

	cfgr1MASTER  = 1 << 0
	cfgr1NOSTALL = 1 << 3

	fcrTXWATER = 3

	fsrTXCOUNT = 0x7

	tcrFRAMESZ       = 7
	tcrTXMSK         = 1 << 18
	tcrRXMSK         = 1 << 19
	tcrCONTC         = 1 << 20
	tcrCONT          = 1 << 21
	tcrLSBF          = 1 << 23
	tcrPRESCALEShift = 27
	tcrCPHA          = 1 << 30
	tcrCPOL          = 1 << 31
)

var (
	ErrLength = errors.New("lpspi: mismatched buffer lengths")
	ErrSpeed  = errors.New("lpspi: unsupported clock speed")
	ErrMode   = errors.New("lpspi: unsupported mode")
)

// Config is the controller configuration.
type Config struct {
	// Clock is the functional clock of the controller, 12 MHz by
	// default.
	Clock physic.Frequency
	// CS is an optional chip select pin driven in addition to the
	// hardware chip select.
	CS gpio.PinOut
}

// Port is an LPSPI controller in master mode. It implements
// spi.PortCloser.
type Port struct {
	bus   mmio.Bus
	inst  Instance
	tx    *dma.Channel
	rx    *dma.Channel
	clock physic.Frequency
	cs    gpio.PinOut
	limit physic.Frequency

	sg *dma.ScatterGather
	// Sources of the pattern segments.
	dummy  uint8
	endTCR uint32
	// selected is set while a packet keeps the chip select
	// asserted.
	selected bool
}

// New takes ownership of the transmit and receive channels for
// the controller inst.
func New(bus mmio.Bus, inst Instance, tx, rx *dma.Channel, cfg Config) *Port {
	if cfg.Clock == 0 {
		cfg.Clock = 12 * physic.MegaHertz
	}
	p := &Port{
		bus:   bus,
		inst:  inst,
		tx:    tx,
		rx:    rx,
		clock: cfg.Clock,
		cs:    cfg.CS,
		sg:    dma.NewScatterGather(dma.NewTCDs(2)),
	}
	p.store(regCR, 0)
	p.store(regIER, 0)
	p.store(regDER, 0)
	p.store(regCFGR1, cfgr1MASTER)
	if p.cs != nil {
		p.cs.Out(gpio.High)
	}
	return p
}

func (p *Port) reg(off uint32) uint32 {
	return p.inst.Base + off
}

func (p *Port) load(off uint32) uint32 {
	return p.bus.Load32(p.reg(off))
}

func (p *Port) store(off, v uint32) {
	p.bus.Store32(p.reg(off), v)
}

func (p *Port) String() string {
	return fmt.Sprintf("LPSPI%d", p.inst.Index)
}

// LimitSpeed caps the clock of connections.
func (p *Port) LimitSpeed(f physic.Frequency) error {
	if f <= 0 {
		return fmt.Errorf("%w: %v", ErrSpeed, f)
	}
	p.limit = f
	return nil
}

// Connect configures the controller for a device. Only 8-bit
// words in full duplex are supported.
func (p *Port) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	if bits != 8 {
		return nil, fmt.Errorf("%w: %d bits per word", ErrMode, bits)
	}
	if mode&spi.HalfDuplex != 0 {
		return nil, fmt.Errorf("%w: half duplex", ErrMode)
	}
	if p.limit != 0 && f > p.limit {
		f = p.limit
	}
	prescale, sckdiv, err := divider(p.clock, f)
	if err != nil {
		return nil, err
	}
	tcr := uint32(tcrFRAMESZ) | uint32(prescale)<<tcrPRESCALEShift
	if mode&spi.Mode1 != 0 {
		tcr |= tcrCPHA
	}
	if mode&spi.Mode2 != 0 {
		tcr |= tcrCPOL
	}
	if mode&spi.LSBFirst != 0 {
		tcr |= tcrLSBF
	}
	// The clock configuration only takes effect with the module
	// disabled.
	mmio.ClearBits32(p.bus, p.reg(regCR), crMEN)
	half := uint32(sckdiv / 2)
	p.store(regCCR, uint32(sckdiv)|uint32(sckdiv)<<8|half<<16|half<<24)
	p.store(regTCR, tcr)
	return &Conn{p: p, freq: p.clock / physic.Frequency(uint32(1)<<prescale*(uint32(sckdiv)+2)), mode: mode, tcr: tcr}, nil
}

// divider computes the prescaler and clock divider of the
// fastest SCK not exceeding f.
func divider(clock, f physic.Frequency) (prescale uint8, sckdiv uint8, err error) {
	if f <= 0 || f > clock/2 {
		return 0, 0, fmt.Errorf("%w: %v from %v", ErrSpeed, f, clock)
	}
	for pre := uint8(0); pre < 8; pre++ {
		c := clock >> pre
		div := (c + f - 1) / f
		if div < 2 {
			div = 2
		}
		if div-2 <= 0xff {
			return pre, uint8(div - 2), nil
		}
	}
	return 0, 0, fmt.Errorf("%w: %v from %v", ErrSpeed, f, clock)
}

// Close disables the controller and releases its channels.
func (p *Port) Close() error {
	p.store(regDER, 0)
	p.store(regCR, 0)
	p.tx.Close()
	p.rx.Close()
	return nil
}

// prepare stops and flushes the controller and enables it with
// clean status.
func (p *Port) prepare() {
	mmio.ClearBits32(p.bus, p.reg(regCR), crMEN)
	mmio.SetBits32(p.bus, p.reg(regCR), crRTF|crRRF)
	p.store(regSR, statusMask)
	p.store(regDER, 0)
	p.store(regFCR, fcrTXWATER)
	mmio.ClearBits32(p.bus, p.reg(regCFGR1), cfgr1NOSTALL)
	mmio.SetBits32(p.bus, p.reg(regCR), crMEN)
}

// readTCR reads the command register until two reads agree.
func (p *Port) readTCR() uint32 {
	last := p.load(regTCR)
	for {
		p.load(regSR)
		now := p.load(regTCR)
		if now == last {
			return now
		}
		last = now
	}
}

func (p *Port) txEmpty() (bool, error) {
	return p.load(regFSR)&fsrTXCOUNT == 0, nil
}

func (p *Port) idle() (bool, error) {
	return p.load(regFSR)&fsrTXCOUNT == 0 && p.load(regSR)&srMBF == 0, nil
}

// release ends the command and de-asserts the chip select.
func (p *Port) release(mode spi.Mode) {
	p.store(regTCR, p.readTCR()&^(tcrCONT|tcrCONTC))
	p.selected = false
	if p.cs != nil && mode&spi.NoCS == 0 {
		p.cs.Out(gpio.High)
	}
}

// Conn is a connection to a device on a Port. It implements
// spi.Conn and conn.Limits.
type Conn struct {
	p    *Port
	freq physic.Frequency
	mode spi.Mode
	tcr  uint32
}

var (
	_ spi.PortCloser = (*Port)(nil)
	_ spi.Conn       = (*Conn)(nil)
	_ conn.Limits    = (*Conn)(nil)
)

func (c *Conn) String() string {
	return fmt.Sprintf("%s@%s", c.p, c.freq)
}

// Frequency returns the actual clock speed.
func (c *Conn) Frequency() physic.Frequency {
	return c.freq
}

func (c *Conn) Duplex() conn.Duplex {
	return conn.Full
}

func (c *Conn) MaxTxSize() int {
	return dma.MaxTransferSize
}

// Tx exchanges w and r. Either may be nil; otherwise they must be
// of equal length.
func (c *Conn) Tx(w, r []byte) error {
	return c.TxContext(context.Background(), w, r)
}

// TxContext is like Tx, but aborts the exchange when ctx is
// done.
func (c *Conn) TxContext(ctx context.Context, w, r []byte) error {
	return c.transfer(ctx, w, r, false)
}

// TxPackets exchanges packets in sequence. The chip select stays
// asserted between a packet with KeepCS and the next.
func (c *Conn) TxPackets(pkts []spi.Packet) error {
	for _, pkt := range pkts {
		if pkt.BitsPerWord != 0 && pkt.BitsPerWord != 8 {
			if c.p.selected {
				c.p.release(c.mode)
			}
			return fmt.Errorf("%w: %d bits per word", ErrMode, pkt.BitsPerWord)
		}
		if err := c.transfer(context.Background(), pkt.W, pkt.R, pkt.KeepCS); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) transfer(ctx context.Context, w, r []byte, keepCS bool) (err error) {
	p := c.p
	n := max(len(w), len(r))
	switch {
	case w != nil && r != nil && len(w) != len(r):
		return fmt.Errorf("%w: writing %d, reading %d", ErrLength, len(w), len(r))
	case n == 0:
		return nil
	case n > dma.MaxTransferSize:
		return fmt.Errorf("%w: %d bytes exceeds %#x", dma.ErrInvalidParameters, n, dma.MaxTransferSize)
	}
	defer func() {
		if err != nil {
			p.release(c.mode)
		}
	}()
	tcr := c.tcr | tcrCONT
	if p.selected {
		tcr |= tcrCONTC
	} else {
		p.prepare()
		if p.cs != nil && c.mode&spi.NoCS == 0 {
			p.cs.Out(gpio.Low)
		}
	}
	if r == nil {
		tcr |= tcrRXMSK
	}
	p.store(regTCR, tcr)
	if err := dma.Condition(p.txEmpty).Wait(ctx); err != nil {
		return err
	}

	var legs []dma.Leg
	defer func() {
		if err != nil {
			for _, l := range legs {
				l.Close()
			}
		}
	}()
	der := uint32(derTDDE)
	if r != nil {
		rx := p.rx
		rx.DisableRequest()
		rx.ClearDone()
		rx.ClearInterrupt()
		rx.SetRequestSource(p.inst.RX)
		if err := dma.SetupRead(rx, p.reg(regRDR), r, true); err != nil {
			return err
		}
		rt, err := rx.Begin()
		if err != nil {
			return err
		}
		legs = append(legs, rt)
		der |= derRDDE
	}

	p.sg.Reset()
	if w != nil {
		err = dma.AddWriteSegment(p.sg, w, p.reg(regTDR))
	} else {
		err = dma.AddPatternSegment(p.sg, &p.dummy, n, p.reg(regTDR))
	}
	if err != nil {
		return err
	}
	if !keepCS {
		p.endTCR = tcr &^ (tcrCONT | tcrCONTC)
		if err := dma.AddPatternSegment(p.sg, &p.endTCR, 1, p.reg(regTCR)); err != nil {
			return err
		}
	}
	tx := p.tx
	tx.DisableRequest()
	tx.ClearDone()
	tx.ClearInterrupt()
	tx.SetRequestSource(p.inst.TX)
	tt, err := p.sg.Build(tx)
	if err != nil {
		return err
	}
	legs = append(legs, tt, dma.Condition(p.idle))
	mmio.SetBits32(p.bus, p.reg(regDER), der)

	err = dma.WaitAll(ctx, legs...)
	p.store(regDER, 0)
	if err != nil {
		return err
	}
	p.selected = keepCS
	if !keepCS && p.cs != nil && c.mode&spi.NoCS == 0 {
		p.cs.Out(gpio.High)
	}
	return nil
}
