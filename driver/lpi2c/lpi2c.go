// Package lpi2c drives the LPI2C controllers of the MCXA family
// as I2C masters, moving payloads with DMA.
//
// Commands are queued in the transmit FIFO by the processor;
// payload bytes are written by the engine as transmit commands.
// A read completes when both the receive transfer is done and the
// controller reports the STOP condition.
package lpi2c

import (
	"context"
	"errors"
	"fmt"

	"mcxa.dev/driver/dma"
	"mcxa.dev/driver/mmio"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// Instance describes an LPI2C controller.
type Instance struct {
	Index int
	Base  uint32
	RX    dma.Request
	TX    dma.Request
}

// MCXA276 lists the controllers of the MCXA276.
var MCXA276 = func() []Instance {
	insts := make([]Instance, 4)
	for i := range insts {
		insts[i] = Instance{
			Index: i,
			Base:  0x4010_1000 + uint32(i)*0x1000,
			RX:    dma.LPI2C0Rx + dma.Request(2*i),
			TX:    dma.LPI2C0Tx + dma.Request(2*i),
		}
	}
	return insts
}()

const (
	regMCR   = 0x10
	regMSR   = 0x14
	regMIER  = 0x18
	regMDER  = 0x1c
	regMCCR0 = 0x48
	regMFSR  = 0x5c
	regMTDR  = 0x60
	regMRDR  = 0x70

	mcrMEN = 1 << 0
	mcrRST = 1 << 1
	mcrRTF = 1 << 8
	mcrRRF = 1 << 9

	msrSDF   = 1 << 9
	msrNDF   = 1 << 10
	msrALF   = 1 << 11
	msrFEF   = 1 << 12
	msrFlags = 0x7f00

	mderTDDE = 1 << 0
	mderRDDE = 1 << 1

	mfsrTXCOUNT = 0x7
	fifoDepth   = 4

	cmdTRANSMIT = 0
	cmdRECEIVE  = 1
	cmdSTOP     = 2
	cmdSTART    = 4

	maxReceive = 256
)

var (
	ErrNack        = errors.New("lpi2c: address not acknowledged")
	ErrArbitration = errors.New("lpi2c: arbitration lost")
	ErrFIFO        = errors.New("lpi2c: FIFO error")
	ErrAddress     = errors.New("lpi2c: address out of range")
	ErrSpeed       = errors.New("lpi2c: unsupported bus speed")
)

// timing holds the MCCR0 fields of a bus speed, for an 8 MHz
// functional clock.
type timing struct {
	max     physic.Frequency
	clklo   uint8
	clkhi   uint8
	sethold uint8
	datavd  uint8
}

var timings = []timing{
	{100 * physic.KiloHertz, 0x3d, 0x37, 0x3b, 0x1d},
	{400 * physic.KiloHertz, 0x0e, 0x0c, 0x0d, 0x06},
	{1 * physic.MegaHertz, 0x04, 0x03, 0x03, 0x02},
}

// Config is the controller configuration.
type Config struct {
	// Speed is the bus clock, 100 kHz by default.
	Speed physic.Frequency
}

// Bus is an LPI2C controller. It implements i2c.BusCloser.
type Bus struct {
	bus  mmio.Bus
	inst Instance
	tx   *dma.Channel
	rx   *dma.Channel
}

var _ i2c.BusCloser = (*Bus)(nil)

// New resets the controller inst and takes ownership of the
// transmit and receive channels.
func New(bus mmio.Bus, inst Instance, tx, rx *dma.Channel, cfg Config) (*Bus, error) {
	if cfg.Speed == 0 {
		cfg.Speed = 100 * physic.KiloHertz
	}
	b := &Bus{bus: bus, inst: inst, tx: tx, rx: rx}
	if err := b.SetSpeed(cfg.Speed); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bus) reg(off uint32) uint32 {
	return b.inst.Base + off
}

func (b *Bus) load(off uint32) uint32 {
	return b.bus.Load32(b.reg(off))
}

func (b *Bus) store(off, v uint32) {
	b.bus.Store32(b.reg(off), v)
}

func (b *Bus) String() string {
	return fmt.Sprintf("LPI2C%d", b.inst.Index)
}

// SetSpeed resets the controller and configures the bus clock to
// the fastest supported speed not exceeding f. The slowest speed
// is 100 kHz.
func (b *Bus) SetSpeed(f physic.Frequency) error {
	var t *timing
	for i := range timings {
		if timings[i].max <= f {
			t = &timings[i]
		}
	}
	if t == nil {
		return fmt.Errorf("%w: %v", ErrSpeed, f)
	}
	mmio.ClearBits32(b.bus, b.reg(regMCR), mcrMEN)
	mmio.SetBits32(b.bus, b.reg(regMCR), mcrRTF|mcrRRF)
	mmio.SetBits32(b.bus, b.reg(regMCR), mcrRST)
	mmio.ClearBits32(b.bus, b.reg(regMCR), mcrRST)
	b.store(regMIER, 0)
	b.store(regMDER, 0)
	b.store(regMCCR0, uint32(t.clklo)|uint32(t.clkhi)<<8|uint32(t.sethold)<<16|uint32(t.datavd)<<24)
	mmio.SetBits32(b.bus, b.reg(regMCR), mcrMEN)
	b.store(regMSR, msrFlags)
	return nil
}

// Close disables the controller and releases its channels.
func (b *Bus) Close() error {
	b.store(regMDER, 0)
	b.store(regMCR, 0)
	b.tx.Close()
	b.rx.Close()
	return nil
}

// status acknowledges the controller flags and reports an error
// flag, if any.
func (b *Bus) status() (msr uint32, err error) {
	msr = b.load(regMSR)
	if msr&msrFlags != 0 {
		b.store(regMSR, msr&msrFlags)
	}
	switch {
	case msr&msrNDF != 0:
		err = ErrNack
	case msr&msrALF != 0:
		err = ErrArbitration
	case msr&msrFEF != 0:
		err = ErrFIFO
	}
	return msr, err
}

// stopped is a condition holding once the STOP condition is on
// the bus.
func (b *Bus) stopped() (bool, error) {
	msr, err := b.status()
	return msr&msrSDF != 0 || err != nil, err
}

// command queues a command word when the transmit FIFO has room.
func (b *Bus) command(ctx context.Context, cmd, data uint8) error {
	room := dma.Condition(func() (bool, error) {
		return b.load(regMFSR)&mfsrTXCOUNT < fifoDepth, nil
	})
	if err := room.Wait(ctx); err != nil {
		return err
	}
	b.store(regMTDR, uint32(cmd)<<8|uint32(data))
	return nil
}

// Tx writes w to the device at addr, then reads r with a repeated
// START. Either may be empty; an empty transaction probes for an
// acknowledge.
func (b *Bus) Tx(addr uint16, w, r []byte) error {
	return b.TxContext(context.Background(), addr, w, r)
}

// TxContext is like Tx, but aborts the transaction when ctx is
// done.
func (b *Bus) TxContext(ctx context.Context, addr uint16, w, r []byte) (err error) {
	if addr > 0x7f {
		return fmt.Errorf("%w: %#x", ErrAddress, addr)
	}
	if len(w) > dma.MaxTransferSize || len(r) > dma.MaxTransferSize {
		return fmt.Errorf("%w: more than %#x bytes", dma.ErrInvalidParameters, dma.MaxTransferSize)
	}
	b.store(regMSR, msrFlags)
	defer func() {
		b.store(regMDER, 0)
		if err != nil {
			// The controller ends a failed transaction itself.
			mmio.SetBits32(b.bus, b.reg(regMCR), mcrRTF|mcrRRF)
			b.store(regMSR, msrFlags)
		}
	}()
	if len(w) > 0 || len(r) == 0 {
		if err := b.command(ctx, cmdSTART, uint8(addr)<<1); err != nil {
			return err
		}
		if len(w) > 0 {
			if err := b.write(ctx, w); err != nil {
				return err
			}
		}
	}
	if len(r) == 0 {
		if err := b.command(ctx, cmdSTOP, 0); err != nil {
			return err
		}
		return dma.Condition(b.stopped).Wait(ctx)
	}
	return b.read(ctx, uint8(addr), r)
}

// write transmits w, and returns once it is queued or the
// controller reports an error.
func (b *Bus) write(ctx context.Context, w []byte) error {
	ch := b.tx
	ch.DisableRequest()
	ch.ClearDone()
	ch.ClearInterrupt()
	ch.SetRequestSource(b.inst.TX)
	mmio.SetBits32(b.bus, b.reg(regMDER), mderTDDE)
	tr, err := dma.Write(ch, w, b.reg(regMTDR), dma.DefaultOptions())
	if err != nil {
		return err
	}
	queued := dma.Condition(func() (bool, error) {
		if _, err := b.status(); err != nil {
			return true, err
		}
		return !tr.IsRunning(), nil
	})
	return dma.WaitAll(ctx, queued, tr)
}

// read queues a repeated START, the receive commands and the STOP,
// and receives r.
func (b *Bus) read(ctx context.Context, addr uint8, r []byte) error {
	ch := b.rx
	ch.DisableRequest()
	ch.ClearDone()
	ch.ClearInterrupt()
	ch.SetRequestSource(b.inst.RX)
	if err := dma.SetupRead(ch, b.reg(regMRDR), r, true); err != nil {
		return err
	}
	tr, err := ch.Begin()
	if err != nil {
		return err
	}
	mmio.SetBits32(b.bus, b.reg(regMDER), mderRDDE)
	legs := []dma.Leg{dma.Condition(b.stopped), tr}
	if err := b.command(ctx, cmdSTART, addr<<1|1); err != nil {
		tr.Close()
		return err
	}
	for n := len(r); n > 0; n -= maxReceive {
		if err := b.command(ctx, cmdRECEIVE, uint8(min(n, maxReceive)-1)); err != nil {
			tr.Close()
			return err
		}
	}
	if err := b.command(ctx, cmdSTOP, 0); err != nil {
		tr.Close()
		return err
	}
	return dma.WaitAll(ctx, legs...)
}
