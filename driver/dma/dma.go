// Package dma implements a driver for the eDMA controller of the
// MCXA family of microcontrollers.
//
// A Controller hands out exclusive Channels. Transfers are
// programmed through the shape functions MemToMem, Memset, Write
// and Read, or as descriptor chains with ScatterGather, and are
// awaited through a Transfer. Completion is signalled by the
// channel interrupt, which must be routed to
// Controller.HandleInterrupt.
package dma

import (
	"sync"

	"mcxa.dev/driver/mmio"
)

// Instance describes a channel of a controller.
type Instance struct {
	Index int
	// IRQ is the channel's interrupt vector.
	IRQ int
	// Base is the address of the channel's register window.
	Base uint32
}

const (
	// NumChannels is the number of channels on the MCXA276.
	NumChannels = 8

	// MPBase is the address of the management page.
	MPBase = 0x4008_0000

	channelBase   = 0x4008_1000
	channelStride = 0x1000
)

// MCXA276 lists the channels of the MCXA276.
var MCXA276 = func() []Instance {
	insts := make([]Instance, NumChannels)
	for i := range insts {
		insts[i] = Instance{Index: i, IRQ: 2 + i, Base: channelBase + uint32(i)*channelStride}
	}
	return insts
}()

// Management page registers.
const (
	mpCSR = 0x00
	mpES  = 0x04
	mpINT = 0x08
	mpHRS = 0x0c

	mpEDBG = 0b1 << 1
	mpERCA = 0b1 << 2
	mpHAE  = 0b1 << 4
	mpHALT = 0b1 << 5
	mpGCLC = 0b1 << 6
	mpGMRC = 0b1 << 7
)

// Channel registers, relative to the channel window.
const (
	chCSR = 0x00
	chES  = 0x04
	chINT = 0x08
	chSBR = 0x0c
	chPRI = 0x10
	chMUX = 0x14

	tcdOffset   = 0x20
	tcdSADDR    = tcdOffset + 0x00
	tcdSOFF     = tcdOffset + 0x04
	tcdATTR     = tcdOffset + 0x06
	tcdNBYTES   = tcdOffset + 0x08
	tcdSLAST    = tcdOffset + 0x0c
	tcdDADDR    = tcdOffset + 0x10
	tcdDOFF     = tcdOffset + 0x14
	tcdCITER    = tcdOffset + 0x16
	tcdDLASTSGA = tcdOffset + 0x18
	tcdCSR      = tcdOffset + 0x1c
	tcdBITER    = tcdOffset + 0x1e

	chCSRERQ    = 0b1 << 0
	chCSREARQ   = 0b1 << 1
	chCSREEI    = 0b1 << 2
	chCSREBW    = 0b1 << 3
	chCSRDONE   = 0b1 << 30
	chCSRACTIVE = 0b1 << 31
	// chCSRControl are the CH_CSR bits that are not flags.
	chCSRControl = chCSRERQ | chCSREARQ | chCSREEI | chCSREBW

	chESERR   = 0b1 << 31
	chESCause = 0xff
	chINTINT  = 0b1 << 0

	chPRIAPL = 0b111
	chMUXSRC = 0b111_1111
)

// Controller is an eDMA controller.
type Controller struct {
	bus    mmio.Bus
	as     mmio.AddressSpace
	insts  []Instance
	slots  []slot
	owners []*owner

	mu sync.Mutex
	// claimed tracks the bitset of owned channels.
	claimed uint32
}

// New returns a controller accessing its registers through bus
// and translating buffers through as.
func New(bus mmio.Bus, as mmio.AddressSpace, insts []Instance) *Controller {
	if len(insts) > 32 {
		panic("too many channels")
	}
	c := &Controller{
		bus:    bus,
		as:     as,
		insts:  insts,
		slots:  make([]slot, len(insts)),
		owners: make([]*owner, len(insts)),
	}
	for i := range c.slots {
		c.slots[i].init()
	}
	return c
}

// Init enables debug halting, round-robin channel arbitration,
// and global channel linking and master ID replication.
func (c *Controller) Init() {
	c.bus.Store32(MPBase+mpCSR, mpEDBG|mpERCA|mpGCLC|mpGMRC)
}

// NumChannels returns the number of channels.
func (c *Controller) NumChannels() int {
	return len(c.insts)
}

// Channel claims the channel with the given index. It fails
// with ErrChannelInUse if the channel is owned already.
func (c *Controller) Channel(index int) (*Channel, error) {
	if index < 0 || index >= len(c.insts) {
		return nil, ErrInvalidChannel
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimed&(0b1<<index) != 0 {
		return nil, ErrChannelInUse
	}
	return c.claim(index), nil
}

// Reserve claims the lowest numbered free channel.
func (c *Controller) Reserve() (*Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.insts {
		if c.claimed&(0b1<<i) == 0 {
			return c.claim(i), nil
		}
	}
	return nil, ErrNoChannel
}

func (c *Controller) claim(index int) *Channel {
	c.claimed |= 0b1 << index
	o := &owner{c: c, inst: c.insts[index], slot: &c.slots[index]}
	c.owners[index] = o
	ch := &Channel{o: o}
	ch.EnableInterrupt()
	return ch
}

func (c *Controller) release(o *owner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claimed &^= 0b1 << o.inst.Index
	c.owners[o.inst.Index] = nil
}

// Lookup names the register at addr, in the channels of insts.
func Lookup(insts []Instance, addr uint32) (channel int, name string, ok bool) {
	if addr >= MPBase && addr < MPBase+0x10 {
		name, ok := mpNames[addr-MPBase]
		return -1, name, ok
	}
	for _, inst := range insts {
		if addr < inst.Base || addr >= inst.Base+tcdOffset+TCDSize {
			continue
		}
		name, ok := registerNames[addr-inst.Base]
		return inst.Index, name, ok
	}
	return 0, "", false
}

var mpNames = map[uint32]string{
	mpCSR: "MP_CSR", mpES: "MP_ES", mpINT: "MP_INT", mpHRS: "MP_HRS",
}

var registerNames = map[uint32]string{
	chCSR: "CH_CSR", chES: "CH_ES", chINT: "CH_INT", chSBR: "CH_SBR",
	chPRI: "CH_PRI", chMUX: "CH_MUX",
	tcdSADDR: "TCD_SADDR", tcdSOFF: "TCD_SOFF", tcdATTR: "TCD_ATTR",
	tcdNBYTES: "TCD_NBYTES", tcdSLAST: "TCD_SLAST", tcdDADDR: "TCD_DADDR",
	tcdDOFF: "TCD_DOFF", tcdCITER: "TCD_CITER", tcdDLASTSGA: "TCD_DLAST_SGA",
	tcdCSR: "TCD_CSR", tcdBITER: "TCD_BITER",
}

// TCDRegister reports whether the register name belongs to the
// transfer control descriptor, and its offset in an encoded TCD.
func TCDRegister(name string) (offset int, ok bool) {
	for off, n := range registerNames {
		if n == name && off >= tcdOffset {
			return int(off - tcdOffset), true
		}
	}
	return 0, false
}
