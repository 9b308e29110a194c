package dma

import (
	"fmt"
	"runtime"

	"mcxa.dev/driver/critical"
)

// owner is the ownership record of a claimed channel, shared
// by the channel and its reborrowed views.
type owner struct {
	c        *Controller
	inst     Instance
	slot     *slot
	released bool
}

// Channel is exclusive ownership of a DMA channel. It must be
// closed to release the channel.
type Channel struct {
	o        *owner
	borrowed bool
}

// enableIRQ unmasks a channel interrupt vector. It is nil on
// hosts without an interrupt controller.
var enableIRQ func(irq int)

func (ch *Channel) owner() *owner {
	if ch.o.released {
		panic("dma: use of closed channel")
	}
	return ch.o
}

func (ch *Channel) addr(off uint32) uint32 {
	return ch.owner().inst.Base + off
}

func (ch *Channel) load32(off uint32) uint32 {
	return ch.o.c.bus.Load32(ch.addr(off))
}

func (ch *Channel) store32(off uint32, v uint32) {
	ch.o.c.bus.Store32(ch.addr(off), v)
}

func (ch *Channel) load16(off uint32) uint16 {
	return ch.o.c.bus.Load16(ch.addr(off))
}

func (ch *Channel) store16(off uint32, v uint16) {
	ch.o.c.bus.Store16(ch.addr(off), v)
}

func (ch *Channel) barrier() {
	ch.o.c.bus.Barrier()
}

// Index returns the channel number.
func (ch *Channel) Index() int {
	return ch.owner().inst.Index
}

// Instance returns the channel description.
func (ch *Channel) Instance() Instance {
	return ch.owner().inst
}

func (ch *Channel) String() string {
	return fmt.Sprintf("dma channel %d", ch.o.inst.Index)
}

// Reborrow returns a view of ch for use by a shorter lived
// owner, such as a peripheral driver performing one transfer.
// Closing the view stops the channel but does not release it.
func (ch *Channel) Reborrow() *Channel {
	return &Channel{o: ch.owner(), borrowed: true}
}

// Close stops the channel, clears its flags and releases it.
// Closing a closed channel has no effect.
func (ch *Channel) Close() {
	if ch.o.released {
		return
	}
	ch.stop()
	critical.Do(func() {
		ch.o.slot.cancel()
	})
	if ch.borrowed {
		return
	}
	ch.o.released = true
	ch.o.c.release(ch.o)
}

// stop disables the hardware request, waits for an active minor
// loop to finish and clears the completion flags.
func (ch *Channel) stop() {
	ch.DisableRequest()
	ch.ClearInterrupt()
	ch.ClearDone()
	ch.barrier()
	for ch.active() {
		runtime.Gosched()
	}
}

func (ch *Channel) active() bool {
	return ch.load32(chCSR)&chCSRACTIVE != 0
}

// SetRequestSource selects the hardware request that paces the
// channel. The source is cleared before it is set.
func (ch *Channel) SetRequestSource(r Request) {
	ch.store32(chMUX, 0)
	ch.barrier()
	ch.store32(chMUX, uint32(r)&chMUXSRC)
}

// RequestSource returns the selected request source.
func (ch *Channel) RequestSource() Request {
	return Request(ch.load32(chMUX) & chMUXSRC)
}

// modifyCSR rewrites the control bits of CH_CSR without
// acknowledging the DONE flag.
func (ch *Channel) modifyCSR(clear, set uint32) {
	csr := ch.load32(chCSR) & chCSRControl
	ch.store32(chCSR, csr&^clear|set)
}

// EnableRequest enables hardware requests and error
// interrupts.
func (ch *Channel) EnableRequest() {
	ch.modifyCSR(0, chCSRERQ|chCSREEI)
}

// enableErrorInterrupt interrupts on channel errors, without
// enabling hardware requests.
func (ch *Channel) enableErrorInterrupt() {
	ch.modifyCSR(0, chCSREEI)
}

// DisableRequest disables hardware requests.
func (ch *Channel) DisableRequest() {
	ch.modifyCSR(chCSRERQ, 0)
}

// RequestEnabled reports whether hardware requests are enabled.
func (ch *Channel) RequestEnabled() bool {
	return ch.load32(chCSR)&chCSRERQ != 0
}

// IsDone reports whether the major loop has completed.
func (ch *Channel) IsDone() bool {
	return ch.load32(chCSR)&chCSRDONE != 0
}

// ClearDone acknowledges major loop completion.
func (ch *Channel) ClearDone() {
	csr := ch.load32(chCSR) & chCSRControl
	ch.store32(chCSR, csr|chCSRDONE)
}

// ClearInterrupt acknowledges the channel interrupt.
func (ch *Channel) ClearInterrupt() {
	ch.store32(chINT, chINTINT)
}

// clearErrors acknowledges the error status.
func (ch *Channel) clearErrors() {
	ch.store32(chES, chESERR)
}

// TriggerStart starts a single service request in software.
func (ch *Channel) TriggerStart() {
	ch.store16(tcdCSR, ch.load16(tcdCSR)|CSRStart)
}

// SetPriority sets the arbitration priority.
func (ch *Channel) SetPriority(p Priority) {
	ch.store32(chPRI, uint32(p.level())&chPRIAPL)
}

// SetMajorLink links the channel to start target on major loop
// completion.
func (ch *Channel) SetMajorLink(target int) error {
	if err := ch.validLink(target); err != nil {
		return err
	}
	csr := ch.load16(tcdCSR)
	csr = csr&^csrMajorLinkMask | CSRMajorELink | uint16(target)<<csrMajorLinkShift
	ch.store16(tcdCSR, csr)
	return nil
}

func (ch *Channel) ClearMajorLink() {
	ch.store16(tcdCSR, ch.load16(tcdCSR)&^(CSRMajorELink|csrMajorLinkMask))
}

// SetMinorLink links the channel to start target on every minor
// loop completion but the last. Linking narrows the major loop
// count to 9 bits.
func (ch *Channel) SetMinorLink(target int) error {
	if err := ch.validLink(target); err != nil {
		return err
	}
	citer, biter := ch.load16(tcdCITER), ch.load16(tcdBITER)
	if iterValue(citer) > iterLinkedCount || iterValue(biter) > iterLinkedCount {
		return fmt.Errorf("%w: major loop count exceeds %d with linking", ErrInvalidParameters, iterLinkedCount)
	}
	link := iterELink | uint16(target)<<iterLinkShift
	ch.store16(tcdCITER, uint16(iterValue(citer))|link)
	ch.store16(tcdBITER, uint16(iterValue(biter))|link)
	return nil
}

func (ch *Channel) ClearMinorLink() {
	ch.store16(tcdCITER, uint16(iterValue(ch.load16(tcdCITER))))
	ch.store16(tcdBITER, uint16(iterValue(ch.load16(tcdBITER))))
}

func (ch *Channel) validLink(target int) error {
	if target < 0 || target >= ch.o.c.NumChannels() || target > csrMajorLinkMask>>csrMajorLinkShift {
		return fmt.Errorf("%w: link to %d", ErrInvalidChannel, target)
	}
	return nil
}

// EnableInterrupt unmasks the channel interrupt vector.
func (ch *Channel) EnableInterrupt() {
	if enableIRQ != nil {
		enableIRQ(ch.owner().inst.IRQ)
	}
}

// clearTCD zeroes the live descriptor, between full barriers.
func (ch *Channel) clearTCD() {
	ch.barrier()
	ch.store32(tcdSADDR, 0)
	ch.store16(tcdSOFF, 0)
	ch.store16(tcdATTR, 0)
	ch.store32(tcdNBYTES, 0)
	ch.store32(tcdSLAST, 0)
	ch.store32(tcdDADDR, 0)
	ch.store16(tcdDOFF, 0)
	ch.store16(tcdCITER, 0)
	ch.store32(tcdDLASTSGA, 0)
	ch.store16(tcdCSR, 0)
	ch.store16(tcdBITER, 0)
	ch.barrier()
}

// resetStatus clears DONE, the error status and the interrupt
// flag, and disables requests.
func (ch *Channel) resetStatus() {
	ch.store32(chCSR, chCSRDONE)
	ch.clearErrors()
	ch.ClearInterrupt()
}

// LoadTCD writes t to the live descriptor registers. The control
// and status field is written last; a descriptor with CSRStart
// set starts immediately.
func (ch *Channel) LoadTCD(t *TCD) {
	ch.writeShape(t)
	ch.store32(tcdSLAST, uint32(t.SLAST))
	ch.store32(tcdDLASTSGA, uint32(t.DLASTSGA))
	ch.barrier()
	ch.store16(tcdCSR, t.CSR)
}

func (ch *Channel) writeShape(t *TCD) {
	ch.store32(tcdSADDR, t.SADDR)
	ch.store16(tcdSOFF, uint16(t.SOFF))
	ch.store16(tcdATTR, t.ATTR)
	ch.store32(tcdNBYTES, t.NBYTES)
	ch.store32(tcdDADDR, t.DADDR)
	ch.store16(tcdDOFF, uint16(t.DOFF))
	ch.store16(tcdBITER, t.BITER)
	ch.store16(tcdCITER, t.CITER)
}

// ReadTCD reads the live descriptor registers.
func (ch *Channel) ReadTCD() TCD {
	return TCD{
		SADDR:    ch.load32(tcdSADDR),
		SOFF:     int16(ch.load16(tcdSOFF)),
		ATTR:     ch.load16(tcdATTR),
		NBYTES:   ch.load32(tcdNBYTES),
		SLAST:    int32(ch.load32(tcdSLAST)),
		DADDR:    ch.load32(tcdDADDR),
		DOFF:     int16(ch.load16(tcdDOFF)),
		CITER:    ch.load16(tcdCITER),
		DLASTSGA: int32(ch.load32(tcdDLASTSGA)),
		CSR:      ch.load16(tcdCSR),
		BITER:    ch.load16(tcdBITER),
	}
}

// Begin starts a transfer configured by LoadTCD or a Setup
// function: it clears stale flags, arms the completion slot and
// enables the hardware request.
func (ch *Channel) Begin() (*Transfer, error) {
	if !ch.idle() {
		return nil, errTransferInFlight
	}
	ch.ClearDone()
	ch.ClearInterrupt()
	ch.clearErrors()
	csr := ch.load16(tcdCSR)
	t := ch.arm(csr&CSRIntMajor != 0, false)
	ch.EnableRequest()
	return t, nil
}
