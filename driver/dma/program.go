package dma

import (
	"fmt"
	"unsafe"

	"mcxa.dev/driver/critical"
	"mcxa.dev/driver/mmio"
)

// Priority is the arbitration priority of a channel.
type Priority uint8

// The zero value, PriorityHigh, is the default.
const (
	PriorityHigh Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHighest
)

// level is the CH_PRI.APL value, where 0 is the highest.
func (p Priority) level() uint8 {
	switch p {
	case PriorityLow:
		return 7
	case PriorityMedium:
		return 4
	case PriorityHighest:
		return 0
	default:
		return 1
	}
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHighest:
		return "highest"
	default:
		return "high"
	}
}

// Options control how a transfer is armed.
type Options struct {
	Priority Priority
	// Circular rewinds the addresses at major loop completion
	// and keeps the request enabled.
	Circular bool
	// HalfTransferInterrupt interrupts when half of the major
	// loop is done.
	HalfTransferInterrupt bool
	// CompleteTransferInterrupt interrupts on major loop
	// completion. Without it, Wait polls the channel.
	CompleteTransferInterrupt bool
}

// DefaultOptions is high priority with the completion
// interrupt enabled.
func DefaultOptions() Options {
	return Options{Priority: PriorityHigh, CompleteTransferInterrupt: true}
}

func (o Options) csr() uint16 {
	var csr uint16
	if o.CompleteTransferInterrupt {
		csr |= CSRIntMajor
	}
	if o.HalfTransferInterrupt {
		csr |= CSRIntHalf
	}
	if !o.Circular {
		csr |= CSRDReq
	}
	return csr
}

func busAddr(as mmio.AddressSpace, p []byte) (uint32, error) {
	addr, err := as.BusAddr(p)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidParameters, err)
	}
	return addr, nil
}

func checkCount[W Word](n int) error {
	if n == 0 {
		return fmt.Errorf("%w: empty buffer", ErrInvalidParameters)
	}
	if b := n * int(sizeOf[W]()); b > MaxTransferSize {
		return fmt.Errorf("%w: %d bytes exceeds %#x", ErrInvalidParameters, b, MaxTransferSize)
	}
	return nil
}

// MemToMem copies src to the start of dst.
func MemToMem[W Word](ch *Channel, src, dst []W, opts Options) (*Transfer, error) {
	if err := checkCount[W](len(src)); err != nil {
		return nil, err
	}
	if len(dst) < len(src) {
		return nil, fmt.Errorf("%w: destination shorter than source", ErrInvalidParameters)
	}
	as := ch.owner().c.as
	s, err := busAddr(as, mmio.Bytes(src))
	if err != nil {
		return nil, err
	}
	d, err := busAddr(as, mmio.Bytes(dst[:len(src)]))
	if err != nil {
		return nil, err
	}
	return ch.start(Shape{Src: s, Dst: d, Size: sizeOf[W](), Count: len(src), SrcInc: true, DstInc: true, Circular: opts.Circular}, opts)
}

// Memset fills dst with the value at pattern.
func Memset[W Word](ch *Channel, pattern *W, dst []W, opts Options) (*Transfer, error) {
	if err := checkCount[W](len(dst)); err != nil {
		return nil, err
	}
	as := ch.owner().c.as
	s, err := busAddr(as, mmio.Bytes(unsafe.Slice(pattern, 1)))
	if err != nil {
		return nil, err
	}
	d, err := busAddr(as, mmio.Bytes(dst))
	if err != nil {
		return nil, err
	}
	return ch.start(Shape{Src: s, Dst: d, Size: sizeOf[W](), Count: len(dst), DstInc: true, Circular: opts.Circular}, opts)
}

// Write transfers src to the peripheral register at periph, one
// element per hardware request.
func Write[W Word](ch *Channel, src []W, periph uint32, opts Options) (*Transfer, error) {
	s, err := writeShape(ch, src, periph, opts.Circular)
	if err != nil {
		return nil, err
	}
	return ch.setup(s, opts)
}

// Read transfers from the peripheral register at periph into
// dst, one element per hardware request.
func Read[W Word](ch *Channel, periph uint32, dst []W, opts Options) (*Transfer, error) {
	s, err := readShape(ch, periph, dst, opts.Circular)
	if err != nil {
		return nil, err
	}
	return ch.setup(s, opts)
}

// SetupWrite configures a transfer like Write without starting
// it. The transfer is started by Begin.
func SetupWrite[W Word](ch *Channel, src []W, periph uint32, interrupt bool) error {
	s, err := writeShape(ch, src, periph, false)
	if err != nil {
		return err
	}
	return ch.configure(s, Options{Priority: PriorityHigh, CompleteTransferInterrupt: interrupt})
}

// SetupRead configures a transfer like Read without starting it.
// The transfer is started by Begin.
func SetupRead[W Word](ch *Channel, periph uint32, dst []W, interrupt bool) error {
	s, err := readShape(ch, periph, dst, false)
	if err != nil {
		return err
	}
	return ch.configure(s, Options{Priority: PriorityHigh, CompleteTransferInterrupt: interrupt})
}

func writeShape[W Word](ch *Channel, src []W, periph uint32, circular bool) (Shape, error) {
	if err := checkCount[W](len(src)); err != nil {
		return Shape{}, err
	}
	s, err := busAddr(ch.owner().c.as, mmio.Bytes(src))
	if err != nil {
		return Shape{}, err
	}
	return Shape{Src: s, Dst: periph, Size: sizeOf[W](), Count: len(src), SrcInc: true, Paced: true, Circular: circular}, nil
}

func readShape[W Word](ch *Channel, periph uint32, dst []W, circular bool) (Shape, error) {
	if err := checkCount[W](len(dst)); err != nil {
		return Shape{}, err
	}
	d, err := busAddr(ch.owner().c.as, mmio.Bytes(dst))
	if err != nil {
		return Shape{}, err
	}
	return Shape{Src: periph, Dst: d, Size: sizeOf[W](), Count: len(dst), DstInc: true, Paced: true, Circular: circular}, nil
}

// idle reports whether no transfer is in flight on the channel.
func (ch *Channel) idle() bool {
	idle := false
	critical.Do(func() {
		idle = ch.owner().slot.state != slotArmed
	})
	return idle
}

// program runs the arming sequence up to, but excluding, the
// final control and status write: it resets the channel status,
// clears the live descriptor, writes the transfer shape and
// priority, and the final adjustments. Error interrupts are
// enabled so that software started transfers report bus errors.
func (ch *Channel) program(t *TCD, prio Priority) {
	ch.resetStatus()
	ch.barrier()
	ch.clearTCD()
	ch.writeShape(t)
	ch.SetPriority(prio)
	ch.store32(tcdSLAST, uint32(t.SLAST))
	ch.store32(tcdDLASTSGA, uint32(t.DLASTSGA))
	ch.enableErrorInterrupt()
	ch.barrier()
}

// start arms a software started transfer.
func (ch *Channel) start(s Shape, opts Options) (*Transfer, error) {
	var t TCD
	if err := t.Program(s); err != nil {
		return nil, err
	}
	if !ch.idle() {
		return nil, errTransferInFlight
	}
	t.CSR = opts.csr() | CSRStart
	ch.program(&t, opts.Priority)
	tr := ch.arm(opts.CompleteTransferInterrupt, opts.Circular)
	ch.store16(tcdCSR, t.CSR)
	return tr, nil
}

// configure programs a request paced transfer without enabling
// the request.
func (ch *Channel) configure(s Shape, opts Options) error {
	var t TCD
	if err := t.Program(s); err != nil {
		return err
	}
	if !ch.idle() {
		return errTransferInFlight
	}
	t.CSR = opts.csr()
	ch.program(&t, opts.Priority)
	ch.store16(tcdCSR, t.CSR)
	return nil
}

// setup programs a request paced transfer and begins it.
func (ch *Channel) setup(s Shape, opts Options) (*Transfer, error) {
	if err := ch.configure(s, opts); err != nil {
		return nil, err
	}
	tr := ch.arm(opts.CompleteTransferInterrupt, opts.Circular)
	ch.EnableRequest()
	return tr, nil
}
