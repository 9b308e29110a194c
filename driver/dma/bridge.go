package dma

type slotState uint8

const (
	slotIdle slotState = iota
	slotArmed
	slotFired
	slotCancelled
)

// slot carries completion of one channel from its interrupt
// handler to the waiting task. Its state is accessed only in
// critical sections or by the interrupt handler.
type slot struct {
	state slotState
	// gen counts arms, identifying the transfer that owns the
	// slot.
	gen uint32
	// circular slots stay armed on completion and signal every
	// major loop.
	circular bool
	err      error
	// notify and half hold at most one pending wakeup, so a
	// wakeup sent between a waiter's check and its receive is
	// not lost.
	notify chan struct{}
	half   chan struct{}
}

func (s *slot) init() {
	s.notify = make(chan struct{}, 1)
	s.half = make(chan struct{}, 1)
}

func (s *slot) arm(circular bool) {
	drain(s.notify)
	drain(s.half)
	s.gen++
	s.state = slotArmed
	s.circular = circular
	s.err = nil
}

func (s *slot) fire(err error) {
	if s.state != slotArmed {
		return
	}
	if s.circular && err == nil {
		signal(s.notify)
		return
	}
	s.state = slotFired
	s.err = err
	signal(s.notify)
	signal(s.half)
}

func (s *slot) cancel() {
	if s.state == slotArmed {
		s.state = slotCancelled
		signal(s.notify)
		signal(s.half)
	}
}

func (s *slot) reset() {
	s.state = slotIdle
	s.err = nil
	drain(s.notify)
	drain(s.half)
}

func signal(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

func drain(c chan struct{}) {
	select {
	case <-c:
	default:
	}
}

// HandleInterrupt services the interrupt of the channel with the
// given index. It must be called from the channel's interrupt
// vector, or with interrupt handlers otherwise excluded.
func (c *Controller) HandleInterrupt(index int) {
	if index < 0 || index >= len(c.insts) {
		return
	}
	base := c.insts[index].Base
	s := &c.slots[index]
	csr := c.bus.Load16(base + tcdCSR)
	if csr&CSRIntHalf != 0 {
		biter := iterValue(c.bus.Load16(base + tcdBITER))
		citer := iterValue(c.bus.Load16(base + tcdCITER))
		if citer <= biter/2 && citer > 0 && s.state == slotArmed {
			signal(s.half)
		}
	}
	c.bus.Store32(base+chINT, chINTINT)
	if es := c.bus.Load32(base + chES); es&chESERR != 0 {
		c.bus.Store32(base+chES, chESERR)
		s.fire(&BusError{Channel: index, Raw: uint8(es & chESCause)})
		return
	}
	if c.bus.Load32(base+chCSR)&chCSRDONE != 0 {
		s.fire(nil)
	}
}
