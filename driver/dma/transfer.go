package dma

import (
	"context"
	"fmt"
	"runtime"

	"mcxa.dev/driver/critical"
)

// Transfer is a transfer in flight on a channel. Its result is
// collected by Wait, and Close stops it early. A Transfer must
// be waited for or closed before the channel starts another.
type Transfer struct {
	ch   *Channel
	slot *slot
	gen  uint32
	// irq reports whether completion raises an interrupt.
	// Otherwise completion is polled.
	irq bool

	finished    bool
	err         error
	transferred int
}

// arm arms the channel's completion slot for a new transfer.
func (ch *Channel) arm(irq, circular bool) *Transfer {
	t := &Transfer{ch: ch, slot: ch.owner().slot, irq: irq}
	critical.Do(func() {
		t.slot.arm(circular)
		t.gen = t.slot.gen
	})
	return t
}

// current reports whether the slot still belongs to t. It must
// be called in a critical section.
func (t *Transfer) current() bool {
	return t.slot.gen == t.gen
}

// poll reports whether the transfer has completed, and its
// result.
func (t *Transfer) poll() (done bool, err error) {
	critical.Do(func() {
		if !t.current() {
			done, err = true, ErrAborted
			return
		}
		switch t.slot.state {
		case slotFired:
			done, err = true, t.slot.err
		case slotArmed:
			if t.irq {
				return
			}
			if es := t.ch.load32(chES); es&chESERR != 0 {
				done, err = true, &BusError{Channel: t.ch.o.inst.Index, Raw: uint8(es & chESCause)}
			} else {
				done = t.ch.IsDone()
			}
		default:
			done, err = true, ErrAborted
		}
	})
	return
}

// sleep blocks until the interrupt handler signals the slot, or
// yields once if completion is polled.
func (t *Transfer) sleep(ctx context.Context, half bool) error {
	if !t.irq {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		default:
			runtime.Gosched()
			return nil
		}
	}
	var halfc chan struct{}
	if half {
		halfc = t.slot.half
	}
	select {
	case <-t.slot.notify:
	case <-halfc:
	case <-ctx.Done():
		return context.Cause(ctx)
	}
	return nil
}

// Wait blocks until the transfer completes. If ctx is done
// first, the transfer is stopped and Wait returns an error
// matching ErrAborted. Hardware failures are reported as
// *BusError.
func (t *Transfer) Wait(ctx context.Context) error {
	for !t.finished {
		done, err := t.poll()
		if done {
			t.finish(err)
			break
		}
		if err := t.sleep(ctx, false); err != nil {
			t.Close()
			return fmt.Errorf("%w: %w", ErrAborted, err)
		}
	}
	return t.err
}

// WaitHalf blocks until half of the major loop is done, and
// reports true. It reports false if the transfer completed
// first. Transfers must be armed with the half transfer
// interrupt for WaitHalf to wake early.
func (t *Transfer) WaitHalf(ctx context.Context) (bool, error) {
	for !t.finished {
		done, err := t.poll()
		if done {
			t.finish(err)
			break
		}
		if t.halfway() {
			return true, nil
		}
		if err := t.sleep(ctx, true); err != nil {
			t.Close()
			return false, fmt.Errorf("%w: %w", ErrAborted, err)
		}
	}
	return false, t.err
}

// BlockingWait spins until the transfer completes.
func (t *Transfer) BlockingWait() error {
	for !t.finished {
		done, err := t.poll()
		if done {
			t.finish(err)
			break
		}
		runtime.Gosched()
	}
	return t.err
}

func (t *Transfer) halfway() bool {
	half := false
	critical.Do(func() {
		if !t.current() {
			return
		}
		biter := iterValue(t.ch.load16(tcdBITER))
		citer := iterValue(t.ch.load16(tcdCITER))
		half = citer <= biter/2
	})
	return half
}

// Close stops the transfer if it is still in flight: the
// request is disabled and the completion flags cleared. Closing
// a completed transfer has no effect.
func (t *Transfer) Close() {
	if t.finished {
		return
	}
	critical.Do(func() {
		if t.current() {
			t.slot.cancel()
		}
	})
	t.finish(ErrAborted)
}

// finish records the result and leaves the channel quiescent.
func (t *Transfer) finish(err error) {
	t.finished = true
	t.err = err
	if t.ch.o.released {
		return
	}
	own := false
	critical.Do(func() {
		own = t.current()
		if own {
			t.transferred = t.measure()
		}
	})
	if !own {
		return
	}
	t.ch.stop()
	critical.Do(func() {
		if t.current() {
			t.slot.reset()
		}
	})
}

// measure computes the bytes moved. It must be called in a
// critical section.
func (t *Transfer) measure() int {
	nbytes := int(t.ch.load32(tcdNBYTES))
	biter := iterValue(t.ch.load16(tcdBITER))
	if t.ch.IsDone() {
		return biter * nbytes
	}
	citer := iterValue(t.ch.load16(tcdCITER))
	return (biter - citer) * nbytes
}

// TransferredBytes returns the number of bytes moved by the
// completed minor loops.
func (t *Transfer) TransferredBytes() int {
	if t.finished {
		return t.transferred
	}
	n := 0
	critical.Do(func() {
		if t.current() {
			n = t.measure()
		}
	})
	return n
}

// Remaining returns the number of major loop iterations left.
func (t *Transfer) Remaining() int {
	if t.finished {
		return 0
	}
	return iterValue(t.ch.load16(tcdCITER))
}

// IsRunning reports whether the transfer is in flight.
func (t *Transfer) IsRunning() bool {
	if t.finished {
		return false
	}
	done, _ := t.poll()
	return !done && !t.ch.IsDone()
}

// Leg is one of the conditions that completes a composite
// operation.
type Leg interface {
	Wait(ctx context.Context) error
	Close()
}

// WaitAll waits for every leg to complete and returns the first
// error. All legs are closed on return.
func WaitAll(ctx context.Context, legs ...Leg) error {
	defer func() {
		for _, l := range legs {
			l.Close()
		}
	}()
	for _, l := range legs {
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Condition is a Leg completed when a polled condition holds,
// such as a peripheral status flag.
type Condition func() (bool, error)

// Wait polls c until it reports true or an error.
func (c Condition) Wait(ctx context.Context) error {
	for {
		ok, err := c()
		if err != nil || ok {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrAborted, context.Cause(ctx))
		default:
			runtime.Gosched()
		}
	}
}

func (c Condition) Close() {}
