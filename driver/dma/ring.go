package dma

import (
	"context"
	"fmt"

	"mcxa.dev/driver/critical"
)

// RingBuffer receives from a peripheral into a circular buffer
// that the engine fills continuously.
type RingBuffer[W Word] struct {
	ch   *Channel
	tr   *Transfer
	buf  []W
	base uint32
	read int
}

// SetupCircularRead starts receiving from the peripheral register
// at periph into buf, wrapping around at its end.
func SetupCircularRead[W Word](ch *Channel, periph uint32, buf []W) (*RingBuffer[W], error) {
	// One element is always held back to tell a full ring from an
	// empty one.
	if len(buf) < 2 {
		return nil, fmt.Errorf("%w: ring of %d elements", ErrInvalidParameters, len(buf))
	}
	s, err := readShape(ch, periph, buf, true)
	if err != nil {
		return nil, err
	}
	opts := Options{
		Priority:                  PriorityHigh,
		Circular:                  true,
		HalfTransferInterrupt:     true,
		CompleteTransferInterrupt: true,
	}
	if err := ch.configure(s, opts); err != nil {
		return nil, err
	}
	tr := ch.arm(true, true)
	ch.EnableRequest()
	return &RingBuffer[W]{ch: ch, tr: tr, buf: buf, base: s.Dst}, nil
}

// writePos is the index the engine writes next.
func (r *RingBuffer[W]) writePos() int {
	daddr := r.ch.load32(tcdDADDR)
	pos := int(daddr-r.base) / int(sizeOf[W]())
	return pos % len(r.buf)
}

// Available returns the number of unread elements.
func (r *RingBuffer[W]) Available() int {
	w := r.writePos()
	if w >= r.read {
		return w - r.read
	}
	return len(r.buf) - r.read + w
}

// IsOverrun reports whether the engine may have overwritten
// unread elements.
func (r *RingBuffer[W]) IsOverrun() bool {
	return r.Available() >= len(r.buf)-1
}

// ReadImmediate copies available elements to dst without
// waiting, and returns their number.
func (r *RingBuffer[W]) ReadImmediate(dst []W) int {
	n := min(r.Available(), len(dst))
	for i := 0; i < n; {
		c := copy(dst[i:n], r.buf[r.read:])
		i += c
		r.read = (r.read + c) % len(r.buf)
	}
	return n
}

// Read waits for elements and copies them to dst. It fails with
// ErrOverrun if the engine overtook the reader.
func (r *RingBuffer[W]) Read(ctx context.Context, dst []W) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	for {
		if err := r.status(); err != nil {
			return 0, err
		}
		if r.IsOverrun() {
			return 0, ErrOverrun
		}
		if n := r.ReadImmediate(dst); n > 0 {
			return n, nil
		}
		select {
		case <-r.tr.slot.notify:
		case <-r.tr.slot.half:
		case <-ctx.Done():
			return 0, context.Cause(ctx)
		}
	}
}

func (r *RingBuffer[W]) status() error {
	if r.tr.finished {
		return ErrAborted
	}
	var err error
	critical.Do(func() {
		switch {
		case !r.tr.current():
			err = ErrAborted
		case r.tr.slot.state == slotFired:
			err = r.tr.slot.err
		case r.tr.slot.state != slotArmed:
			err = ErrAborted
		}
	})
	return err
}

// Clear discards unread elements.
func (r *RingBuffer[W]) Clear() {
	r.read = r.writePos()
}

// Stop stops the engine and returns the number of elements that
// were left unread.
func (r *RingBuffer[W]) Stop() int {
	if r.tr.finished {
		return 0
	}
	n := r.Available()
	r.tr.Close()
	return n
}
