package lpuart

import (
	"context"

	"mcxa.dev/driver/dma"
	"mcxa.dev/driver/mmio"
)

// RingRx is a receiver that runs continuously into a circular
// buffer.
type RingRx struct {
	u    *UART
	ring *dma.RingBuffer[byte]
}

// RingRx starts receiving into buf until Stop. The receive
// channel is dedicated to the ring while it runs.
func (u *UART) RingRx(buf []byte) (*RingRx, error) {
	if u.rx == nil {
		return nil, ErrNoDMA
	}
	ch := u.rx
	ch.DisableRequest()
	ch.ClearDone()
	ch.ClearInterrupt()
	ch.SetRequestSource(u.inst.RX)
	mmio.SetBits32(u.bus, u.reg(regBAUD), baudRDMAE)
	ring, err := dma.SetupCircularRead(ch, u.reg(regDATA), buf)
	if err != nil {
		mmio.ClearBits32(u.bus, u.reg(regBAUD), baudRDMAE)
		return nil, err
	}
	return &RingRx{u: u, ring: ring}, nil
}

// Read waits for received bytes and copies them to p. It fails
// with dma.ErrOverrun if the buffer overflowed, and with the
// receiver errors of ReadContext.
func (r *RingRx) Read(ctx context.Context, p []byte) (int, error) {
	if err := r.u.rxErrors(); err != nil {
		return 0, err
	}
	return r.ring.Read(ctx, p)
}

// Available returns the number of unread bytes.
func (r *RingRx) Available() int {
	return r.ring.Available()
}

// Clear discards unread bytes and acknowledges receiver errors.
func (r *RingRx) Clear() {
	r.ring.Clear()
	r.u.store(regSTAT, statErrors)
}

// Stop stops reception and returns the number of bytes left
// unread.
func (r *RingRx) Stop() int {
	n := r.ring.Stop()
	mmio.ClearBits32(r.u.bus, r.u.reg(regBAUD), baudRDMAE)
	return n
}
