package dma

import (
	"fmt"
	"unsafe"

	"mcxa.dev/driver/mmio"
)

// ScatterGather builds a chain of descriptors that the engine
// walks without software intervention. Only the completion of
// the last descriptor is reported.
type ScatterGather struct {
	tcds []TCD
	segs []segment
	err  error
}

// segment is a descriptor of the chain before it is resolved
// to bus addresses. Memory sides are given by buffer, fixed
// addresses by addr.
type segment struct {
	src, dst         []byte
	srcAddr, dstAddr uint32
	size             WordSize
	count            int
	srcInc, dstInc   bool
	paced            bool
}

// NewScatterGather returns a builder that stores its chain in
// storage, which bounds the number of segments. The storage
// must start at a 32-byte aligned bus address; see NewTCDs.
func NewScatterGather(storage []TCD) *ScatterGather {
	return &ScatterGather{tcds: storage}
}

// AddSegment appends a copy of src to the start of dst.
func AddSegment[W Word](sg *ScatterGather, src, dst []W) error {
	if len(dst) < len(src) {
		return fmt.Errorf("%w: destination shorter than source", ErrInvalidParameters)
	}
	return sg.add(segment{
		src: mmio.Bytes(src), dst: mmio.Bytes(dst[:len(src)]),
		size: sizeOf[W](), count: len(src), srcInc: true, dstInc: true,
	})
}

// AddWriteSegment appends a transfer of src to the peripheral
// register at periph, one element per hardware request.
func AddWriteSegment[W Word](sg *ScatterGather, src []W, periph uint32) error {
	return sg.add(segment{
		src: mmio.Bytes(src), dstAddr: periph,
		size: sizeOf[W](), count: len(src), srcInc: true, paced: true,
	})
}

// AddPatternSegment appends count writes of the value at pattern
// to the peripheral register at periph, one per hardware
// request.
func AddPatternSegment[W Word](sg *ScatterGather, pattern *W, count int, periph uint32) error {
	return sg.add(segment{
		src: mmio.Bytes(unsafe.Slice(pattern, 1)), dstAddr: periph,
		size: sizeOf[W](), count: count, paced: true,
	})
}

func (sg *ScatterGather) add(s segment) error {
	if len(sg.segs) == len(sg.tcds) {
		sg.err = fmt.Errorf("%w: more than %d segments", ErrConfiguration, len(sg.tcds))
		return sg.err
	}
	if s.count <= 0 {
		return fmt.Errorf("%w: empty segment", ErrInvalidParameters)
	}
	if n := s.count * int(s.size); n > MaxTransferSize {
		return fmt.Errorf("%w: %d bytes exceeds %#x", ErrInvalidParameters, n, MaxTransferSize)
	}
	sg.segs = append(sg.segs, s)
	return nil
}

// Len returns the number of segments.
func (sg *ScatterGather) Len() int {
	return len(sg.segs)
}

// Reset removes all segments.
func (sg *ScatterGather) Reset() {
	sg.segs = sg.segs[:0]
	sg.err = nil
}

func (s *segment) shape(as mmio.AddressSpace) (Shape, error) {
	sh := Shape{
		Src: s.srcAddr, Dst: s.dstAddr, Size: s.size, Count: s.count,
		SrcInc: s.srcInc, DstInc: s.dstInc, Paced: s.paced,
	}
	var err error
	if s.src != nil {
		if sh.Src, err = busAddr(as, s.src); err != nil {
			return Shape{}, err
		}
	}
	if s.dst != nil {
		if sh.Dst, err = busAddr(as, s.dst); err != nil {
			return Shape{}, err
		}
	}
	return sh, nil
}

// Build writes the chain to storage, loads its first descriptor
// into ch and starts it. A chain starting with a request paced
// segment starts at the first hardware request.
func (sg *ScatterGather) Build(ch *Channel) (*Transfer, error) {
	if sg.err != nil {
		return nil, sg.err
	}
	n := len(sg.segs)
	if n == 0 {
		return nil, fmt.Errorf("%w: no segments", ErrConfiguration)
	}
	as := ch.owner().c.as
	base, err := as.BusAddr(mmio.Bytes(sg.tcds[:n]))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if base%TCDSize != 0 {
		return nil, fmt.Errorf("%w: descriptors at %#x not %d-byte aligned", ErrConfiguration, base, TCDSize)
	}
	for i := range sg.segs {
		s := &sg.segs[i]
		sh, err := s.shape(as)
		if err != nil {
			return nil, err
		}
		t := &sg.tcds[i]
		if err := t.Program(sh); err != nil {
			return nil, err
		}
		if i < n-1 {
			t.CSR |= CSRESG
			t.DLASTSGA = int32(base + uint32(i+1)*TCDSize)
		} else {
			t.CSR |= CSRIntMajor
			if s.paced {
				t.CSR |= CSRDReq
			}
		}
		// The engine starts memory segments as they are loaded.
		if i > 0 && !s.paced {
			t.CSR |= CSRStart
		}
	}
	if !ch.idle() {
		return nil, errTransferInFlight
	}
	first := sg.tcds[0]
	ch.resetStatus()
	ch.clearTCD()
	ch.enableErrorInterrupt()
	ch.LoadTCD(&first)
	tr := ch.arm(true, false)
	if sg.segs[0].paced {
		ch.EnableRequest()
	} else {
		ch.TriggerStart()
	}
	return tr, nil
}
