package dma

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// TCD is a transfer control descriptor in the exact layout the
// engine reads from memory and holds in a channel's registers.
// Descriptors linked by scatter-gather must start at 32-byte
// aligned bus addresses.
type TCD struct {
	SADDR    uint32
	SOFF     int16
	ATTR     uint16
	NBYTES   uint32
	SLAST    int32
	DADDR    uint32
	DOFF     int16
	CITER    uint16
	DLASTSGA int32
	CSR      uint16
	BITER    uint16
}

// TCDSize is the size of an encoded TCD.
const TCDSize = 32

// MaxTransferSize is the largest number of bytes a single
// descriptor moves.
const MaxTransferSize = 0x7fff

// TCD control and status bits.
const (
	CSRStart      = 0b1 << 0
	CSRIntMajor   = 0b1 << 1
	CSRIntHalf    = 0b1 << 2
	CSRDReq       = 0b1 << 3
	CSRESG        = 0b1 << 4
	CSRMajorELink = 0b1 << 5
	CSREEOP       = 0b1 << 6
	CSRESDA       = 0b1 << 7

	csrMajorLinkShift = 8
	csrMajorLinkMask  = 0b111 << csrMajorLinkShift
	csrBWCShift       = 14
)

// Major loop count sub-fields of CITER and BITER.
const (
	iterELink     = 0b1 << 15
	iterLinkShift = 9
	iterLinkMask  = 0b111 << iterLinkShift
	// Count widths with and without minor loop linking.
	iterLinkedCount = 0x1ff
	iterCount       = 0x7fff
)

// Transfer size encodings of ATTR.
const (
	attrDSizeShift = 0
	attrSSizeShift = 8
	attrSizeMask   = 0b111
)

func init() {
	if unsafe.Sizeof(TCD{}) != TCDSize {
		panic("dma: unexpected TCD layout")
	}
}

// WordSize is the width of one element moved by the engine.
type WordSize uint8

const (
	OneByte   WordSize = 1
	TwoBytes  WordSize = 2
	FourBytes WordSize = 4
)

func (w WordSize) valid() bool {
	return w == OneByte || w == TwoBytes || w == FourBytes
}

// encoding is the ATTR size field value.
func (w WordSize) encoding() uint16 {
	switch w {
	case OneByte:
		return 0
	case TwoBytes:
		return 1
	case FourBytes:
		return 2
	}
	panic("invalid word size")
}

func decodeWordSize(v uint16) WordSize {
	return WordSize(1 << (v & attrSizeMask))
}

// Word is the set of element types the engine transfers.
type Word interface {
	~uint8 | ~uint16 | ~uint32
}

func sizeOf[W Word]() WordSize {
	var w W
	return WordSize(unsafe.Sizeof(w))
}

// Clear zeroes every field.
func (t *TCD) Clear() {
	*t = TCD{}
}

// SetSize sets both transfer sizes.
func (t *TCD) SetSize(w WordSize) {
	e := w.encoding()
	t.ATTR = e<<attrSSizeShift | e<<attrDSizeShift
}

func (t *TCD) SourceSize() WordSize {
	return decodeWordSize(t.ATTR >> attrSSizeShift)
}

func (t *TCD) DestinationSize() WordSize {
	return decodeWordSize(t.ATTR >> attrDSizeShift)
}

// MajorCount returns the current major loop count.
func (t *TCD) MajorCount() int {
	return iterValue(t.CITER)
}

// Biter returns the starting major loop count.
func (t *TCD) Biter() int {
	return iterValue(t.BITER)
}

func iterValue(v uint16) int {
	if v&iterELink != 0 {
		return int(v & iterLinkedCount)
	}
	return int(v & iterCount)
}

// MinorLink returns the channel linked at the end of every
// minor loop but the last.
func (t *TCD) MinorLink() (int, bool) {
	if t.CITER&iterELink == 0 {
		return 0, false
	}
	return int(t.CITER&iterLinkMask) >> iterLinkShift, true
}

// MajorLink returns the channel linked at major loop
// completion.
func (t *TCD) MajorLink() (int, bool) {
	if t.CSR&CSRMajorELink == 0 {
		return 0, false
	}
	return int(t.CSR&csrMajorLinkMask) >> csrMajorLinkShift, true
}

// ScatterGather reports whether the descriptor loads its
// successor from DLASTSGA at major loop completion.
func (t *TCD) ScatterGather() bool {
	return t.CSR&CSRESG != 0
}

// Shape describes a transfer in terms of its elements.
type Shape struct {
	Src, Dst uint32
	Size     WordSize
	// Count is the number of elements.
	Count int
	// SrcInc and DstInc advance the addresses by one element
	// after each element.
	SrcInc, DstInc bool
	// Paced moves one element per minor loop, that is per
	// hardware request, instead of every element in a single
	// minor loop.
	Paced bool
	// Circular rewinds the incrementing addresses at major loop
	// completion.
	Circular bool
}

// Bytes is the total number of bytes moved.
func (s Shape) Bytes() int {
	return s.Count * int(s.Size)
}

func (s Shape) validate() error {
	switch {
	case !s.Size.valid():
		return fmt.Errorf("%w: word size %d", ErrInvalidParameters, s.Size)
	case s.Count <= 0:
		return fmt.Errorf("%w: empty transfer", ErrInvalidParameters)
	case s.Bytes() > MaxTransferSize:
		return fmt.Errorf("%w: %d bytes exceeds %#x", ErrInvalidParameters, s.Bytes(), MaxTransferSize)
	case s.Src%uint32(s.Size) != 0 || s.Dst%uint32(s.Size) != 0:
		return fmt.Errorf("%w: misaligned address", ErrInvalidParameters)
	}
	return nil
}

// Program clears t and describes s in it. The control and status
// field is left zero.
func (t *TCD) Program(s Shape) error {
	if err := s.validate(); err != nil {
		return err
	}
	t.Clear()
	total := uint32(s.Bytes())
	t.SADDR = s.Src
	t.DADDR = s.Dst
	if s.SrcInc {
		t.SOFF = int16(s.Size)
	}
	if s.DstInc {
		t.DOFF = int16(s.Size)
	}
	t.SetSize(s.Size)
	if s.Paced {
		t.NBYTES = uint32(s.Size)
		t.CITER = uint16(s.Count)
	} else {
		t.NBYTES = total
		t.CITER = 1
	}
	t.BITER = t.CITER
	if s.Circular {
		if s.SrcInc {
			t.SLAST = -int32(total)
		}
		if s.DstInc {
			t.DLASTSGA = -int32(total)
		}
	}
	return nil
}

// ProgramLinear describes a one-shot transfer of count elements
// in a single minor loop.
func (t *TCD) ProgramLinear(src, dst uint32, size WordSize, count int, srcInc, dstInc bool) error {
	return t.Program(Shape{Src: src, Dst: dst, Size: size, Count: count, SrcInc: srcInc, DstInc: dstInc})
}

// ProgramCircular is like ProgramLinear, but rewinds the
// incrementing side at major loop completion.
func (t *TCD) ProgramCircular(src, dst uint32, size WordSize, count int, srcInc, dstInc bool) error {
	return t.Program(Shape{Src: src, Dst: dst, Size: size, Count: count, SrcInc: srcInc, DstInc: dstInc, Circular: true})
}

// Encode stores t in b in hardware layout.
func (t *TCD) Encode(b *[TCDSize]byte) {
	le := binary.LittleEndian
	le.PutUint32(b[0x00:], t.SADDR)
	le.PutUint16(b[0x04:], uint16(t.SOFF))
	le.PutUint16(b[0x06:], t.ATTR)
	le.PutUint32(b[0x08:], t.NBYTES)
	le.PutUint32(b[0x0c:], uint32(t.SLAST))
	le.PutUint32(b[0x10:], t.DADDR)
	le.PutUint16(b[0x14:], uint16(t.DOFF))
	le.PutUint16(b[0x16:], t.CITER)
	le.PutUint32(b[0x18:], uint32(t.DLASTSGA))
	le.PutUint16(b[0x1c:], t.CSR)
	le.PutUint16(b[0x1e:], t.BITER)
}

// Decode loads t from b in hardware layout.
func (t *TCD) Decode(b *[TCDSize]byte) {
	le := binary.LittleEndian
	t.SADDR = le.Uint32(b[0x00:])
	t.SOFF = int16(le.Uint16(b[0x04:]))
	t.ATTR = le.Uint16(b[0x06:])
	t.NBYTES = le.Uint32(b[0x08:])
	t.SLAST = int32(le.Uint32(b[0x0c:]))
	t.DADDR = le.Uint32(b[0x10:])
	t.DOFF = int16(le.Uint16(b[0x14:]))
	t.CITER = le.Uint16(b[0x16:])
	t.DLASTSGA = int32(le.Uint32(b[0x18:]))
	t.CSR = le.Uint16(b[0x1c:])
	t.BITER = le.Uint16(b[0x1e:])
}

func (t *TCD) MarshalBinary() ([]byte, error) {
	var b [TCDSize]byte
	t.Encode(&b)
	return b[:], nil
}

func (t *TCD) UnmarshalBinary(data []byte) error {
	if len(data) != TCDSize {
		return fmt.Errorf("dma: TCD is %d bytes, got %d", TCDSize, len(data))
	}
	t.Decode((*[TCDSize]byte)(data))
	return nil
}

func (t TCD) String() string {
	s := fmt.Sprintf("saddr=%#08x soff=%d daddr=%#08x doff=%d size=%d/%d nbytes=%d citer=%d biter=%d slast=%d dlast_sga=%d csr=%#04x",
		t.SADDR, t.SOFF, t.DADDR, t.DOFF, t.SourceSize(), t.DestinationSize(), t.NBYTES,
		t.MajorCount(), t.Biter(), t.SLAST, t.DLASTSGA, t.CSR)
	if ch, ok := t.MinorLink(); ok {
		s += fmt.Sprintf(" minorlink=%d", ch)
	}
	if ch, ok := t.MajorLink(); ok {
		s += fmt.Sprintf(" majorlink=%d", ch)
	}
	return s
}

// NewTCDs returns storage for n descriptors starting at a 32-byte
// aligned address in memory.
func NewTCDs(n int) []TCD {
	buf := make([]TCD, n+1)
	off := uintptr(unsafe.Pointer(&buf[0])) % TCDSize
	if off == 0 {
		return buf[:n:n]
	}
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&buf[0])), (n+1)*TCDSize)
	return unsafe.Slice((*TCD)(unsafe.Pointer(&raw[TCDSize-off])), n)
}
