package mmio

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Op is the kind of a recorded bus access.
type Op uint8

const (
	OpLoad Op = iota
	OpStore
	OpBarrier
)

// Access is a recorded bus access. Traces encode it as a
// CBOR array.
type Access struct {
	_     struct{} `cbor:",toarray"`
	Op    Op
	Width uint8
	Addr  uint32
	Value uint32
}

func (a Access) String() string {
	switch a.Op {
	case OpLoad:
		return fmt.Sprintf("load%d  %#08x = %#x", a.Width, a.Addr, a.Value)
	case OpStore:
		return fmt.Sprintf("store%d %#08x = %#x", a.Width, a.Addr, a.Value)
	case OpBarrier:
		return "barrier"
	default:
		return fmt.Sprintf("op(%d)", a.Op)
	}
}

// Log is a Bus that records every access before passing it
// on to an underlying Bus.
type Log struct {
	bus Bus

	mu       sync.Mutex
	accesses []Access
}

func NewLog(b Bus) *Log {
	return &Log{bus: b}
}

func (l *Log) record(a Access) {
	l.mu.Lock()
	l.accesses = append(l.accesses, a)
	l.mu.Unlock()
}

func (l *Log) Load32(addr uint32) uint32 {
	v := l.bus.Load32(addr)
	l.record(Access{Op: OpLoad, Width: 32, Addr: addr, Value: v})
	return v
}

func (l *Log) Store32(addr uint32, v uint32) {
	l.record(Access{Op: OpStore, Width: 32, Addr: addr, Value: v})
	l.bus.Store32(addr, v)
}

func (l *Log) Load16(addr uint32) uint16 {
	v := l.bus.Load16(addr)
	l.record(Access{Op: OpLoad, Width: 16, Addr: addr, Value: uint32(v)})
	return v
}

func (l *Log) Store16(addr uint32, v uint16) {
	l.record(Access{Op: OpStore, Width: 16, Addr: addr, Value: uint32(v)})
	l.bus.Store16(addr, v)
}

func (l *Log) Barrier() {
	l.record(Access{Op: OpBarrier})
	l.bus.Barrier()
}

// Accesses returns a copy of the recorded accesses.
func (l *Log) Accesses() []Access {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Access(nil), l.accesses...)
}

// Stores returns the recorded stores.
func (l *Log) Stores() []Access {
	l.mu.Lock()
	defer l.mu.Unlock()
	var stores []Access
	for _, a := range l.accesses {
		if a.Op == OpStore {
			stores = append(stores, a)
		}
	}
	return stores
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.accesses)
}

func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accesses = l.accesses[:0]
}

// WriteTrace encodes the recorded accesses to w as a sequence
// of CBOR items, suitable for streaming.
func (l *Log) WriteTrace(w io.Writer) error {
	enc := cbor.NewEncoder(w)
	for _, a := range l.Accesses() {
		if err := enc.Encode(a); err != nil {
			return fmt.Errorf("mmio: trace: %w", err)
		}
	}
	return nil
}

// ReadTrace decodes a trace written by WriteTrace.
func ReadTrace(r io.Reader) ([]Access, error) {
	dec := cbor.NewDecoder(r)
	var trace []Access
	for {
		var a Access
		err := dec.Decode(&a)
		if errors.Is(err, io.EOF) {
			return trace, nil
		}
		if err != nil {
			return trace, fmt.Errorf("mmio: trace: %w", err)
		}
		trace = append(trace, a)
	}
}
