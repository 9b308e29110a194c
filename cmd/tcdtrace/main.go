// Command tcdtrace decodes a bus trace of the eDMA controller,
// naming each register access and printing every descriptor as it
// is committed by a store to TCD_CSR.
//
// The trace is read from a file argument, or streamed from a serial
// device.
package main

import (
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/tarm/serial"
	"mcxa.dev/driver/dma"
	"mcxa.dev/driver/mmio"
)

var (
	serialDev = flag.String("device", "", "serial device")
	baudRate  = flag.Int("baud", 115200, "serial baud rate")
	quiet     = flag.Bool("q", false, "print descriptors only")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tcdtrace: %v\n", err)
		os.Exit(2)
	}
}

func run() error {
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: tcdtrace [-device dev [-baud rate]] [trace]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	var in io.Reader
	switch {
	case *serialDev != "":
		c := &serial.Config{Name: *serialDev, Baud: *baudRate}
		s, err := serial.OpenPort(c)
		if err != nil {
			return fmt.Errorf("%s: %w", *serialDev, err)
		}
		defer s.Close()
		in = s
	case flag.NArg() == 1:
		f, err := os.Open(flag.Arg(0))
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	default:
		flag.Usage()
		os.Exit(2)
	}
	trace, err := mmio.ReadTrace(in)
	// Print what was decoded before reporting a truncated trace.
	d := newDecoder(os.Stdout, *quiet)
	for _, a := range trace {
		d.access(a)
	}
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			log.Printf("trace truncated after %d accesses", len(trace))
			return nil
		}
		return err
	}
	return nil
}

// decoder tracks the descriptor image of every channel.
type decoder struct {
	w     io.Writer
	quiet bool
	tcds  [dma.NumChannels][dma.TCDSize]byte
}

func newDecoder(w io.Writer, quiet bool) *decoder {
	return &decoder{w: w, quiet: quiet}
}

func (d *decoder) access(a mmio.Access) {
	if a.Op == mmio.OpBarrier {
		if !d.quiet {
			fmt.Fprintln(d.w, a)
		}
		return
	}
	ch, name, ok := dma.Lookup(dma.MCXA276, a.Addr)
	if !d.quiet {
		switch {
		case !ok:
			fmt.Fprintln(d.w, a)
		case ch < 0:
			fmt.Fprintf(d.w, "%-40v %s\n", a, name)
		default:
			fmt.Fprintf(d.w, "%-40v CH%d %s\n", a, ch, name)
		}
	}
	if !ok || ch < 0 || a.Op != mmio.OpStore {
		return
	}
	off, ok := dma.TCDRegister(name)
	if !ok || off+int(a.Width/8) > dma.TCDSize {
		return
	}
	img := &d.tcds[ch]
	switch a.Width {
	case 16:
		binary.LittleEndian.PutUint16(img[off:], uint16(a.Value))
	case 32:
		binary.LittleEndian.PutUint32(img[off:], a.Value)
	}
	if name == "TCD_CSR" {
		var t dma.TCD
		t.Decode(img)
		fmt.Fprintf(d.w, "CH%d TCD %v\n", ch, t)
	}
}
