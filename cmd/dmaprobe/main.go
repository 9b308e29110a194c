//go:build linux && !tinygo

// Command dmaprobe exercises the eDMA controller of a board whose
// physical memory is reachable through /dev/mem. It copies and
// fills DMA-reachable buffers and verifies the results with the
// processor.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"
	"unsafe"

	"mcxa.dev/driver/dma"
	"mcxa.dev/driver/mmio"
)

var (
	channel   = flag.Int("channel", 0, "DMA channel")
	size      = flag.Int("size", 4096, "buffer size in bytes (multiple of the page size)")
	timeout   = flag.Duration("timeout", time.Second, "transfer timeout")
	traceFile = flag.String("trace", "", "write a bus trace to file")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dmaprobe: %v\n", err)
		os.Exit(2)
	}
}

func run() error {
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))
	flag.Parse()
	if *size <= 0 || *size%4 != 0 || *size/4 > dma.MaxTransferSize {
		return fmt.Errorf("invalid buffer size: %d", *size)
	}
	window := dma.MCXA276[len(dma.MCXA276)-1].Base + 0x1000 - dma.MPBase
	dev, err := mmio.OpenDevMem(dma.MPBase, int(window))
	if err != nil {
		return err
	}
	defer dev.Close()
	var bus mmio.Bus = dev
	var trace *mmio.Log
	if *traceFile != "" {
		trace = mmio.NewLog(dev)
		bus = trace
	}
	c := dma.New(bus, dev, dma.MCXA276)
	c.Init()
	ch, err := c.Channel(*channel)
	if err != nil {
		return err
	}
	defer ch.Close()
	err = probe(ch, dev)
	if trace != nil {
		if terr := writeTrace(trace, *traceFile); terr != nil && err == nil {
			err = terr
		}
	}
	return err
}

func writeTrace(l *mmio.Log, name string) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := l.WriteTrace(f); err != nil {
		f.Close()
		return err
	}
	log.Printf("wrote %d accesses to %s", l.Len(), name)
	return f.Close()
}

func probe(ch *dma.Channel, dev *mmio.DevMem) error {
	src, err := dev.Alloc(*size)
	if err != nil {
		return err
	}
	dst, err := dev.Alloc(*size)
	if err != nil {
		return err
	}
	// Without an interrupt vector on the host, completion is
	// polled.
	opts := dma.DefaultOptions()
	opts.CompleteTransferInterrupt = false

	for i := range src {
		src[i] = byte(i*7 + 3)
	}
	clear(dst)
	start := time.Now()
	tr, err := dma.MemToMem(ch, src, dst, opts)
	if err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if err := wait(tr); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if !bytes.Equal(src, dst) {
		return errors.New("copy: destination differs from source")
	}
	log.Printf("%v: copied %d bytes in %v", ch, len(src), time.Since(start))

	// The pattern lives in DMA-reachable memory; use the first
	// word of the source buffer.
	words := unsafe.Slice((*uint32)(unsafe.Pointer(unsafe.SliceData(src))), len(src)/4)
	words[0] = 0xdeadbeef
	fill := unsafe.Slice((*uint32)(unsafe.Pointer(unsafe.SliceData(dst))), len(dst)/4)
	start = time.Now()
	tr, err = dma.Memset(ch, &words[0], fill, opts)
	if err != nil {
		return fmt.Errorf("fill: %w", err)
	}
	if err := wait(tr); err != nil {
		return fmt.Errorf("fill: %w", err)
	}
	for i, w := range fill {
		if w != words[0] {
			return fmt.Errorf("fill: word %d is %#x, expected %#x", i, w, words[0])
		}
	}
	log.Printf("%v: filled %d words in %v", ch, len(fill), time.Since(start))
	return nil
}

func wait(tr *dma.Transfer) error {
	defer tr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := tr.Wait(ctx); err != nil {
		return fmt.Errorf("%w (%d bytes transferred)", err, tr.TransferredBytes())
	}
	return nil
}
