//go:build tinygo && mcxa

package dma

import (
	"runtime/interrupt"

	"mcxa.dev/driver/mmio"
)

// DMA0 is the controller of the running microcontroller.
var DMA0 = New(mmio.Volatile{}, mmio.Direct{}, MCXA276)

var vectors [NumChannels]interrupt.Interrupt

func init() {
	vectors[0] = interrupt.New(2, func(interrupt.Interrupt) { DMA0.HandleInterrupt(0) })
	vectors[1] = interrupt.New(3, func(interrupt.Interrupt) { DMA0.HandleInterrupt(1) })
	vectors[2] = interrupt.New(4, func(interrupt.Interrupt) { DMA0.HandleInterrupt(2) })
	vectors[3] = interrupt.New(5, func(interrupt.Interrupt) { DMA0.HandleInterrupt(3) })
	vectors[4] = interrupt.New(6, func(interrupt.Interrupt) { DMA0.HandleInterrupt(4) })
	vectors[5] = interrupt.New(7, func(interrupt.Interrupt) { DMA0.HandleInterrupt(5) })
	vectors[6] = interrupt.New(8, func(interrupt.Interrupt) { DMA0.HandleInterrupt(6) })
	vectors[7] = interrupt.New(9, func(interrupt.Interrupt) { DMA0.HandleInterrupt(7) })
	enableIRQ = func(irq int) {
		v := vectors[irq-MCXA276[0].IRQ]
		// Lower priority assuming that DMA completion interrupts
		// are both heavier and less time-critical than other kinds
		// of interrupts.
		v.SetPriority(0xff)
		v.Enable()
	}
}
