//go:build tinygo

// Package critical provides short sections that exclude
// interrupt handlers.
package critical

import "runtime/interrupt"

// Do runs f with interrupts disabled.
func Do(f func()) {
	state := interrupt.Disable()
	defer interrupt.Restore(state)
	f()
}
