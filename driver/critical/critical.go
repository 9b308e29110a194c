//go:build !tinygo

// Package critical provides short sections that exclude
// interrupt handlers.
//
// On the host, interrupt handlers are delivered by simulators
// that enter the same sections, so a mutex stands in for
// masking interrupts. Sections must not nest.
package critical

import "sync"

var mu sync.Mutex

// Do runs f with interrupt handlers excluded.
func Do(f func()) {
	mu.Lock()
	defer mu.Unlock()
	f()
}
