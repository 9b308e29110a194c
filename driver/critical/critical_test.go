//go:build !tinygo

package critical

import (
	"sync"
	"testing"
)

func TestExclusion(t *testing.T) {
	const n = 100
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Do(func() {
				v := counter
				counter = v + 1
			})
		}()
	}
	wg.Wait()
	if counter != n {
		t.Errorf("counted %d, expected %d", counter, n)
	}
}
