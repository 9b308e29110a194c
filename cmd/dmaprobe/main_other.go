//go:build !linux || tinygo

package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "dmaprobe: only supported on linux")
	os.Exit(2)
}
