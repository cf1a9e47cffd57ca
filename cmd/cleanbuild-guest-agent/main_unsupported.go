//go:build !linux

package main

import (
	"fmt"
	"os"
	"runtime"
)

func main() {
	fmt.Fprintf(os.Stderr, "cleanbuild-guest-agent only runs inside a linux guest (current: %s)\n", runtime.GOOS)
	os.Exit(1)
}
