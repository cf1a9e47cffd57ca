package main

import (
	"fmt"
	"strconv"

	"github.com/buildkite/cleanbuild/internal/vsockexec"
)

const portEnv = "CLEANBUILD_VSOCK_PORT"

// listenPort returns the vsock port from the environment, or the default
// the host dials.
func listenPort(getenv func(string) string) (uint32, error) {
	raw := getenv(portEnv)
	if raw == "" {
		return vsockexec.DefaultPort, nil
	}
	port, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || port == 0 {
		return 0, fmt.Errorf("invalid %s %q: want a port number between 1 and %d", portEnv, raw, uint32(1<<32-1))
	}
	return uint32(port), nil
}
