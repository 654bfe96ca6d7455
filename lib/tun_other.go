//go:build !linux && !darwin
// +build !linux,!darwin

package lib

import (
	"fmt"
	"runtime"
)

func OpenTun(name string) (Device, error) {
	return nil, fmt.Errorf("opening tun device %q: not supported on %s", name, runtime.GOOS)
}
