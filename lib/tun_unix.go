//go:build linux || darwin
// +build linux darwin

package lib

import (
	"fmt"

	"github.com/songgao/water"
)

type tunDevice struct {
	*water.Interface
}

// OpenTun creates (or attaches to) the TUN interface called name. The
// interface is opened without packet information, so frames start directly
// with the IPv4 header.
func OpenTun(name string) (Device, error) {
	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name
	ifce, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening tun device %q: %w", name, err)
	}
	return &tunDevice{Interface: ifce}, nil
}
