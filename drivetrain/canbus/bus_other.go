//go:build !linux

package canbus

import (
	"github.com/pkg/errors"
)

// CANBus is only available where SocketCAN exists.
type CANBus struct {
	LoopbackBus
}

func NewCANBus(ifname string) (bus *CANBus, err error) {
	return nil, errors.Errorf("unable to open %s: SocketCAN requires linux", ifname)
}
