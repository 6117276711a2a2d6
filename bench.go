package main

import (
	"github.com/CodedInternet/goswerve/drivetrain"
	"github.com/CodedInternet/goswerve/drivetrain/canbus"
	"github.com/CodedInternet/goswerve/drivetrain/hardware"
)

const benchFirmware = "1.0.0"

// newBenchBus puts an emulated device on an in-memory bus for every device
// the table names, so the CAN path can be exercised without hardware.
func newBenchBus(table *drivetrain.ConfigTable) (*canbus.LoopbackBus, error) {
	configs, err := table.ResolveAll()
	if err != nil {
		return nil, err
	}

	bus := canbus.NewLoopbackBus()
	for _, c := range configs {
		for _, id := range []uint32{c.DriveID, c.TurnID, c.EncoderID} {
			hardware.NewEmulator(benchFirmware).Attach(bus, id)
		}
	}
	return bus, nil
}
