package main

import (
	"flag"
	"io/ioutil"
	"os"

	"github.com/CodedInternet/goswerve/drivetrain"
	"github.com/CodedInternet/goswerve/drivetrain/canbus"
	"github.com/CodedInternet/goswerve/drivetrain/hardware"
	log "github.com/sirupsen/logrus"
)

// cantest asks every device named in the module table for its firmware
// version and reports the ones that are missing or too old.
func main() {
	iface := flag.String("iface", "can0", "CAN interface to open")
	config := flag.String("config", "./swerve_config.yaml", "Module table to check")
	constraint := flag.String("version", hardware.NODE_VERSION, "Required firmware version")
	flag.Parse()

	data, err := ioutil.ReadFile(*config)
	if err != nil {
		log.WithError(err).Fatal("unable to read module table")
	}
	table, err := drivetrain.LoadConfigTable(data)
	if err != nil {
		log.WithError(err).Fatal("unable to load module table")
	}
	configs, err := table.ResolveAll()
	if err != nil {
		log.WithError(err).Fatal("bad module table")
	}

	log.WithField("iface", *iface).Info("opening bus")
	bus, err := canbus.NewCANBus(*iface)
	if err != nil {
		log.WithError(err).Fatal("unable to open bus")
	}
	defer bus.Close()

	failed := 0
	for _, c := range configs {
		for _, dev := range []struct {
			role string
			id   uint32
		}{
			{"drive", c.DriveID},
			{"turn", c.TurnID},
			{"encoder", c.EncoderID},
		} {
			entry := log.WithFields(log.Fields{"module": c.ID, "device": dev.role, "node": dev.id})

			node := hardware.NewNode(bus, dev.id)
			version, err := node.CheckVersion(*constraint)
			node.Close()

			if err != nil {
				entry.WithError(err).Error("device check failed")
				failed++
				continue
			}
			entry.WithField("version", version).Info("device ok")
		}
	}

	if failed > 0 {
		log.WithField("failed", failed).Error("bus check failed")
		bus.Close()
		os.Exit(1)
	}
	log.Info("all devices answered")
}
