package main

import (
	"context"
	"flag"
	"io/ioutil"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CodedInternet/goswerve/drivetrain"
	"github.com/CodedInternet/goswerve/drivetrain/canbus"
	"github.com/CodedInternet/goswerve/drivetrain/hardware"
	"github.com/CodedInternet/goswerve/status"
	"github.com/caarlos0/env/v6"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type EnvConfig struct {
	CONFIG      string        `env:"SWERVE_CONFIG" envDefault:"./swerve_config.yaml"`
	CAN_IFACE   string        `env:"CAN_IFACE" envDefault:"can0"`
	DEBUG       bool          `env:"DEBUG" envDefault:"0"`
	LOOP_PERIOD time.Duration `env:"LOOP_PERIOD" envDefault:"20ms"`
	STATUS_ADDR string        `env:"STATUS_ADDR" envDefault:"0.0.0.0:8080"`
	FIRMWARE    string        `env:"FIRMWARE_VERSION" envDefault:"^1.0"`
}

var (
	ENV *EnvConfig
)

func init() {
	ENV = new(EnvConfig)
	if err := env.Parse(ENV); err != nil {
		log.WithError(err).Fatal("unable to parse environment")
	}

	if ENV.DEBUG {
		log.SetLevel(log.DebugLevel)
	}
}

// loadTable reads the module table, falling back to the compiled-in one when
// there is no file.
func loadTable(filename string) (*drivetrain.ConfigTable, error) {
	data, err := ioutil.ReadFile(filename)
	if os.IsNotExist(err) {
		log.WithField("file", filename).Warn("no module table, using built in defaults")
		return drivetrain.DefaultConfigTable(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "unable to read module table")
	}
	return drivetrain.LoadConfigTable(data)
}

func main() {
	// process flags
	simulated := flag.Bool("sim", false, "Run against a physics model instead of hardware")
	bench := flag.Bool("bench", false, "Run against emulated devices on an in-memory bus")
	port := flag.String("port", ENV.STATUS_ADDR, "Specify the ip:port for the status server")
	noShell := flag.Bool("noshell", false, "Do not start the development shell")
	flag.Parse()

	table, err := loadTable(ENV.CONFIG)
	if err != nil {
		log.WithError(err).Fatal("unable to load module table")
	}

	var newIO func(drivetrain.ModuleID) drivetrain.ModuleIO
	switch {
	case *simulated:
		log.Info("creating simulated drivetrain")
		newIO = func(id drivetrain.ModuleID) drivetrain.ModuleIO {
			return drivetrain.NewSimModuleIO(id, ENV.LOOP_PERIOD)
		}

	default:
		var bus canbus.CANBusInterface
		if *bench {
			log.Info("creating bench drivetrain")
			bus, err = newBenchBus(table)
		} else {
			bus, err = canbus.NewCANBus(ENV.CAN_IFACE)
		}
		if err != nil {
			log.WithError(err).Fatal("unable to open bus")
		}
		defer bus.Close()

		devices := &hardware.CANDevices{Bus: bus, Constraint: ENV.FIRMWARE}
		newIO = func(id drivetrain.ModuleID) drivetrain.ModuleIO {
			return drivetrain.NewCANModuleIO(id, devices)
		}
	}

	dt, err := drivetrain.NewDrivetrain(table, newIO)
	if err != nil {
		log.WithError(err).Fatal("unable to build drivetrain")
	}
	defer dt.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ctrl := new(drivetrain.ManualController)

	if !*noShell {
		// Start an instance of the shell so it can be controlled from the CLI
		go newShell(dt, ctrl).Start()
	}

	go func() {
		if err := status.ListenAndServe(ctx, *port, status.NewRouter(dt)); err != nil {
			log.WithError(err).Error("status server stopped")
		}
	}()

	if err := dt.Run(ctx, ENV.LOOP_PERIOD, ctrl); err != nil && err != context.Canceled {
		log.WithError(err).Fatal("control loop failed")
	}
}
