package drivetrain

import (
	"math"
	"testing"
	"time"

	"github.com/CodedInternet/goswerve/drivetrain/canbus"
	"github.com/CodedInternet/goswerve/drivetrain/hardware"
	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

type testRig struct {
	bus     *canbus.LoopbackBus
	drive   *hardware.Emulator
	turn    *hardware.Emulator
	encoder *hardware.Emulator
	devices *trackingDevices
	config  ModuleConfig
}

func newTestRig() *testRig {
	r := &testRig{
		bus:     canbus.NewLoopbackBus(),
		drive:   hardware.NewEmulator("1.0.2"),
		turn:    hardware.NewEmulator("1.0.2"),
		encoder: hardware.NewEmulator("1.1.0"),
	}
	r.drive.Attach(r.bus, 1)
	r.turn.Attach(r.bus, 2)
	r.encoder.Attach(r.bus, 9)
	r.devices = &trackingDevices{Devices: &hardware.CANDevices{Bus: r.bus}}

	c := DefaultModuleConfig()
	c.ID = FrontLeft
	c.DriveID, c.TurnID, c.EncoderID = 1, 2, 9
	c.DriveReduction = 6
	c.AbsoluteOffset = math.Pi / 2
	c.FaultWindow = 3
	c.CycleTimeout = 20 * time.Millisecond
	r.config = c
	return r
}

// trackingDevices counts how many bound devices are still open.
type trackingDevices struct {
	hardware.Devices
	open int
}

type trackedMotor struct {
	hardware.Motor
	d *trackingDevices
}

func (m *trackedMotor) Close() error {
	m.d.open--
	return m.Motor.Close()
}

type trackedEncoder struct {
	hardware.Encoder
	d *trackingDevices
}

func (e *trackedEncoder) Close() error {
	e.d.open--
	return e.Encoder.Close()
}

func (d *trackingDevices) Motor(id uint32) (hardware.Motor, error) {
	m, err := d.Devices.Motor(id)
	if err != nil {
		return nil, err
	}
	d.open++
	return &trackedMotor{m, d}, nil
}

func (d *trackingDevices) Encoder(id uint32) (hardware.Encoder, error) {
	e, err := d.Devices.Encoder(id)
	if err != nil {
		return nil, err
	}
	d.open++
	return &trackedEncoder{e, d}, nil
}

func TestCANModuleInitialize(t *testing.T) {
	Convey("Given a module wired to emulated devices", t, func() {
		rig := newTestRig()
		m := NewCANModuleIO(FrontLeft, rig.devices)
		Reset(func() { m.Close() })

		Convey("nothing is readable before initialization", func() {
			So(m.PollState().Faults, ShouldEqual, FaultAllSensors)
			So(m.ApplyCommand(ModuleCommand{}), ShouldEqual, ErrNotInitialized)
		})

		Convey("initialization applies the static configuration", func() {
			rig.drive.Set(hardware.CMD_GET_POS, 42)
			rig.turn.Set(hardware.CMD_GET_POS, -7)

			So(m.Initialize(rig.config), ShouldBeNil)
			So(rig.devices.open, ShouldEqual, 3)

			drive, writes := rig.drive.Config()
			So(drive, ShouldResemble, hardware.MotorConfig{
				CurrentLimit:        40,
				VoltageCompensation: 12,
				IdleMode:            hardware.IdleBrake,
				StatusPeriod:        10 * time.Millisecond,
			})
			So(writes, ShouldEqual, 5)

			turn, writes := rig.turn.Config()
			So(turn, ShouldResemble, hardware.MotorConfig{
				Inverted:            true,
				CurrentLimit:        30,
				VoltageCompensation: 12,
				IdleMode:            hardware.IdleBrake,
			})
			So(writes, ShouldEqual, 4)

			Convey("and zeroes the relative encoders", func() {
				So(rig.drive.Get(hardware.CMD_GET_POS), ShouldEqual, 0)
				So(rig.turn.Get(hardware.CMD_GET_POS), ShouldEqual, 0)
			})

			Convey("a second initialization is refused", func() {
				So(m.Initialize(rig.config), ShouldEqual, ErrAlreadyInitialized)
			})
		})

		Convey("a configuration for another module is refused", func() {
			c := rig.config
			c.ID = BackRight
			err := m.Initialize(c)

			var cerr *ConfigurationError
			So(errors.As(err, &cerr), ShouldBeTrue)
			So(cerr.Module, ShouldEqual, FrontLeft)
			So(rig.devices.open, ShouldEqual, 0)
		})

		Convey("an invalid configuration binds nothing", func() {
			c := rig.config
			c.TurnReduction = 0
			err := m.Initialize(c)

			var cerr *ConfigurationError
			So(errors.As(err, &cerr), ShouldBeTrue)
			So(rig.devices.open, ShouldEqual, 0)
		})

		Convey("a missing device releases everything already bound", func() {
			rig.bus.Detach(9)

			So(m.Initialize(rig.config), ShouldNotBeNil)
			So(rig.devices.open, ShouldEqual, 0)
			So(m.PollState().Faults, ShouldEqual, FaultAllSensors)

			Convey("and initialization can be tried again", func() {
				rig.encoder.Attach(rig.bus, 9)
				So(m.Initialize(rig.config), ShouldBeNil)
				So(rig.devices.open, ShouldEqual, 3)
			})
		})

		Convey("firmware outside the supported range is refused", func() {
			old := hardware.NewEmulator("0.9.0")
			old.Attach(rig.bus, 2)

			So(m.Initialize(rig.config), ShouldNotBeNil)
			So(rig.devices.open, ShouldEqual, 0)
		})
	})
}

func TestCANModulePollState(t *testing.T) {
	Convey("Given an initialized module", t, func() {
		rig := newTestRig()
		m := NewCANModuleIO(FrontLeft, rig.devices)
		So(m.Initialize(rig.config), ShouldBeNil)
		Reset(func() { m.Close() })

		rig.drive.Set(hardware.CMD_GET_POS, 10)
		rig.drive.Set(hardware.CMD_GET_VEL, 60)
		rig.drive.Set(hardware.CMD_GET_OUTPUT, 0.5)
		rig.drive.Set(hardware.CMD_GET_CURRENT, 12.5)
		rig.turn.Set(hardware.CMD_GET_POS, 3)
		rig.encoder.Set(hardware.CMD_GET_ABS_POS, 0.75)

		s := m.PollState()

		Convey("readings are reported in physical units", func() {
			So(s.Faults, ShouldEqual, Faults(0))
			So(s.DrivePositionRad, ShouldAlmostEqual, 10.472, 1e-3)
			So(s.DriveVelocityRadPerSec, ShouldAlmostEqual, math.Pi/3, 1e-9)
			So(s.DriveAppliedVolts, ShouldAlmostEqual, 6, 1e-6)
			So(s.DriveCurrentAmps, ShouldEqual, 12.5)
			So(s.TurnPositionRad, ShouldAlmostEqual, 3*2*math.Pi/DefaultTurnReduction, 1e-9)
		})

		Convey("the absolute angle is calibrated and wrapped", func() {
			So(s.TurnAbsolutePositionRad, ShouldAlmostEqual, -math.Pi, 1e-6)
			So(s.TurnAbsolutePositionRad, ShouldBeLessThan, math.Pi)
		})

		Convey("a NaN sample holds the previous value", func() {
			rig.drive.Set(hardware.CMD_GET_VEL, math.NaN())
			rig.drive.Set(hardware.CMD_GET_POS, 20)

			next := m.PollState()
			So(next.DriveVelocityRadPerSec, ShouldEqual, s.DriveVelocityRadPerSec)
			So(next.DrivePositionRad, ShouldAlmostEqual, 20.944, 1e-3)
			So(next.Faults, ShouldEqual, Faults(0))
		})

		Convey("a device that stops answering", func() {
			rig.encoder.SetSilent(true)

			Convey("holds its last value without a fault at first", func() {
				next := m.PollState()
				So(next.TurnAbsolutePositionRad, ShouldEqual, s.TurnAbsolutePositionRad)
				So(next.Faults, ShouldEqual, Faults(0))
			})

			Convey("is reported once the fault window passes", func() {
				var next ModuleSnapshot
				for i := 0; i < rig.config.FaultWindow; i++ {
					next = m.PollState()
				}
				So(next.Faults, ShouldEqual, FaultAbsoluteSensor)
				So(next.Faults.SensorFault(), ShouldBeTrue)
				So(next.TurnAbsolutePositionRad, ShouldEqual, s.TurnAbsolutePositionRad)

				Convey("and clears on the first good sample", func() {
					rig.encoder.SetSilent(false)
					rig.encoder.Set(hardware.CMD_GET_ABS_POS, 0.25)

					next = m.PollState()
					So(next.Faults, ShouldEqual, Faults(0))
					So(next.TurnAbsolutePositionRad, ShouldAlmostEqual, 0, 1e-6)
				})
			})
		})

		Convey("a silent drive motor is reported after the fault window", func() {
			rig.drive.SetSilent(true)

			var next ModuleSnapshot
			for i := 0; i < rig.config.FaultWindow; i++ {
				next = m.PollState()
			}
			So(next.Faults, ShouldEqual, FaultDriveSensor)
			So(next.DrivePositionRad, ShouldEqual, s.DrivePositionRad)
			So(next.DriveVelocityRadPerSec, ShouldEqual, s.DriveVelocityRadPerSec)
			So(next.DriveCurrentAmps, ShouldEqual, s.DriveCurrentAmps)
		})

		Convey("a silent turn motor is reported after the fault window", func() {
			rig.turn.SetSilent(true)

			var next ModuleSnapshot
			for i := 0; i < rig.config.FaultWindow; i++ {
				next = m.PollState()
			}
			So(next.Faults, ShouldEqual, FaultTurnSensor)
			So(next.TurnPositionRad, ShouldEqual, s.TurnPositionRad)
		})

		Convey("one good channel keeps a motor alive", func() {
			rig.drive.Mute(hardware.CMD_GET_POS, true)
			rig.drive.Mute(hardware.CMD_GET_VEL, true)
			rig.drive.Mute(hardware.CMD_GET_OUTPUT, true)
			rig.drive.Set(hardware.CMD_GET_POS, 30)
			rig.drive.Set(hardware.CMD_GET_CURRENT, 20)

			var next ModuleSnapshot
			for i := 0; i < rig.config.FaultWindow+2; i++ {
				next = m.PollState()
			}
			So(next.Faults, ShouldEqual, Faults(0))
			So(next.DriveCurrentAmps, ShouldEqual, 20)
			So(next.DrivePositionRad, ShouldEqual, s.DrivePositionRad)
		})
	})
}

func TestCANModuleCommands(t *testing.T) {
	Convey("Given an initialized module", t, func() {
		rig := newTestRig()
		m := NewCANModuleIO(FrontLeft, rig.devices)
		So(m.Initialize(rig.config), ShouldBeNil)
		Reset(func() { m.Close() })

		Convey("voltages reach the motors", func() {
			So(m.ApplyCommand(ModuleCommand{DriveVolts: 4.5, TurnVolts: -3}), ShouldBeNil)
			So(rig.drive.Voltage(), ShouldEqual, 4.5)
			So(rig.turn.Voltage(), ShouldEqual, -3)
		})

		Convey("voltages are limited to the compensation voltage", func() {
			So(m.ApplyCommand(ModuleCommand{DriveVolts: 30, TurnVolts: -13}), ShouldBeNil)
			So(rig.drive.Voltage(), ShouldEqual, 12)
			So(rig.turn.Voltage(), ShouldEqual, -12)
		})

		Convey("non finite voltages stop the motor", func() {
			So(m.ApplyCommand(ModuleCommand{DriveVolts: 5, TurnVolts: 5}), ShouldBeNil)
			So(m.ApplyCommand(ModuleCommand{DriveVolts: math.NaN(), TurnVolts: math.Inf(-1)}), ShouldBeNil)
			So(rig.drive.Voltage(), ShouldEqual, 0)
			So(rig.turn.Voltage(), ShouldEqual, 0)
		})

		Convey("a refused write is returned and flagged", func() {
			rig.bus.Close()

			err := m.ApplyCommand(ModuleCommand{DriveVolts: 1})
			So(err, ShouldNotBeNil)

			var aerr *ActuatorCommandError
			So(errors.As(err, &aerr), ShouldBeTrue)
			So(aerr.Module, ShouldEqual, FrontLeft)
			So(errors.Cause(aerr), ShouldEqual, canbus.ERR_BUS_CLOSED)

			So(m.PollState().Faults.Has(FaultActuatorCommand), ShouldBeTrue)
		})

		Convey("brake mode changes are held until applied", func() {
			m.SetDriveBrakeMode(false)

			drive, _ := m.MotorConfigs()
			So(drive.IdleMode, ShouldEqual, hardware.IdleCoast)

			held, _ := rig.drive.Config()
			So(held.IdleMode, ShouldEqual, hardware.IdleBrake)

			So(m.ApplyConfiguration(), ShouldBeNil)
			held, _ = rig.drive.Config()
			So(held.IdleMode, ShouldEqual, hardware.IdleCoast)

			Convey("and the rest of the configuration is untouched", func() {
				So(held.CurrentLimit, ShouldEqual, 40)
				So(held.StatusPeriod, ShouldEqual, 10*time.Millisecond)
			})
		})

		Convey("idle requests ride along with a command", func() {
			So(m.ApplyCommand(ModuleCommand{TurnIdle: IdleCoast}), ShouldBeNil)
			drive, turn := m.MotorConfigs()
			So(drive.IdleMode, ShouldEqual, hardware.IdleBrake)
			So(turn.IdleMode, ShouldEqual, hardware.IdleCoast)
			So(turn.Inverted, ShouldBeTrue)
		})

		Convey("closing releases the devices", func() {
			So(m.Close(), ShouldBeNil)
			So(rig.devices.open, ShouldEqual, 0)
			So(m.PollState().Faults, ShouldEqual, FaultAllSensors)
		})
	})
}
