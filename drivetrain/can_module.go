package drivetrain

import (
	"time"

	"github.com/CodedInternet/goswerve/drivetrain/hardware"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const driveStatusPeriod = 10 * time.Millisecond

// CANModuleIO is a module built from two CAN motor controllers with
// integrated relative encoders and a CAN absolute encoder on the turn shaft.
type CANModuleIO struct {
	id      ModuleID
	devices hardware.Devices
	log     *log.Entry

	initialized bool
	config      ModuleConfig
	drive       hardware.Motor
	turn        hardware.Motor
	encoder     hardware.Encoder

	driveCfg hardware.MotorConfig
	turnCfg  hardware.MotorConfig

	// last is the previous accepted snapshot, the reference for holding bad samples
	last         ModuleSnapshot
	driveFault   faultWindow
	turnFault    faultWindow
	absFault     faultWindow
	commandFault bool
}

func NewCANModuleIO(id ModuleID, devices hardware.Devices) *CANModuleIO {
	return &CANModuleIO{
		id:       id,
		devices:  devices,
		log:      log.WithField("module", id),
		driveCfg: hardware.MotorConfig{IdleMode: hardware.IdleBrake},
		turnCfg:  hardware.MotorConfig{IdleMode: hardware.IdleBrake},
	}
}

func (m *CANModuleIO) Initialize(config ModuleConfig) (err error) {
	if m.initialized {
		return ErrAlreadyInitialized
	}
	if config.ID != m.id {
		return configErrorf(m.id, "given configuration for %s", config.ID)
	}
	if err = config.Validate(); err != nil {
		return err
	}

	m.log.WithFields(log.Fields{
		"drive":   config.DriveID,
		"turn":    config.TurnID,
		"encoder": config.EncoderID,
	}).Info("creating CAN module")

	var drive, turn hardware.Motor
	var encoder hardware.Encoder

	// nothing stays bound if any step fails
	defer func() {
		if err == nil {
			return
		}
		for _, c := range []interface{ Close() error }{drive, turn, encoder} {
			if c != nil {
				c.Close()
			}
		}
	}()

	if drive, err = m.devices.Motor(config.DriveID); err != nil {
		return errors.Wrapf(err, "module %s: bind drive motor", m.id)
	}
	if turn, err = m.devices.Motor(config.TurnID); err != nil {
		return errors.Wrapf(err, "module %s: bind turn motor", m.id)
	}
	if encoder, err = m.devices.Encoder(config.EncoderID); err != nil {
		return errors.Wrapf(err, "module %s: bind absolute encoder", m.id)
	}

	driveCfg := hardware.MotorConfig{
		CurrentLimit:        config.DriveCurrentLimit,
		VoltageCompensation: config.VoltageCompensation,
		IdleMode:            m.driveCfg.IdleMode,
		StatusPeriod:        driveStatusPeriod,
	}
	turnCfg := hardware.MotorConfig{
		Inverted:            config.TurnInverted,
		CurrentLimit:        config.TurnCurrentLimit,
		VoltageCompensation: config.VoltageCompensation,
		IdleMode:            m.turnCfg.IdleMode,
	}

	// configuration gets a long timeout, the control cycle a short one
	drive.SetTimeout(config.InitTimeout)
	turn.SetTimeout(config.InitTimeout)
	encoder.SetTimeout(config.InitTimeout)

	if err = drive.Configure(driveCfg); err != nil {
		return errors.Wrapf(err, "module %s: configure drive motor", m.id)
	}
	if err = turn.Configure(turnCfg); err != nil {
		return errors.Wrapf(err, "module %s: configure turn motor", m.id)
	}
	if err = drive.ResetPosition(); err != nil {
		return errors.Wrapf(err, "module %s: zero drive encoder", m.id)
	}
	if err = turn.ResetPosition(); err != nil {
		return errors.Wrapf(err, "module %s: zero turn encoder", m.id)
	}

	drive.SetTimeout(config.CycleTimeout)
	turn.SetTimeout(config.CycleTimeout)
	encoder.SetTimeout(config.CycleTimeout)

	m.config = config
	m.drive, m.turn, m.encoder = drive, turn, encoder
	m.driveCfg, m.turnCfg = driveCfg, turnCfg
	m.driveFault = faultWindow{threshold: config.FaultWindow}
	m.turnFault = faultWindow{threshold: config.FaultWindow}
	m.absFault = faultWindow{threshold: config.FaultWindow}
	m.initialized = true

	return nil
}

// channel reads one value, converts it and folds it into prev using the
// hold last known good policy.
func (m *CANModuleIO) channel(prev *float64, read func() (float64, error), convert func(float64) float64) (ok bool) {
	v, err := read()
	if err == nil {
		v = convert(v)
	}

	*prev, ok = sanitizeRead(*prev, v, err)
	if !ok {
		m.log.WithError(err).WithField("value", v).Debug("holding last good sample")
	}
	return ok
}

func anyOK(oks ...bool) bool {
	for _, ok := range oks {
		if ok {
			return true
		}
	}
	return false
}

func same(v float64) float64 { return v }

func (m *CANModuleIO) PollState() ModuleSnapshot {
	if m.drive == nil {
		s := m.last
		s.Faults = FaultAllSensors
		return s
	}

	c := m.config
	s := m.last

	driveOK := anyOK(
		m.channel(&s.DrivePositionRad, m.drive.Position, func(r float64) float64 {
			return PositionRadians(r, c.DriveReduction)
		}),
		m.channel(&s.DriveVelocityRadPerSec, m.drive.Velocity, func(rpm float64) float64 {
			return VelocityRadiansPerSecond(rpm, c.DriveReduction)
		}),
		m.channel(&s.DriveAppliedVolts, m.drive.AppliedVoltage, same),
		m.channel(&s.DriveCurrentAmps, m.drive.Current, same),
	)

	turnOK := anyOK(
		m.channel(&s.TurnPositionRad, m.turn.Position, func(r float64) float64 {
			return PositionRadians(r, c.TurnReduction)
		}),
		m.channel(&s.TurnVelocityRadPerSec, m.turn.Velocity, func(rpm float64) float64 {
			return VelocityRadiansPerSecond(rpm, c.TurnReduction)
		}),
		m.channel(&s.TurnAppliedVolts, m.turn.AppliedVoltage, same),
		m.channel(&s.TurnCurrentAmps, m.turn.Current, same),
	)

	absOK := m.channel(&s.TurnAbsolutePositionRad, m.encoder.AbsolutePosition, func(f float64) float64 {
		return AbsoluteAngle(f, c.AbsoluteOffset)
	})

	var faults Faults
	if m.driveFault.observe(driveOK) {
		faults |= FaultDriveSensor
	}
	if m.turnFault.observe(turnOK) {
		faults |= FaultTurnSensor
	}
	if m.absFault.observe(absOK) {
		faults |= FaultAbsoluteSensor
	}
	if m.commandFault {
		faults |= FaultActuatorCommand
	}

	if faults != m.last.Faults {
		if faults == 0 {
			m.log.Info("module healthy")
		} else {
			m.log.WithField("faults", faults).Warn("module fault")
		}
	}

	s.Faults = faults
	m.last = s
	return s
}

func clampVolts(v, limit float64) float64 {
	if !finite(v) {
		return 0
	}
	return mgl64.Clamp(v, -limit, limit)
}

func (m *CANModuleIO) ApplyCommand(cmd ModuleCommand) (err error) {
	if m.drive == nil {
		return ErrNotInitialized
	}

	switch cmd.DriveIdle {
	case IdleBrake:
		m.SetDriveBrakeMode(true)
	case IdleCoast:
		m.SetDriveBrakeMode(false)
	}
	switch cmd.TurnIdle {
	case IdleBrake:
		m.SetTurnBrakeMode(true)
	case IdleCoast:
		m.SetTurnBrakeMode(false)
	}

	limit := m.config.VoltageCompensation
	if e := m.drive.SetVoltage(clampVolts(cmd.DriveVolts, limit)); e != nil {
		err = multierr.Append(err, &ActuatorCommandError{Module: m.id, Actuator: "drive", Err: e})
	}
	if e := m.turn.SetVoltage(clampVolts(cmd.TurnVolts, limit)); e != nil {
		err = multierr.Append(err, &ActuatorCommandError{Module: m.id, Actuator: "turn", Err: e})
	}

	m.commandFault = err != nil
	return err
}

func (m *CANModuleIO) SetDriveBrakeMode(enable bool) {
	m.driveCfg = m.driveCfg.WithIdleMode(idleMode(enable))
}

func (m *CANModuleIO) SetTurnBrakeMode(enable bool) {
	m.turnCfg = m.turnCfg.WithIdleMode(idleMode(enable))
}

// MotorConfigs returns the configurations currently held for the drive and turn motors.
func (m *CANModuleIO) MotorConfigs() (drive, turn hardware.MotorConfig) {
	return m.driveCfg, m.turnCfg
}

// ApplyConfiguration pushes the held motor configurations to the hardware.
// Brake mode changes only reach the motors through here.
func (m *CANModuleIO) ApplyConfiguration() (err error) {
	if m.drive == nil {
		return ErrNotInitialized
	}

	m.drive.SetTimeout(m.config.InitTimeout)
	m.turn.SetTimeout(m.config.InitTimeout)
	defer func() {
		m.drive.SetTimeout(m.config.CycleTimeout)
		m.turn.SetTimeout(m.config.CycleTimeout)
	}()

	if e := m.drive.Configure(m.driveCfg); e != nil {
		err = multierr.Append(err, &ActuatorCommandError{Module: m.id, Actuator: "drive", Err: e})
	}
	if e := m.turn.Configure(m.turnCfg); e != nil {
		err = multierr.Append(err, &ActuatorCommandError{Module: m.id, Actuator: "turn", Err: e})
	}
	return err
}

// Close releases the devices. The module reports every sensor as faulted afterwards.
func (m *CANModuleIO) Close() error {
	if m.drive == nil {
		return nil
	}

	err := multierr.Combine(m.drive.Close(), m.turn.Close(), m.encoder.Close())
	m.drive, m.turn, m.encoder = nil, nil, nil
	return err
}
