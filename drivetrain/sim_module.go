package drivetrain

import (
	. "math"
	"time"

	log "github.com/sirupsen/logrus"
)

// NEO brushless motor characteristics
const (
	neoFreeSpeed  = 5676 * Pi / 30 // rad/s at the motor shaft
	neoNominal    = 12.0
	neoResistance = neoNominal / 105 // ohms, from stall current

	driveTimeConstant = 0.1
	turnTimeConstant  = 0.02
	brakeFactor       = 4
)

// simMotor is a first-order DC motor seen from the output shaft.
type simMotor struct {
	kV       float64 // output rad/s per volt
	tau      float64
	position float64
	velocity float64
	volts    float64
	brake    bool
}

func newSimMotor(reduction, tau float64) simMotor {
	return simMotor{
		kV:    neoFreeSpeed / neoNominal / reduction,
		tau:   tau,
		brake: true,
	}
}

func (m *simMotor) step(volts, dt float64) {
	tau := m.tau
	if volts == 0 && m.brake {
		tau /= brakeFactor
	}

	target := volts * m.kV
	m.velocity += (target - m.velocity) * (1 - Exp(-dt/tau))
	m.position += m.velocity * dt
	m.volts = volts
}

func (m *simMotor) current() float64 {
	return Abs(m.volts-m.velocity/m.kV) / neoResistance
}

// SimModuleIO is a physics model of a module for running without hardware.
// Each PollState advances the model by one period.
type SimModuleIO struct {
	id     ModuleID
	period time.Duration
	log    *log.Entry

	initialized bool
	config      ModuleConfig
	drive       simMotor
	turn        simMotor
	driveVolts  float64
	turnVolts   float64
	driveBrake  bool
	turnBrake   bool
}

func NewSimModuleIO(id ModuleID, period time.Duration) *SimModuleIO {
	return &SimModuleIO{
		id:         id,
		period:     period,
		log:        log.WithField("module", id),
		driveBrake: true,
		turnBrake:  true,
	}
}

func (m *SimModuleIO) Initialize(config ModuleConfig) error {
	if m.initialized {
		return ErrAlreadyInitialized
	}
	if config.ID != m.id {
		return configErrorf(m.id, "given configuration for %s", config.ID)
	}
	if err := config.Validate(); err != nil {
		return err
	}

	m.log.Info("creating simulated module")

	m.config = config
	m.drive = newSimMotor(config.DriveReduction, driveTimeConstant)
	m.turn = newSimMotor(config.TurnReduction, turnTimeConstant)
	m.drive.brake, m.turn.brake = m.driveBrake, m.turnBrake
	m.initialized = true
	return nil
}

// encoderFraction is what an absolute encoder with the configured offset would read.
func (m *SimModuleIO) encoderFraction() float64 {
	f := Mod((m.turn.position+m.config.AbsoluteOffset)/twoPi, 1)
	if f < 0 {
		f++
	}
	return f
}

func (m *SimModuleIO) PollState() ModuleSnapshot {
	if !m.initialized {
		return ModuleSnapshot{Faults: FaultAllSensors}
	}

	dt := m.period.Seconds()
	m.drive.step(m.driveVolts, dt)
	m.turn.step(m.turnVolts, dt)

	return ModuleSnapshot{
		DrivePositionRad:        m.drive.position,
		DriveVelocityRadPerSec:  m.drive.velocity,
		DriveAppliedVolts:       m.drive.volts,
		DriveCurrentAmps:        m.drive.current(),
		TurnAbsolutePositionRad: AbsoluteAngle(m.encoderFraction(), m.config.AbsoluteOffset),
		TurnPositionRad:         m.turn.position,
		TurnVelocityRadPerSec:   m.turn.velocity,
		TurnAppliedVolts:        m.turn.volts,
		TurnCurrentAmps:         m.turn.current(),
	}
}

func (m *SimModuleIO) ApplyCommand(cmd ModuleCommand) error {
	if !m.initialized {
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

	m.driveVolts = clampVolts(cmd.DriveVolts, m.config.VoltageCompensation)
	m.turnVolts = clampVolts(cmd.TurnVolts, m.config.VoltageCompensation)
	return nil
}

// The simulated controllers have no separate configuration step, so idle
// mode changes apply immediately.
func (m *SimModuleIO) SetDriveBrakeMode(enable bool) {
	m.driveBrake = enable
	m.drive.brake = enable
}

func (m *SimModuleIO) SetTurnBrakeMode(enable bool) {
	m.turnBrake = enable
	m.turn.brake = enable
}
