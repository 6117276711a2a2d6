package hardware

import "time"

type IdleMode uint8

const (
	IdleCoast IdleMode = iota
	IdleBrake
)

func (m IdleMode) String() string {
	if m == IdleBrake {
		return "brake"
	}
	return "coast"
}

// MotorConfig is the static configuration of a motor controller. It is a
// value: changes are made by deriving a new config, never by editing one
// that has already been applied.
type MotorConfig struct {
	Inverted            bool
	CurrentLimit        uint16  // amps
	VoltageCompensation float64 // volts
	IdleMode            IdleMode
	StatusPeriod        time.Duration // zero leaves the device default
}

func (c MotorConfig) WithIdleMode(mode IdleMode) MotorConfig {
	c.IdleMode = mode
	return c
}

// Motor is a motor controller with an integrated relative encoder.
// Positions are motor shaft rotations, velocities are RPM.
type Motor interface {
	Position() (float64, error)
	Velocity() (float64, error)
	AppliedVoltage() (float64, error)
	Current() (float64, error)
	SetVoltage(volts float64) error
	Configure(config MotorConfig) error
	ResetPosition() error
	SetTimeout(d time.Duration)
	Close() error
}

// Encoder is an absolute angle sensor reporting a fraction of a revolution.
type Encoder interface {
	AbsolutePosition() (float64, error)
	SetTimeout(d time.Duration)
	Close() error
}

// Devices binds device IDs to drivers.
type Devices interface {
	Motor(id uint32) (Motor, error)
	Encoder(id uint32) (Encoder, error)
}
