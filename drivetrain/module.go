package drivetrain

import (
	"strings"

	"github.com/CodedInternet/goswerve/drivetrain/hardware"
)

// ModuleIO is one swerve module's hardware. Every implementation takes and
// reports physical units so control code never knows which hardware it has.
//
// Commands are fire-and-forget. Callers must send a fresh command every
// cycle: the motor controllers are expected to stop on their own when
// commands stop arriving, that is a property of the hardware and not
// something this package does.
type ModuleIO interface {
	// Initialize binds the hardware described by config and applies its
	// static settings. It may only be called once.
	Initialize(config ModuleConfig) error

	// PollState reads the hardware and returns the current snapshot. Bad
	// samples are replaced by the last good value; sustained loss of a
	// device is reported through ModuleSnapshot.Faults.
	PollState() ModuleSnapshot

	ApplyCommand(cmd ModuleCommand) error

	// SetDriveBrakeMode and SetTurnBrakeMode change the idle mode held in
	// memory. They do not promise to reach the hardware before the next
	// configuration apply.
	SetDriveBrakeMode(enable bool)
	SetTurnBrakeMode(enable bool)
}

// Faults is a set of module health flags.
type Faults uint8

const (
	FaultDriveSensor Faults = 1 << iota
	FaultTurnSensor
	FaultAbsoluteSensor
	FaultActuatorCommand

	FaultAllSensors = FaultDriveSensor | FaultTurnSensor | FaultAbsoluteSensor
)

func (f Faults) Has(flag Faults) bool {
	return f&flag != 0
}

// SensorFault is true when any device has gone without a valid sample for the fault window.
func (f Faults) SensorFault() bool {
	return f.Has(FaultAllSensors)
}

func (f Faults) String() string {
	if f == 0 {
		return "ok"
	}

	var names []string
	for _, n := range []struct {
		flag Faults
		name string
	}{
		{FaultDriveSensor, "drive_sensor"},
		{FaultTurnSensor, "turn_sensor"},
		{FaultAbsoluteSensor, "absolute_sensor"},
		{FaultActuatorCommand, "actuator_command"},
	} {
		if f.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ",")
}

func (f Faults) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// ModuleSnapshot is the state of one module for one cycle. The field set and
// units are the contract with every consumer.
type ModuleSnapshot struct {
	DrivePositionRad       float64 `json:"drive_position_rad"` // accumulates, never wrapped
	DriveVelocityRadPerSec float64 `json:"drive_velocity_rad_per_sec"`
	DriveAppliedVolts      float64 `json:"drive_applied_volts"`
	DriveCurrentAmps       float64 `json:"drive_current_amps"`

	TurnAbsolutePositionRad float64 `json:"turn_absolute_position_rad"` // calibrated, [-π, π)
	TurnPositionRad         float64 `json:"turn_position_rad"`          // relative, uncalibrated, unwrapped
	TurnVelocityRadPerSec   float64 `json:"turn_velocity_rad_per_sec"`
	TurnAppliedVolts        float64 `json:"turn_applied_volts"`
	TurnCurrentAmps         float64 `json:"turn_current_amps"`

	Faults Faults `json:"faults"`
}

// IdleRequest optionally changes an actuator's idle behaviour with a command.
type IdleRequest uint8

const (
	IdleUnchanged IdleRequest = iota
	IdleBrake
	IdleCoast
)

type ModuleCommand struct {
	DriveVolts float64
	TurnVolts  float64
	DriveIdle  IdleRequest
	TurnIdle   IdleRequest
}

func idleMode(brake bool) hardware.IdleMode {
	if brake {
		return hardware.IdleBrake
	}
	return hardware.IdleCoast
}

// faultWindow counts consecutive cycles without a valid sample.
type faultWindow struct {
	threshold int
	misses    int
}

// observe records one cycle and reports whether the window has tripped.
func (w *faultWindow) observe(ok bool) bool {
	if ok {
		w.misses = 0
		return false
	}
	if w.misses < w.threshold {
		w.misses++
	}
	return w.misses >= w.threshold
}
