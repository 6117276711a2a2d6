package drivetrain

import (
	. "math"

	"github.com/go-gl/mathgl/mgl64"
)

const twoPi = 2 * Pi

// PositionRadians converts motor rotations to radians at the output shaft.
func PositionRadians(rotations, reduction float64) float64 {
	return rotations * twoPi / reduction
}

// VelocityRadiansPerSecond converts motor RPM to radians/second at the output shaft.
func VelocityRadiansPerSecond(rpm, reduction float64) float64 {
	return rpm * Pi / 30 / reduction
}

// AppliedVolts is the voltage a controller is putting across the motor.
func AppliedVolts(duty, busVolts float64) float64 {
	return duty * busVolts
}

// WrapAngle normalises theta into [-π, π). π itself maps to -π.
func WrapAngle(theta float64) float64 {
	w := Mod(theta+Pi, twoPi)
	if w < 0 {
		w += twoPi
	}
	// adding twoPi to a tiny negative remainder can round up to twoPi
	if w >= twoPi {
		w = 0
	}
	return w - Pi
}

// AbsoluteAngle turns a raw absolute encoder reading (fraction of a
// revolution) into a calibrated wheel angle in [-π, π).
func AbsoluteAngle(fraction, offset float64) float64 {
	return WrapAngle(fraction*twoPi - offset)
}

// DegreesToRadians is used for calibration offsets written in degrees.
func DegreesToRadians(deg float64) float64 {
	return mgl64.DegToRad(deg)
}

func finite(v float64) bool {
	return !IsNaN(v) && !IsInf(v, 0)
}

// Sanitize holds the last known good value: prev is returned whenever next
// is NaN or infinite.
func Sanitize(prev, next float64) float64 {
	if !finite(next) {
		return prev
	}
	return next
}

// sanitizeRead is Sanitize for a value straight off the bus. A failed read
// is treated like a NaN. ok reports whether the new sample was accepted.
func sanitizeRead(prev, next float64, err error) (v float64, ok bool) {
	if err != nil || !finite(next) {
		return prev, false
	}
	return next, true
}
