package drivetrain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrAlreadyInitialized = errors.New("module is already initialized")
	ErrNotInitialized     = errors.New("module has not been initialized")
)

// ConfigurationError stops a module from being built. The robot must not
// run with a module in this state.
type ConfigurationError struct {
	Module ModuleID
	Reason string
}

func (err *ConfigurationError) Error() string {
	return fmt.Sprintf("module %s: bad configuration: %s", err.Module, err.Reason)
}

func configErrorf(id ModuleID, format string, args ...interface{}) error {
	return &ConfigurationError{Module: id, Reason: fmt.Sprintf(format, args...)}
}

// ActuatorCommandError is a command write that the transport refused.
type ActuatorCommandError struct {
	Module   ModuleID
	Actuator string
	Err      error
}

func (err *ActuatorCommandError) Error() string {
	return fmt.Sprintf("module %s: %s command failed: %v", err.Module, err.Actuator, err.Err)
}

func (err *ActuatorCommandError) Cause() error {
	return err.Err
}

func (err *ActuatorCommandError) Unwrap() error {
	return err.Err
}
