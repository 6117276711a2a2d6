package hardware

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/CodedInternet/goswerve/drivetrain/canbus"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// CANMotor drives a motor controller through its node on the bus.
type CANMotor struct {
	node *Node
}

func NewCANMotor(bus canbus.CANBusInterface, id uint32, constraint string) (*CANMotor, error) {
	node := NewNode(bus, id)

	version, err := node.CheckVersion(constraint)
	if err != nil {
		node.Close()
		return nil, err
	}
	log.WithFields(log.Fields{"node": id, "version": version}).Debug("motor controller online")

	return &CANMotor{node: node}, nil
}

func (m *CANMotor) read(cmd uint16) (float64, error) {
	resp, err := m.node.Query(cmd)
	if err != nil {
		return math.NaN(), err
	}
	return decodeFloat(resp.Data)
}

func (m *CANMotor) Position() (float64, error) {
	return m.read(CMD_GET_POS)
}

func (m *CANMotor) Velocity() (float64, error) {
	return m.read(CMD_GET_VEL)
}

func (m *CANMotor) Current() (float64, error) {
	return m.read(CMD_GET_CURRENT)
}

// AppliedVoltage is the duty cycle times the bus voltage the controller sees.
// The response carries duty as a float32 followed by bus millivolts.
func (m *CANMotor) AppliedVoltage() (float64, error) {
	resp, err := m.node.Query(CMD_GET_OUTPUT)
	if err != nil {
		return math.NaN(), err
	}
	if len(resp.Data) < 6 {
		return math.NaN(), ERR_SHORT_PAYLOAD
	}

	duty, _ := decodeFloat(resp.Data)
	bus := float64(binary.LittleEndian.Uint16(resp.Data[4:6])) / 1000
	return duty * bus, nil
}

func (m *CANMotor) SetVoltage(volts float64) error {
	return m.node.Send(CMD_SET_VOLTAGE, encodeFloat(volts))
}

func (m *CANMotor) ResetPosition() error {
	_, err := m.node.Request(CMD_SET_POS, encodeFloat(0))
	return errors.Wrapf(err, "motor %d: reset position", m.node.ID())
}

type configStep struct {
	name string
	cmd  uint16
	data []byte
}

func (m *CANMotor) Configure(config MotorConfig) error {
	steps := []configStep{
		{"inverted", CMD_CFG_INVERTED, encodeBool(config.Inverted)},
		{"current limit", CMD_CFG_CURRENT_LIMIT, encodeUint16(config.CurrentLimit)},
		{"voltage compensation", CMD_CFG_VOLTAGE_COMP, encodeFloat(config.VoltageCompensation)},
		{"idle mode", CMD_CFG_IDLE_MODE, []byte{byte(config.IdleMode)}},
	}
	if config.StatusPeriod > 0 {
		steps = append(steps, configStep{"status period", CMD_CFG_STATUS_PERIOD, encodeUint16(uint16(config.StatusPeriod / time.Millisecond))})
	}

	for _, s := range steps {
		if _, err := m.node.Request(s.cmd, s.data); err != nil {
			return errors.Wrapf(err, "motor %d: configure %s", m.node.ID(), s.name)
		}
	}

	return nil
}

func (m *CANMotor) SetTimeout(d time.Duration) {
	m.node.SetTimeout(d)
}

func (m *CANMotor) Close() error {
	return m.node.Close()
}

// CANEncoder is an absolute encoder on the bus.
type CANEncoder struct {
	node *Node
}

func NewCANEncoder(bus canbus.CANBusInterface, id uint32, constraint string) (*CANEncoder, error) {
	node := NewNode(bus, id)

	version, err := node.CheckVersion(constraint)
	if err != nil {
		node.Close()
		return nil, err
	}
	log.WithFields(log.Fields{"node": id, "version": version}).Debug("encoder online")

	return &CANEncoder{node: node}, nil
}

func (e *CANEncoder) AbsolutePosition() (float64, error) {
	resp, err := e.node.Query(CMD_GET_ABS_POS)
	if err != nil {
		return math.NaN(), err
	}
	return decodeFloat(resp.Data)
}

func (e *CANEncoder) SetTimeout(d time.Duration) {
	e.node.SetTimeout(d)
}

func (e *CANEncoder) Close() error {
	return e.node.Close()
}

// CANDevices creates drivers for devices on a single bus.
type CANDevices struct {
	Bus        canbus.CANBusInterface
	Constraint string // firmware version constraint, NODE_VERSION when empty
}

func (d *CANDevices) Motor(id uint32) (Motor, error) {
	m, err := NewCANMotor(d.Bus, id, d.Constraint)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (d *CANDevices) Encoder(id uint32) (Encoder, error) {
	e, err := NewCANEncoder(d.Bus, id, d.Constraint)
	if err != nil {
		return nil, err
	}
	return e, nil
}
