package hardware

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/CodedInternet/goswerve/drivetrain/canbus"
	"github.com/go-gl/mathgl/mgl64"
)

// Emulator answers the device protocol on a LoopbackBus. It stands in for a
// motor controller or an absolute encoder when no hardware is attached.
type Emulator struct {
	lock       sync.Mutex
	version    string
	readings   map[uint16]float64
	busVoltage float64
	voltage    float64
	config     MotorConfig
	configured int
	silent     bool
	muted      map[uint16]bool
}

func NewEmulator(version string) *Emulator {
	return &Emulator{
		version:    version,
		readings:   make(map[uint16]float64),
		muted:      make(map[uint16]bool),
		busVoltage: 12,
	}
}

// Attach puts the emulator on the bus under id.
func (e *Emulator) Attach(bus *canbus.LoopbackBus, id uint32) {
	bus.Attach(id, e.respond)
}

// Set fixes the value returned for one of the CMD_GET_* reads.
func (e *Emulator) Set(cmd uint16, v float64) {
	e.lock.Lock()
	e.readings[cmd] = v
	e.lock.Unlock()
}

func (e *Emulator) Get(cmd uint16) float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.readings[cmd]
}

func (e *Emulator) SetBusVoltage(v float64) {
	e.lock.Lock()
	e.busVoltage = v
	e.lock.Unlock()
}

// SetSilent makes the device stop answering, as if it had dropped off the bus.
func (e *Emulator) SetSilent(silent bool) {
	e.lock.Lock()
	e.silent = silent
	e.lock.Unlock()
}

// Mute stops the device answering a single command.
func (e *Emulator) Mute(cmd uint16, mute bool) {
	e.lock.Lock()
	e.muted[cmd] = mute
	e.lock.Unlock()
}

// Voltage is the last voltage commanded.
func (e *Emulator) Voltage() float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.voltage
}

// Config is the configuration the device currently holds and how many
// configuration writes it has accepted.
func (e *Emulator) Config() (MotorConfig, int) {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.config, e.configured
}

func (e *Emulator) respond(msg canbus.CANMsg) []canbus.CANMsg {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.silent {
		return nil
	}

	cmd := msg.Cmd & CMD_MASK
	if e.muted[cmd] {
		return nil
	}

	// the reply echoes the whole command word, sequence tag included
	reply := canbus.CANMsg{ID: msg.ID, Cmd: msg.Cmd}

	switch cmd {
	case CMD_VERSION:
		reply.Data = []byte(e.version)

	case CMD_GET_POS, CMD_GET_VEL, CMD_GET_CURRENT, CMD_GET_ABS_POS:
		reply.Data = encodeFloat(e.readings[cmd])

	case CMD_GET_OUTPUT:
		mv := uint16(mgl64.Clamp(e.busVoltage*1000, 0, math.MaxUint16))
		reply.Data = append(encodeFloat(e.readings[CMD_GET_OUTPUT]), encodeUint16(mv)...)

	case CMD_SET_VOLTAGE:
		v, err := decodeFloat(msg.Data)
		if err != nil {
			return nil
		}
		e.voltage = v
		if e.busVoltage > 0 {
			e.readings[CMD_GET_OUTPUT] = mgl64.Clamp(v/e.busVoltage, -1, 1)
		}
		// voltage commands are never acknowledged
		return nil

	case CMD_SET_POS:
		v, err := decodeFloat(msg.Data)
		if err != nil {
			return nil
		}
		e.readings[CMD_GET_POS] = v
		reply.Data = msg.Data

	case CMD_CFG_INVERTED, CMD_CFG_CURRENT_LIMIT, CMD_CFG_VOLTAGE_COMP, CMD_CFG_IDLE_MODE, CMD_CFG_STATUS_PERIOD:
		if !e.applyConfig(cmd, msg.Data) {
			return nil
		}
		reply.Data = msg.Data

	default:
		return nil
	}

	return []canbus.CANMsg{reply}
}

func (e *Emulator) applyConfig(cmd uint16, data []byte) bool {
	switch cmd {
	case CMD_CFG_INVERTED, CMD_CFG_IDLE_MODE:
		if len(data) < 1 {
			return false
		}
		if cmd == CMD_CFG_INVERTED {
			e.config.Inverted = data[0] != 0
		} else {
			e.config.IdleMode = IdleMode(data[0])
		}

	case CMD_CFG_CURRENT_LIMIT, CMD_CFG_STATUS_PERIOD:
		if len(data) < 2 {
			return false
		}
		v := binary.LittleEndian.Uint16(data)
		if cmd == CMD_CFG_CURRENT_LIMIT {
			e.config.CurrentLimit = v
		} else {
			e.config.StatusPeriod = time.Duration(v) * time.Millisecond
		}

	case CMD_CFG_VOLTAGE_COMP:
		v, err := decodeFloat(data)
		if err != nil {
			return false
		}
		e.config.VoltageCompensation = v
	}

	e.configured++
	return true
}
