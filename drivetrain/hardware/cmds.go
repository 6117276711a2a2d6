package hardware

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"time"

	"github.com/CodedInternet/goswerve/drivetrain/canbus"
)

const (
	CMD_ALLSTOP = 0x0000

	// reads, answered with the value in the payload
	CMD_GET_POS     = 0x0040
	CMD_GET_VEL     = 0x0041
	CMD_GET_OUTPUT  = 0x0042
	CMD_GET_CURRENT = 0x0043
	CMD_GET_ABS_POS = 0x0044

	// writes
	CMD_SET_POS     = 0x0050
	CMD_SET_VOLTAGE = 0x0060

	// static configuration, each acknowledged by an echo
	CMD_CFG_INVERTED      = 0x0070
	CMD_CFG_CURRENT_LIMIT = 0x0071
	CMD_CFG_VOLTAGE_COMP  = 0x0072
	CMD_CFG_IDLE_MODE     = 0x0073
	CMD_CFG_STATUS_PERIOD = 0x0074

	CMD_VERSION = 0x03E0

	// the top four bits of the command word carry a sequence tag that the
	// device echoes back
	CMD_MASK      = 0x0FFF
	CMD_SEQ_SHIFT = 12

	CMD_MAX_RETRIES = 5
	CMD_TIMEOUT     = 5 * time.Millisecond
)

var (
	ERR_MAX_RETRIES   = errors.New("CMD_MAX_RETRIES reached while attempting to send")
	ERR_TIMEOUT       = errors.New("no response before timeout")
	ERR_SEND_ABORT    = errors.New("send has been aborted")
	ERR_SHORT_PAYLOAD = errors.New("response payload too short")
)

// command is a single request to a node. verify decides whether a response
// is the answer to this request; nil accepts any response with the same Cmd.
type command struct {
	node    *Node
	msg     canbus.CANMsg
	retries int
	verify  func(req, resp canbus.CANMsg) bool
}

// Process sends the command and waits for a response from the node. Only a
// response carrying this command's sequence tag is accepted, a late answer to
// an earlier command is dropped by the node. Commands that are not answered
// within the node timeout are resent until retries attempts have been made.
// Closing the node aborts the wait.
func (c *command) Process() (resp canbus.CANMsg, err error) {
	msg := c.msg
	msg.Cmd = c.node.tag(msg.Cmd)

	ack := c.node.register(msg.Cmd)
	defer c.node.unregister(msg.Cmd, ack)

	// attempt initial sending
	if err = c.node.SendMsg(msg); err != nil {
		return resp, err
	}

	timer := time.NewTimer(c.node.Timeout())
	defer timer.Stop()

	for attempt := 1; ; {
		select {
		case resp = <-ack:
			resp.Cmd &= CMD_MASK
			if c.verify == nil || c.verify(c.msg, resp) {
				return resp, nil
			}

		case <-c.node.done:
			return resp, ERR_SEND_ABORT

		case <-timer.C:
			if attempt >= c.retries {
				if c.retries <= 1 {
					return resp, ERR_TIMEOUT
				}
				return resp, ERR_MAX_RETRIES
			}
			attempt++
			if err = c.node.SendMsg(msg); err != nil {
				return resp, err
			}
			timer.Reset(c.node.Timeout())
		}
	}
}

func verifyEcho(req, resp canbus.CANMsg) bool {
	return bytes.Equal(req.Data, resp.Data)
}

func encodeFloat(v float64) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(v)))
	return buf
}

func decodeFloat(data []byte) (float64, error) {
	if len(data) < 4 {
		return math.NaN(), ERR_SHORT_PAYLOAD
	}
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(data[0:4]))), nil
}

func encodeUint16(v uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, v)
	return buf
}

func encodeBool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}
