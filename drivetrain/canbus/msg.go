package canbus

import (
	"encoding/binary"
	"errors"
)

const (
	// CANHostFlag marks frames that originate from this process rather than a device.
	CANHostFlag = 0x10000000
	CANIDMask   = 0x0FFFFFFF

	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_EFF_MASK = 0x1FFFFFFF
	CAN_MAX_DLEN = 8
	CAN_MTU      = 16

	msgCmdLength  = 2
	msgMaxPayload = CAN_MAX_DLEN - msgCmdLength
)

// errors
var (
	ERR_DATA_TOO_LONG = errors.New("data length exceeds 6 bytes")
	ERR_BAD_ID        = errors.New("device id exceeds 28 bits")
	ERR_SHORT_FRAME   = errors.New("frame is shorter than CAN_MTU")
)

type CANMsg struct {
	ID   uint32 // device ID this is being issued for or received from
	Cmd  uint16 // command being issued in this message
	Data []byte // raw data up to six bytes. DLC is taken from len(Data) plus the command word.
}

// encodeFrame lays the message out as a SocketCAN can_frame. Every frame is
// extended; the command word occupies data[0:2] and the payload follows it.
func encodeFrame(msg CANMsg, fromHost bool) (raw []byte, err error) {
	if msg.ID&^CANIDMask != 0 {
		return nil, ERR_BAD_ID
	}
	if len(msg.Data) > msgMaxPayload {
		return nil, ERR_DATA_TOO_LONG
	}

	oid := msg.ID | CAN_EFF_FLAG
	if fromHost {
		oid |= CANHostFlag
	}

	raw = make([]byte, CAN_MTU)
	binary.LittleEndian.PutUint32(raw[0:4], oid)
	raw[4] = byte(msgCmdLength + len(msg.Data))
	binary.LittleEndian.PutUint16(raw[8:10], msg.Cmd)
	copy(raw[10:], msg.Data)

	return raw, nil
}

func decodeFrame(raw []byte) (msg CANMsg, fromHost bool, err error) {
	if len(raw) < CAN_MTU {
		return msg, false, ERR_SHORT_FRAME
	}

	oid := binary.LittleEndian.Uint32(raw[0:4])
	dlc := int(raw[4])
	if oid&CAN_EFF_FLAG == 0 || oid&(CAN_RTR_FLAG|CAN_ERR_FLAG) != 0 || dlc < msgCmdLength || dlc > CAN_MAX_DLEN {
		return msg, false, errors.New("not a device frame")
	}

	oid &= CAN_EFF_MASK
	fromHost = oid&CANHostFlag != 0
	msg.ID = oid & CANIDMask
	msg.Cmd = binary.LittleEndian.Uint16(raw[8:10])

	// raw is a reused read buffer, so the payload must be copied out
	msg.Data = make([]byte, dlc-msgCmdLength)
	copy(msg.Data, raw[10:8+dlc])

	return msg, fromHost, nil
}

func (msg *CANMsg) toByteArray() (raw []byte, err error) {
	return encodeFrame(*msg, true)
}

// nodeMsgFromByteArray decodes a frame sent by a device. Frames we sent
// ourselves and anything that is not part of the protocol give nil.
func nodeMsgFromByteArray(raw []byte) (msg *CANMsg) {
	m, fromHost, err := decodeFrame(raw)
	if err != nil || fromHost {
		return nil
	}
	return &m
}
