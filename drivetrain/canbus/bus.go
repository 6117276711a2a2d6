package canbus

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
)

var (
	ERR_BUS_CLOSED = errors.New("bus is closed")
)

// CANBusInterface is the part of a bus the device drivers depend on.
type CANBusInterface interface {
	AddListener(nodeId uint32, rxchan chan CANMsg)
	RemoveListener(nodeId uint32)
	SendMsg(msg CANMsg) error
	Close() error
}

// listeners routes received frames to the node registered for their ID.
type listeners struct {
	lock sync.RWMutex
	rx   map[uint32]chan CANMsg
}

func newListeners() *listeners {
	return &listeners{rx: make(map[uint32]chan CANMsg)}
}

func (l *listeners) add(nodeId uint32, rxchan chan CANMsg) {
	l.lock.Lock()
	l.rx[nodeId] = rxchan
	l.lock.Unlock()
}

func (l *listeners) remove(nodeId uint32) {
	l.lock.Lock()
	delete(l.rx, nodeId)
	l.lock.Unlock()
}

// dispatch never blocks the reader: a listener that is not keeping up loses the frame.
func (l *listeners) dispatch(msg CANMsg) {
	l.lock.RLock()
	c, ok := l.rx[msg.ID]
	l.lock.RUnlock()
	if !ok {
		return
	}

	select {
	case c <- msg:
	default:
		log.WithField("node", msg.ID).Debugf("dropping frame 0x%04X, listener busy", msg.Cmd)
	}
}
