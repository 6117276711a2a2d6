package canbus

import (
	"sync"
)

// Responder plays the part of a device on a LoopbackBus. It receives every
// frame addressed to the device and returns the frames the device replies with.
type Responder func(msg CANMsg) []CANMsg

// LoopbackBus is an in-memory bus. Frames still go through the wire codec so
// length and ID limits match the real bus.
type LoopbackBus struct {
	listeners *listeners

	lock    sync.Mutex
	devices map[uint32]Responder
	txCount int
	closed  bool
}

func NewLoopbackBus() *LoopbackBus {
	return &LoopbackBus{
		listeners: newListeners(),
		devices:   make(map[uint32]Responder),
	}
}

// Attach registers a device responder for the given ID, replacing any existing one.
func (b *LoopbackBus) Attach(id uint32, r Responder) {
	b.lock.Lock()
	b.devices[id] = r
	b.lock.Unlock()
}

func (b *LoopbackBus) Detach(id uint32) {
	b.lock.Lock()
	delete(b.devices, id)
	b.lock.Unlock()
}

// TxCount is the number of frames sent since the bus was created.
func (b *LoopbackBus) TxCount() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.txCount
}

func (b *LoopbackBus) AddListener(nodeId uint32, rxchan chan CANMsg) {
	b.listeners.add(nodeId, rxchan)
}

func (b *LoopbackBus) RemoveListener(nodeId uint32) {
	b.listeners.remove(nodeId)
}

func (b *LoopbackBus) SendMsg(msg CANMsg) error {
	raw, err := msg.toByteArray()
	if err != nil {
		return err
	}

	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return ERR_BUS_CLOSED
	}
	b.txCount++
	responder, ok := b.devices[msg.ID]
	b.lock.Unlock()

	if !ok {
		// nobody on the bus for this ID, just like real hardware the frame is lost
		return nil
	}

	rx, _, err := decodeFrame(raw)
	if err != nil {
		return err
	}

	for _, reply := range responder(rx) {
		frame, err := encodeFrame(reply, false)
		if err != nil {
			return err
		}
		if m := nodeMsgFromByteArray(frame); m != nil {
			b.listeners.dispatch(*m)
		}
	}

	return nil
}

func (b *LoopbackBus) Close() error {
	b.lock.Lock()
	b.closed = true
	b.lock.Unlock()
	return nil
}
