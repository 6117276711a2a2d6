package canbus

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// readTimeout bounds how long the reader can sit in read(2) before checking for Close.
var readTimeout = unix.Timeval{Usec: 100000}

// readErrorBackoff is how long the reader waits after a read error other
// than a timeout or an interrupt, such as the interface going down.
const readErrorBackoff = 100 * time.Millisecond

func readBackoff(err error) time.Duration {
	switch err {
	case nil, unix.EAGAIN, unix.EINTR:
		return 0
	}
	return readErrorBackoff
}

// CANBus is a raw SocketCAN socket bound to a single interface.
type CANBus struct {
	fd        int
	ifname    string
	listeners *listeners
	txLock    sync.Mutex
	open      int32
	done      chan struct{}
}

func NewCANBus(ifname string) (bus *CANBus, err error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to find interface %s", ifname)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open CAN socket")
	}

	if err = unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_LOOPBACK, 0); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "unable to disable loopback")
	}
	if err = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &readTimeout); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "unable to set read timeout")
	}
	if err = unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "unable to bind to %s", ifname)
	}

	bus = &CANBus{
		fd:        fd,
		ifname:    ifname,
		listeners: newListeners(),
		open:      1,
		done:      make(chan struct{}),
	}
	go bus.reader()

	return bus, nil
}

func (c *CANBus) AddListener(nodeId uint32, rxchan chan CANMsg) {
	c.listeners.add(nodeId, rxchan)
}

func (c *CANBus) RemoveListener(nodeId uint32) {
	c.listeners.remove(nodeId)
}

func (c *CANBus) SendMsg(msg CANMsg) error {
	if atomic.LoadInt32(&c.open) == 0 {
		return ERR_BUS_CLOSED
	}

	raw, err := msg.toByteArray()
	if err != nil {
		return err
	}

	c.txLock.Lock()
	_, err = unix.Write(c.fd, raw)
	c.txLock.Unlock()

	return errors.Wrapf(err, "write to %s", c.ifname)
}

func (c *CANBus) Close() error {
	if !atomic.CompareAndSwapInt32(&c.open, 1, 0) {
		return nil
	}
	<-c.done
	return unix.Close(c.fd)
}

func (c *CANBus) reader() {
	defer close(c.done)

	raw := make([]byte, CAN_MTU)
	var lastErr error
	for atomic.LoadInt32(&c.open) == 1 {
		n, err := unix.Read(c.fd, raw)
		if wait := readBackoff(err); wait > 0 {
			if err != lastErr {
				log.WithField("iface", c.ifname).Warnf("CAN read failed: %v", err)
				lastErr = err
			}
			time.Sleep(wait)
			continue
		}
		if err != nil {
			continue
		}
		if lastErr != nil {
			log.WithField("iface", c.ifname).Info("CAN reads recovered")
			lastErr = nil
		}
		if n < CAN_MTU {
			continue
		}

		if msg := nodeMsgFromByteArray(raw); msg != nil {
			c.listeners.dispatch(*msg)
		}
	}
}
