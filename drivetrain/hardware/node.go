package hardware

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CodedInternet/goswerve/drivetrain/canbus"
	"github.com/Masterminds/semver"
	"github.com/pkg/errors"
)

const (
	NODE_VERSION = "^1.0"
)

// Node is a single device on the bus. It owns the bus listener for its ID and
// routes every response to the command waiting for it.
type Node struct {
	id      uint32
	bus     canbus.CANBusInterface
	lock    *sync.Mutex
	timeout int64
	seq     uint32

	pendingLock sync.Mutex
	pending     map[uint16]chan canbus.CANMsg

	rx        chan canbus.CANMsg
	done      chan struct{}
	closeOnce sync.Once
}

func NewNode(bus canbus.CANBusInterface, id uint32) (n *Node) {
	n = &Node{
		id:      id,
		bus:     bus,
		lock:    new(sync.Mutex),
		timeout: int64(CMD_TIMEOUT),
		pending: make(map[uint16]chan canbus.CANMsg),
		rx:      make(chan canbus.CANMsg, 16),
		done:    make(chan struct{}),
	}

	n.bus.AddListener(n.id, n.rx)
	go n.listen()

	return n
}

// CheckVersion asks the device for its firmware version and refuses anything
// outside constraint. An empty constraint uses NODE_VERSION.
func (n *Node) CheckVersion(constraint string) (version *semver.Version, err error) {
	if constraint == "" {
		constraint = NODE_VERSION
	}

	vc := &command{
		node:    n,
		msg:     canbus.CANMsg{ID: n.id, Cmd: CMD_VERSION},
		retries: CMD_MAX_RETRIES,
	}

	resp, err := vc.Process()
	if err != nil {
		return nil, errors.Wrapf(err, "node %d: version request", n.id)
	}

	versionString := strings.TrimRight(string(resp.Data), "\x00")
	version, err = semver.NewVersion(versionString)
	if err != nil {
		// not a semver, but we might be able to recover
		if versionString == "DEV" {
			// bench firmware built straight from the tree
			return nil, nil
		}
		return nil, errors.Wrapf(err, "node %d: unrecognised version %q", n.id, versionString)
	}

	semVerConstraint, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, errors.Wrapf(err, "bad version constraint %q", constraint)
	}

	if !semVerConstraint.Check(version) {
		return version, errors.Errorf("unable to use node %d: received version %s - require %s", n.id, versionString, constraint)
	}

	return version, nil
}

func (n *Node) ID() uint32 {
	return n.id
}

// SetTimeout sets how long a single attempt waits for a response.
// Zero restores CMD_TIMEOUT.
func (n *Node) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = CMD_TIMEOUT
	}
	atomic.StoreInt64(&n.timeout, int64(d))
}

func (n *Node) Timeout() time.Duration {
	return time.Duration(atomic.LoadInt64(&n.timeout))
}

func (n *Node) SendMsg(msg canbus.CANMsg) error {
	n.lock.Lock()
	defer n.lock.Unlock()

	return n.bus.SendMsg(msg)
}

// Send writes a command without waiting for any acknowledgement.
func (n *Node) Send(cmd uint16, data []byte) error {
	return n.SendMsg(canbus.CANMsg{ID: n.id, Cmd: cmd, Data: data})
}

// Query makes a single attempt at reading a value. It is bounded by the node timeout.
func (n *Node) Query(cmd uint16) (resp canbus.CANMsg, err error) {
	q := &command{
		node:    n,
		msg:     canbus.CANMsg{ID: n.id, Cmd: cmd},
		retries: 1,
	}
	return q.Process()
}

// Request sends a command and retries until the device echoes it back.
func (n *Node) Request(cmd uint16, data []byte) (resp canbus.CANMsg, err error) {
	r := &command{
		node:    n,
		msg:     canbus.CANMsg{ID: n.id, Cmd: cmd, Data: data},
		retries: CMD_MAX_RETRIES,
		verify:  verifyEcho,
	}
	return r.Process()
}

// Close aborts anything pending and releases the bus listener.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		close(n.done)
		n.bus.RemoveListener(n.id)
	})
	return nil
}

// tag marks cmd with the next sequence number.
func (n *Node) tag(cmd uint16) uint16 {
	seq := uint16(atomic.AddUint32(&n.seq, 1) & 0xF)
	return cmd&CMD_MASK | seq<<CMD_SEQ_SHIFT
}

func (n *Node) register(cmd uint16) chan canbus.CANMsg {
	ack := make(chan canbus.CANMsg, 1)

	n.pendingLock.Lock()
	n.pending[cmd] = ack
	n.pendingLock.Unlock()

	return ack
}

func (n *Node) unregister(cmd uint16, ack chan canbus.CANMsg) {
	n.pendingLock.Lock()
	if n.pending[cmd] == ack {
		delete(n.pending, cmd)
	}
	n.pendingLock.Unlock()
}

func (n *Node) listen() {
	for {
		select {
		case msg := <-n.rx:
			n.routeACK(msg)
		case <-n.done:
			return
		}
	}
}

func (n *Node) routeACK(resp canbus.CANMsg) {
	n.pendingLock.Lock()
	ack, ok := n.pending[resp.Cmd]
	n.pendingLock.Unlock()

	if !ok {
		// late answer to a command that already gave up, or to an earlier attempt
		return
	}

	select {
	case ack <- resp:
	default:
	}
}
