package hardware

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/CodedInternet/goswerve/drivetrain/canbus"
	. "github.com/smartystreets/goconvey/convey"
)

type testBus struct {
	lock          sync.Mutex
	txerr, rxecho bool
	txCount       int
	lastTx        canbus.CANMsg
	listeners     map[uint32]chan canbus.CANMsg
}

func (t *testBus) AddListener(nodeId uint32, rxchan chan canbus.CANMsg) {
	t.lock.Lock()
	t.listeners[nodeId] = rxchan
	t.lock.Unlock()
}

func (t *testBus) RemoveListener(nodeId uint32) {
	t.lock.Lock()
	delete(t.listeners, nodeId)
	t.lock.Unlock()
}

func (t *testBus) SendMsg(msg canbus.CANMsg) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.lastTx = msg
	t.txCount++
	if t.txerr {
		return errors.New("this is a simulated tx error")
	}

	if t.rxecho {
		c, ok := t.listeners[msg.ID]
		if !ok || c == nil {
			return errors.New("unable to find listener")
		}
		c <- msg // echo back for ACK
	}

	return nil
}

func (t *testBus) Close() error {
	return nil
}

func (t *testBus) reset() {
	t.lock.Lock()
	t.txerr, t.rxecho = false, false
	t.txCount = 0
	t.lock.Unlock()
}

func createTestNodeBus() (tBus *testBus, tNode *Node) {
	tBus = &testBus{
		listeners: make(map[uint32]chan canbus.CANMsg),
	}

	tNode = NewNode(tBus, 0x1234)

	return
}

func TestNode(t *testing.T) {
	tBus, node := createTestNodeBus()

	Convey("listener is added", t, func() {
		So(tBus.listeners[node.ID()], ShouldNotBeNil)
	})

	Convey("sending a message goes through correctly", t, func() {
		tBus.reset()
		msg := canbus.CANMsg{
			ID:  0xDEAD,
			Cmd: 0xBEEF,
		}

		node.SendMsg(msg)

		So(tBus.lastTx, ShouldResemble, msg)
	})

	Convey("queries make a single attempt", t, func() {
		tBus.reset()
		start := time.Now()
		_, err := node.Query(CMD_GET_POS)
		So(err, ShouldEqual, ERR_TIMEOUT)
		So(tBus.txCount, ShouldEqual, 1)
		So(time.Since(start) >= CMD_TIMEOUT, ShouldBeTrue)
	})

	Convey("requests try multiple times before timing out", t, func() {
		tBus.reset()
		_, err := node.Request(CMD_CFG_IDLE_MODE, []byte{1})
		So(err, ShouldEqual, ERR_MAX_RETRIES)
		So(tBus.txCount, ShouldEqual, CMD_MAX_RETRIES)
	})

	Convey("successful send with ACK returns without an err", t, func() {
		tBus.reset()
		tBus.rxecho = true
		resp, err := node.Request(CMD_CFG_IDLE_MODE, []byte{1})
		So(err, ShouldBeNil)
		So(resp.ID, ShouldEqual, node.ID())
		So(resp.Data, ShouldResemble, []byte{1})
		So(tBus.lastTx.Cmd&CMD_MASK, ShouldEqual, CMD_CFG_IDLE_MODE)
		So(resp.Cmd, ShouldEqual, CMD_CFG_IDLE_MODE)
		So(tBus.txCount, ShouldEqual, 1)
	})

	Convey("transmit errors are returned straight away", t, func() {
		tBus.reset()
		tBus.txerr = true
		_, err := node.Request(CMD_CFG_IDLE_MODE, []byte{1})
		So(err, ShouldNotBeNil)
		So(tBus.txCount, ShouldEqual, 1)
	})

	Convey("timeouts can be changed and restored", t, func() {
		node.SetTimeout(20 * time.Millisecond)
		So(node.Timeout(), ShouldEqual, 20*time.Millisecond)
		node.SetTimeout(0)
		So(node.Timeout(), ShouldEqual, CMD_TIMEOUT)
	})

	Convey("closing aborts and does not send till max", t, func() {
		tBus.reset()
		node.SetTimeout(time.Second)
		node.Close()
		_, err := node.Request(CMD_CFG_IDLE_MODE, []byte{1})
		So(err, ShouldEqual, ERR_SEND_ABORT)
		So(tBus.txCount, ShouldBeLessThan, CMD_MAX_RETRIES)
		So(tBus.listeners[node.ID()], ShouldBeNil)
	})
}

func TestNodeVersionRange(t *testing.T) {
	Convey("Given the default firmware constraint", t, func() {
		bus := canbus.NewLoopbackBus()

		check := func(version string) error {
			NewEmulator(version).Attach(bus, 0x22)
			node := NewNode(bus, 0x22)
			defer node.Close()
			_, err := node.CheckVersion("")
			return err
		}

		Convey("any 1.x release is accepted", func() {
			for _, v := range []string{"1.0.0", "1.0.2", "1.1.0", "1.4.0"} {
				So(check(v), ShouldBeNil)
			}
		})

		Convey("other major versions are refused", func() {
			for _, v := range []string{"0.9.0", "2.0.0"} {
				So(check(v), ShouldNotBeNil)
			}
		})
	})
}

func TestNodeVersion(t *testing.T) {
	bus := canbus.NewLoopbackBus()
	emu := NewEmulator("1.0.4")
	emu.Attach(bus, 0x21)

	node := NewNode(bus, 0x21)
	defer node.Close()

	Convey("a compatible version is accepted", t, func() {
		v, err := node.CheckVersion("")
		So(err, ShouldBeNil)
		So(v.String(), ShouldEqual, "1.0.4")
	})

	Convey("an incompatible version is refused", t, func() {
		_, err := node.CheckVersion("~2.0")
		So(err, ShouldNotBeNil)
	})

	Convey("development firmware is accepted without a version", t, func() {
		emu.version = "DEV"
		v, err := node.CheckVersion("")
		So(err, ShouldBeNil)
		So(v, ShouldBeNil)
	})

	Convey("anything else is refused", t, func() {
		emu.version = "a1b2c3"
		_, err := node.CheckVersion("")
		So(err, ShouldNotBeNil)
	})

	Convey("a silent device fails the check", t, func() {
		emu.SetSilent(true)
		defer emu.SetSilent(false)
		_, err := node.CheckVersion("")
		So(err, ShouldNotBeNil)
	})
}

// slowBus answers every read after a fixed delay with the value the device
// held when the request was sent.
type slowBus struct {
	lock      sync.Mutex
	delay     time.Duration
	value     float64
	listeners map[uint32]chan canbus.CANMsg
}

func (b *slowBus) AddListener(nodeId uint32, rxchan chan canbus.CANMsg) {
	b.lock.Lock()
	b.listeners[nodeId] = rxchan
	b.lock.Unlock()
}

func (b *slowBus) RemoveListener(nodeId uint32) {
	b.lock.Lock()
	delete(b.listeners, nodeId)
	b.lock.Unlock()
}

func (b *slowBus) SendMsg(msg canbus.CANMsg) error {
	b.lock.Lock()
	c := b.listeners[msg.ID]
	reply := canbus.CANMsg{ID: msg.ID, Cmd: msg.Cmd, Data: encodeFloat(b.value)}
	b.lock.Unlock()

	time.AfterFunc(b.delay, func() {
		select {
		case c <- reply:
		default:
		}
	})
	return nil
}

func (b *slowBus) Close() error {
	return nil
}

func (b *slowBus) set(v float64) {
	b.lock.Lock()
	b.value = v
	b.lock.Unlock()
}

func TestNodeLateReplies(t *testing.T) {
	Convey("Given a device that answers after the node has given up", t, func() {
		bus := &slowBus{
			delay:     15 * time.Millisecond,
			value:     1,
			listeners: make(map[uint32]chan canbus.CANMsg),
		}
		node := NewNode(bus, 0x31)
		node.SetTimeout(10 * time.Millisecond)
		Reset(func() { node.Close() })

		_, err := node.Query(CMD_GET_POS)
		So(err, ShouldEqual, ERR_TIMEOUT)

		Convey("the late answer is not taken for the next read", func() {
			bus.set(2)

			resp, err := node.Query(CMD_GET_POS)
			So(err, ShouldEqual, ERR_TIMEOUT)
			So(resp.Data, ShouldBeNil)
		})

		Convey("a read with enough time gets its own answer", func() {
			bus.set(2)
			node.SetTimeout(50 * time.Millisecond)

			resp, err := node.Query(CMD_GET_POS)
			So(err, ShouldBeNil)
			So(resp.Cmd, ShouldEqual, CMD_GET_POS)

			v, _ := decodeFloat(resp.Data)
			So(v, ShouldEqual, 2)
		})
	})
}
