package unicast

import (
	"time"

	"reliable-unicast/pkg/stack"
	"reliable-unicast/pkg/wire"
	"reliable-unicast/pkg/window"
)

// envelope is one unacknowledged outbound message.
type envelope struct {
	seqno    uint64
	connID   uint64
	first    bool
	oob      bool
	payload  []byte
	created  time.Time
	lastSent time.Time
	rto      time.Duration
	xmits    uint32
}

func (e *envelope) datagram() *wire.Datagram {
	d := &wire.Datagram{
		Type:    wire.TypeData,
		ConnID:  e.connID,
		Seqno:   e.seqno,
		Payload: e.payload,
	}
	if e.first {
		d.Flags |= wire.FlagFirst
	}
	if e.oob {
		d.Flags |= wire.FlagOOB
	}
	return d
}

// SendConnection is the outbound state towards one peer for one epoch.
// All fields are guarded by the peer's table entry lock.
type SendConnection struct {
	peer         stack.Address
	connID       uint64
	nextSeqno    uint64
	window       *window.Window[*envelope]
	lastActivity time.Time
	stop         chan struct{}
	closed       bool
}

func newSendConnection(peer stack.Address, connID uint64, now time.Time) *SendConnection {
	return &SendConnection{
		peer:         peer,
		connID:       connID,
		nextSeqno:    1,
		window:       window.New[*envelope](),
		lastActivity: now,
		stop:         make(chan struct{}),
	}
}

// add allocates the next seqno for payload and stores it in the window.
func (c *SendConnection) add(payload []byte, oob bool, rto time.Duration, now time.Time) *envelope {
	env := &envelope{
		seqno:    c.nextSeqno,
		connID:   c.connID,
		first:    c.nextSeqno == 1,
		oob:      oob,
		payload:  payload,
		created:  now,
		lastSent: now,
		rto:      rto,
	}
	c.nextSeqno++
	c.window.Add(env.seqno, env)
	c.lastActivity = now
	return env
}

// ack removes every entry up to and including seqno.
func (c *SendConnection) ack(seqno uint64, now time.Time) int {
	c.lastActivity = now
	return c.window.RemoveUpTo(seqno)
}

// oldest returns the creation time of the oldest unacknowledged entry.
func (c *SendConnection) oldest() (time.Time, bool) {
	_, env, ok := c.window.Lowest()
	if !ok {
		return time.Time{}, false
	}
	return env.created, true
}

func (c *SendConnection) close() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.stop)
	c.window.Clear()
}
