package unicast

import (
	"time"

	"reliable-unicast/pkg/stack"
	"reliable-unicast/pkg/window"
)

// arrival is a received message waiting for its predecessors.
type arrival struct {
	payload []byte
	oob     bool
	// delivered is set for OOB messages, which go up as soon as they arrive;
	// the drain loop only advances past them.
	delivered bool
}

// ReceiveConnection is the inbound state from one peer for one epoch.
// All fields are guarded by the peer's table entry lock.
type ReceiveConnection struct {
	peer             stack.Address
	connID           uint64
	highestDelivered uint64
	window           *window.Window[*arrival]
	lastActivity     time.Time
	// lastNak is the first seqno of the gap most recently NAKed.
	lastNak uint64
	closed  bool
}

func newReceiveConnection(peer stack.Address, connID, highestDelivered uint64, now time.Time) *ReceiveConnection {
	return &ReceiveConnection{
		peer:             peer,
		connID:           connID,
		highestDelivered: highestDelivered,
		window:           window.New[*arrival](),
		lastActivity:     now,
	}
}

// add buffers a message. It returns false for duplicates, i.e. messages
// already delivered or already buffered.
func (c *ReceiveConnection) add(seqno uint64, a *arrival) bool {
	if seqno <= c.highestDelivered || c.window.Has(seqno) {
		return false
	}
	c.window.Add(seqno, a)
	return true
}

// next removes the message following highestDelivered, if it has arrived,
// and advances highestDelivered past it.
func (c *ReceiveConnection) next() (*arrival, bool) {
	a, ok := c.window.Remove(c.highestDelivered + 1)
	if !ok {
		return nil, false
	}
	c.highestDelivered++
	return a, true
}

// gap returns the first missing range, if messages are buffered beyond
// highestDelivered.
func (c *ReceiveConnection) gap() (window.Range, bool) {
	low, _, ok := c.window.Lowest()
	if !ok {
		return window.Range{}, false
	}
	return window.Range{From: c.highestDelivered + 1, To: low - 1}, true
}

func (c *ReceiveConnection) close() {
	c.closed = true
	c.window.Clear()
}
