package unicast

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"reliable-unicast/pkg/memnet"
	"reliable-unicast/pkg/stack"
	"reliable-unicast/pkg/wire"
)

// recorder is the application on top of a Protocol.
type recorder struct {
	mu        sync.Mutex
	msgs      []stack.Message
	suspected []stack.Address
}

func (r *recorder) HandleUp(msg stack.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recorder) PeerSuspected(peer stack.Address) {
	r.mu.Lock()
	r.suspected = append(r.suspected, peer)
	r.mu.Unlock()
}

func (r *recorder) payloads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = string(m.Data)
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) suspects() []stack.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]stack.Address(nil), r.suspected...)
}

// capture is a transport that records decoded datagrams instead of sending.
type capture struct {
	mu  sync.Mutex
	dgs []*wire.Datagram
}

func (c *capture) HandleDown(msg stack.Message) error {
	d, err := wire.Decode(msg.Data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.dgs = append(c.dgs, d)
	c.mu.Unlock()
	return nil
}

func (c *capture) ofType(typ wire.Type) []*wire.Datagram {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*wire.Datagram
	for _, d := range c.dgs {
		if d.Type == typ {
			out = append(out, d)
		}
	}
	return out
}

// newDirect returns a started protocol wired to a capture transport, with
// timers slow enough not to interfere.
func newDirect(t *testing.T, opts ...Option) (*Protocol, *capture, *recorder) {
	t.Helper()
	opts = append([]Option{
		WithRetransmitInterval(time.Hour),
		WithMaxRetransmitTime(0),
		WithConnIdleTimeout(0),
	}, opts...)
	p := New(opts...)
	c := &capture{}
	r := &recorder{}
	p.Wire(c, r)
	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(p.Stop)
	return p, c, r
}

func dataDatagram(connID, seqno uint64, first bool, payload string) []byte {
	d := &wire.Datagram{Type: wire.TypeData, ConnID: connID, Seqno: seqno, Payload: []byte(payload)}
	if first {
		d.Flags |= wire.FlagFirst
	}
	return wire.Encode(d)
}

type node struct {
	addr stack.Address
	p    *Protocol
	ep   *memnet.Endpoint
	drop *stack.Drop
	rec  *recorder
}

// newNode joins a protocol chain (app, unicast, drop, memnet) to n.
func newNode(t *testing.T, n *memnet.Network, addr stack.Address, opts ...Option) *node {
	t.Helper()
	nd := &node{addr: addr, p: New(opts...), drop: stack.NewDrop(), rec: &recorder{}}
	var late stack.Late
	ep, err := n.Join(addr, &late)
	if err != nil {
		t.Fatalf("join %s: %v", addr, err)
	}
	nd.ep = ep
	_, up := stack.Chain(nd.rec, ep, nd.p, nd.drop)
	late.Set(up)
	if err := nd.p.Start(); err != nil {
		t.Fatalf("start %s: %v", addr, err)
	}
	t.Cleanup(func() {
		nd.p.Stop()
		ep.Close()
	})
	return nd
}

func fastOptions() []Option {
	return []Option{
		WithRetransmitInterval(20 * time.Millisecond),
		WithMaxRetransmitTime(10 * time.Second),
		WithConnIdleTimeout(0),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func numbered(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = prefix + strconv.Itoa(i+1)
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
