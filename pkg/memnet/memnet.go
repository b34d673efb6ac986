// Package memnet is an in-process datagram network for tests and demos. It
// can lose, duplicate and reorder datagrams, and partition endpoints.
//
// Each endpoint queues inbound datagrams in a ring buffer; a full buffer
// drops the datagram. A pool of workers per endpoint hands datagrams to the
// layer above concurrently, so even datagrams from one sender may be
// processed out of order.
package memnet

import (
	"encoding/binary"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"
	"go.uber.org/zap"

	"reliable-unicast/pkg/stack"
)

const (
	DefaultInboxSize = 1 << 20
	DefaultWorkers   = 4
)

var (
	ErrClosed    = errors.New("endpoint closed")
	ErrDuplicate = errors.New("address already joined")
)

type Options struct {
	Loss      float64 // probability a datagram is dropped
	Duplicate float64 // probability a datagram is delivered twice
	Reorder   float64 // probability a datagram is held back behind the next one
	Seed      int64
	InboxSize int // bytes per endpoint inbox
	Workers   int // goroutines per endpoint calling HandleUp
	Logger    *zap.Logger
}

type Stats struct {
	Sent       uint64
	Delivered  uint64
	Dropped    uint64
	Duplicated uint64
	Reordered  uint64
	Overflowed uint64
}

type link struct {
	from, to stack.Address
}

type Network struct {
	opts Options
	log  *zap.Logger

	mu        sync.RWMutex
	endpoints map[stack.Address]*Endpoint
	blocked   map[link]bool

	rndMu sync.Mutex
	rnd   *rand.Rand
	held  map[stack.Address]*frame

	sent, delivered, dropped, duplicated, reordered, overflowed atomic.Uint64
}

func NewNetwork(opts Options) *Network {
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultInboxSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Network{
		opts:      opts,
		log:       opts.Logger,
		endpoints: make(map[stack.Address]*Endpoint),
		blocked:   make(map[link]bool),
		rnd:       rand.New(rand.NewSource(opts.Seed)),
		held:      make(map[stack.Address]*frame),
	}
}

// Join attaches a new endpoint at addr delivering into up.
func (n *Network) Join(addr stack.Address, up stack.Up) (*Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.endpoints[addr]; ok {
		return nil, errors.Wrapf(ErrDuplicate, "join %q", addr)
	}
	ep := newEndpoint(n, addr, up)
	n.endpoints[addr] = ep
	return ep, nil
}

func (n *Network) endpoint(addr stack.Address) *Endpoint {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.endpoints[addr]
}

func (n *Network) leave(ep *Endpoint) {
	n.mu.Lock()
	if n.endpoints[ep.addr] == ep {
		delete(n.endpoints, ep.addr)
	}
	n.mu.Unlock()
}

// Block drops every datagram from a to b until Unblock.
func (n *Network) Block(from, to stack.Address) {
	n.mu.Lock()
	n.blocked[link{from, to}] = true
	n.mu.Unlock()
}

func (n *Network) Unblock(from, to stack.Address) {
	n.mu.Lock()
	delete(n.blocked, link{from, to})
	n.mu.Unlock()
}

func (n *Network) isBlocked(from, to stack.Address) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.blocked[link{from, to}]
}

func (n *Network) Stats() Stats {
	return Stats{
		Sent:       n.sent.Load(),
		Delivered:  n.delivered.Load(),
		Dropped:    n.dropped.Load(),
		Duplicated: n.duplicated.Load(),
		Reordered:  n.reordered.Load(),
		Overflowed: n.overflowed.Load(),
	}
}

// Close detaches every endpoint.
func (n *Network) Close() {
	n.mu.RLock()
	eps := make([]*Endpoint, 0, len(n.endpoints))
	for _, ep := range n.endpoints {
		eps = append(eps, ep)
	}
	n.mu.RUnlock()
	for _, ep := range eps {
		ep.Close()
	}
}

// route applies the fault model to one datagram and returns the frames to
// enqueue at the destination, in order.
func (n *Network) route(f *frame) []*frame {
	n.rndMu.Lock()
	defer n.rndMu.Unlock()

	if n.opts.Loss > 0 && n.rnd.Float64() < n.opts.Loss {
		n.dropped.Add(1)
		return nil
	}
	out := []*frame{f}
	if n.opts.Duplicate > 0 && n.rnd.Float64() < n.opts.Duplicate {
		n.duplicated.Add(1)
		out = append(out, f)
	}
	if h := n.held[f.to]; h != nil {
		delete(n.held, f.to)
		return append(out, h)
	}
	if n.opts.Reorder > 0 && n.rnd.Float64() < n.opts.Reorder {
		n.reordered.Add(1)
		n.held[f.to] = f
		return out[1:]
	}
	return out
}

func (n *Network) send(from, to stack.Address, data []byte) error {
	n.sent.Add(1)
	if n.isBlocked(from, to) {
		n.dropped.Add(1)
		return nil
	}
	dst := n.endpoint(to)
	if dst == nil {
		n.dropped.Add(1)
		n.log.Debug("no endpoint, dropping datagram", zap.String("from", string(from)), zap.String("to", string(to)))
		return nil
	}
	for _, f := range n.route(&frame{from: from, to: to, data: data}) {
		if dst.enqueue(f) {
			n.delivered.Add(1)
		} else {
			n.overflowed.Add(1)
		}
	}
	return nil
}

type frame struct {
	from, to stack.Address
	data     []byte
}

// Endpoint is one node's attachment to the network. It is the stack.Down at
// the bottom of that node's protocol chain.
type Endpoint struct {
	addr stack.Address
	net  *Network
	up   stack.Up

	mu     sync.Mutex
	inbox  *ringbuffer.RingBuffer
	notify chan struct{}
	work   chan *frame
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
	wg     sync.WaitGroup
}

func newEndpoint(n *Network, addr stack.Address, up stack.Up) *Endpoint {
	ep := &Endpoint{
		addr:   addr,
		net:    n,
		up:     up,
		inbox:  ringbuffer.New(n.opts.InboxSize),
		notify: make(chan struct{}, 1),
		work:   make(chan *frame, n.opts.Workers),
		done:   make(chan struct{}),
	}
	ep.wg.Add(1 + n.opts.Workers)
	go ep.pump()
	for i := 0; i < n.opts.Workers; i++ {
		go ep.worker()
	}
	return ep
}

func (ep *Endpoint) Addr() stack.Address { return ep.addr }

func (ep *Endpoint) HandleDown(msg stack.Message) error {
	if ep.closed.Load() {
		return ErrClosed
	}
	return ep.net.send(ep.addr, msg.Peer, msg.Data)
}

// enqueue writes f into the inbox as [fromLen:2][from][dataLen:4][data]. It
// reports false if the inbox has no room.
func (ep *Endpoint) enqueue(f *frame) bool {
	if ep.closed.Load() {
		return false
	}
	buf := make([]byte, 2+len(f.from)+4+len(f.data))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(f.from)))
	copy(buf[2:], f.from)
	off := 2 + len(f.from)
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(f.data)))
	copy(buf[off+4:], f.data)

	ep.mu.Lock()
	if ep.inbox.Free() < len(buf) {
		ep.mu.Unlock()
		return false
	}
	_, err := ep.inbox.Write(buf)
	ep.mu.Unlock()
	if err != nil {
		return false
	}
	select {
	case ep.notify <- struct{}{}:
	default:
	}
	return true
}

// dequeue reads the next frame from the inbox, or returns nil if it is empty.
func (ep *Endpoint) dequeue() *frame {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.inbox.IsEmpty() {
		return nil
	}
	var hdr [4]byte
	if _, err := ep.inbox.Read(hdr[:2]); err != nil {
		ep.inbox.Reset()
		return nil
	}
	from := make([]byte, binary.BigEndian.Uint16(hdr[:2]))
	if len(from) > 0 {
		if _, err := ep.inbox.Read(from); err != nil {
			ep.inbox.Reset()
			return nil
		}
	}
	if _, err := ep.inbox.Read(hdr[:4]); err != nil {
		ep.inbox.Reset()
		return nil
	}
	data := make([]byte, binary.BigEndian.Uint32(hdr[:4]))
	if len(data) > 0 {
		if _, err := ep.inbox.Read(data); err != nil {
			ep.inbox.Reset()
			return nil
		}
	}
	return &frame{from: stack.Address(from), to: ep.addr, data: data}
}

func (ep *Endpoint) pump() {
	defer ep.wg.Done()
	for {
		select {
		case <-ep.done:
			return
		case <-ep.notify:
		}
		for f := ep.dequeue(); f != nil; f = ep.dequeue() {
			select {
			case ep.work <- f:
			case <-ep.done:
				return
			}
		}
	}
}

func (ep *Endpoint) worker() {
	defer ep.wg.Done()
	for {
		select {
		case <-ep.done:
			return
		case f := <-ep.work:
			ep.up.HandleUp(stack.Message{Peer: f.from, Data: f.data})
		}
	}
}

// Close detaches the endpoint and waits for its workers. Queued datagrams are
// discarded.
func (ep *Endpoint) Close() {
	ep.once.Do(func() {
		ep.closed.Store(true)
		ep.net.leave(ep)
		close(ep.done)
		ep.wg.Wait()
		ep.mu.Lock()
		ep.inbox.Reset()
		ep.mu.Unlock()
	})
}
