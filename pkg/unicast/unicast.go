// Package unicast implements reliable, ordered, exactly-once delivery between
// pairs of peers over a datagram transport that may lose, duplicate and
// reorder.
//
// Each direction between two peers is a connection identified by an epoch
// (conn_id). Messages carry a seqno starting at 1 per epoch. The sender
// keeps unacknowledged messages in a window and retransmits them
// periodically; the receiver buffers out-of-order arrivals and delivers them
// upward strictly in seqno order. A sender that lost its state opens a new,
// greater epoch, which makes the receiver discard whatever it buffered for
// the old one.
//
// Protocol is a stack.Layer: messages sent down are made reliable, datagrams
// coming up from the transport are acknowledged, ordered and passed on.
package unicast

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"reliable-unicast/pkg/stack"
	"reliable-unicast/pkg/wire"
)

var (
	ErrNotWired   = errors.New("protocol is not wired to a transport")
	ErrNotStarted = errors.New("protocol not started")
	ErrStopped    = errors.New("protocol stopped")
	ErrNoPeer     = errors.New("no destination peer")
)

// SuspectHandler is implemented by upper layers that want to learn about
// peers whose connection was closed after the max retransmit time.
type SuspectHandler interface {
	PeerSuspected(peer stack.Address)
}

const (
	stateNew int32 = iota
	stateRunning
	stateStopped
)

type Protocol struct {
	opts  options
	log   *zap.Logger
	table *ConnectionTable
	stats counters

	lower stack.Down
	upper stack.Up

	state    atomic.Int32
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(opts ...Option) *Protocol {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.normalize()
	return &Protocol{
		opts:  o,
		log:   o.log,
		table: NewConnectionTable(),
		done:  make(chan struct{}),
	}
}

func (p *Protocol) Wire(lower stack.Down, upper stack.Up) {
	p.lower = lower
	p.upper = upper
}

// Start enables sending and receiving. It starts the idle connection reaper
// if an idle timeout is configured.
func (p *Protocol) Start() error {
	if p.lower == nil || p.upper == nil {
		return ErrNotWired
	}
	if !p.state.CompareAndSwap(stateNew, stateRunning) {
		if p.state.Load() == stateStopped {
			return ErrStopped
		}
		return nil
	}
	if p.opts.connIdleTimeout > 0 {
		p.wg.Add(1)
		go p.reap()
	}
	p.log.Info("unicast started",
		zap.Duration("retransmit_interval", p.opts.retransmitInterval),
		zap.Duration("max_retransmit_time", p.opts.maxRetransmitTime),
		zap.Duration("conn_idle_timeout", p.opts.connIdleTimeout))
	return nil
}

// Stop signals every scheduler and drops all connection state without
// flushing pending retransmissions. Datagrams arriving afterwards are
// discarded.
func (p *Protocol) Stop() {
	p.stopOnce.Do(func() {
		p.state.Store(stateStopped)
		close(p.done)
		for _, peer := range p.table.Peers() {
			e := p.table.lock(peer, false)
			if e == nil {
				continue
			}
			p.table.closeSend(e)
			p.table.removeReceive(e)
			p.table.release(peer, e)
		}
		p.wg.Wait()
		p.log.Info("unicast stopped")
	})
}

func (p *Protocol) running() bool {
	return p.state.Load() == stateRunning
}

func (p *Protocol) checkRunning() error {
	switch p.state.Load() {
	case stateNew:
		return ErrNotStarted
	case stateStopped:
		return ErrStopped
	}
	return nil
}

// Send queues payload for reliable, ordered delivery to peer. It never waits
// for an acknowledgement; loss is repaired by retransmission.
func (p *Protocol) Send(peer stack.Address, payload []byte) error {
	return p.send(peer, payload, false)
}

// SendOOB is like Send, but the receiver delivers the message as soon as it
// arrives instead of waiting for its predecessors.
func (p *Protocol) SendOOB(peer stack.Address, payload []byte) error {
	return p.send(peer, payload, true)
}

func (p *Protocol) HandleDown(msg stack.Message) error {
	return p.send(msg.Peer, msg.Data, msg.Flags&stack.FlagOOB != 0)
}

func (p *Protocol) send(peer stack.Address, payload []byte, oob bool) error {
	if err := p.checkRunning(); err != nil {
		return errors.Wrapf(err, "send to %q", peer)
	}
	if peer == "" {
		return ErrNoPeer
	}
	data := make([]byte, len(payload))
	copy(data, payload)

	now := time.Now()
	e := p.table.lock(peer, true)
	conn, created := p.table.getOrCreateSend(e, peer, now)
	if created {
		p.startRetransmission(peer, conn)
	}
	env := conn.add(data, oob, p.opts.retransmitInterval, now)
	d := env.datagram()
	p.table.release(peer, e)

	if created {
		p.log.Debug("opened send connection", zap.String("peer", string(peer)), zap.Uint64("conn_id", d.ConnID))
	}
	p.stats.sent.Add(1)
	p.transmit(peer, d)
	return nil
}

// transmit hands a datagram to the transport. Transport errors are not
// reported: the scheduler retransmits.
func (p *Protocol) transmit(peer stack.Address, d *wire.Datagram) {
	if err := p.lower.HandleDown(stack.Message{Peer: peer, Data: wire.Encode(d)}); err != nil {
		p.log.Debug("transport send failed", zap.String("peer", string(peer)), zap.Stringer("datagram", d), zap.Error(err))
	}
}

// HandleUp is the transport's entry point for inbound datagrams.
func (p *Protocol) HandleUp(msg stack.Message) {
	p.Receive(msg.Peer, msg.Data)
}

// Receive processes one datagram from peer. It is safe for concurrent use,
// including for datagrams of the same peer.
func (p *Protocol) Receive(peer stack.Address, data []byte) {
	if !p.running() {
		return
	}
	d, err := wire.Decode(data)
	if err != nil {
		p.stats.corrupt.Add(1)
		p.log.Debug("dropping datagram", zap.String("peer", string(peer)), zap.Error(err))
		return
	}
	switch d.Type {
	case wire.TypeData:
		p.handleData(peer, d)
	case wire.TypeAck:
		p.handleAck(peer, d)
	case wire.TypeNak:
		p.handleNak(peer, d)
	case wire.TypeSendFirstSeqno:
		p.handleSendFirstSeqno(peer, d)
	case wire.TypeStale:
		p.handleStale(peer, d)
	}
}

func (p *Protocol) handleData(peer stack.Address, d *wire.Datagram) {
	now := time.Now()
	e := p.table.lock(peer, true)
	conn, res := p.table.resolveReceive(e, peer, d.ConnID, d.First(), d.Seqno, now)
	switch res {
	case Stale:
		stored := conn.connID
		p.table.release(peer, e)
		p.stats.stale.Add(1)
		p.log.Debug("dropping datagram of stale epoch",
			zap.String("peer", string(peer)),
			zap.Uint64("conn_id", d.ConnID),
			zap.Uint64("current_conn_id", stored))
		p.transmit(peer, &wire.Datagram{Type: wire.TypeStale, ConnID: stored, Aux: d.ConnID})
		return
	case NeedFirst:
		p.table.release(peer, e)
		p.stats.firstRequests.Add(1)
		p.log.Debug("no receive connection, asking for first seqno",
			zap.String("peer", string(peer)),
			zap.Uint64("conn_id", d.ConnID),
			zap.Uint64("seqno", d.Seqno))
		p.transmit(peer, &wire.Datagram{Type: wire.TypeSendFirstSeqno, ConnID: d.ConnID})
		return
	case Installed:
		p.stats.resets.Add(1)
		p.log.Info("installed receive connection",
			zap.String("peer", string(peer)),
			zap.Uint64("conn_id", d.ConnID),
			zap.Uint64("seqno", d.Seqno))
	}

	conn.lastActivity = now
	a := &arrival{payload: append([]byte(nil), d.Payload...), oob: d.OOB()}
	a.delivered = a.oob
	if !conn.add(d.Seqno, a) {
		ack := &wire.Datagram{Type: wire.TypeAck, ConnID: conn.connID, Seqno: conn.highestDelivered}
		p.table.release(peer, e)
		p.stats.duplicates.Add(1)
		p.sendAck(peer, ack)
		return
	}
	drain := !e.draining
	e.draining = true
	p.table.release(peer, e)

	if a.oob {
		p.deliver(peer, a.payload, stack.FlagOOB)
	}
	if drain {
		p.drain(peer)
	}
}

// drain delivers every message that is next in line. Only one goroutine
// drains a peer at a time: the draining flag is set and cleared under the
// peer lock, and a goroutine that finds it set leaves its message for the
// current drainer. Delivery happens without the lock so that upper layers
// may send.
func (p *Protocol) drain(peer stack.Address) {
	for {
		e := p.table.lock(peer, false)
		if e == nil {
			return
		}
		conn := e.recv
		var batch []*arrival
		if conn != nil {
			for {
				a, ok := conn.next()
				if !ok {
					break
				}
				batch = append(batch, a)
			}
		}
		if len(batch) > 0 {
			p.table.release(peer, e)
			for _, a := range batch {
				if !a.delivered {
					p.deliver(peer, a.payload, 0)
				}
			}
			continue
		}

		e.draining = false
		var ack, nak *wire.Datagram
		if conn != nil {
			ack = &wire.Datagram{Type: wire.TypeAck, ConnID: conn.connID, Seqno: conn.highestDelivered}
			if g, ok := conn.gap(); ok && conn.lastNak != g.From {
				conn.lastNak = g.From
				nak = &wire.Datagram{Type: wire.TypeNak, ConnID: conn.connID, Seqno: g.From, Aux: g.To}
			}
		}
		p.table.release(peer, e)

		if ack != nil && ack.Seqno > 0 {
			p.sendAck(peer, ack)
		}
		if nak != nil {
			p.stats.naksSent.Add(1)
			p.log.Debug("requesting retransmission",
				zap.String("peer", string(peer)),
				zap.Uint64("from", nak.Seqno),
				zap.Uint64("to", nak.Aux))
			p.transmit(peer, nak)
		}
		return
	}
}

func (p *Protocol) deliver(peer stack.Address, payload []byte, flags uint8) {
	p.stats.delivered.Add(1)
	p.upper.HandleUp(stack.Message{Peer: peer, Data: payload, Flags: flags})
}

func (p *Protocol) sendAck(peer stack.Address, ack *wire.Datagram) {
	p.stats.acksSent.Add(1)
	p.transmit(peer, ack)
}

func (p *Protocol) suspect(peer stack.Address) {
	if h, ok := p.upper.(SuspectHandler); ok {
		h.PeerSuspected(peer)
	}
}

func (p *Protocol) handleAck(peer stack.Address, d *wire.Datagram) {
	p.stats.acksReceived.Add(1)
	e := p.table.lock(peer, false)
	if e == nil {
		return
	}
	if conn := e.send; conn != nil && conn.connID == d.ConnID {
		conn.ack(d.Seqno, time.Now())
	}
	p.table.release(peer, e)
}

func (p *Protocol) handleNak(peer stack.Address, d *wire.Datagram) {
	p.stats.naksReceived.Add(1)
	e := p.table.lock(peer, false)
	if e == nil {
		return
	}
	var out []*wire.Datagram
	if conn := e.send; conn != nil && conn.connID == d.ConnID {
		out = p.resend(conn, d.Seqno, d.Aux, time.Now())
	}
	p.table.release(peer, e)

	p.stats.xmits.Add(uint64(len(out)))
	for _, r := range out {
		p.transmit(peer, r)
	}
}

// handleSendFirstSeqno answers a receiver that has no state for our current
// epoch: the lowest unacknowledged message is marked first and resent, so
// the receiver can install the connection starting at its seqno.
func (p *Protocol) handleSendFirstSeqno(peer stack.Address, d *wire.Datagram) {
	e := p.table.lock(peer, false)
	if e == nil {
		return
	}
	var out *wire.Datagram
	if conn := e.send; conn != nil && conn.connID == d.ConnID {
		if _, env, ok := conn.window.Lowest(); ok {
			env.first = true
			env.lastSent = time.Now()
			env.xmits++
			out = env.datagram()
		}
	}
	p.table.release(peer, e)

	if out != nil {
		p.stats.xmits.Add(1)
		p.log.Debug("resending first seqno", zap.String("peer", string(peer)), zap.Uint64("seqno", out.Seqno))
		p.transmit(peer, out)
	}
}

// handleStale reopens our send connection when the peer reports that it holds
// a greater epoch for us than the one we send with. Unacknowledged payloads
// move to the new epoch, renumbered from 1.
func (p *Protocol) handleStale(peer stack.Address, d *wire.Datagram) {
	now := time.Now()
	e := p.table.lock(peer, false)
	if e == nil {
		return
	}
	old := e.send
	if old == nil || old.connID != d.Aux {
		p.table.release(peer, e)
		return
	}
	var pending []*envelope
	old.window.Ascend(func(_ uint64, env *envelope) bool {
		pending = append(pending, env)
		return true
	})
	p.table.closeSend(e)

	conn := newSendConnection(peer, p.table.connIDAbove(d.ConnID), now)
	e.send = conn
	p.startRetransmission(peer, conn)
	out := make([]*wire.Datagram, 0, len(pending))
	for _, env := range pending {
		out = append(out, conn.add(env.payload, env.oob, p.opts.retransmitInterval, now).datagram())
	}
	p.table.release(peer, e)

	p.log.Info("reopened send connection after stale notice",
		zap.String("peer", string(peer)),
		zap.Uint64("stale_conn_id", d.Aux),
		zap.Uint64("conn_id", conn.connID),
		zap.Int("resent", len(out)))
	for _, r := range out {
		p.transmit(peer, r)
	}
}

// CloseConnection tears down the send connection to peer without waiting for
// outstanding acknowledgements. The next Send opens a new epoch.
func (p *Protocol) CloseConnection(peer stack.Address) {
	e := p.table.lock(peer, false)
	if e == nil {
		return
	}
	p.table.closeSend(e)
	p.table.release(peer, e)
	p.log.Debug("closed send connection", zap.String("peer", string(peer)))
}

// RemoveReceiveConnection forgets everything about peer: the send connection
// is closed and the receive state, including buffered messages, is dropped.
func (p *Protocol) RemoveReceiveConnection(peer stack.Address) {
	e := p.table.lock(peer, false)
	if e == nil {
		return
	}
	p.table.closeSend(e)
	p.table.removeReceive(e)
	p.table.release(peer, e)
	p.log.Debug("removed connections", zap.String("peer", string(peer)))
}

// reap periodically reclaims idle connections.
func (p *Protocol) reap() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case now := <-ticker.C:
			p.reapIdle(now)
		}
	}
}

// reapIdle closes send connections with nothing left to acknowledge and
// receive connections, both idle for longer than the idle timeout.
func (p *Protocol) reapIdle(now time.Time) int {
	reaped := 0
	for _, peer := range p.table.Peers() {
		e := p.table.lock(peer, false)
		if e == nil {
			continue
		}
		if c := e.send; c != nil && c.window.Len() == 0 && now.Sub(c.lastActivity) >= p.opts.connIdleTimeout {
			p.table.closeSend(e)
			reaped++
		}
		if c := e.recv; c != nil && !e.draining && now.Sub(c.lastActivity) >= p.opts.connIdleTimeout {
			p.table.removeReceive(e)
			reaped++
		}
		p.table.release(peer, e)
	}
	if reaped > 0 {
		p.stats.reaped.Add(uint64(reaped))
		p.log.Debug("reclaimed idle connections", zap.Int("count", reaped))
	}
	return reaped
}
