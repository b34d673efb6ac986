package unicast

import (
	"sync/atomic"
	"time"

	"reliable-unicast/pkg/stack"
)

type counters struct {
	sent          atomic.Uint64
	delivered     atomic.Uint64
	xmits         atomic.Uint64
	forceClosed   atomic.Uint64
	resets        atomic.Uint64
	acksSent      atomic.Uint64
	acksReceived  atomic.Uint64
	naksSent      atomic.Uint64
	naksReceived  atomic.Uint64
	duplicates    atomic.Uint64
	stale         atomic.Uint64
	firstRequests atomic.Uint64
	corrupt       atomic.Uint64
	reaped        atomic.Uint64
}

// Stats is a snapshot of the protocol counters.
type Stats struct {
	Sent          uint64 // messages accepted by Send
	Delivered     uint64 // messages passed up
	Xmits         uint64 // retransmissions issued (timer and NAK driven)
	ForceClosed   uint64 // connections closed after max retransmit time
	Resets        uint64 // receive connections installed for a new epoch
	AcksSent      uint64
	AcksReceived  uint64
	NaksSent      uint64
	NaksReceived  uint64
	Duplicates    uint64 // duplicate data datagrams dropped
	Stale         uint64 // data datagrams of a superseded epoch dropped
	FirstRequests uint64 // first-seqno requests sent
	Corrupt       uint64 // undecodable datagrams dropped
	Reaped        uint64 // idle connections reclaimed
}

func (c *counters) snapshot() Stats {
	return Stats{
		Sent:          c.sent.Load(),
		Delivered:     c.delivered.Load(),
		Xmits:         c.xmits.Load(),
		ForceClosed:   c.forceClosed.Load(),
		Resets:        c.resets.Load(),
		AcksSent:      c.acksSent.Load(),
		AcksReceived:  c.acksReceived.Load(),
		NaksSent:      c.naksSent.Load(),
		NaksReceived:  c.naksReceived.Load(),
		Duplicates:    c.duplicates.Load(),
		Stale:         c.stale.Load(),
		FirstRequests: c.firstRequests.Load(),
		Corrupt:       c.corrupt.Load(),
		Reaped:        c.reaped.Load(),
	}
}

// ConnectionInfo describes the state held for one peer. Zero connection ids
// mean the direction has no connection.
type ConnectionInfo struct {
	Peer stack.Address

	SendConnID   uint64
	NextSeqno    uint64
	SendWindow   int
	LastSendTime time.Time

	RecvConnID       uint64
	HighestDelivered uint64
	RecvWindow       int
	LastRecvTime     time.Time
}

func (p *Protocol) Stats() Stats {
	return p.stats.snapshot()
}

// Connections returns a snapshot of every peer's connection state, sorted by
// peer.
func (p *Protocol) Connections() []ConnectionInfo {
	var infos []ConnectionInfo
	for _, peer := range p.table.Peers() {
		e := p.table.lock(peer, false)
		if e == nil {
			continue
		}
		info := ConnectionInfo{Peer: peer}
		if c := e.send; c != nil {
			info.SendConnID = c.connID
			info.NextSeqno = c.nextSeqno
			info.SendWindow = c.window.Len()
			info.LastSendTime = c.lastActivity
		}
		if c := e.recv; c != nil {
			info.RecvConnID = c.connID
			info.HighestDelivered = c.highestDelivered
			info.RecvWindow = c.window.Len()
			info.LastRecvTime = c.lastActivity
		}
		p.table.release(peer, e)
		infos = append(infos, info)
	}
	return infos
}

// HasSendConnectionTo reports whether a send connection to peer exists.
func (p *Protocol) HasSendConnectionTo(peer stack.Address) bool {
	e := p.table.lock(peer, false)
	if e == nil {
		return false
	}
	defer p.table.release(peer, e)
	return e.send != nil
}
