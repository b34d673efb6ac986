package unicast

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"reliable-unicast/pkg/stack"
)

// Resolution is the outcome of matching an inbound datagram's epoch against
// the stored receive connection.
type Resolution int

const (
	// Existing: the datagram belongs to the current epoch.
	Existing Resolution = iota
	// Installed: a new receive connection was created, replacing (and
	// discarding) any previous one.
	Installed
	// Stale: the datagram belongs to a superseded epoch.
	Stale
	// NeedFirst: there is no receive connection and the datagram is not the
	// first of its epoch, so the start seqno is unknown.
	NeedFirst
)

func (r Resolution) String() string {
	switch r {
	case Existing:
		return "existing"
	case Installed:
		return "installed"
	case Stale:
		return "stale"
	case NeedFirst:
		return "need-first"
	}
	return "unknown"
}

// peerEntry holds both directions of state for one peer. mu is the unit of
// mutual exclusion for everything touching this peer.
type peerEntry struct {
	mu   sync.Mutex
	send *SendConnection
	recv *ReceiveConnection
	// draining is set while one goroutine runs the delivery loop.
	draining bool
	// removed is set once the entry has been dropped from the table; holders
	// of a stale pointer must look the peer up again.
	removed bool
}

func (e *peerEntry) empty() bool {
	return e.send == nil && e.recv == nil && !e.draining
}

// ConnectionTable maps peers to their connection state. The table lock only
// guards the map; per-peer state is guarded by the entry lock, so unrelated
// peers never contend.
type ConnectionTable struct {
	mu     sync.RWMutex
	peers  map[stack.Address]*peerEntry
	connID atomic.Uint64
}

// NewConnectionTable seeds the epoch counter from the wall clock so that a
// restarted process allocates epochs above the ones it used before.
func NewConnectionTable() *ConnectionTable {
	t := &ConnectionTable{peers: make(map[stack.Address]*peerEntry)}
	t.connID.Store(uint64(time.Now().UnixMilli()))
	return t
}

func (t *ConnectionTable) nextConnID() uint64 {
	return t.connID.Add(1)
}

// connIDAbove returns a fresh epoch strictly greater than floor.
func (t *ConnectionTable) connIDAbove(floor uint64) uint64 {
	for {
		cur := t.connID.Load()
		next := cur + 1
		if next <= floor {
			next = floor + 1
		}
		if t.connID.CompareAndSwap(cur, next) {
			return next
		}
	}
}

// lock returns the peer's entry with its lock held. With create unset it
// returns nil for unknown peers.
func (t *ConnectionTable) lock(peer stack.Address, create bool) *peerEntry {
	for {
		t.mu.RLock()
		e := t.peers[peer]
		t.mu.RUnlock()
		if e == nil {
			if !create {
				return nil
			}
			t.mu.Lock()
			if e = t.peers[peer]; e == nil {
				e = &peerEntry{}
				t.peers[peer] = e
			}
			t.mu.Unlock()
		}
		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

// release unlocks e, dropping it from the table first if it holds no state.
func (t *ConnectionTable) release(peer stack.Address, e *peerEntry) {
	if e.empty() && !e.removed {
		e.removed = true
		t.mu.Lock()
		if t.peers[peer] == e {
			delete(t.peers, peer)
		}
		t.mu.Unlock()
	}
	e.mu.Unlock()
}

// getOrCreateSend must be called with e locked.
func (t *ConnectionTable) getOrCreateSend(e *peerEntry, peer stack.Address, now time.Time) (*SendConnection, bool) {
	if e.send != nil {
		return e.send, false
	}
	e.send = newSendConnection(peer, t.nextConnID(), now)
	return e.send, true
}

// resolveReceive must be called with e locked. Reading the stored epoch,
// deciding and installing happen under that single lock hold, so concurrent
// callers presenting the same new epoch see exactly one Installed.
func (t *ConnectionTable) resolveReceive(e *peerEntry, peer stack.Address, connID uint64, first bool, seqno uint64, now time.Time) (*ReceiveConnection, Resolution) {
	// the first message of an epoch normally carries seqno 1; after a
	// first-seqno request it carries the sender's lowest unacked seqno.
	var start uint64
	if first && seqno > 0 {
		start = seqno - 1
	}
	cur := e.recv
	switch {
	case cur == nil && !first:
		return nil, NeedFirst
	case cur == nil:
		e.recv = newReceiveConnection(peer, connID, start, now)
		return e.recv, Installed
	case connID > cur.connID:
		cur.close()
		e.recv = newReceiveConnection(peer, connID, start, now)
		return e.recv, Installed
	case connID == cur.connID:
		return cur, Existing
	default:
		return cur, Stale
	}
}

// ResolveReceive is resolveReceive with the peer lock taken and released.
func (t *ConnectionTable) ResolveReceive(peer stack.Address, connID uint64, first bool, seqno uint64) (*ReceiveConnection, Resolution) {
	e := t.lock(peer, true)
	defer t.release(peer, e)
	return t.resolveReceive(e, peer, connID, first, seqno, time.Now())
}

// closeSend must be called with e locked.
func (t *ConnectionTable) closeSend(e *peerEntry) {
	if e.send != nil {
		e.send.close()
		e.send = nil
	}
}

// removeReceive must be called with e locked.
func (t *ConnectionTable) removeReceive(e *peerEntry) {
	if e.recv != nil {
		e.recv.close()
		e.recv = nil
	}
}

func (t *ConnectionTable) Peers() []stack.Address {
	t.mu.RLock()
	peers := make([]stack.Address, 0, len(t.peers))
	for p := range t.peers {
		peers = append(peers, p)
	}
	t.mu.RUnlock()
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

func (t *ConnectionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
