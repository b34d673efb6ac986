package unicast

import (
	"time"

	"go.uber.org/zap"

	"reliable-unicast/pkg/stack"
	"reliable-unicast/pkg/wire"
)

// startRetransmission runs the scheduler for conn until the connection is
// closed or the protocol stops.
func (p *Protocol) startRetransmission(peer stack.Address, conn *SendConnection) {
	go p.handleRetransmission(peer, conn)
}

func (p *Protocol) handleRetransmission(peer stack.Address, conn *SendConnection) {
	ticker := time.NewTicker(p.opts.retransmitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-conn.stop:
			return
		case <-ticker.C:
			if !p.retransmit(peer, conn, time.Now()) {
				return
			}
		}
	}
}

// nextRTO returns the timeout to wait before the following retransmission of
// an entry. Without backoff it stays at the retransmit interval; with backoff
// it doubles up to the configured maximum.
func (p *Protocol) nextRTO(cur time.Duration) time.Duration {
	if !p.opts.backoff {
		return cur
	}
	cur *= 2
	if cur > p.opts.maxBackoff {
		cur = p.opts.maxBackoff
	}
	return cur
}

// retransmit resends every entry of conn whose timeout elapsed. It returns
// false once conn is no longer the peer's current send connection.
func (p *Protocol) retransmit(peer stack.Address, conn *SendConnection, now time.Time) bool {
	if !p.running() {
		return false
	}
	e := p.table.lock(peer, false)
	if e == nil {
		return false
	}
	if e.send != conn {
		p.table.release(peer, e)
		return false
	}

	if oldest, ok := conn.oldest(); ok && p.opts.maxRetransmitTime > 0 && now.Sub(oldest) >= p.opts.maxRetransmitTime {
		connID, pending := conn.connID, conn.window.Len()
		p.table.closeSend(e)
		p.table.release(peer, e)
		p.stats.forceClosed.Add(1)
		p.log.Warn("closing connection after max retransmit time",
			zap.String("peer", string(peer)),
			zap.Uint64("conn_id", connID),
			zap.Int("unacked", pending),
			zap.Duration("max_retransmit_time", p.opts.maxRetransmitTime))
		p.suspect(peer)
		return false
	}

	var out []*wire.Datagram
	conn.window.Ascend(func(_ uint64, env *envelope) bool {
		if now.Sub(env.lastSent) < env.rto {
			return true
		}
		env.lastSent = now
		env.xmits++
		env.rto = p.nextRTO(env.rto)
		out = append(out, env.datagram())
		return true
	})
	p.table.release(peer, e)

	if len(out) == 0 {
		return true
	}
	p.stats.xmits.Add(uint64(len(out)))
	p.log.Debug("retransmitting",
		zap.String("peer", string(peer)),
		zap.Uint64("from", out[0].Seqno),
		zap.Uint64("to", out[len(out)-1].Seqno),
		zap.Int("count", len(out)))
	for _, d := range out {
		p.transmit(peer, d)
	}
	return true
}

// resend retransmits the entries in [from, to] immediately, in answer to a
// NAK. It must be called with the peer's entry locked.
func (p *Protocol) resend(conn *SendConnection, from, to uint64, now time.Time) []*wire.Datagram {
	var out []*wire.Datagram
	conn.window.Ascend(func(seqno uint64, env *envelope) bool {
		if seqno > to {
			return false
		}
		if seqno >= from {
			env.lastSent = now
			env.xmits++
			out = append(out, env.datagram())
		}
		return true
	})
	return out
}
