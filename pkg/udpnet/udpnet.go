// Package udpnet carries datagrams over UDP. Peers are addressed by their
// "ip:port" string.
package udpnet

import (
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"reliable-unicast/pkg/stack"
)

const (
	DefaultWorkers     = 4
	DefaultMaxDatagram = 64 * 1024
)

var ErrClosed = errors.New("transport closed")

type options struct {
	workers     int
	maxDatagram int
	log         *zap.Logger
}

type Option func(*options)

// WithWorkers sets how many goroutines call HandleUp concurrently.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

func WithMaxDatagram(n int) Option {
	return func(o *options) { o.maxDatagram = n }
}

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

type inbound struct {
	from stack.Address
	data []byte
}

// Transport is a stack.Down over one UDP socket.
type Transport struct {
	opts options
	log  *zap.Logger
	conn *net.UDPConn
	up   stack.Up

	mu    sync.Mutex
	addrs map[stack.Address]netip.AddrPort

	work   chan inbound
	closed atomic.Bool
	wg     sync.WaitGroup
}

// Listen binds addr and starts delivering inbound datagrams to up.
func Listen(addr string, up stack.Up, opts ...Option) (*Transport, error) {
	o := options{workers: DefaultWorkers, maxDatagram: DefaultMaxDatagram}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers < 1 {
		o.workers = 1
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}

	local, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", addr)
	}
	conn, err := net.ListenUDP("udp4", local)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}

	t := &Transport{
		opts:  o,
		log:   o.log,
		conn:  conn,
		up:    up,
		addrs: make(map[stack.Address]netip.AddrPort),
		work:  make(chan inbound, o.workers*16),
	}
	t.wg.Add(1 + o.workers)
	go t.readLoop()
	for i := 0; i < o.workers; i++ {
		go t.worker()
	}
	t.log.Info("udp transport listening", zap.String("addr", t.Addr().String()))
	return t, nil
}

func (t *Transport) Addr() net.Addr {
	return t.conn.LocalAddr()
}

// LocalAddress is the transport's own address as peers see it.
func (t *Transport) LocalAddress() stack.Address {
	return stack.Address(t.conn.LocalAddr().String())
}

func (t *Transport) resolve(peer stack.Address) (netip.AddrPort, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ap, ok := t.addrs[peer]; ok {
		return ap, nil
	}
	udp, err := net.ResolveUDPAddr("udp4", string(peer))
	if err != nil {
		return netip.AddrPort{}, errors.Wrapf(err, "resolve peer %s", peer)
	}
	ap := udp.AddrPort()
	ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	t.addrs[peer] = ap
	return ap, nil
}

func (t *Transport) HandleDown(msg stack.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	ap, err := t.resolve(msg.Peer)
	if err != nil {
		return err
	}
	if _, err := t.conn.WriteToUDPAddrPort(msg.Data, ap); err != nil {
		return errors.Wrapf(err, "write to %s", msg.Peer)
	}
	return nil
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	defer close(t.work)
	buf := make([]byte, t.opts.maxDatagram)
	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if t.closed.Load() {
				return
			}
			t.log.Warn("udp read failed", zap.Error(err))
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		peer := stack.Address(netip.AddrPortFrom(from.Addr().Unmap(), from.Port()).String())
		t.work <- inbound{from: peer, data: data}
	}
}

func (t *Transport) worker() {
	defer t.wg.Done()
	for in := range t.work {
		t.up.HandleUp(stack.Message{Peer: in.from, Data: in.data})
	}
}

// Close shuts the socket and waits for in-flight deliveries.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.conn.Close()
	t.wg.Wait()
	t.log.Info("udp transport closed")
	return err
}
