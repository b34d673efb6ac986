// Package stack defines how protocol layers are chained. A layer accepts
// messages travelling down (towards the transport) and up (towards the
// application), and is wired to the layers directly below and above it.
package stack

import (
	"fmt"
	"sync/atomic"
)

// Address identifies a peer. Transports decide the format: memnet uses
// plain names, udpnet uses "ip:port".
type Address string

const (
	FlagOOB uint8 = 1 << iota
)

// Message is the unit passed between layers. Going down, Peer is the
// destination; going up, Peer is the sender.
type Message struct {
	Peer  Address
	Data  []byte
	Flags uint8
}

func (m Message) String() string {
	return fmt.Sprintf("%s (%d bytes, flags=%#x)", m.Peer, len(m.Data), m.Flags)
}

type Down interface {
	HandleDown(msg Message) error
}

type Up interface {
	HandleUp(msg Message)
}

type Layer interface {
	Down
	Up
	// Wire connects the layer to its neighbours. It is called once, before
	// any message flows.
	Wire(lower Down, upper Up)
}

type DownFunc func(msg Message) error

func (f DownFunc) HandleDown(msg Message) error { return f(msg) }

type UpFunc func(msg Message)

func (f UpFunc) HandleUp(msg Message) { f(msg) }

// Chain wires layers, given top first, between the application (top) and the
// transport (bottom). It returns the entry point applications send into and
// the entry point the transport delivers into.
func Chain(top Up, bottom Down, layers ...Layer) (Down, Up) {
	if len(layers) == 0 {
		return bottom, top
	}
	for i, l := range layers {
		var lower Down = bottom
		var upper Up = top
		if i+1 < len(layers) {
			lower = layers[i+1]
		}
		if i > 0 {
			upper = layers[i-1]
		}
		l.Wire(lower, upper)
	}
	return layers[0], layers[len(layers)-1]
}

// Late lets a transport be created before the chain it delivers into.
// Calls made before Set are dropped.
type Late struct {
	up atomic.Pointer[lateUp]
}

type lateUp struct{ Up }

func (l *Late) Set(up Up) { l.up.Store(&lateUp{up}) }

func (l *Late) HandleUp(msg Message) {
	if u := l.up.Load(); u != nil {
		u.HandleUp(msg)
	}
}
