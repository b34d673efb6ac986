package stack

import (
	"sync"

	"go.uber.org/zap"
)

// Drop discards messages passing through it. It is used to simulate the loss
// of specific datagrams, e.g. the first message of a reopened connection.
type Drop struct {
	mu       sync.Mutex
	lower    Down
	upper    Up
	downNext int
	upNext   int
	filter   func(Message) bool
	dropped  int
}

func NewDrop() *Drop {
	return &Drop{}
}

func (d *Drop) Wire(lower Down, upper Up) {
	d.lower = lower
	d.upper = upper
}

// DropDown discards the next n downward messages accepted by the filter.
func (d *Drop) DropDown(n int) {
	d.mu.Lock()
	d.downNext += n
	d.mu.Unlock()
}

// DropUp discards the next n upward messages accepted by the filter.
func (d *Drop) DropUp(n int) {
	d.mu.Lock()
	d.upNext += n
	d.mu.Unlock()
}

// Filter restricts which messages count towards DropDown/DropUp. nil
// matches everything.
func (d *Drop) Filter(f func(Message) bool) {
	d.mu.Lock()
	d.filter = f
	d.mu.Unlock()
}

func (d *Drop) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

func (d *Drop) take(counter *int, msg Message) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if *counter == 0 || (d.filter != nil && !d.filter(msg)) {
		return false
	}
	*counter--
	d.dropped++
	return true
}

func (d *Drop) HandleDown(msg Message) error {
	if d.take(&d.downNext, msg) {
		return nil
	}
	return d.lower.HandleDown(msg)
}

func (d *Drop) HandleUp(msg Message) {
	if d.take(&d.upNext, msg) {
		return
	}
	d.upper.HandleUp(msg)
}

// Trace logs every message at debug level and passes it on unchanged.
type Trace struct {
	log   *zap.Logger
	lower Down
	upper Up
}

func NewTrace(log *zap.Logger) *Trace {
	if log == nil {
		log = zap.NewNop()
	}
	return &Trace{log: log}
}

func (t *Trace) Wire(lower Down, upper Up) {
	t.lower = lower
	t.upper = upper
}

func (t *Trace) HandleDown(msg Message) error {
	t.log.Debug("down", zap.String("peer", string(msg.Peer)), zap.Int("len", len(msg.Data)))
	return t.lower.HandleDown(msg)
}

func (t *Trace) HandleUp(msg Message) {
	t.log.Debug("up", zap.String("peer", string(msg.Peer)), zap.Int("len", len(msg.Data)))
	t.upper.HandleUp(msg)
}
