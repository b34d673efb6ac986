package memnet

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"reliable-unicast/pkg/stack"
)

type sink struct {
	mu   sync.Mutex
	msgs []stack.Message
}

func (s *sink) HandleUp(msg stack.Message) {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDeliverCarriesSender(t *testing.T) {
	n := NewNetwork(Options{})
	defer n.Close()
	var got sink
	a, err := n.Join("a", &sink{})
	if err != nil {
		t.Fatalf("join a: %v", err)
	}
	if _, err := n.Join("b", &got); err != nil {
		t.Fatalf("join b: %v", err)
	}
	if _, err := n.Join("b", &got); errors.Cause(err) != ErrDuplicate {
		t.Fatalf("second join of b: got %v, want ErrDuplicate", err)
	}

	for i := 0; i < 50; i++ {
		if err := a.HandleDown(stack.Message{Peer: "b", Data: []byte{byte(i)}}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	waitFor(t, 2*time.Second, func() bool { return got.count() == 50 })

	got.mu.Lock()
	defer got.mu.Unlock()
	seen := make(map[byte]bool)
	for _, m := range got.msgs {
		if m.Peer != "a" {
			t.Fatalf("sender: got %q, want a", m.Peer)
		}
		seen[m.Data[0]] = true
	}
	if len(seen) != 50 {
		t.Fatalf("distinct payloads: got %d, want 50", len(seen))
	}
}

func TestLossAndBlock(t *testing.T) {
	n := NewNetwork(Options{Loss: 1})
	defer n.Close()
	var got sink
	a, _ := n.Join("a", &sink{})
	n.Join("b", &got)

	for i := 0; i < 10; i++ {
		a.HandleDown(stack.Message{Peer: "b", Data: []byte("x")})
	}
	if st := n.Stats(); st.Dropped != 10 || st.Delivered != 0 {
		t.Fatalf("stats with full loss: %+v", st)
	}

	clean := NewNetwork(Options{})
	defer clean.Close()
	var got2 sink
	c, _ := clean.Join("c", &sink{})
	clean.Join("d", &got2)
	clean.Block("c", "d")
	c.HandleDown(stack.Message{Peer: "d", Data: []byte("x")})
	c.HandleDown(stack.Message{Peer: "unknown", Data: []byte("x")})
	clean.Unblock("c", "d")
	c.HandleDown(stack.Message{Peer: "d", Data: []byte("y")})
	waitFor(t, time.Second, func() bool { return got2.count() == 1 })
	if st := clean.Stats(); st.Dropped != 2 {
		t.Fatalf("dropped: got %d, want 2", st.Dropped)
	}
}

func TestDuplicate(t *testing.T) {
	n := NewNetwork(Options{Duplicate: 1})
	defer n.Close()
	var got sink
	a, _ := n.Join("a", &sink{})
	n.Join("b", &got)

	a.HandleDown(stack.Message{Peer: "b", Data: []byte("x")})
	waitFor(t, time.Second, func() bool { return got.count() == 2 })
}

func TestReorderHoldsUntilNextDatagram(t *testing.T) {
	n := NewNetwork(Options{Reorder: 1, Workers: 1})
	defer n.Close()
	var got sink
	a, _ := n.Join("a", &sink{})
	n.Join("b", &got)

	a.HandleDown(stack.Message{Peer: "b", Data: []byte{1}})
	time.Sleep(20 * time.Millisecond)
	if got.count() != 0 {
		t.Fatal("held datagram was delivered before the next one was sent")
	}
	a.HandleDown(stack.Message{Peer: "b", Data: []byte{2}})
	waitFor(t, time.Second, func() bool { return got.count() == 2 })

	got.mu.Lock()
	defer got.mu.Unlock()
	if got.msgs[0].Data[0] != 2 || got.msgs[1].Data[0] != 1 {
		t.Fatalf("order: got %v then %v, want 2 then 1", got.msgs[0].Data, got.msgs[1].Data)
	}
}

func TestOverflowDrops(t *testing.T) {
	n := NewNetwork(Options{InboxSize: 16, Workers: 1})
	defer n.Close()
	block := make(chan struct{})
	a, _ := n.Join("a", &sink{})
	n.Join("b", stack.UpFunc(func(stack.Message) { <-block }))
	defer close(block)

	for i := 0; i < 20; i++ {
		a.HandleDown(stack.Message{Peer: "b", Data: make([]byte, 8)})
	}
	if n.Stats().Overflowed == 0 {
		t.Fatal("expected overflowed datagrams with a 16 byte inbox")
	}
}

func TestClosedEndpointRejectsSend(t *testing.T) {
	n := NewNetwork(Options{})
	a, _ := n.Join("a", &sink{})
	a.Close()
	if err := a.HandleDown(stack.Message{Peer: "b"}); errors.Cause(err) != ErrClosed {
		t.Fatalf("got %v, want ErrClosed", err)
	}
	if _, err := n.Join("a", &sink{}); err != nil {
		t.Fatalf("rejoin after close: %v", err)
	}
	n.Close()
}
