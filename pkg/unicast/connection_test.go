package unicast

import (
	"sync"
	"testing"
	"time"

	"reliable-unicast/pkg/memnet"
	"reliable-unicast/pkg/stack"
	"reliable-unicast/pkg/wire"
)

func sendAll(t *testing.T, from *node, to stack.Address, msgs []string) {
	t.Helper()
	for _, m := range msgs {
		if err := from.p.Send(to, []byte(m)); err != nil {
			t.Fatalf("send %q from %s: %v", m, from.addr, err)
		}
	}
}

func expectPayloads(t *testing.T, nd *node, want []string) {
	t.Helper()
	if !waitFor(t, 10*time.Second, func() bool { return nd.rec.count() >= len(want) }) {
		t.Fatalf("%s received %d of %d messages", nd.addr, nd.rec.count(), len(want))
	}
	if got := nd.rec.payloads(); !equal(got, want) {
		t.Fatalf("%s received %v, want %v", nd.addr, got, want)
	}
}

func waitAcked(t *testing.T, nd *node, peer stack.Address) {
	t.Helper()
	ok := waitFor(t, 10*time.Second, func() bool {
		for _, info := range nd.p.Connections() {
			if info.Peer == peer {
				return info.SendWindow == 0
			}
		}
		return true
	})
	if !ok {
		t.Fatalf("%s still has unacknowledged messages for %s", nd.addr, peer)
	}
}

func TestRegularMessageReception(t *testing.T) {
	n := memnet.NewNetwork(memnet.Options{})
	defer n.Close()
	a := newNode(t, n, "a", fastOptions()...)
	b := newNode(t, n, "b", fastOptions()...)

	toB, toA := numbered("a", 100), numbered("b", 100)
	sendAll(t, a, "b", toB)
	sendAll(t, b, "a", toA)
	expectPayloads(t, b, toB)
	expectPayloads(t, a, toA)
	waitAcked(t, a, "b")
	waitAcked(t, b, "a")

	b.rec.mu.Lock()
	defer b.rec.mu.Unlock()
	for _, m := range b.rec.msgs {
		if m.Peer != "a" {
			t.Fatalf("message from %q, want a", m.Peer)
		}
	}
}

func TestConcurrentSendersKeepPerCallerOrder(t *testing.T) {
	n := memnet.NewNetwork(memnet.Options{})
	defer n.Close()
	a := newNode(t, n, "a", fastOptions()...)
	b := newNode(t, n, "b", fastOptions()...)

	const senders, each = 4, 50
	var wg sync.WaitGroup
	for s := 0; s < senders; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				a.p.Send("b", []byte{byte(s), byte(i)})
			}
		}(s)
	}
	wg.Wait()

	if !waitFor(t, 10*time.Second, func() bool { return b.rec.count() == senders*each }) {
		t.Fatalf("received %d of %d", b.rec.count(), senders*each)
	}
	next := make([]int, senders)
	b.rec.mu.Lock()
	defer b.rec.mu.Unlock()
	for _, m := range b.rec.msgs {
		s, i := int(m.Data[0]), int(m.Data[1])
		if i != next[s] {
			t.Fatalf("sender %d: got message %d, want %d", s, i, next[s])
		}
		next[s]++
	}
}

func TestAClosingUnilaterally(t *testing.T) {
	n := memnet.NewNetwork(memnet.Options{})
	defer n.Close()
	a := newNode(t, n, "a", fastOptions()...)
	b := newNode(t, n, "b", fastOptions()...)

	first := numbered("m", 10)
	sendAll(t, a, "b", first)
	expectPayloads(t, b, first)
	waitAcked(t, a, "b")
	oldEpoch := b.p.Connections()[0].RecvConnID

	a.p.CloseConnection("b")
	if a.p.HasSendConnectionTo("b") {
		t.Fatal("send connection survived CloseConnection")
	}
	second := numbered("n", 10)
	sendAll(t, a, "b", second)
	expectPayloads(t, b, append(first, second...))

	if e := b.p.Connections()[0].RecvConnID; e <= oldEpoch {
		t.Fatalf("receive epoch %d is not above the closed %d", e, oldEpoch)
	}
}

func TestAClosingUnilaterallyLosingFirstMessage(t *testing.T) {
	n := memnet.NewNetwork(memnet.Options{})
	defer n.Close()
	a := newNode(t, n, "a", fastOptions()...)
	b := newNode(t, n, "b", fastOptions()...)

	first := numbered("m", 10)
	sendAll(t, a, "b", first)
	expectPayloads(t, b, first)
	waitAcked(t, a, "b")

	a.p.CloseConnection("b")
	a.drop.Filter(func(m stack.Message) bool {
		d, err := wire.Decode(m.Data)
		return err == nil && d.Type == wire.TypeData && d.First()
	})
	a.drop.DropDown(1)

	second := numbered("n", 10)
	sendAll(t, a, "b", second)
	expectPayloads(t, b, append(first, second...))
	if a.drop.Dropped() != 1 {
		t.Fatalf("dropped %d datagrams, want 1", a.drop.Dropped())
	}
}

func TestBRemovingUnilaterally(t *testing.T) {
	n := memnet.NewNetwork(memnet.Options{})
	defer n.Close()
	a := newNode(t, n, "a", fastOptions()...)
	b := newNode(t, n, "b", fastOptions()...)

	first := numbered("m", 10)
	sendAll(t, a, "b", first)
	expectPayloads(t, b, first)
	waitAcked(t, a, "b")

	b.p.RemoveReceiveConnection("a")
	if len(b.p.Connections()) != 0 {
		t.Fatalf("b kept state for a: %+v", b.p.Connections())
	}
	second := numbered("n", 10)
	sendAll(t, a, "b", second)
	expectPayloads(t, b, append(first, second...))
	if b.p.Stats().FirstRequests == 0 {
		t.Fatal("b never asked a for the first seqno")
	}
}

func TestRestartedSenderWithLowerEpochReopens(t *testing.T) {
	n := memnet.NewNetwork(memnet.Options{})
	defer n.Close()
	a := newNode(t, n, "a", fastOptions()...)
	b := newNode(t, n, "b", fastOptions()...)

	first := numbered("m", 5)
	sendAll(t, a, "b", first)
	expectPayloads(t, b, first)
	waitAcked(t, a, "b")

	// a restarts with a clock that went backwards
	a.p.Stop()
	a.ep.Close()
	a2 := newNode(t, n, "a", fastOptions()...)
	a2.p.table.connID.Store(1)

	second := numbered("n", 5)
	sendAll(t, a2, "b", second)
	expectPayloads(t, b, append(first, second...))
	if b.p.Stats().Stale == 0 {
		t.Fatal("b never reported a stale epoch")
	}
}

func TestMessageToNonExistingMember(t *testing.T) {
	n := memnet.NewNetwork(memnet.Options{})
	defer n.Close()
	a := newNode(t, n, "a",
		WithRetransmitInterval(10*time.Millisecond),
		WithMaxRetransmitTime(100*time.Millisecond))

	if err := a.p.Send("ghost", []byte("anyone?")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !waitFor(t, 5*time.Second, func() bool { return !a.p.HasSendConnectionTo("ghost") }) {
		t.Fatal("send connection to a missing peer was not closed")
	}
	if !waitFor(t, time.Second, func() bool { return len(a.rec.suspects()) == 1 }) {
		t.Fatal("missing peer was not suspected")
	}
}

func TestLossyNetworkDeliversInOrder(t *testing.T) {
	n := memnet.NewNetwork(memnet.Options{Loss: 0.2, Duplicate: 0.1, Reorder: 0.2, Seed: 7})
	defer n.Close()
	a := newNode(t, n, "a", fastOptions()...)
	b := newNode(t, n, "b", fastOptions()...)

	toB, toA := numbered("a", 200), numbered("b", 200)
	sendAll(t, a, "b", toB)
	sendAll(t, b, "a", toA)
	expectPayloads(t, b, toB)
	expectPayloads(t, a, toA)

	// nothing may be delivered twice, even once retransmissions settle
	waitAcked(t, a, "b")
	time.Sleep(50 * time.Millisecond)
	if c := b.rec.count(); c != len(toB) {
		t.Fatalf("b delivered %d messages, want %d", c, len(toB))
	}
	if a.p.Stats().Xmits == 0 {
		t.Fatal("lossy network needed no retransmissions")
	}
}

func TestPartitionHealsWithinMaxRetransmitTime(t *testing.T) {
	n := memnet.NewNetwork(memnet.Options{})
	defer n.Close()
	a := newNode(t, n, "a", fastOptions()...)
	b := newNode(t, n, "b", fastOptions()...)

	n.Block("a", "b")
	msgs := numbered("p", 10)
	sendAll(t, a, "b", msgs)
	time.Sleep(100 * time.Millisecond)
	if b.rec.count() != 0 {
		t.Fatal("partitioned peer received messages")
	}
	n.Unblock("a", "b")
	expectPayloads(t, b, msgs)
}
