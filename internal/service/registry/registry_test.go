package registry

import (
	"fmt"
	"sync"
	"testing"

	"cipherchat/internal/model"
)

// fakeConn records written events.
type fakeConn struct {
	mu     sync.Mutex
	events []*model.Event
	closed bool
}

func (c *fakeConn) WriteEvent(ev *model.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func TestRegisterLookup(t *testing.T) {
	r := New()
	conn := &fakeConn{}

	if _, had := r.Register("alice", conn); had {
		t.Fatal("fresh identity reported a previous connection")
	}
	got, ok := r.Lookup("alice")
	if !ok || got != Conn(conn) {
		t.Fatal("lookup did not return the registered connection")
	}
	if !r.Reachable("alice") || r.Reachable("bob") {
		t.Fatal("reachability wrong")
	}
}

func TestLastRegisteredWins(t *testing.T) {
	r := New()
	first := &fakeConn{}
	second := &fakeConn{}

	r.Register("alice", first)
	prev, had := r.Register("alice", second)
	if !had || prev != Conn(first) {
		t.Fatal("expected the first connection back as replaced")
	}

	got, _ := r.Lookup("alice")
	if got != Conn(second) {
		t.Fatal("second registration must win")
	}
}

func TestDeregisterOnlyOwnConn(t *testing.T) {
	r := New()
	first := &fakeConn{}
	second := &fakeConn{}

	r.Register("alice", first)
	r.Register("alice", second)

	// The replaced connection disconnecting must not evict its successor.
	if r.Deregister("alice", first) {
		t.Fatal("stale connection deregistered the active one")
	}
	if !r.Reachable("alice") {
		t.Fatal("alice should still be reachable")
	}
	if !r.Deregister("alice", second) {
		t.Fatal("active connection failed to deregister")
	}
	if r.Reachable("alice") {
		t.Fatal("alice should be gone")
	}
}

func TestDeregisterHook(t *testing.T) {
	r := New()
	conn := &fakeConn{}

	var gone []string
	r.OnDeregister(func(identity string) { gone = append(gone, identity) })

	r.Register("alice", conn)
	r.Deregister("alice", conn)

	if len(gone) != 1 || gone[0] != "alice" {
		t.Fatalf("hook not invoked correctly: %v", gone)
	}
}

func TestPush(t *testing.T) {
	r := New()
	conn := &fakeConn{}
	r.Register("bob", conn)

	ev := model.MustEvent(model.EvRecipientOnline, model.PresencePayload{Identity: "alice"})
	if !r.Push("bob", ev) {
		t.Fatal("push to registered identity failed")
	}
	if r.Push("nobody", ev) {
		t.Fatal("push to absent identity must report false")
	}
	if len(conn.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(conn.events))
	}
}

func TestConcurrentChurn(t *testing.T) {
	r := New()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("user-%d", n%8)
			conn := &fakeConn{}
			r.Register(id, conn)
			r.Push(id, model.MustEvent(model.EvRecipientOnline, model.PresencePayload{Identity: id}))
			r.Deregister(id, conn)
		}(i)
	}
	wg.Wait()

	if size := r.Size(); size != 0 {
		t.Fatalf("expected empty registry after churn, got %d", size)
	}
}
