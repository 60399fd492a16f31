package mesh

import (
	"testing"

	"github.com/dkeye/wevibin/internal/core"
	"github.com/dkeye/wevibin/internal/core/coretest"
	"github.com/dkeye/wevibin/internal/domain"
)

func bareSession(peer domain.PeerID) *Session {
	return newSession(sessionConfig{
		self:      "self",
		peer:      peer,
		role:      domain.RoleResponder,
		conn:      &coretest.Conn{Peer: peer},
		transport: &coretest.Transport{},
		output:    coretest.NewOutput(),
		metrics:   NewMetrics(nil),
		emit:      func(core.SessionEvent) {},
	})
}

func TestRegistryRemoveIgnoresReplacedSession(t *testing.T) {
	r := NewRegistry()
	old := bareSession("p")
	if prev := r.Put(old); prev != nil {
		t.Fatalf("Put on empty registry returned %v", prev)
	}
	fresh := bareSession("p")
	if prev := r.Put(fresh); prev != old {
		t.Fatal("Put did not return displaced session")
	}
	if r.Remove(old) {
		t.Fatal("Remove deleted a newer session")
	}
	if got, _ := r.Get("p"); got != fresh {
		t.Fatal("newer session lost")
	}
	if !r.Remove(fresh) {
		t.Fatal("Remove of current session failed")
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d", r.Len())
	}
}

func TestRegistrySnapshotOrderAndDrain(t *testing.T) {
	r := NewRegistry()
	for _, p := range []domain.PeerID{"c", "a", "b"} {
		r.Put(bareSession(p))
	}
	snap := r.Snapshot()
	for i, want := range []domain.PeerID{"a", "b", "c"} {
		if snap[i].Peer() != want {
			t.Errorf("snapshot[%d] = %s, want %s", i, snap[i].Peer(), want)
		}
	}
	if n := len(r.Drain()); n != 3 {
		t.Errorf("Drain returned %d", n)
	}
	if r.Len() != 0 {
		t.Errorf("Len after Drain = %d", r.Len())
	}
	if _, ok := r.Take("a"); ok {
		t.Error("Take found a drained session")
	}
}
