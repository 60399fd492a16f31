package mesh

import (
	"testing"

	"github.com/dkeye/wevibin/internal/core"
)

func TestBusDropsForSlowSubscriber(t *testing.T) {
	var dropped int
	b := NewBus(1, func() { dropped++ })
	ch, cancel := b.Subscribe()

	for i := 0; i < 3; i++ {
		b.Publish(core.SessionEvent{Peer: "p", Kind: core.EventStateChanged})
	}
	if got := len(drain(ch)); got != 1 {
		t.Errorf("received %d events, want 1", got)
	}
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}
	b.Publish(core.SessionEvent{Peer: "p"})
}

func TestBusPreservesOrder(t *testing.T) {
	b := NewBus(8, nil)
	ch, cancel := b.Subscribe()
	defer cancel()
	for _, p := range []string{"1", "2", "3"} {
		b.Publish(core.SessionEvent{Peer: "p", Kind: core.EventKind(p)})
	}
	got := drain(ch)
	if len(got) != 3 || got[0].Kind != "1" || got[2].Kind != "3" {
		t.Errorf("events = %+v", got)
	}
}
