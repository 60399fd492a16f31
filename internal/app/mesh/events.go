package mesh

import (
	"sync"

	"github.com/dkeye/wevibin/internal/core"
	"github.com/rs/zerolog/log"
)

// Bus fans session events out to subscribers without ever blocking the
// publisher. A subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan core.SessionEvent
	next   uint64
	buffer int
	onDrop func()
}

func NewBus(buffer int, onDrop func()) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[uint64]chan core.SessionEvent),
		buffer: buffer,
		onDrop: onDrop,
	}
}

// Subscribe returns the event channel and a cancel func that closes it.
func (b *Bus) Subscribe() (<-chan core.SessionEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan core.SessionEvent, b.buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Publish(ev core.SessionEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			log.Debug().Str("module", "mesh.events").
				Uint64("subscriber", id).
				Str("peer", string(ev.Peer)).
				Str("kind", string(ev.Kind)).
				Msg("subscriber full, event dropped")
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
}
