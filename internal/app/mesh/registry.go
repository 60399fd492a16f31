package mesh

import (
	"sort"
	"sync"

	"github.com/dkeye/wevibin/internal/domain"
	"github.com/rs/zerolog/log"
)

// Registry maps each remote peer to its single live session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.PeerID]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.PeerID]*Session)}
}

func (r *Registry) Get(peer domain.PeerID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[peer]
	return s, ok
}

// Put stores s and returns the session it displaced, if any. The caller
// closes the displaced session.
func (r *Registry) Put(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[s.Peer()]
	r.sessions[s.Peer()] = s
	log.Debug().Str("module", "mesh.registry").Str("peer", string(s.Peer())).Msg("session bound")
	return prev
}

// Remove deletes the entry for s.Peer() only while it still points at s.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[s.Peer()]
	if !ok || cur != s {
		return false
	}
	delete(r.sessions, s.Peer())
	log.Debug().Str("module", "mesh.registry").Str("peer", string(s.Peer())).Msg("session unbound")
	return true
}

// Take removes and returns whatever session is bound to peer.
func (r *Registry) Take(peer domain.PeerID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[peer]
	if ok {
		delete(r.sessions, peer)
	}
	return s, ok
}

// Snapshot returns the live sessions ordered by peer id.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Peer() < out[j].Peer() })
	return out
}

// Drain empties the registry and returns what it held.
func (r *Registry) Drain() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for peer, s := range r.sessions {
		out = append(out, s)
		delete(r.sessions, peer)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
