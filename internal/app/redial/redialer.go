// Package redial re-initiates sessions that dropped while the remote
// participant is still present.
package redial

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/wevibin/internal/core"
	"github.com/dkeye/wevibin/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// Mesh is the part of the coordinator the redialer drives.
type Mesh interface {
	InitiatePeer(ctx context.Context, peer domain.PeerID) error
	Subscribe() (<-chan core.SessionEvent, func())
}

type Redialer struct {
	mesh    Mesh
	limiter *Limiter
	delay   time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	present map[domain.PeerID]struct{}
}

func New(mesh Mesh, limiter *Limiter, delay time.Duration) *Redialer {
	return &Redialer{
		mesh:    mesh,
		limiter: limiter,
		delay:   delay,
		logger:  log.With().Str("module", "redial").Logger(),
		present: make(map[domain.PeerID]struct{}),
	}
}

func (r *Redialer) PeerJoined(peer domain.PeerID) {
	r.mu.Lock()
	r.present[peer] = struct{}{}
	r.mu.Unlock()
}

func (r *Redialer) PeerLeft(peer domain.PeerID) {
	r.mu.Lock()
	delete(r.present, peer)
	r.mu.Unlock()
	r.limiter.Forget(peer)
}

func (r *Redialer) isPresent(peer domain.PeerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.present[peer]
	return ok
}

// Run watches session events until ctx ends.
func (r *Redialer) Run(ctx context.Context) error {
	events, cancel := r.mesh.Subscribe()
	defer cancel()

	var wg conc.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !r.shouldRedial(ev) {
				continue
			}
			if !r.limiter.Allow(ev.Peer) {
				r.logger.Warn().Str("peer", string(ev.Peer)).Msg("redial limit reached, giving up")
				continue
			}
			peer := ev.Peer
			wg.Go(func() { r.redial(ctx, peer) })
		}
	}
}

// Only the initiator side redials, so the two ends never race each other.
func (r *Redialer) shouldRedial(ev core.SessionEvent) bool {
	if ev.Kind != core.EventStateChanged || ev.Role != domain.RoleInitiator {
		return false
	}
	if ev.State != domain.StateFailed && ev.State != domain.StateDisconnected {
		return false
	}
	return r.isPresent(ev.Peer)
}

func (r *Redialer) redial(ctx context.Context, peer domain.PeerID) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(r.delay):
	}
	if !r.isPresent(peer) {
		return
	}
	r.logger.Info().Str("peer", string(peer)).Msg("redialing")
	if err := r.mesh.InitiatePeer(ctx, peer); err != nil {
		r.logger.Warn().Err(err).Str("peer", string(peer)).Msg("redial failed")
	}
}
