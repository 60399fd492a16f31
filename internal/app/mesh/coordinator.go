// Package mesh turns signaling messages and local device changes into one
// negotiated audio connection per remote participant.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/wevibin/internal/app/capture"
	"github.com/dkeye/wevibin/internal/core"
	"github.com/dkeye/wevibin/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrSelfPeer = errors.New("cannot open a session to self")

type Options struct {
	Self        domain.PeerID
	Transport   core.SignalingTransport
	Connections core.ConnectionFactory
	Capture     core.CaptureSource
	Output      core.AudioOutput

	InputDevice  domain.DeviceID
	OutputDevice domain.DeviceID

	// Registerer receives the coordinator metrics; nil keeps them private.
	Registerer  prometheus.Registerer
	EventBuffer int
}

type Coordinator struct {
	self      domain.PeerID
	transport core.SignalingTransport
	factory   core.ConnectionFactory
	output    core.AudioOutput
	capture   *capture.LocalCapture
	registry  *Registry
	bus       *Bus
	metrics   *Metrics
	logger    zerolog.Logger

	// mu guards registry lookup-or-create only.
	mu sync.Mutex

	// deviceMu serializes capture changes.
	deviceMu    sync.Mutex
	inputDevice domain.DeviceID

	outputMu     sync.Mutex
	outputDevice domain.DeviceID
}

func New(opts Options) (*Coordinator, error) {
	if opts.Self == "" {
		return nil, domain.ErrPeerIDEmpty
	}
	if opts.Transport == nil || opts.Connections == nil || opts.Capture == nil || opts.Output == nil {
		return nil, errors.New("mesh: transport, connections, capture and output are required")
	}
	m := NewMetrics(opts.Registerer)
	c := &Coordinator{
		self:         opts.Self,
		transport:    opts.Transport,
		factory:      opts.Connections,
		output:       opts.Output,
		capture:      capture.New(opts.Capture),
		registry:     NewRegistry(),
		bus:          NewBus(opts.EventBuffer, m.DroppedEvents.Inc),
		metrics:      m,
		inputDevice:  opts.InputDevice.OrDefault(),
		outputDevice: opts.OutputDevice.OrDefault(),
		logger:       log.With().Str("module", "mesh").Str("self", string(opts.Self)).Logger(),
	}

	c.transport.OnMessage(func(msg core.Message) {
		if err := c.HandleSignal(context.Background(), msg); err != nil {
			c.logger.Debug().Err(err).Str("kind", string(msg.Kind)).Str("from", string(msg.From)).Msg("signal not applied")
		}
	})
	return c, nil
}

func (c *Coordinator) Self() domain.PeerID { return c.self }
func (c *Coordinator) Metrics() *Metrics   { return c.metrics }

// Subscribe streams session events; call cancel to stop.
func (c *Coordinator) Subscribe() (<-chan core.SessionEvent, func()) {
	return c.bus.Subscribe()
}

// Peers lists live sessions ordered by peer id.
func (c *Coordinator) Peers() []core.PeerInfo {
	sessions := c.registry.Snapshot()
	out := make([]core.PeerInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// Session returns the live session for peer.
func (c *Coordinator) Session(peer domain.PeerID) (*Session, bool) {
	return c.registry.Get(peer)
}

// InitiatePeer opens an initiator session towards peer and sends the offer.
// An existing session for peer is torn down first.
func (c *Coordinator) InitiatePeer(ctx context.Context, peer domain.PeerID) error {
	if peer == c.self {
		return ErrSelfPeer
	}
	s, err := c.openSession(ctx, peer, domain.RoleInitiator)
	if err != nil {
		return err
	}
	c.logger.Info().Str("peer", string(peer)).Msg("initiating session")
	return s.Offer(ctx)
}

// ClosePeer tears down the session for a participant that left.
func (c *Coordinator) ClosePeer(peer domain.PeerID) error {
	s, ok := c.registry.Take(peer)
	if !ok {
		return nil
	}
	c.syncGauge()
	c.logger.Info().Str("peer", string(peer)).Msg("closing session")
	return s.Close()
}

// TeardownAll closes every session and releases the capture stream.
// Idempotent.
func (c *Coordinator) TeardownAll() error {
	sessions := c.registry.Drain()
	c.syncGauge()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Peer(), err))
		}
	}

	c.deviceMu.Lock()
	if err := c.capture.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release capture: %w", err))
	}
	c.deviceMu.Unlock()

	c.logger.Info().Int("sessions", len(sessions)).Msg("teardown complete")
	return errors.Join(errs...)
}

// openSession creates a session for peer and binds it in the registry,
// closing any session it displaces.
func (c *Coordinator) openSession(ctx context.Context, peer domain.PeerID, role domain.Role) (*Session, error) {
	track := c.ensureCapture(ctx)

	c.mu.Lock()
	s, prev, err := c.createLocked(peer, role, track)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if prev != nil {
		c.logger.Info().Str("peer", string(peer)).Msg("replacing existing session")
		if err := prev.Close(); err != nil {
			c.logger.Warn().Err(err).Str("peer", string(peer)).Msg("close replaced session")
		}
	}
	c.reconcileTrack(s)
	return s, nil
}

// createLocked must be called with mu held.
func (c *Coordinator) createLocked(peer domain.PeerID, role domain.Role, track webrtc.TrackLocal) (*Session, *Session, error) {
	conn, err := c.factory.NewConnection(peer, track)
	if err != nil {
		c.metrics.NegotiationFailures.Inc()
		return nil, nil, fmt.Errorf("%w: new connection to %s: %w", core.ErrNegotiationFailure, peer, err)
	}
	s := newSession(sessionConfig{
		self:       c.self,
		peer:       peer,
		role:       role,
		conn:       conn,
		track:      track,
		transport:  c.transport,
		output:     c.output,
		device:     c.currentOutput(),
		metrics:    c.metrics,
		emit:       c.bus.Publish,
		onTerminal: c.onTerminal,
	})
	prev := c.registry.Put(s)
	c.syncGauge()
	return s, prev, nil
}

// onTerminal removes a session that disconnected or failed. A newer session
// for the same peer is left alone.
func (c *Coordinator) onTerminal(s *Session) {
	if !c.registry.Remove(s) {
		return
	}
	c.syncGauge()
	if err := s.Close(); err != nil {
		c.logger.Warn().Err(err).Str("peer", string(s.Peer())).Msg("close terminal session")
	}
}

func (c *Coordinator) syncGauge() {
	c.metrics.Sessions.Set(float64(c.registry.Len()))
}

func (c *Coordinator) currentOutput() domain.DeviceID {
	c.outputMu.Lock()
	defer c.outputMu.Unlock()
	return c.outputDevice
}
