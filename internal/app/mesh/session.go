package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/wevibin/internal/app/sink"
	"github.com/dkeye/wevibin/internal/core"
	"github.com/dkeye/wevibin/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type sessionConfig struct {
	self      domain.PeerID
	peer      domain.PeerID
	role      domain.Role
	conn      core.PeerConnection
	track     webrtc.TrackLocal
	transport core.SignalingTransport
	output    core.AudioOutput
	device    domain.DeviceID
	metrics   *Metrics
	emit      func(core.SessionEvent)
	// onTerminal runs outside the session lock once the session reaches
	// Disconnected or Failed.
	onTerminal func(*Session)
}

// Session is the negotiation state machine for one remote peer.
type Session struct {
	self       domain.PeerID
	peer       domain.PeerID
	role       domain.Role
	conn       core.PeerConnection
	transport  core.SignalingTransport
	output     core.AudioOutput
	metrics    *Metrics
	emit       func(core.SessionEvent)
	onTerminal func(*Session)
	logger     zerolog.Logger

	// ctx is canceled by Close so in-flight negotiation unblocks.
	ctx    context.Context
	cancel context.CancelFunc

	// negotiating serializes offer and answer creation.
	negotiating sync.Mutex

	mu        sync.Mutex
	state     domain.State
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	// outbox holds local candidates gathered before our description went out.
	outbox   []webrtc.ICECandidateInit
	signaled bool
	track    webrtc.TrackLocal
	device   domain.DeviceID
	sink     *sink.RemoteAudioSink
	closed   bool
}

func newSession(cfg sessionConfig) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		self:       cfg.self,
		peer:       cfg.peer,
		role:       cfg.role,
		conn:       cfg.conn,
		transport:  cfg.transport,
		output:     cfg.output,
		metrics:    cfg.metrics,
		emit:       cfg.emit,
		onTerminal: cfg.onTerminal,
		ctx:        ctx,
		cancel:     cancel,
		state:      domain.StateNew,
		track:      cfg.track,
		device:     cfg.device.OrDefault(),
		logger: log.With().
			Str("module", "mesh.session").
			Str("peer", string(cfg.peer)).
			Str("role", cfg.role.String()).
			Logger(),
	}

	s.conn.OnICECandidate(s.onLocalCandidate)
	s.conn.OnTrack(s.onRemoteTrack)
	s.conn.OnConnectionStateChange(s.onConnectionState)
	return s
}

func (s *Session) Peer() domain.PeerID { return s.peer }
func (s *Session) Role() domain.Role   { return s.role }

func (s *Session) State() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Info() core.PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := core.PeerInfo{
		Peer:         s.peer,
		Role:         s.role.String(),
		State:        s.state.String(),
		Pending:      len(s.pending),
		OutputDevice: s.device,
	}
	if s.sink != nil {
		info.HasSink = true
		info.Playing = s.sink.Playing()
	}
	return info
}

// setState must be called with mu held.
func (s *Session) setState(st domain.State) {
	if s.state == st {
		return
	}
	s.logger.Debug().Str("from", s.state.String()).Str("to", st.String()).Msg("state")
	s.state = st
	s.emit(core.SessionEvent{Peer: s.peer, Kind: core.EventStateChanged, Role: s.role, State: st})
}

// negotiationContext derives a context that also ends when the session closes.
func (s *Session) negotiationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Offer runs the initiator half: create the offer, then send it.
func (s *Session) Offer(ctx context.Context) error {
	s.negotiating.Lock()
	defer s.negotiating.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return core.ErrSessionClosed
	}
	if s.role != domain.RoleInitiator || s.state != domain.StateNew {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: offer in state %s", core.ErrNegotiationFailure, st)
	}
	s.mu.Unlock()

	nctx, done := s.negotiationContext(ctx)
	offer, err := s.conn.CreateOffer(nctx)
	done()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Debug().Msg("session closed during offer, result discarded")
		return core.ErrSessionClosed
	}
	if err != nil {
		s.mu.Unlock()
		return s.fail(fmt.Errorf("%w: create offer: %w", core.ErrNegotiationFailure, err))
	}
	s.setState(domain.StateOfferCreated)
	s.mu.Unlock()

	return s.sendDescription(ctx, core.SignalOffer, offer)
}

// AcceptOffer applies a remote offer and answers it. Re-offers on an already
// negotiated session are answered the same way.
func (s *Session) AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) error {
	s.negotiating.Lock()
	defer s.negotiating.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return core.ErrSessionClosed
	}
	switch s.state {
	case domain.StateNew, domain.StateAnswerCreated, domain.StateAnswerReceived, domain.StateConnected:
	default:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: offer in state %s", core.ErrStaleMessage, st)
	}
	renegotiation := s.state != domain.StateNew
	if err := s.applyRemote(offer); err != nil {
		s.mu.Unlock()
		return s.fail(err)
	}
	if !renegotiation {
		s.setState(domain.StateOfferReceived)
	}
	s.drainPending()
	s.mu.Unlock()

	nctx, done := s.negotiationContext(ctx)
	answer, err := s.conn.CreateAnswer(nctx)
	done()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Debug().Msg("session closed during answer, result discarded")
		return core.ErrSessionClosed
	}
	if err != nil {
		s.mu.Unlock()
		return s.fail(fmt.Errorf("%w: create answer: %w", core.ErrNegotiationFailure, err))
	}
	if !renegotiation {
		s.setState(domain.StateAnswerCreated)
	}
	s.mu.Unlock()

	return s.sendDescription(ctx, core.SignalAnswer, answer)
}

// AcceptAnswer applies the remote answer to our outstanding offer.
func (s *Session) AcceptAnswer(answer webrtc.SessionDescription) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return core.ErrSessionClosed
	}
	if s.state != domain.StateOfferCreated {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: answer in state %s", core.ErrStaleMessage, st)
	}
	if err := s.applyRemote(answer); err != nil {
		s.mu.Unlock()
		return s.fail(err)
	}
	s.drainPending()
	s.setState(domain.StateAnswerReceived)
	s.mu.Unlock()
	return nil
}

// AddCandidate buffers the candidate until a remote description exists,
// otherwise applies it immediately. A bad candidate is logged and skipped.
func (s *Session) AddCandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrSessionClosed
	}
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		s.logger.Debug().Int("pending", len(s.pending)).Msg("candidate buffered")
		return nil
	}
	s.applyCandidate(c)
	return nil
}

// applyRemote must be called with mu held.
func (s *Session) applyRemote(sd webrtc.SessionDescription) error {
	if err := s.conn.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("%w: set remote %s: %w", core.ErrNegotiationFailure, sd.Type, err)
	}
	s.remoteSet = true
	return nil
}

// drainPending must be called with mu held, after applyRemote.
func (s *Session) drainPending() {
	if len(s.pending) == 0 {
		return
	}
	s.logger.Debug().Int("count", len(s.pending)).Msg("draining buffered candidates")
	for _, c := range s.pending {
		s.applyCandidate(c)
	}
	s.pending = nil
}

func (s *Session) applyCandidate(c webrtc.ICECandidateInit) {
	if err := s.conn.AddICECandidate(c); err != nil {
		s.metrics.CandidateFailures.Inc()
		s.logger.Warn().Err(err).Str("candidate", c.Candidate).Msg("apply candidate failed, skipped")
	}
}

func (s *Session) sendDescription(ctx context.Context, kind core.SignalKind, sd webrtc.SessionDescription) error {
	msg := core.Message{Kind: kind, To: s.peer, From: s.self, SDP: &sd}
	if err := s.transport.Send(ctx, msg); err != nil {
		s.metrics.SignalingFailures.Inc()
		return s.fail(fmt.Errorf("%w: send %s: %w", core.ErrSignalingDelivery, kind, err))
	}
	s.logger.Info().Str("kind", string(kind)).Msg("description sent")

	s.mu.Lock()
	s.signaled = true
	queued := s.outbox
	s.outbox = nil
	s.mu.Unlock()
	for _, c := range queued {
		s.sendCandidate(c)
	}
	return nil
}

func (s *Session) onLocalCandidate(c webrtc.ICECandidateInit) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.signaled {
		s.outbox = append(s.outbox, c)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.sendCandidate(c)
}

// sendCandidate failures are counted but do not fail the session; ICE can
// still complete on the candidates that did go out.
func (s *Session) sendCandidate(c webrtc.ICECandidateInit) {
	msg := core.Message{Kind: core.SignalICECandidate, To: s.peer, From: s.self, Candidate: &c}
	if err := s.transport.Send(s.ctx, msg); err != nil {
		s.metrics.SignalingFailures.Inc()
		s.logger.Warn().Err(err).Msg("send candidate failed")
	}
}

func (s *Session) onRemoteTrack(track core.RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.sink == nil {
		s.sink = sink.New(s.peer, s.output, s.device)
	}
	if err := s.sink.Attach(track); err != nil {
		s.logger.Error().Err(err).Msg("attach remote track")
		return
	}
	s.emit(core.SessionEvent{Peer: s.peer, Kind: core.EventTrackAdded, Role: s.role, State: s.state})
}

func (s *Session) onConnectionState(st webrtc.PeerConnectionState) {
	s.mu.Lock()
	if s.closed || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.logger.Info().Str("transport", st.String()).Msg("connection state")
	switch st {
	case webrtc.PeerConnectionStateConnected:
		s.setState(domain.StateConnected)
		s.mu.Unlock()
		return
	case webrtc.PeerConnectionStateDisconnected:
		s.setState(domain.StateDisconnected)
	case webrtc.PeerConnectionStateFailed:
		s.setState(domain.StateFailed)
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if s.onTerminal != nil {
		s.onTerminal(s)
	}
}

// fail moves the session to Failed, reports err and returns it.
func (s *Session) fail(err error) error {
	s.mu.Lock()
	if s.closed || s.state.Terminal() {
		s.mu.Unlock()
		return err
	}
	if errors.Is(err, core.ErrNegotiationFailure) {
		s.metrics.NegotiationFailures.Inc()
	}
	s.logger.Error().Err(err).Msg("session failed")
	s.setState(domain.StateFailed)
	s.emit(core.SessionEvent{Peer: s.peer, Kind: core.EventFailed, Role: s.role, State: domain.StateFailed, Err: err})
	s.mu.Unlock()
	if s.onTerminal != nil {
		s.onTerminal(s)
	}
	return err
}

// ReplaceTrack points the outgoing sender at track. The same track is never
// attached twice.
func (s *Session) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.track == track {
		return nil
	}
	if err := s.conn.ReplaceTrack(track); err != nil {
		s.logger.Error().Err(err).Msg("replace outgoing track")
		return fmt.Errorf("replace track for %s: %w", s.peer, err)
	}
	s.track = track
	return nil
}

// Track is the outgoing track currently attached.
func (s *Session) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// SetOutputDevice retargets the sink, or records the device for a sink
// created later.
func (s *Session) SetOutputDevice(device domain.DeviceID) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	sk := s.sink
	if sk == nil {
		s.device = device.OrDefault()
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := sk.SetOutputDevice(device); err != nil {
		return err
	}
	s.mu.Lock()
	s.device = device.OrDefault()
	s.mu.Unlock()
	return nil
}

// Sink returns the remote audio sink, nil until the first remote track.
func (s *Session) Sink() *sink.RemoteAudioSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

// Close releases the connection, the sink and buffered candidates.
// Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	s.state = domain.StateClosed
	s.emit(core.SessionEvent{Peer: s.peer, Kind: core.EventStateChanged, Role: s.role, State: domain.StateClosed})
	s.pending = nil
	s.outbox = nil
	s.track = nil
	sk := s.sink
	s.sink = nil
	s.mu.Unlock()

	var errs []error
	if sk != nil {
		errs = append(errs, sk.Close())
	}
	errs = append(errs, s.conn.Close())
	s.logger.Info().Msg("session closed")
	return errors.Join(errs...)
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
