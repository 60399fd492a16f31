// Package coretest provides in-memory implementations of the core
// interfaces for tests.
package coretest

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/dkeye/wevibin/internal/core"
	"github.com/dkeye/wevibin/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

var ErrInjected = errors.New("injected failure")

// ---------------------------------------------------------------------------
// Capture

type CaptureSource struct {
	mu     sync.Mutex
	Fail   map[domain.DeviceID]error
	Opened []*Stream
}

func NewCaptureSource() *CaptureSource {
	return &CaptureSource{Fail: make(map[domain.DeviceID]error)}
}

func (s *CaptureSource) Open(_ context.Context, device domain.DeviceID) (core.CaptureStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.Fail[device]; err != nil {
		return nil, err
	}
	for _, st := range s.Opened {
		if !st.Stopped() {
			return nil, errors.New("coretest: second capture handle opened while one is live")
		}
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio",
		"mic-"+string(device),
	)
	if err != nil {
		return nil, err
	}
	st := &Stream{device: device, track: track}
	s.Opened = append(s.Opened, st)
	return st, nil
}

// Live returns the streams that have not been stopped.
func (s *CaptureSource) Live() []*Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Stream
	for _, st := range s.Opened {
		if !st.Stopped() {
			out = append(out, st)
		}
	}
	return out
}

type Stream struct {
	device  domain.DeviceID
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	stops   atomic.Int32
}

func (s *Stream) DeviceID() domain.DeviceID { return s.device }
func (s *Stream) Track() webrtc.TrackLocal  { return s.track }
func (s *Stream) SetEnabled(v bool)         { s.enabled.Store(v) }
func (s *Stream) Enabled() bool             { return s.enabled.Load() }
func (s *Stream) Stopped() bool             { return s.stops.Load() > 0 }

func (s *Stream) Stop() error {
	s.stops.Add(1)
	return nil
}

// ---------------------------------------------------------------------------
// Connections

// Conn records everything the session does to it. Ops holds "remote" and
// "candidate:<c>" entries in call order.
type Conn struct {
	Peer domain.PeerID

	OfferErr     error
	AnswerErr    error
	RemoteErr    error
	CandidateErr func(webrtc.ICECandidateInit) error
	ReplaceErr   error
	// Gate, when set, blocks CreateOffer/CreateAnswer until closed.
	Gate chan struct{}

	mu        sync.Mutex
	ops       []string
	remote    *webrtc.SessionDescription
	track     webrtc.TrackLocal
	replaces  int
	closes    int
	onICE     func(webrtc.ICECandidateInit)
	onTrack   func(core.RemoteTrack)
	onState   func(webrtc.PeerConnectionState)
	answered  int
	offered   int
}

func (c *Conn) wait(ctx context.Context) error {
	if c.Gate == nil {
		return nil
	}
	select {
	case <-c.Gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := c.wait(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if c.OfferErr != nil {
		return webrtc.SessionDescription{}, c.OfferErr
	}
	c.mu.Lock()
	c.offered++
	c.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-from-" + string(c.Peer)}, nil
}

func (c *Conn) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := c.wait(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if c.AnswerErr != nil {
		return webrtc.SessionDescription{}, c.AnswerErr
	}
	c.mu.Lock()
	c.answered++
	c.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-for-" + string(c.Peer)}, nil
}

func (c *Conn) SetRemoteDescription(sd webrtc.SessionDescription) error {
	if c.RemoteErr != nil {
		return c.RemoteErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = &sd
	c.ops = append(c.ops, "remote")
	return nil
}

func (c *Conn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	if c.CandidateErr != nil {
		if err := c.CandidateErr(ci); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		c.ops = append(c.ops, "premature:"+ci.Candidate)
		return errors.New("coretest: candidate before remote description")
	}
	c.ops = append(c.ops, "candidate:"+ci.Candidate)
	return nil
}

func (c *Conn) ReplaceTrack(t webrtc.TrackLocal) error {
	if c.ReplaceErr != nil {
		return c.ReplaceErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.track = t
	c.replaces++
	return nil
}

func (c *Conn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Conn) OnTrack(fn func(core.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Conn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return nil
}

// EmitState simulates a transport-level connection state callback.
func (c *Conn) EmitState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *Conn) EmitTrack(t core.RemoteTrack) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (c *Conn) EmitCandidate(ci webrtc.ICECandidateInit) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	if fn != nil {
		fn(ci)
	}
}

func (c *Conn) Ops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

func (c *Conn) Track() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.track
}

func (c *Conn) Replaces() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replaces
}

func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *Conn) Remote() *webrtc.SessionDescription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

type Factory struct {
	mu    sync.Mutex
	Err   error
	Conns []*Conn
	// Prepare, when set, configures each connection before it is returned.
	Prepare func(*Conn)
}

func (f *Factory) NewConnection(peer domain.PeerID, track webrtc.TrackLocal) (core.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := &Conn{Peer: peer, track: track}
	if f.Prepare != nil {
		f.Prepare(c)
	}
	f.Conns = append(f.Conns, c)
	return c, nil
}

// Last returns the most recent connection created for peer.
func (f *Factory) Last(peer domain.PeerID) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.Conns) - 1; i >= 0; i-- {
		if f.Conns[i].Peer == peer {
			return f.Conns[i]
		}
	}
	return nil
}

func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Conns)
}

// ---------------------------------------------------------------------------
// Signaling

type Transport struct {
	mu      sync.Mutex
	SendErr error
	Sent    []core.Message
	handler func(core.Message)
	// Forward, when set, receives every successfully sent message.
	Forward func(core.Message)
}

func (t *Transport) Send(_ context.Context, msg core.Message) error {
	t.mu.Lock()
	if t.SendErr != nil {
		t.mu.Unlock()
		return t.SendErr
	}
	t.Sent = append(t.Sent, msg)
	fwd := t.Forward
	t.mu.Unlock()
	if fwd != nil {
		fwd(msg)
	}
	return nil
}

func (t *Transport) OnMessage(fn func(core.Message)) {
	t.mu.Lock()
	t.handler = fn
	t.mu.Unlock()
}

// Deliver hands msg to the registered handler as if it arrived from the wire.
func (t *Transport) Deliver(msg core.Message) {
	t.mu.Lock()
	fn := t.handler
	t.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

func (t *Transport) Messages(kind core.SignalKind) []core.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []core.Message
	for _, m := range t.Sent {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Output

type Output struct {
	mu       sync.Mutex
	Fail     map[domain.DeviceID]error
	FailPeer map[domain.PeerID]error
	Players  []*Player
}

func NewOutput() *Output {
	return &Output{
		Fail:     make(map[domain.DeviceID]error),
		FailPeer: make(map[domain.PeerID]error),
	}
}

func (o *Output) Open(device domain.DeviceID, peer domain.PeerID) (core.Player, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.Fail[device]; err != nil {
		return nil, err
	}
	if err := o.FailPeer[peer]; err != nil {
		return nil, err
	}
	p := &Player{Device: device, Peer: peer}
	o.Players = append(o.Players, p)
	return p, nil
}

func (o *Output) SetFail(device domain.DeviceID, err error) {
	o.mu.Lock()
	o.Fail[device] = err
	o.mu.Unlock()
}

func (o *Output) SetFailPeer(peer domain.PeerID, err error) {
	o.mu.Lock()
	o.FailPeer[peer] = err
	o.mu.Unlock()
}

// Opened returns every player opened so far.
func (o *Output) Opened() []*Player {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Player(nil), o.Players...)
}

type Player struct {
	Device  domain.DeviceID
	Peer    domain.PeerID
	packets atomic.Int32
	closes  atomic.Int32
}

func (p *Player) WriteRTP(*rtp.Packet) error {
	if p.closes.Load() > 0 {
		return io.ErrClosedPipe
	}
	p.packets.Add(1)
	return nil
}

func (p *Player) Close() error {
	p.closes.Add(1)
	return nil
}

func (p *Player) Packets() int { return int(p.packets.Load()) }
func (p *Player) Closes() int  { return int(p.closes.Load()) }

// RemoteTrack feeds packets pushed with Push to ReadRTP.
type RemoteTrack struct {
	id string
	ch chan *rtp.Packet
}

func NewRemoteTrack(id string) *RemoteTrack {
	return &RemoteTrack{id: id, ch: make(chan *rtp.Packet, 64)}
}

func (t *RemoteTrack) ID() string       { return t.id }
func (t *RemoteTrack) StreamID() string { return "stream-" + t.id }

func (t *RemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-t.ch
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

func (t *RemoteTrack) Push(seq uint16) {
	t.ch <- &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq, PayloadType: 111}, Payload: []byte{0xf8, 0xff, 0xfe}}
}

// End makes ReadRTP return io.EOF.
func (t *RemoteTrack) End() { close(t.ch) }

func (c *Conn) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offered
}

func (c *Conn) Answers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answered
}
