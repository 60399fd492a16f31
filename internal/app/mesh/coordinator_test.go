package mesh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/wevibin/internal/core"
	"github.com/dkeye/wevibin/internal/core/coretest"
	"github.com/dkeye/wevibin/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestOfferCreatesResponderAndAnswers(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "b")

	if err := r.c.HandleSignal(ctx, offerFrom("a")); err != nil {
		t.Fatalf("HandleSignal(offer): %v", err)
	}
	s, ok := r.c.Session("a")
	if !ok {
		t.Fatal("no session created for offer")
	}
	if s.Role() != domain.RoleResponder {
		t.Errorf("role = %s, want responder", s.Role())
	}
	if s.State() != domain.StateAnswerCreated {
		t.Errorf("state = %s, want answer-created", s.State())
	}

	answers := r.tr.Messages(core.SignalAnswer)
	if len(answers) != 1 {
		t.Fatalf("answers sent = %d, want 1", len(answers))
	}
	if answers[0].To != "a" || answers[0].From != "b" {
		t.Errorf("answer addressed %s -> %s", answers[0].From, answers[0].To)
	}

	for _, c := range []string{"c1", "c2"} {
		if err := r.c.HandleSignal(ctx, candidateFrom("a", c)); err != nil {
			t.Fatalf("HandleSignal(candidate %s): %v", c, err)
		}
	}
	conn := r.conns.Last("a")
	if got, want := conn.Ops(), []string{"remote", "candidate:c1", "candidate:c2"}; !equalOps(got, want) {
		t.Errorf("ops = %v, want %v", got, want)
	}

	conn.EmitState(webrtc.PeerConnectionStateConnected)
	if s.State() != domain.StateConnected {
		t.Errorf("state = %s, want connected", s.State())
	}
	if n := len(r.c.Peers()); n != 1 {
		t.Errorf("peers = %d, want 1", n)
	}
}

func TestEarlyCandidatesAppliedAfterDescription(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "a")

	if err := r.c.InitiatePeer(ctx, "b"); err != nil {
		t.Fatalf("InitiatePeer: %v", err)
	}
	s, _ := r.c.Session("b")
	if s.State() != domain.StateOfferCreated {
		t.Fatalf("state = %s, want offer-created", s.State())
	}
	if n := len(r.tr.Messages(core.SignalOffer)); n != 1 {
		t.Fatalf("offers sent = %d, want 1", n)
	}

	for _, c := range []string{"c1", "c2", "c3"} {
		if err := r.c.HandleSignal(ctx, candidateFrom("b", c)); err != nil {
			t.Fatalf("HandleSignal(candidate %s): %v", c, err)
		}
	}
	conn := r.conns.Last("b")
	if ops := conn.Ops(); len(ops) != 0 {
		t.Fatalf("candidates applied before description: %v", ops)
	}
	if p := s.Info().Pending; p != 3 {
		t.Fatalf("pending = %d, want 3", p)
	}

	if err := r.c.HandleSignal(ctx, answerFrom("b")); err != nil {
		t.Fatalf("HandleSignal(answer): %v", err)
	}
	want := []string{"remote", "candidate:c1", "candidate:c2", "candidate:c3"}
	if got := conn.Ops(); !equalOps(got, want) {
		t.Errorf("ops = %v, want %v", got, want)
	}
	if s.State() != domain.StateAnswerReceived {
		t.Errorf("state = %s, want answer-received", s.State())
	}
	if p := s.Info().Pending; p != 0 {
		t.Errorf("pending after drain = %d, want 0", p)
	}
}

func TestBadCandidateIsSkipped(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "b")
	r.conns.Prepare = func(c *coretest.Conn) {
		c.CandidateErr = func(ci webrtc.ICECandidateInit) error {
			if ci.Candidate == "bad" {
				return coretest.ErrInjected
			}
			return nil
		}
	}

	if err := r.c.HandleSignal(ctx, offerFrom("a")); err != nil {
		t.Fatalf("offer: %v", err)
	}
	for _, c := range []string{"c1", "bad", "c2"} {
		if err := r.c.HandleSignal(ctx, candidateFrom("a", c)); err != nil {
			t.Fatalf("candidate %s: %v", c, err)
		}
	}
	if got, want := r.conns.Last("a").Ops(), []string{"remote", "candidate:c1", "candidate:c2"}; !equalOps(got, want) {
		t.Errorf("ops = %v, want %v", got, want)
	}
	if got := testutil.ToFloat64(r.c.Metrics().CandidateFailures); got != 1 {
		t.Errorf("candidate failures = %v, want 1", got)
	}
	if s, _ := r.c.Session("a"); s.State().Terminal() {
		t.Errorf("session went terminal on one bad candidate: %s", s.State())
	}
}

func TestStaleAnswerAndCandidateAreNoops(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "a")

	err := r.c.HandleSignal(ctx, answerFrom("ghost"))
	if !errors.Is(err, core.ErrStaleMessage) {
		t.Fatalf("answer err = %v, want ErrStaleMessage", err)
	}
	err = r.c.HandleSignal(ctx, candidateFrom("ghost", "c1"))
	if !errors.Is(err, core.ErrStaleMessage) {
		t.Fatalf("candidate err = %v, want ErrStaleMessage", err)
	}
	if n := r.conns.Count(); n != 0 {
		t.Errorf("connections created = %d, want 0", n)
	}
	if n := len(r.c.Peers()); n != 0 {
		t.Errorf("peers = %d, want 0", n)
	}
	if got := testutil.ToFloat64(r.c.Metrics().StaleMessages); got != 2 {
		t.Errorf("stale counter = %v, want 2", got)
	}
}

func TestAnswerInWrongStateIsStale(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "b")
	if err := r.c.HandleSignal(ctx, offerFrom("a")); err != nil {
		t.Fatalf("offer: %v", err)
	}
	err := r.c.HandleSignal(ctx, answerFrom("a"))
	if !errors.Is(err, core.ErrStaleMessage) {
		t.Fatalf("err = %v, want ErrStaleMessage", err)
	}
	s, _ := r.c.Session("a")
	if s.State() != domain.StateAnswerCreated {
		t.Errorf("state = %s, want answer-created", s.State())
	}
}

func TestMessageForAnotherPeerIsStale(t *testing.T) {
	r := newRig(t, "b")
	msg := offerFrom("a")
	msg.To = "z"
	if err := r.c.HandleSignal(context.Background(), msg); !errors.Is(err, core.ErrStaleMessage) {
		t.Fatalf("err = %v, want ErrStaleMessage", err)
	}
	if r.conns.Count() != 0 {
		t.Error("connection created for misaddressed offer")
	}
}

func TestMalformedSignalRejected(t *testing.T) {
	r := newRig(t, "b")
	msg := core.Message{Kind: core.SignalOffer, From: "a"}
	if err := r.c.HandleSignal(context.Background(), msg); !errors.Is(err, core.ErrMalformedSignal) {
		t.Fatalf("err = %v, want ErrMalformedSignal", err)
	}
}

func TestClosePeerIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "b")
	if err := r.c.HandleSignal(ctx, offerFrom("a")); err != nil {
		t.Fatalf("offer: %v", err)
	}
	s, _ := r.c.Session("a")
	conn := r.conns.Last("a")
	track := coretest.NewRemoteTrack("t1")
	conn.EmitTrack(track)
	sk := s.Sink()
	if sk == nil {
		t.Fatal("no sink after remote track")
	}

	if err := r.c.ClosePeer("a"); err != nil {
		t.Fatalf("ClosePeer: %v", err)
	}
	if err := r.c.ClosePeer("a"); err != nil {
		t.Fatalf("second ClosePeer: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("direct Close after ClosePeer: %v", err)
	}
	if n := conn.Closes(); n != 1 {
		t.Errorf("connection closed %d times, want 1", n)
	}
	if !sk.Closed() {
		t.Error("sink left open")
	}
	if s.State() != domain.StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
	if err := s.AddCandidate(webrtc.ICECandidateInit{Candidate: "late"}); !errors.Is(err, core.ErrSessionClosed) {
		t.Errorf("candidate on closed session: %v", err)
	}
	if p := s.Info().Pending; p != 0 {
		t.Errorf("pending = %d after close", p)
	}
	track.End()
}

func TestInitiateReplacesExistingSession(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "a")
	if err := r.c.InitiatePeer(ctx, "b"); err != nil {
		t.Fatalf("first InitiatePeer: %v", err)
	}
	first := r.conns.Last("b")
	if err := r.c.InitiatePeer(ctx, "b"); err != nil {
		t.Fatalf("second InitiatePeer: %v", err)
	}
	if first.Closes() != 1 {
		t.Error("replaced connection was not closed")
	}
	if n := len(r.c.Peers()); n != 1 {
		t.Errorf("peers = %d, want 1", n)
	}
	if err := r.c.InitiatePeer(ctx, "a"); !errors.Is(err, ErrSelfPeer) {
		t.Errorf("self initiate err = %v", err)
	}
}

func TestDeviceSwapMovesEverySession(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "a")
	for _, p := range []domain.PeerID{"b", "c"} {
		if err := r.c.InitiatePeer(ctx, p); err != nil {
			t.Fatalf("InitiatePeer(%s): %v", p, err)
		}
	}
	live := r.mic.Live()
	if len(live) != 1 {
		t.Fatalf("live streams = %d, want 1", len(live))
	}
	old := live[0]

	if err := r.c.SetLocalDevice(ctx, "usb"); err != nil {
		t.Fatalf("SetLocalDevice: %v", err)
	}
	if !old.Stopped() {
		t.Error("old stream not stopped")
	}
	live = r.mic.Live()
	if len(live) != 1 || live[0].DeviceID() != "usb" {
		t.Fatalf("live streams after swap = %v", live)
	}
	for _, p := range []domain.PeerID{"b", "c"} {
		conn := r.conns.Last(p)
		if conn.Track() != live[0].Track() {
			t.Errorf("%s still on old track", p)
		}
		if conn.Replaces() != 1 {
			t.Errorf("%s replaced %d times, want 1", p, conn.Replaces())
		}
	}
	if r.c.InputDevice() != "usb" {
		t.Errorf("input device = %s", r.c.InputDevice())
	}
}

func TestDeviceSwapFailsSessionThatCannotReplaceTrack(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "a")
	for _, p := range []domain.PeerID{"b", "c"} {
		if err := r.c.InitiatePeer(ctx, p); err != nil {
			t.Fatalf("InitiatePeer(%s): %v", p, err)
		}
	}
	stuck := r.conns.Last("b")
	stuck.ReplaceErr = coretest.ErrInjected
	events, cancel := r.c.Subscribe()
	defer cancel()

	err := r.c.SetLocalDevice(ctx, "usb")
	if !errors.Is(err, coretest.ErrInjected) {
		t.Fatalf("err = %v, want injected replace failure", err)
	}
	if _, ok := r.c.Session("b"); ok {
		t.Error("session with a stale sender still registered")
	}
	if stuck.Closes() != 1 {
		t.Errorf("stuck connection closed %d times, want 1", stuck.Closes())
	}
	var failed bool
	for _, ev := range drain(events) {
		if ev.Peer == "b" && ev.Kind == core.EventFailed {
			failed = errors.Is(ev.Err, core.ErrDeviceUnavailable)
		}
	}
	if !failed {
		t.Error("no failure event for b")
	}

	live := r.mic.Live()
	if len(live) != 1 || live[0].DeviceID() != "usb" {
		t.Fatalf("live streams = %v", live)
	}
	if s, ok := r.c.Session("c"); !ok || r.conns.Last("c").Track() != live[0].Track() || s.Track() != live[0].Track() {
		t.Error("healthy session not moved to the new track")
	}
}

func TestDeviceSwapFailureKeepsPreviousDevice(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "a")
	if err := r.c.InitiatePeer(ctx, "b"); err != nil {
		t.Fatalf("InitiatePeer: %v", err)
	}
	r.mic.Fail["broken"] = coretest.ErrInjected

	err := r.c.SetLocalDevice(ctx, "broken")
	if !errors.Is(err, core.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	live := r.mic.Live()
	if len(live) != 1 || live[0].DeviceID() != domain.DefaultDevice {
		t.Fatalf("live streams = %v, want the default device restored", live)
	}
	if r.conns.Last("b").Track() != live[0].Track() {
		t.Error("session not on the restored track")
	}
	if r.c.InputDevice() != domain.DefaultDevice {
		t.Errorf("input device = %s", r.c.InputDevice())
	}
	if got := testutil.ToFloat64(r.c.Metrics().DeviceSwaps.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed swaps = %v", got)
	}
}

func TestMicrophoneMuteSurvivesSwap(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "a")
	r.c.SetMicrophoneEnabled(false)
	if err := r.c.InitiatePeer(ctx, "b"); err != nil {
		t.Fatalf("InitiatePeer: %v", err)
	}
	if r.mic.Live()[0].Enabled() {
		t.Fatal("stream enabled while muted")
	}
	if err := r.c.SetLocalDevice(ctx, "usb"); err != nil {
		t.Fatalf("SetLocalDevice: %v", err)
	}
	if r.mic.Live()[0].Enabled() {
		t.Error("mute lost across device swap")
	}
	r.c.SetMicrophoneEnabled(true)
	if !r.mic.Live()[0].Enabled() || !r.c.MicrophoneEnabled() {
		t.Error("unmute not applied")
	}
	if r.conns.Last("b").Replaces() != 1 {
		t.Error("mute must not touch the sender")
	}
}

func TestSetOutputDeviceIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "z")
	peers := []domain.PeerID{"a", "c", "d"}
	for _, p := range peers {
		if err := r.c.HandleSignal(ctx, offerFrom(p)); err != nil {
			t.Fatalf("offer %s: %v", p, err)
		}
		r.conns.Last(p).EmitTrack(coretest.NewRemoteTrack("t-" + string(p)))
	}
	r.out.SetFailPeer("c", coretest.ErrInjected)

	err := r.c.SetOutputDevice("headset")
	if !errors.Is(err, core.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	for _, p := range peers {
		s, _ := r.c.Session(p)
		want := domain.DeviceID("headset")
		if p == "c" {
			want = domain.DefaultDevice
		}
		if got := s.Sink().OutputDevice(); got != want {
			t.Errorf("%s output = %s, want %s", p, got, want)
		}
		if !s.Sink().Playing() {
			t.Errorf("%s stopped playing", p)
		}
	}

	if err := r.c.HandleSignal(ctx, offerFrom("e")); err != nil {
		t.Fatalf("offer e: %v", err)
	}
	r.conns.Last("e").EmitTrack(coretest.NewRemoteTrack("t-e"))
	s, _ := r.c.Session("e")
	if got := s.Sink().OutputDevice(); got != "headset" {
		t.Errorf("late sink output = %s, want headset", got)
	}
}

func TestTeardownAllReleasesEverything(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "z")
	var conns []*coretest.Conn
	for _, p := range []domain.PeerID{"a", "b", "c"} {
		if err := r.c.HandleSignal(ctx, offerFrom(p)); err != nil {
			t.Fatalf("offer %s: %v", p, err)
		}
		conn := r.conns.Last(p)
		conn.EmitTrack(coretest.NewRemoteTrack("t-" + string(p)))
		conns = append(conns, conn)
	}
	var sinks []interface{ Closed() bool }
	for _, s := range r.c.registry.Snapshot() {
		sinks = append(sinks, s.Sink())
	}
	if got := testutil.ToFloat64(r.c.Metrics().Sessions); got != 3 {
		t.Fatalf("sessions gauge = %v, want 3", got)
	}

	if err := r.c.TeardownAll(); err != nil {
		t.Fatalf("TeardownAll: %v", err)
	}
	if n := len(r.c.Peers()); n != 0 {
		t.Errorf("peers after teardown = %d", n)
	}
	if n := len(r.mic.Live()); n != 0 {
		t.Errorf("live capture streams = %d", n)
	}
	if r.c.Capturing() {
		t.Error("capture still held")
	}
	for i, sk := range sinks {
		if !sk.Closed() {
			t.Errorf("sink %d left open", i)
		}
	}
	for _, p := range r.out.Opened() {
		if p.Closes() != 1 {
			t.Errorf("player for %s closed %d times", p.Peer, p.Closes())
		}
	}
	for _, c := range conns {
		if c.Closes() != 1 {
			t.Errorf("connection %s closed %d times", c.Peer, c.Closes())
		}
	}
	if err := r.c.TeardownAll(); err != nil {
		t.Errorf("second TeardownAll: %v", err)
	}
	if got := testutil.ToFloat64(r.c.Metrics().Sessions); got != 0 {
		t.Errorf("sessions gauge = %v, want 0", got)
	}
}

func TestTransportFailureRemovesSession(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "a")
	events, cancel := r.c.Subscribe()
	defer cancel()

	if err := r.c.InitiatePeer(ctx, "b"); err != nil {
		t.Fatalf("InitiatePeer: %v", err)
	}
	if err := r.c.HandleSignal(ctx, answerFrom("b")); err != nil {
		t.Fatalf("answer: %v", err)
	}
	conn := r.conns.Last("b")
	conn.EmitState(webrtc.PeerConnectionStateConnected)
	conn.EmitState(webrtc.PeerConnectionStateFailed)

	if _, ok := r.c.Session("b"); ok {
		t.Fatal("failed session still registered")
	}
	if conn.Closes() != 1 {
		t.Errorf("connection closed %d times", conn.Closes())
	}

	var states []domain.State
	for _, ev := range drain(events) {
		if ev.Kind == core.EventStateChanged {
			states = append(states, ev.State)
		}
	}
	want := []domain.State{
		domain.StateOfferCreated,
		domain.StateAnswerReceived,
		domain.StateConnected,
		domain.StateFailed,
		domain.StateClosed,
	}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state[%d] = %s, want %s", i, states[i], want[i])
		}
	}
}

func TestSendFailureFailsSession(t *testing.T) {
	r := newRig(t, "a")
	r.tr.SendErr = coretest.ErrInjected
	events, cancel := r.c.Subscribe()
	defer cancel()

	err := r.c.InitiatePeer(context.Background(), "b")
	if !errors.Is(err, core.ErrSignalingDelivery) {
		t.Fatalf("err = %v, want ErrSignalingDelivery", err)
	}
	if _, ok := r.c.Session("b"); ok {
		t.Error("session kept after delivery failure")
	}
	if got := testutil.ToFloat64(r.c.Metrics().SignalingFailures); got != 1 {
		t.Errorf("signaling failures = %v", got)
	}
	var failed bool
	for _, ev := range drain(events) {
		if ev.Kind == core.EventFailed && errors.Is(ev.Err, core.ErrSignalingDelivery) {
			failed = true
		}
	}
	if !failed {
		t.Error("no failure event")
	}
}

func TestNegotiationFailureReported(t *testing.T) {
	r := newRig(t, "a")
	r.conns.Prepare = func(c *coretest.Conn) { c.OfferErr = coretest.ErrInjected }

	err := r.c.InitiatePeer(context.Background(), "b")
	if !errors.Is(err, core.ErrNegotiationFailure) {
		t.Fatalf("err = %v, want ErrNegotiationFailure", err)
	}
	if n := len(r.tr.Messages(core.SignalOffer)); n != 0 {
		t.Errorf("offers sent = %d", n)
	}
	if got := testutil.ToFloat64(r.c.Metrics().NegotiationFailures); got != 1 {
		t.Errorf("negotiation failures = %v", got)
	}
}

func TestCloseDuringNegotiationDiscardsResult(t *testing.T) {
	r := newRig(t, "a")
	gate := make(chan struct{})
	r.conns.Prepare = func(c *coretest.Conn) { c.Gate = gate }

	errCh := make(chan error, 1)
	go func() { errCh <- r.c.InitiatePeer(context.Background(), "b") }()

	eventually(t, func() bool {
		_, ok := r.c.Session("b")
		return ok
	}, "session registered")
	if err := r.c.ClosePeer("b"); err != nil {
		t.Fatalf("ClosePeer: %v", err)
	}

	if err := <-errCh; !errors.Is(err, core.ErrSessionClosed) {
		t.Fatalf("InitiatePeer err = %v, want ErrSessionClosed", err)
	}
	if n := len(r.tr.Messages(core.SignalOffer)); n != 0 {
		t.Errorf("offer sent from a closed session")
	}
}

func TestLocalCandidatesWaitForDescription(t *testing.T) {
	r := newRig(t, "a")
	gate := make(chan struct{})
	r.conns.Prepare = func(c *coretest.Conn) { c.Gate = gate }

	errCh := make(chan error, 1)
	go func() { errCh <- r.c.InitiatePeer(context.Background(), "b") }()
	eventually(t, func() bool { return r.conns.Last("b") != nil }, "connection created")
	eventually(t, func() bool {
		_, ok := r.c.Session("b")
		return ok
	}, "session registered")

	r.conns.Last("b").EmitCandidate(webrtc.ICECandidateInit{Candidate: "local1"})
	if n := len(r.tr.Messages(core.SignalICECandidate)); n != 0 {
		t.Fatalf("candidate sent before offer")
	}
	close(gate)
	if err := <-errCh; err != nil {
		t.Fatalf("InitiatePeer: %v", err)
	}

	sent := r.tr.Sent
	if len(sent) != 2 || sent[0].Kind != core.SignalOffer || sent[1].Kind != core.SignalICECandidate {
		t.Fatalf("sent = %+v, want offer then candidate", sent)
	}
}

func TestGlareLowerIDKeepsOffer(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "a")
	if err := r.c.InitiatePeer(ctx, "b"); err != nil {
		t.Fatalf("InitiatePeer: %v", err)
	}
	if err := r.c.HandleSignal(ctx, offerFrom("b")); err != nil {
		t.Fatalf("colliding offer: %v", err)
	}
	s, _ := r.c.Session("b")
	if s.Role() != domain.RoleInitiator || s.State() != domain.StateOfferCreated {
		t.Errorf("session = %s/%s, want initiator/offer-created", s.Role(), s.State())
	}
	if n := len(r.tr.Messages(core.SignalAnswer)); n != 0 {
		t.Errorf("answered a colliding offer")
	}
}

func TestGlareHigherIDYields(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "c")
	if err := r.c.InitiatePeer(ctx, "b"); err != nil {
		t.Fatalf("InitiatePeer: %v", err)
	}
	first := r.conns.Last("b")
	if err := r.c.HandleSignal(ctx, offerFrom("b")); err != nil {
		t.Fatalf("colliding offer: %v", err)
	}
	s, _ := r.c.Session("b")
	if s.Role() != domain.RoleResponder || s.State() != domain.StateAnswerCreated {
		t.Errorf("session = %s/%s, want responder/answer-created", s.Role(), s.State())
	}
	if first.Closes() != 1 {
		t.Error("yielded initiator connection not closed")
	}
	if n := len(r.tr.Messages(core.SignalAnswer)); n != 1 {
		t.Errorf("answers = %d, want 1", n)
	}
}

func TestReofferIsAnsweredInPlace(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "b")
	if err := r.c.HandleSignal(ctx, offerFrom("a")); err != nil {
		t.Fatalf("offer: %v", err)
	}
	r.conns.Last("a").EmitState(webrtc.PeerConnectionStateConnected)
	if err := r.c.HandleSignal(ctx, offerFrom("a")); err != nil {
		t.Fatalf("re-offer: %v", err)
	}
	if r.conns.Count() != 1 {
		t.Errorf("connections = %d, want 1", r.conns.Count())
	}
	if n := len(r.tr.Messages(core.SignalAnswer)); n != 2 {
		t.Errorf("answers = %d, want 2", n)
	}
	s, _ := r.c.Session("a")
	if s.State() != domain.StateConnected {
		t.Errorf("state = %s, want connected", s.State())
	}
}

func TestOfferQueuesBehindNegotiation(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, "b")
	gate := make(chan struct{})
	r.conns.Prepare = func(c *coretest.Conn) { c.Gate = gate }

	first := make(chan error, 1)
	go func() { first <- r.c.HandleSignal(ctx, offerFrom("a")) }()
	eventually(t, func() bool {
		c := r.conns.Last("a")
		return c != nil && len(c.Ops()) == 1
	}, "first offer applied")
	conn := r.conns.Last("a")

	second := make(chan error, 1)
	go func() { second <- r.c.HandleSignal(ctx, offerFrom("a")) }()
	time.Sleep(50 * time.Millisecond)
	if got := conn.Ops(); !equalOps(got, []string{"remote"}) {
		t.Fatalf("ops while first answer pending = %v, want [remote]", got)
	}

	close(gate)
	if err := <-first; err != nil {
		t.Fatalf("first offer: %v", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("second offer: %v", err)
	}
	if got := conn.Ops(); !equalOps(got, []string{"remote", "remote"}) {
		t.Errorf("ops = %v, want [remote remote]", got)
	}
	if conn.Answers() != 2 || r.conns.Count() != 1 {
		t.Errorf("answers = %d connections = %d, want 2 and 1", conn.Answers(), r.conns.Count())
	}
}

func TestMeshEndToEnd(t *testing.T) {
	ctx := context.Background()
	a := newRig(t, "a")
	b := newRig(t, "b")
	a.tr.Forward = func(m core.Message) { b.tr.Deliver(m) }
	b.tr.Forward = func(m core.Message) { a.tr.Deliver(m) }

	if err := a.c.InitiatePeer(ctx, "b"); err != nil {
		t.Fatalf("InitiatePeer: %v", err)
	}
	sa, ok := a.c.Session("b")
	if !ok {
		t.Fatal("a has no session")
	}
	sb, ok := b.c.Session("a")
	if !ok {
		t.Fatal("b has no session")
	}
	if sa.State() != domain.StateAnswerReceived || sb.State() != domain.StateAnswerCreated {
		t.Fatalf("states a=%s b=%s", sa.State(), sb.State())
	}

	ca, cb := a.conns.Last("b"), b.conns.Last("a")
	ca.EmitCandidate(webrtc.ICECandidateInit{Candidate: "a1"})
	cb.EmitCandidate(webrtc.ICECandidateInit{Candidate: "b1"})
	if got := cb.Ops(); !equalOps(got, []string{"remote", "candidate:a1"}) {
		t.Errorf("b ops = %v", got)
	}
	if got := ca.Ops(); !equalOps(got, []string{"remote", "candidate:b1"}) {
		t.Errorf("a ops = %v", got)
	}

	ca.EmitState(webrtc.PeerConnectionStateConnected)
	cb.EmitState(webrtc.PeerConnectionStateConnected)
	if sa.State() != domain.StateConnected || sb.State() != domain.StateConnected {
		t.Fatalf("states a=%s b=%s, want connected", sa.State(), sb.State())
	}

	track := coretest.NewRemoteTrack("from-a")
	cb.EmitTrack(track)
	track.Push(1)
	track.Push(2)
	eventually(t, func() bool {
		players := b.out.Opened()
		return len(players) == 1 && players[0].Packets() == 2
	}, "packets rendered on b")

	if len(a.c.Peers()) != 1 || len(b.c.Peers()) != 1 {
		t.Errorf("peers a=%d b=%d", len(a.c.Peers()), len(b.c.Peers()))
	}
	track.End()
	eventually(t, func() bool { return !sb.Sink().Playing() }, "sink stops at end of track")
}
