package mesh

import (
	"testing"
	"time"

	"github.com/dkeye/wevibin/internal/core"
	"github.com/dkeye/wevibin/internal/core/coretest"
	"github.com/dkeye/wevibin/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
)

type rig struct {
	c     *Coordinator
	tr    *coretest.Transport
	conns *coretest.Factory
	mic   *coretest.CaptureSource
	out   *coretest.Output
	reg   *prometheus.Registry
}

func newRig(t *testing.T, self domain.PeerID) *rig {
	t.Helper()
	r := &rig{
		tr:    &coretest.Transport{},
		conns: &coretest.Factory{},
		mic:   coretest.NewCaptureSource(),
		out:   coretest.NewOutput(),
		reg:   prometheus.NewRegistry(),
	}
	c, err := New(Options{
		Self:        self,
		Transport:   r.tr,
		Connections: r.conns,
		Capture:     r.mic,
		Output:      r.out,
		Registerer:  r.reg,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.c = c
	t.Cleanup(func() { _ = c.TeardownAll() })
	return r
}

func offerFrom(peer domain.PeerID) core.Message {
	return core.Message{
		Kind: core.SignalOffer,
		From: peer,
		SDP:  &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-from-" + string(peer)},
	}
}

func answerFrom(peer domain.PeerID) core.Message {
	return core.Message{
		Kind: core.SignalAnswer,
		From: peer,
		SDP:  &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-from-" + string(peer)},
	}
}

func candidateFrom(peer domain.PeerID, cand string) core.Message {
	return core.Message{
		Kind:      core.SignalICECandidate,
		From:      peer,
		Candidate: &webrtc.ICECandidateInit{Candidate: cand},
	}
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// drain collects whatever events are already buffered on ch.
func drain(ch <-chan core.SessionEvent) []core.SessionEvent {
	var out []core.SessionEvent
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func equalOps(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
