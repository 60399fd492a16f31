package core

import (
	"context"
	"fmt"

	"github.com/dkeye/wevibin/internal/domain"
	"github.com/pion/webrtc/v4"
)

type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice-candidate"
)

// Message is one peer-to-peer negotiation message.
type Message struct {
	Kind      SignalKind                 `json:"kind"`
	To        domain.PeerID              `json:"to"`
	From      domain.PeerID              `json:"from"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Validate checks that the payload required by Kind is present.
func (m Message) Validate() error {
	if m.From == "" {
		return fmt.Errorf("%w: missing sender", ErrMalformedSignal)
	}
	switch m.Kind {
	case SignalOffer, SignalAnswer:
		if m.SDP == nil || m.SDP.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrMalformedSignal, m.Kind)
		}
	case SignalICECandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%w: ice-candidate without candidate", ErrMalformedSignal)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedSignal, m.Kind)
	}
	return nil
}

// SignalingTransport abstracts the message channel between peers.
// Owned by the adapter; the core only sends and receives.
type SignalingTransport interface {
	Send(ctx context.Context, msg Message) error
	OnMessage(func(Message))
}
