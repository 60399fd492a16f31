package core

import (
	"context"

	"github.com/dkeye/wevibin/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteTrack is the read side of one incoming audio track.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type PeerConnection interface {
	// CreateOffer creates an offer and applies it as the local description.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and applies it as the local description.
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// ReplaceTrack swaps the outgoing audio track without renegotiation.
	ReplaceTrack(webrtc.TrackLocal) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(RemoteTrack))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	// Close should stop all underlying media resources.
	Close() error
}

// ConnectionFactory builds a connection towards peer with track attached as
// the outgoing audio. track may be nil when nothing is captured yet.
type ConnectionFactory interface {
	NewConnection(peer domain.PeerID, track webrtc.TrackLocal) (PeerConnection, error)
}
