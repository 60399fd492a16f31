package core

import "github.com/dkeye/wevibin/internal/domain"

type EventKind string

const (
	EventStateChanged EventKind = "state-changed"
	EventFailed       EventKind = "failed"
	EventTrackAdded   EventKind = "track-added"
)

// SessionEvent is emitted in the order the session transitions.
// Err is set only for EventFailed.
type SessionEvent struct {
	Peer  domain.PeerID
	Kind  EventKind
	Role  domain.Role
	State domain.State
	Err   error
}

// PeerInfo is a read-only view of a live session for APIs.
type PeerInfo struct {
	Peer         domain.PeerID   `json:"peer"`
	Role         string          `json:"role"`
	State        string          `json:"state"`
	Pending      int             `json:"pending_candidates"`
	HasSink      bool            `json:"has_sink"`
	Playing      bool            `json:"playing"`
	OutputDevice domain.DeviceID `json:"output_device,omitempty"`
}
