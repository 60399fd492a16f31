package domain

type RoomName string

type PresenceKind string

const (
	PresenceJoined PresenceKind = "peer-joined"
	PresenceLeft   PresenceKind = "peer-left"
)

// Presence tells the caller that a participant appeared in or left the room.
type Presence struct {
	Kind PresenceKind
	Peer PeerID
	Room RoomName
}
