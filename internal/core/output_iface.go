package core

import (
	"github.com/dkeye/wevibin/internal/domain"
	"github.com/pion/rtp"
)

// Player renders one peer's packets on one output device.
type Player interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

type AudioOutput interface {
	Open(device domain.DeviceID, peer domain.PeerID) (Player, error)
}
