package core

import (
	"context"

	"github.com/dkeye/wevibin/internal/domain"
	"github.com/pion/webrtc/v4"
)

// CaptureStream is one open capture handle on an input device.
type CaptureStream interface {
	DeviceID() domain.DeviceID
	Track() webrtc.TrackLocal
	// SetEnabled toggles whether captured audio is sent; the track stays bound.
	SetEnabled(bool)
	// Stop releases the hardware handle. Safe to call more than once.
	Stop() error
}

type CaptureSource interface {
	Open(ctx context.Context, device domain.DeviceID) (CaptureStream, error)
}

// DeviceLister enumerates devices for the UI; the core never calls it.
type DeviceLister interface {
	ListInputs() ([]domain.Device, error)
	ListOutputs() ([]domain.Device, error)
}
