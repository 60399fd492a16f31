//go:build !linux

package media

import (
	"context"
	"errors"

	"github.com/dkeye/wevibin/internal/core"
	"github.com/dkeye/wevibin/internal/domain"
)

var errNoMicrophone = errors.New("microphone capture is only built on linux")

// MicrophoneSource is unavailable on this platform; sessions run
// receive-only unless the silence source is configured.
type MicrophoneSource struct{}

func NewMicrophoneSource() (*MicrophoneSource, error) { return &MicrophoneSource{}, nil }

func (*MicrophoneSource) Open(context.Context, domain.DeviceID) (core.CaptureStream, error) {
	return nil, errNoMicrophone
}

func listInputs() ([]domain.Device, error) { return nil, nil }
