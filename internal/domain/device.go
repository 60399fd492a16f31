package domain

// DeviceID is an opaque platform device identifier.
type DeviceID string

// DefaultDevice is the reserved sentinel for the system default device.
const DefaultDevice DeviceID = "default"

// OrDefault maps the empty id onto DefaultDevice.
func (d DeviceID) OrDefault() DeviceID {
	if d == "" {
		return DefaultDevice
	}
	return d
}

func (d DeviceID) IsDefault() bool { return d == "" || d == DefaultDevice }

type DeviceKind string

const (
	DeviceAudioInput  DeviceKind = "audioinput"
	DeviceAudioOutput DeviceKind = "audiooutput"
)

type Device struct {
	ID    DeviceID   `json:"id"`
	Kind  DeviceKind `json:"kind"`
	Label string     `json:"label"`
}
