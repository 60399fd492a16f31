package mesh

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/wevibin/internal/core"
	"github.com/dkeye/wevibin/internal/domain"
	"github.com/pion/webrtc/v4"
)

// ensureCapture opens the selected input if nothing is captured yet and
// returns the current track. A capture failure leaves sessions receive-only.
func (c *Coordinator) ensureCapture(ctx context.Context) webrtc.TrackLocal {
	c.deviceMu.Lock()
	defer c.deviceMu.Unlock()
	if !c.capture.Active() {
		if _, err := c.capture.Acquire(ctx, c.inputDevice); err != nil {
			c.logger.Warn().Err(err).Str("device", string(c.inputDevice)).Msg("capture unavailable, sessions will be receive-only")
		}
	}
	return c.capture.CurrentTrack()
}

// reconcileTrack catches a session up with a device switch that landed
// between capture lookup and registration.
func (c *Coordinator) reconcileTrack(s *Session) {
	c.deviceMu.Lock()
	defer c.deviceMu.Unlock()
	if err := s.ReplaceTrack(c.capture.CurrentTrack()); err != nil {
		c.logger.Warn().Err(err).Str("peer", string(s.Peer())).Msg("reconcile outgoing track")
	}
}

// SetLocalDevice switches the capture device and then points every live
// session at the new track. The old stream is stopped before the new one
// opens, so audio is never sent from two devices.
func (c *Coordinator) SetLocalDevice(ctx context.Context, device domain.DeviceID) error {
	device = device.OrDefault()

	c.deviceMu.Lock()
	defer c.deviceMu.Unlock()

	_, acqErr := c.capture.Acquire(ctx, device)
	if acqErr == nil {
		c.inputDevice = device
		c.metrics.DeviceSwaps.WithLabelValues("ok").Inc()
	} else {
		c.metrics.DeviceSwaps.WithLabelValues("failed").Inc()
	}

	track := c.capture.CurrentTrack()
	errs := []error{acqErr}
	for _, s := range c.registry.Snapshot() {
		if err := s.ReplaceTrack(track); err != nil {
			errs = append(errs, err)
			// A sender left on the stopped stream stays silent.
			_ = s.fail(fmt.Errorf("%w: outgoing track: %w", core.ErrDeviceUnavailable, err))
		}
	}
	c.logger.Info().
		Str("device", string(c.capture.DeviceID())).
		Bool("switched", acqErr == nil).
		Msg("input device applied")
	return errors.Join(errs...)
}

// SetOutputDevice retargets every sink. A failing sink keeps its previous
// device and does not stop the others. Sinks created later use device.
func (c *Coordinator) SetOutputDevice(device domain.DeviceID) error {
	device = device.OrDefault()

	c.outputMu.Lock()
	c.outputDevice = device
	c.outputMu.Unlock()

	var errs []error
	for _, s := range c.registry.Snapshot() {
		if err := s.SetOutputDevice(device); err != nil {
			c.logger.Warn().Err(err).Str("peer", string(s.Peer())).Msg("output retarget failed")
			errs = append(errs, fmt.Errorf("peer %s: %w", s.Peer(), err))
		}
	}
	return errors.Join(errs...)
}

// SetMicrophoneEnabled mutes or unmutes outgoing audio without renegotiating.
func (c *Coordinator) SetMicrophoneEnabled(enabled bool) {
	c.capture.SetEnabled(enabled)
}

func (c *Coordinator) MicrophoneEnabled() bool { return c.capture.Enabled() }

func (c *Coordinator) InputDevice() domain.DeviceID {
	c.deviceMu.Lock()
	defer c.deviceMu.Unlock()
	return c.inputDevice
}

func (c *Coordinator) OutputDevice() domain.DeviceID { return c.currentOutput() }

// Capturing reports whether a capture stream is held.
func (c *Coordinator) Capturing() bool { return c.capture.Active() }
