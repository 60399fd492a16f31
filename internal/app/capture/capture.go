// Package capture owns the local microphone stream shared by every peer
// session.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/wevibin/internal/core"
	"github.com/dkeye/wevibin/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LocalCapture holds at most one open capture stream at a time.
type LocalCapture struct {
	source core.CaptureSource
	logger zerolog.Logger

	mu       sync.Mutex
	deviceID domain.DeviceID
	stream   core.CaptureStream
	enabled  bool
}

func New(source core.CaptureSource) *LocalCapture {
	return &LocalCapture{
		source:   source,
		logger:   log.With().Str("module", "capture").Logger(),
		deviceID: domain.DefaultDevice,
		enabled:  true,
	}
}

// Acquire stops the held stream and opens device in its place. If the new
// device cannot be opened and a stream was held before, the previous device
// is reopened and ErrDeviceUnavailable is still returned.
func (c *LocalCapture) Acquire(ctx context.Context, device domain.DeviceID) (core.CaptureStream, error) {
	device = device.OrDefault()

	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.stream
	prevDevice := c.deviceID
	if prev != nil {
		// Two hardware input handles are never held at once.
		if err := prev.Stop(); err != nil {
			c.logger.Warn().Err(err).Str("device", string(prevDevice)).Msg("stop previous stream")
		}
		c.stream = nil
	}

	stream, err := c.source.Open(ctx, device)
	if err == nil {
		stream.SetEnabled(c.enabled)
		c.stream = stream
		c.deviceID = device
		c.logger.Info().Str("device", string(device)).Bool("enabled", c.enabled).Msg("capture acquired")
		return stream, nil
	}

	openErr := fmt.Errorf("%w: open %s: %w", core.ErrDeviceUnavailable, device, err)
	c.logger.Error().Err(err).Str("device", string(device)).Msg("capture open failed")
	if prev == nil {
		return nil, openErr
	}

	restored, rerr := c.source.Open(ctx, prevDevice)
	if rerr != nil {
		c.logger.Error().Err(rerr).Str("device", string(prevDevice)).Msg("restore previous device failed")
		return nil, errors.Join(openErr, fmt.Errorf("restore %s: %w", prevDevice, rerr))
	}
	restored.SetEnabled(c.enabled)
	c.stream = restored
	c.logger.Info().Str("device", string(prevDevice)).Msg("capture restored to previous device")
	return restored, openErr
}

// SetEnabled mutes or unmutes the current stream. The flag survives device
// swaps.
func (c *LocalCapture) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
	if c.stream != nil {
		c.stream.SetEnabled(enabled)
	}
	c.logger.Info().Bool("enabled", enabled).Msg("microphone toggled")
}

func (c *LocalCapture) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// CurrentTrack returns the single track to attach to sessions, or nil when
// nothing is captured.
func (c *LocalCapture) CurrentTrack() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	return c.stream.Track()
}

func (c *LocalCapture) DeviceID() domain.DeviceID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// Active reports whether a stream is currently held.
func (c *LocalCapture) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream != nil
}

// Release stops the held stream. Idempotent.
func (c *LocalCapture) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	err := c.stream.Stop()
	c.stream = nil
	c.logger.Info().Str("device", string(c.deviceID)).Msg("capture released")
	return err
}
