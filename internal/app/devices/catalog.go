// Package devices caches the audio device list shown to the user.
package devices

import (
	"fmt"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/dkeye/wevibin/internal/core"
	"github.com/dkeye/wevibin/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Catalog holds the last enumeration. Hot-plug storms collapse into one
// enumeration through RequestRefresh.
type Catalog struct {
	lister    core.DeviceLister
	logger    zerolog.Logger
	debounced func(func())

	mu          sync.RWMutex
	inputs      []domain.Device
	outputs     []domain.Device
	refreshedAt time.Time
	lastErr     error
}

func New(lister core.DeviceLister, quiet time.Duration) *Catalog {
	return &Catalog{
		lister:    lister,
		logger:    log.With().Str("module", "devices").Logger(),
		debounced: debounce.New(quiet),
	}
}

// Refresh enumerates now. On failure the previous lists are kept.
func (c *Catalog) Refresh() error {
	inputs, err := c.lister.ListInputs()
	if err != nil {
		c.setErr(err)
		return fmt.Errorf("%w: list inputs: %w", core.ErrDeviceUnavailable, err)
	}
	outputs, err := c.lister.ListOutputs()
	if err != nil {
		c.setErr(err)
		return fmt.Errorf("%w: list outputs: %w", core.ErrDeviceUnavailable, err)
	}

	c.mu.Lock()
	c.inputs = withDefault(inputs, domain.DeviceAudioInput)
	c.outputs = withDefault(outputs, domain.DeviceAudioOutput)
	c.refreshedAt = time.Now()
	c.lastErr = nil
	c.mu.Unlock()

	c.logger.Debug().Int("inputs", len(inputs)).Int("outputs", len(outputs)).Msg("devices refreshed")
	return nil
}

// RequestRefresh schedules a Refresh after the quiet period.
func (c *Catalog) RequestRefresh() {
	c.debounced(func() {
		if err := c.Refresh(); err != nil {
			c.logger.Warn().Err(err).Msg("device refresh failed")
		}
	})
}

func (c *Catalog) setErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Catalog) Inputs() []domain.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.Device(nil), c.inputs...)
}

func (c *Catalog) Outputs() []domain.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.Device(nil), c.outputs...)
}

func (c *Catalog) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}

func (c *Catalog) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Has reports whether id is a known device of kind. The default sentinel is
// always known.
func (c *Catalog) Has(kind domain.DeviceKind, id domain.DeviceID) bool {
	if id.IsDefault() {
		return true
	}
	list := c.Inputs()
	if kind == domain.DeviceAudioOutput {
		list = c.Outputs()
	}
	for _, d := range list {
		if d.ID == id {
			return true
		}
	}
	return false
}

// withDefault puts the default sentinel first unless the platform already
// listed it.
func withDefault(list []domain.Device, kind domain.DeviceKind) []domain.Device {
	for _, d := range list {
		if d.ID == domain.DefaultDevice {
			return list
		}
	}
	out := make([]domain.Device, 0, len(list)+1)
	out = append(out, domain.Device{ID: domain.DefaultDevice, Kind: kind, Label: "System default"})
	return append(out, list...)
}
