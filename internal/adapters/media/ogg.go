package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dkeye/wevibin/internal/core"
	"github.com/dkeye/wevibin/internal/domain"
	"github.com/fsnotify/fsnotify"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"
)

// OggOutput renders each remote peer into an Ogg/Opus file. The default
// device writes into Root; any other device id names a subdirectory of Root
// that must already exist.
type OggOutput struct {
	Root string
}

func NewOggOutput(root string) (*OggOutput, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("output root: %w", err)
	}
	return &OggOutput{Root: root}, nil
}

func (o *OggOutput) dir(device domain.DeviceID) (string, error) {
	if device.IsDefault() {
		return o.Root, nil
	}
	dir := filepath.Join(o.Root, filepath.Base(string(device)))
	fi, err := os.Stat(dir)
	if err != nil {
		return "", err
	}
	if !fi.IsDir() {
		return "", fmt.Errorf("%s is not a directory", dir)
	}
	return dir, nil
}

func (o *OggOutput) Open(device domain.DeviceID, peer domain.PeerID) (core.Player, error) {
	dir, err := o.dir(device)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, filepath.Base(string(peer))+".ogg")
	w, err := oggwriter.New(path, opusClockRate, opusChannels)
	if err != nil {
		return nil, err
	}
	return &oggPlayer{w: w}, nil
}

// Devices lists the default device plus every subdirectory of Root.
func (o *OggOutput) Devices() ([]domain.Device, error) {
	entries, err := os.ReadDir(o.Root)
	if err != nil {
		return nil, err
	}
	out := []domain.Device{{ID: domain.DefaultDevice, Kind: domain.DeviceAudioOutput, Label: o.Root}}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		out = append(out, domain.Device{
			ID:    domain.DeviceID(e.Name()),
			Kind:  domain.DeviceAudioOutput,
			Label: filepath.Join(o.Root, e.Name()),
		})
	}
	sort.Slice(out[1:], func(i, j int) bool { return out[i+1].ID < out[j+1].ID })
	return out, nil
}

// Watch calls onChange whenever an entry under Root is created, removed or
// renamed, until ctx ends.
func (o *OggOutput) Watch(ctx context.Context, onChange func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch outputs: %w", err)
	}
	defer w.Close()
	if err := w.Add(o.Root); err != nil {
		return fmt.Errorf("watch %s: %w", o.Root, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				onChange()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Str("module", "media").Err(err).Msg("output watch error")
		}
	}
}

// oggPlayer serializes writes; the writer is not safe for concurrent use.
type oggPlayer struct {
	mu sync.Mutex
	w  *oggwriter.OggWriter
}

func (p *oggPlayer) WriteRTP(pkt *rtp.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.w.WriteRTP(pkt)
}

func (p *oggPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.w.Close()
}

// Lister reports platform capture inputs and the Ogg output directories.
type Lister struct {
	Output *OggOutput
}

func (l Lister) ListInputs() ([]domain.Device, error) { return listInputs() }

func (l Lister) ListOutputs() ([]domain.Device, error) {
	if l.Output == nil {
		return nil, nil
	}
	return l.Output.Devices()
}
