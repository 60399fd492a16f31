//go:build linux

package media

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/wevibin/internal/core"
	"github.com/dkeye/wevibin/internal/domain"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// MicrophoneSource captures from a system microphone through
// pion/mediadevices and encodes to Opus.
type MicrophoneSource struct {
	selector *mediadevices.CodecSelector
}

func NewMicrophoneSource() (*MicrophoneSource, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return &MicrophoneSource{
		selector: mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams)),
	}, nil
}

func (m *MicrophoneSource) Open(_ context.Context, device domain.DeviceID) (core.CaptureStream, error) {
	device = device.OrDefault()
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			if !device.IsDefault() {
				c.DeviceID = prop.StringExact(device)
			}
		},
		Codec: m.selector,
	})
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("device %s produced no audio track", device)
	}
	src := tracks[0]
	reader, err := src.NewEncodedReader(webrtc.MimeTypeOpus)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("opus reader: %w", err)
	}

	base, err := newSampleStream(device)
	if err != nil {
		reader.Close()
		src.Close()
		return nil, err
	}
	st := &micStream{sampleStream: base, src: src, reader: reader}
	src.OnEnded(func(err error) {
		if err != nil {
			log.Warn().Str("module", "media").Str("device", string(device)).Err(err).Msg("local track ended")
		}
	})
	st.wg.Add(1)
	go st.pump()
	return st, nil
}

type micStream struct {
	*sampleStream
	src    mediadevices.Track
	reader mediadevices.EncodedReadCloser
}

func (s *micStream) pump() {
	defer s.wg.Done()
	for {
		buf, release, err := s.reader.Read()
		if err != nil {
			select {
			case <-s.stopped():
			default:
				log.Warn().Str("module", "media").Err(err).Msg("microphone read stopped")
			}
			return
		}
		d := time.Duration(buf.Samples) * time.Second / opusClockRate
		if werr := s.write(buf.Data, d); werr != nil {
			log.Debug().Str("module", "media").Err(werr).Msg("write sample")
		}
		release()
	}
}

// Stop closes the reader first so the pump unblocks, then the device.
func (s *micStream) Stop() error {
	s.once.Do(func() { close(s.done) })
	rerr := s.reader.Close()
	terr := s.src.Close()
	s.wg.Wait()
	if rerr != nil {
		return rerr
	}
	return terr
}

func listInputs() ([]domain.Device, error) {
	var out []domain.Device
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind != mediadevices.AudioInput {
			continue
		}
		out = append(out, domain.Device{
			ID:    domain.DeviceID(d.DeviceID),
			Kind:  domain.DeviceAudioInput,
			Label: d.Label,
		})
	}
	return out, nil
}
