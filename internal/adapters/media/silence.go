package media

import (
	"context"
	"time"

	"github.com/dkeye/wevibin/internal/core"
	"github.com/dkeye/wevibin/internal/domain"
	"github.com/rs/zerolog/log"
)

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const frameDuration = 20 * time.Millisecond

// SilenceSource produces a steady stream of silent Opus frames. It stands in
// for a microphone on headless hosts and in tests.
type SilenceSource struct{}

func (SilenceSource) Open(_ context.Context, device domain.DeviceID) (core.CaptureStream, error) {
	s, err := newSampleStream(device.OrDefault())
	if err != nil {
		return nil, err
	}
	st := &silenceStream{sampleStream: s}
	st.wg.Add(1)
	go st.pump()
	return st, nil
}

type silenceStream struct {
	*sampleStream
}

func (s *silenceStream) pump() {
	defer s.wg.Done()
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopped():
			return
		case <-ticker.C:
			if err := s.write(opusSilence, frameDuration); err != nil {
				log.Debug().Str("module", "media").Err(err).Msg("write silence")
			}
		}
	}
}

func (s *silenceStream) Stop() error {
	s.halt()
	return nil
}
