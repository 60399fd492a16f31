// Package media provides capture sources and audio outputs backed by pion.
package media

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/wevibin/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const (
	opusClockRate = 48000
	opusChannels  = 2
)

func newOpusTrack(device domain.DeviceID) (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusClockRate, Channels: opusChannels},
		"audio",
		"wevibin-"+string(device),
	)
}

// sampleStream is the part shared by every capture stream: one outgoing
// track, a mute flag and a stop signal for the pump goroutine.
type sampleStream struct {
	device  domain.DeviceID
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func newSampleStream(device domain.DeviceID) (*sampleStream, error) {
	track, err := newOpusTrack(device)
	if err != nil {
		return nil, err
	}
	s := &sampleStream{device: device, track: track, done: make(chan struct{})}
	s.enabled.Store(true)
	return s, nil
}

func (s *sampleStream) DeviceID() domain.DeviceID { return s.device }
func (s *sampleStream) Track() webrtc.TrackLocal  { return s.track }
func (s *sampleStream) SetEnabled(v bool)         { s.enabled.Store(v) }

// write forwards one encoded frame unless muted. Muted frames are replaced
// by silence so the remote jitter buffer keeps its clock.
func (s *sampleStream) write(data []byte, d time.Duration) error {
	if !s.enabled.Load() {
		data = opusSilence
	}
	return s.track.WriteSample(media.Sample{Data: data, Duration: d})
}

func (s *sampleStream) stopped() <-chan struct{} { return s.done }

// halt signals the pump and waits for it to exit.
func (s *sampleStream) halt() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}
