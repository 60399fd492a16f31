// Package sink renders one remote peer's incoming audio on an output device.
package sink

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dkeye/wevibin/internal/core"
	"github.com/dkeye/wevibin/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RemoteAudioSink pumps RTP from one remote track into a player bound to the
// selected output device.
type RemoteAudioSink struct {
	peer   domain.PeerID
	output core.AudioOutput
	logger zerolog.Logger

	mu      sync.Mutex
	device  domain.DeviceID
	player  core.Player
	src     core.RemoteTrack
	gen     uint64
	playing bool
	closed  bool
}

func New(peer domain.PeerID, output core.AudioOutput, device domain.DeviceID) *RemoteAudioSink {
	return &RemoteAudioSink{
		peer:   peer,
		output: output,
		device: device.OrDefault(),
		logger: log.With().Str("module", "sink").Str("peer", string(peer)).Logger(),
	}
}

// Attach binds track to the current output device and starts playback.
// A later Attach replaces the previous source.
func (s *RemoteAudioSink) Attach(track core.RemoteTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrSessionClosed
	}
	s.gen++
	// The source is kept even without a player so a later retarget can
	// start playback.
	s.src = track
	if s.player == nil {
		p, err := s.output.Open(s.device, s.peer)
		if err != nil {
			s.playing = false
			s.logger.Error().Err(err).Str("device", string(s.device)).Msg("open output")
			return fmt.Errorf("%w: output %s: %w", core.ErrDeviceUnavailable, s.device, err)
		}
		s.player = p
	}
	s.playing = true
	s.logger.Info().
		Str("track_id", track.ID()).
		Str("stream_id", track.StreamID()).
		Str("device", string(s.device)).
		Msg("remote audio attached")

	go s.loop(track, s.gen)
	return nil
}

// loop reads RTP packets from the source track and hands them to the player.
func (s *RemoteAudioSink) loop(track core.RemoteTrack, gen uint64) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn().Err(err).Msg("remote read RTP error, stopping")
			}
			s.mu.Lock()
			if s.gen == gen {
				s.playing = false
			}
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		if s.closed || s.gen != gen {
			s.mu.Unlock()
			return
		}
		if err := s.player.WriteRTP(pkt); err != nil {
			s.logger.Debug().Err(err).Msg("player write RTP error")
		}
		s.mu.Unlock()
	}
}

// SetOutputDevice retargets playback. On failure playback continues on the
// previous device.
func (s *RemoteAudioSink) SetOutputDevice(device domain.DeviceID) error {
	device = device.OrDefault()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrSessionClosed
	}
	if device == s.device {
		return nil
	}
	if s.player == nil {
		if s.src == nil {
			// Nothing attached yet; the next Attach opens the new device.
			s.device = device
			return nil
		}
		// A track is waiting on an output that failed to open.
		p, err := s.output.Open(device, s.peer)
		if err != nil {
			s.logger.Warn().Err(err).Str("device", string(device)).Msg("open output for pending track failed")
			return fmt.Errorf("%w: output %s: %w", core.ErrDeviceUnavailable, device, err)
		}
		s.player = p
		s.device = device
		s.playing = true
		s.logger.Info().Str("device", string(device)).Msg("pending remote audio started")
		go s.loop(s.src, s.gen)
		return nil
	}

	p, err := s.output.Open(device, s.peer)
	if err != nil {
		s.logger.Warn().Err(err).
			Str("device", string(device)).
			Str("current", string(s.device)).
			Msg("retarget output failed, keeping current device")
		return fmt.Errorf("%w: output %s: %w", core.ErrDeviceUnavailable, device, err)
	}
	old := s.player
	s.player = p
	s.device = device
	if err := old.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("close previous player")
	}
	s.logger.Info().Str("device", string(device)).Msg("output retargeted")
	return nil
}

// Close stops playback and releases the output binding. Idempotent.
func (s *RemoteAudioSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.playing = false
	s.src = nil
	var err error
	if s.player != nil {
		err = s.player.Close()
		s.player = nil
	}
	s.logger.Info().Msg("sink closed")
	return err
}

func (s *RemoteAudioSink) Peer() domain.PeerID { return s.peer }

func (s *RemoteAudioSink) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *RemoteAudioSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *RemoteAudioSink) OutputDevice() domain.DeviceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}
