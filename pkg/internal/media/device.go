// Package media provides the local microphone capture the call manager
// attaches to a negotiation engine.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

var ErrAccessDenied = errors.New("microphone access denied")

// Constraints are the capture processing flags requested for every call.
type Constraints struct {
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control"`
}

var DefaultConstraints = Constraints{
	EchoCancellation: true,
	NoiseSuppression: true,
	AutoGainControl:  true,
}

// Stream is a live local capture.
type Stream interface {
	Tracks() []webrtc.TrackLocal
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
}

type Device interface {
	AcquireLocalAudio(ctx context.Context, constraints Constraints) (Stream, error)
}

const (
	opusFrame       = 20 * time.Millisecond
	opusSilenceByte = 0xf8
)

// SampleDevice produces Opus silence frames. It stands in for a real
// microphone on hosts that have none, and lets the pipeline run end to end.
type SampleDevice struct {
	Denied bool
}

func (d *SampleDevice) AcquireLocalAudio(ctx context.Context, constraints Constraints) (Stream, error) {
	if d.Denied {
		return nil, ErrAccessDenied
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("unable to create audio track: %v", err)
	}

	stream := &sampleStream{track: track, enabled: true, done: make(chan struct{})}
	go stream.pump()

	log.Debug().
		Bool("echo_cancellation", constraints.EchoCancellation).
		Bool("noise_suppression", constraints.NoiseSuppression).
		Bool("auto_gain_control", constraints.AutoGainControl).
		Str("stream", track.StreamID()).
		Msg("Acquired local audio stream.")
	return stream, nil
}

type sampleStream struct {
	track *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	stopped bool
	done    chan struct{}
}

func (s *sampleStream) pump() {
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()

	frame := []byte{opusSilenceByte, 0xff, 0xfe}
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if !s.Enabled() {
				continue
			}
			if err := s.track.WriteSample(pmedia.Sample{Data: frame, Duration: opusFrame}); err != nil {
				log.Debug().Err(err).Msg("Unable to write audio sample.")
			}
		}
	}
}

func (s *sampleStream) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{s.track}
}

func (s *sampleStream) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.enabled = enabled
	}
}

func (s *sampleStream) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled && !s.stopped
}

func (s *sampleStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.done)
}
