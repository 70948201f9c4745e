package negotiation

import (
	"context"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type PionConfig struct {
	ICEServers []string

	// Generous defaults keep a brief NAT hiccup from ending the call.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// Factory creates a fresh Transport for every call attempt.
type Factory func(ctx context.Context) (Transport, error)

// NewPionFactory builds one pion API with Opus-capable codecs and the default
// interceptors and returns a Factory that creates PeerConnections from it.
func NewPionFactory(cfg PionConfig) (Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{LoggerFactory: zerologFactory{}}
	if cfg.DisconnectedTimeout > 0 && cfg.FailedTimeout > 0 && cfg.KeepAliveInterval > 0 {
		se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	config := webrtc.Configuration{}
	if len(cfg.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}

	return func(ctx context.Context) (Transport, error) {
		pc, err := api.NewPeerConnection(config)
		if err != nil {
			return nil, err
		}
		return &pionTransport{pc: pc}, nil
	}, nil
}

type pionTransport struct {
	pc *webrtc.PeerConnection
}

func (v *pionTransport) CreateOffer() (webrtc.SessionDescription, error) {
	return v.pc.CreateOffer(nil)
}

func (v *pionTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	return v.pc.CreateAnswer(nil)
}

func (v *pionTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	return v.pc.SetLocalDescription(desc)
}

func (v *pionTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return v.pc.SetRemoteDescription(desc)
}

func (v *pionTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return v.pc.AddICECandidate(candidate)
}

func (v *pionTransport) AddTrack(track webrtc.TrackLocal) error {
	sender, err := v.pc.AddTrack(track)
	if err != nil {
		return err
	}

	// Read incoming RTCP so interceptors (NACK, reports) keep working.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (v *pionTransport) OnICECandidate(fn func(candidate *webrtc.ICECandidateInit)) {
	v.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			fn(nil)
			return
		}
		init := c.ToJSON()
		fn(&init)
	})
}

func (v *pionTransport) OnTrack(fn func(kind webrtc.RTPCodecType)) {
	v.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(track.Kind())

		// Playback lives outside this service; drain so the receiver never stalls.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					return
				}
			}
		}()
	})
}

func (v *pionTransport) OnConnectionStateChange(fn func(state webrtc.PeerConnectionState)) {
	v.pc.OnConnectionStateChange(fn)
}

func (v *pionTransport) Close() error {
	if err := v.pc.Close(); err != nil {
		log.Warn().Err(err).Msg("An error occurred when closing peer connection.")
		return err
	}
	return nil
}
