// Package negotiationtest provides a scriptable negotiation.Transport.
package negotiationtest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

var sequence atomic.Int64

// SDP returns a minimal, well formed session description body.
func SDP(name string) string {
	return fmt.Sprintf("v=0\r\no=- %d 2 IN IP4 127.0.0.1\r\ns=%s\r\nt=0 0\r\n", sequence.Add(1), name)
}

// Candidate builds a host candidate line for the given port.
func Candidate(port int) webrtc.ICECandidateInit {
	mid := "0"
	index := uint16(0)
	return webrtc.ICECandidateInit{
		Candidate:     fmt.Sprintf("candidate:1 1 udp 2130706431 192.0.2.1 %d typ host", port),
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}
}

// Transport records everything the engine does to it. Candidates are emitted
// asynchronously once a local description is set, followed by the gathering
// complete signal unless HoldGathering is true.
type Transport struct {
	Name          string
	Candidates    []webrtc.ICECandidateInit
	HoldGathering bool
	FailCreate    bool

	mu          sync.Mutex
	onCandidate func(*webrtc.ICECandidateInit)
	onTrack     func(webrtc.RTPCodecType)
	onState     func(webrtc.PeerConnectionState)

	tracks     int
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	remoteSets int
	added      []webrtc.ICECandidateInit
	closed     bool
}

func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	if t.FailCreate {
		return webrtc.SessionDescription{}, errors.New("create offer refused")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: SDP(t.Name + "-offer")}, nil
}

func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	if t.FailCreate {
		return webrtc.SessionDescription{}, errors.New("create answer refused")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: SDP(t.Name + "-answer")}, nil
}

func (t *Transport) SetLocalDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	t.local = &desc
	fn := t.onCandidate
	candidates := append([]webrtc.ICECandidateInit(nil), t.Candidates...)
	hold := t.HoldGathering
	t.mu.Unlock()

	if fn != nil {
		go func() {
			for i := range candidates {
				fn(&candidates[i])
			}
			if !hold {
				fn(nil)
			}
		}()
	}
	return nil
}

func (t *Transport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote = &desc
	t.remoteSets++
	return nil
}

func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remote == nil {
		return errors.New("remote description not set")
	}
	t.added = append(t.added, candidate)
	return nil
}

func (t *Transport) AddTrack(webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tracks++
	return nil
}

func (t *Transport) OnICECandidate(fn func(*webrtc.ICECandidateInit)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCandidate = fn
}

func (t *Transport) OnTrack(fn func(webrtc.RTPCodecType)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTrack = fn
}

func (t *Transport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Emit delivers a late local candidate.
func (t *Transport) Emit(candidate webrtc.ICECandidateInit) {
	t.mu.Lock()
	fn := t.onCandidate
	t.mu.Unlock()
	if fn != nil {
		fn(&candidate)
	}
}

// CompleteGathering signals the end of candidate discovery.
func (t *Transport) CompleteGathering() {
	t.mu.Lock()
	fn := t.onCandidate
	t.mu.Unlock()
	if fn != nil {
		fn(nil)
	}
}

func (t *Transport) SetState(state webrtc.PeerConnectionState) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (t *Transport) DeliverTrack(kind webrtc.RTPCodecType) {
	t.mu.Lock()
	fn := t.onTrack
	t.mu.Unlock()
	if fn != nil {
		fn(kind)
	}
}

func (t *Transport) Local() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local
}

func (t *Transport) Remote() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remote
}

func (t *Transport) RemoteSets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteSets
}

func (t *Transport) Added() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), t.added...)
}

func (t *Transport) Tracks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tracks
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
