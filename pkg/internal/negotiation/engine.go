package negotiation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Engine wraps one Transport for the lifetime of a single call attempt.
type Engine struct {
	tag string
	pc  Transport

	applyMu sync.Mutex

	mu           sync.Mutex
	localTracks  int
	remoteTracks int
	local        *webrtc.SessionDescription
	remote       *webrtc.SessionDescription
	state        ConnectionState
	closed       bool

	gathered      []models.Candidate
	gatherDone    chan struct{}
	gatherClosed  bool
	gatherStopped bool
	late          []models.Candidate
	trickle       func(models.Candidate)

	onState func(ConnectionState)
	onTrack func(kind string)
}

// New wires the engine's handlers into pc. tag only shows up in logs.
func New(tag string, pc Transport) *Engine {
	e := &Engine{
		tag:        tag,
		pc:         pc,
		state:      ConnectionStateNew,
		gatherDone: make(chan struct{}),
	}
	pc.OnICECandidate(e.handleCandidate)
	pc.OnTrack(e.handleTrack)
	pc.OnConnectionStateChange(e.handleState)
	return e
}

func (e *Engine) handleCandidate(init *webrtc.ICECandidateInit) {
	e.mu.Lock()
	if init == nil {
		if !e.gatherClosed {
			e.gatherClosed = true
			close(e.gatherDone)
		}
		e.mu.Unlock()
		log.Debug().Str("session", e.tag).Msg("Local candidate gathering completed.")
		return
	}

	candidate := models.CandidateFromPion(*init)
	if !e.gatherStopped {
		e.gathered = append(e.gathered, candidate)
		e.mu.Unlock()
		return
	}
	sink := e.trickle
	if sink == nil {
		e.late = append(e.late, candidate)
	}
	e.mu.Unlock()

	if sink != nil {
		sink(candidate)
	}
}

func (e *Engine) handleTrack(kind webrtc.RTPCodecType) {
	e.mu.Lock()
	e.remoteTracks++
	fn := e.onTrack
	e.mu.Unlock()

	log.Debug().Str("session", e.tag).Str("kind", kind.String()).Msg("Received remote track.")
	if fn != nil {
		fn(kind.String())
	}
}

func (e *Engine) handleState(raw webrtc.PeerConnectionState) {
	state := connectionStateFromPion(raw)

	e.mu.Lock()
	e.state = state
	fn := e.onState
	e.mu.Unlock()

	log.Debug().Str("session", e.tag).Str("state", string(state)).Msg("Peer connection state changed.")
	if fn != nil {
		fn(state)
	}
}

// OnConnectionStateChanged registers the observer for connection state changes.
func (e *Engine) OnConnectionStateChanged(fn func(ConnectionState)) {
	e.mu.Lock()
	e.onState = fn
	e.mu.Unlock()
}

// OnTrackReceived registers the observer for remote tracks.
func (e *Engine) OnTrackReceived(fn func(kind string)) {
	e.mu.Lock()
	e.onTrack = fn
	e.mu.Unlock()
}

func (e *Engine) AddLocalTrack(track webrtc.TrackLocal) error {
	if err := e.pc.AddTrack(track); err != nil {
		return fmt.Errorf("%w: unable to add local track: %v", ErrNegotiationFailed, err)
	}
	e.mu.Lock()
	e.localTracks++
	e.mu.Unlock()
	return nil
}

// CreateOffer produces the local offer and starts candidate gathering.
func (e *Engine) CreateOffer() (string, error) {
	e.mu.Lock()
	tracks := e.localTracks
	e.mu.Unlock()
	if tracks == 0 {
		return "", fmt.Errorf("%w: no local tracks attached", ErrNegotiationFailed)
	}

	offer, err := e.pc.CreateOffer()
	if err != nil {
		return "", fmt.Errorf("%w: unable to create offer: %v", ErrNegotiationFailed, err)
	}
	return e.setLocal(offer)
}

// CreateAnswer produces the local answer to the applied remote offer and
// starts candidate gathering.
func (e *Engine) CreateAnswer() (string, error) {
	e.mu.Lock()
	tracks, remote := e.localTracks, e.remote
	e.mu.Unlock()
	if tracks == 0 {
		return "", fmt.Errorf("%w: no local tracks attached", ErrNegotiationFailed)
	} else if remote == nil || remote.Type != webrtc.SDPTypeOffer {
		return "", fmt.Errorf("%w: no remote offer applied", ErrNegotiationFailed)
	}

	answer, err := e.pc.CreateAnswer()
	if err != nil {
		return "", fmt.Errorf("%w: unable to create answer: %v", ErrNegotiationFailed, err)
	}
	return e.setLocal(answer)
}

func (e *Engine) setLocal(desc webrtc.SessionDescription) (string, error) {
	if err := e.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("%w: unable to set local description: %v", ErrNegotiationFailed, err)
	}
	e.mu.Lock()
	e.local = &desc
	e.mu.Unlock()
	return EncodeDescription(desc)
}

// GatherLocalCandidates waits until gathering completes or timeout elapses
// and returns what was found so far. Anything discovered afterwards goes to
// the trickle sink.
func (e *Engine) GatherLocalCandidates(ctx context.Context, timeout time.Duration) []models.Candidate {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.gatherDone:
	case <-timer.C:
		log.Debug().Str("session", e.tag).Dur("timeout", timeout).Msg("Local candidate gathering timed out, proceeding with partial set.")
	case <-ctx.Done():
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.gatherStopped = true
	out := e.gathered
	e.gathered = nil
	return out
}

// SetTrickle installs the sink for candidates found after gathering stopped.
// Candidates buffered before the sink existed are replayed in order.
func (e *Engine) SetTrickle(fn func(models.Candidate)) {
	e.mu.Lock()
	e.trickle = fn
	late := e.late
	e.late = nil
	e.mu.Unlock()

	for _, candidate := range late {
		fn(candidate)
	}
}

// ApplyRemoteDescription applies the peer's description. Applying the same
// description again is a no-op.
func (e *Engine) ApplyRemoteDescription(text string) error {
	desc, err := DecodeDescription(text)
	if err != nil {
		return err
	}

	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("%w: engine closed", ErrNegotiationFailed)
	}
	if e.remote != nil {
		same := e.remote.Type == desc.Type && e.remote.SDP == desc.SDP
		e.mu.Unlock()
		if same {
			return nil
		}
		return fmt.Errorf("%w: a different remote description is already applied", ErrNegotiationFailed)
	}
	e.mu.Unlock()

	if err := e.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: unable to set remote description: %v", ErrNegotiationFailed, err)
	}

	e.mu.Lock()
	e.remote = &desc
	e.mu.Unlock()
	log.Debug().Str("session", e.tag).Str("type", desc.Type.String()).Msg("Remote description applied.")
	return nil
}

func (e *Engine) HasRemoteDescription() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote != nil
}

// AddRemoteCandidate hands a peer candidate to the transport, or reports
// Queued when no remote description exists yet.
func (e *Engine) AddRemoteCandidate(candidate models.Candidate) (AddResult, error) {
	e.mu.Lock()
	ready, closed := e.remote != nil, e.closed
	e.mu.Unlock()
	if closed {
		return Applied, fmt.Errorf("%w: engine closed", ErrNegotiationFailed)
	} else if !ready {
		return Queued, nil
	}

	if err := e.pc.AddICECandidate(candidate.ToPion()); err != nil {
		return Applied, fmt.Errorf("unable to add remote candidate: %v", err)
	}
	return Applied, nil
}

func (e *Engine) State() ConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) LocalTracks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.localTracks
}

func (e *Engine) RemoteTracks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteTracks
}

// Close tears the transport down. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.trickle = nil
	e.onState = nil
	e.onTrack = nil
	e.mu.Unlock()

	return e.pc.Close()
}
