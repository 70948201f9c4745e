// Package negotiation drives an opaque peer-connection capability through an
// offer/answer handshake with trickled ICE candidates.
package negotiation

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrNegotiationFailed is returned when a description cannot be produced or
// applied.
var ErrNegotiationFailed = errors.New("negotiation failed")

// Transport is the peer-connection capability the engine drives. The
// production implementation wraps a pion PeerConnection.
type Transport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) error

	// OnICECandidate is called for every discovered local candidate and once
	// with nil when gathering is complete.
	OnICECandidate(fn func(candidate *webrtc.ICECandidateInit))
	OnTrack(fn func(kind webrtc.RTPCodecType))
	OnConnectionStateChange(fn func(state webrtc.PeerConnectionState))

	Close() error
}

type ConnectionState string

const (
	ConnectionStateNew          = ConnectionState("new")
	ConnectionStateConnecting   = ConnectionState("connecting")
	ConnectionStateConnected    = ConnectionState("connected")
	ConnectionStateDisconnected = ConnectionState("disconnected")
	ConnectionStateFailed       = ConnectionState("failed")
	ConnectionStateClosed       = ConnectionState("closed")
)

func connectionStateFromPion(state webrtc.PeerConnectionState) ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionStateFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnectionStateClosed
	default:
		return ConnectionStateNew
	}
}

type AddResult int

const (
	Applied AddResult = iota
	Queued
)

func (r AddResult) String() string {
	if r == Queued {
		return "queued"
	}
	return "applied"
}
