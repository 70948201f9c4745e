package calling

import (
	"errors"

	"git.solsynth.dev/hypernet/calling/pkg/internal/media"
	"git.solsynth.dev/hypernet/calling/pkg/internal/negotiation"
	"git.solsynth.dev/hypernet/calling/pkg/internal/signal"
)

var (
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrPeerUnreachable   = errors.New("peer is not a friend")
	ErrMediaAccessDenied = media.ErrAccessDenied
	ErrNegotiationFailed = negotiation.ErrNegotiationFailed
	ErrStoreUnavailable  = signal.ErrUnavailable
	// ErrSupersededSession marks a session that lost a glare race. It is
	// resolved internally and never returned to callers.
	ErrSupersededSession = errors.New("call session superseded")
	// ErrCallEnded is returned when the peer ended the call while this side
	// was still answering.
	ErrCallEnded = errors.New("call already ended")
)

// Message turns an error into the text shown on the pre-call view.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return "You need to sign in before making a call."
	case errors.Is(err, ErrPeerUnreachable):
		return "You can only call your friends."
	case errors.Is(err, ErrMediaAccessDenied):
		return "Microphone access was denied or no microphone was found."
	case errors.Is(err, ErrNegotiationFailed):
		return "Unable to establish a connection with the other side."
	case errors.Is(err, ErrStoreUnavailable):
		return "The call service is unavailable right now, please try again."
	case errors.Is(err, ErrCallEnded):
		return "The call has already ended."
	case errors.Is(err, ErrSupersededSession):
		return "The call continued in another session."
	default:
		return "Something went wrong with the call."
	}
}
