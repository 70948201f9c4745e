package calling

import (
	"time"

	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	"git.solsynth.dev/hypernet/calling/pkg/internal/negotiation"
)

type Role string

const (
	RoleCaller   = Role("caller")
	RoleAnswerer = Role("answerer")
	RoleObserver = Role("observer")
)

// LocalState is the call state from this client's point of view. It adds
// "answering" to the stored statuses.
type LocalState string

const (
	StateRinging   = LocalState("ringing")
	StateAnswering = LocalState("answering")
	StateActive    = LocalState("active")
	StateEnded     = LocalState("ended")
	StateMissed    = LocalState("missed")
)

func (s LocalState) Terminal() bool {
	return s == StateEnded || s == StateMissed
}

// Update is what the UI layer observes after every change.
type Update struct {
	SessionID       string                      `json:"session_id"`
	ChatID          string                      `json:"chat_id"`
	CallerID        string                      `json:"caller_id"`
	ReceiverID      string                      `json:"receiver_id"`
	Role            Role                        `json:"role"`
	State           LocalState                  `json:"state"`
	Status          models.CallStatus           `json:"status"`
	StartedAt       time.Time                   `json:"started_at"`
	AnsweredAt      *time.Time                  `json:"answered_at"`
	EndedAt         *time.Time                  `json:"ended_at"`
	Duration        *int64                      `json:"duration"`
	ConnectionState negotiation.ConnectionState `json:"connection_state"`
	LocalTracks     int                         `json:"local_tracks"`
	RemoteTracks    int                         `json:"remote_tracks"`
	Muted           bool                        `json:"muted"`
	Error           string                      `json:"error,omitempty"`
}

// Elapsed is the live call time: the stored duration once the call is over,
// the time since answered_at while it runs, and zero before that.
func (u Update) Elapsed(now time.Time) time.Duration {
	switch {
	case u.Duration != nil:
		return time.Duration(*u.Duration) * time.Second
	case u.AnsweredAt != nil:
		return now.Sub(*u.AnsweredAt).Truncate(time.Second)
	default:
		return 0
	}
}

func localState(role Role, status models.CallStatus) LocalState {
	switch status {
	case models.CallStatusActive:
		return StateActive
	case models.CallStatusEnded:
		return StateEnded
	case models.CallStatusMissed:
		return StateMissed
	}
	if role == RoleAnswerer {
		return StateAnswering
	}
	return StateRinging
}
