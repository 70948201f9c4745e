package models

import (
	"time"

	"github.com/pion/webrtc/v4"
	"gorm.io/datatypes"
)

type CallStatus = string

const (
	CallStatusRinging = CallStatus("ringing")
	CallStatusActive  = CallStatus("active")
	CallStatusEnded   = CallStatus("ended")
	CallStatusMissed  = CallStatus("missed")
)

// OngoingStatuses are the statuses that count as an in-flight call.
var OngoingStatuses = []CallStatus{CallStatusRinging, CallStatusActive}

// StatusRank orders statuses so that a session only ever moves forward.
// Both terminal statuses share the highest rank.
func StatusRank(status CallStatus) int {
	switch status {
	case CallStatusRinging:
		return 0
	case CallStatusActive:
		return 1
	case CallStatusEnded, CallStatusMissed:
		return 2
	default:
		return -1
	}
}

func IsTerminal(status CallStatus) bool {
	return status == CallStatusEnded || status == CallStatusMissed
}

type CallSession struct {
	ID         string     `json:"id" gorm:"primaryKey"`
	CallerID   string     `json:"caller_id" gorm:"index"`
	ReceiverID string     `json:"receiver_id" gorm:"index"`
	Status     CallStatus `json:"status" gorm:"index"`

	StartedAt  time.Time  `json:"started_at"`
	AnsweredAt *time.Time `json:"answered_at"`
	EndedAt    *time.Time `json:"ended_at"`
	Duration   *int64     `json:"duration"`

	Offer         *string                        `json:"offer"`
	Answer        *string                        `json:"answer"`
	IceCandidates datatypes.JSONSlice[Candidate] `json:"ice_candidates"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Involves reports whether both parties belong to this session, in either direction.
func (v CallSession) Involves(a, b string) bool {
	return (v.CallerID == a && v.ReceiverID == b) || (v.CallerID == b && v.ReceiverID == a)
}

// Advance folds a freshly read copy of the session into v without ever
// moving the status backwards or unsetting a write-once field. Stale reads
// can be fed in safely.
func (v CallSession) Advance(next CallSession) CallSession {
	if next.ID != v.ID {
		return v
	}
	out := v
	if StatusRank(next.Status) >= StatusRank(v.Status) {
		out.Status = next.Status
	}
	if out.AnsweredAt == nil {
		out.AnsweredAt = next.AnsweredAt
	}
	if out.EndedAt == nil {
		out.EndedAt = next.EndedAt
	}
	if out.Duration == nil {
		out.Duration = next.Duration
	}
	if out.Offer == nil {
		out.Offer = next.Offer
	}
	if out.Answer == nil {
		out.Answer = next.Answer
	}
	if len(next.IceCandidates) > len(out.IceCandidates) {
		out.IceCandidates = next.IceCandidates
	}
	if next.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = next.UpdatedAt
	}
	return out
}

// Candidate is the RTCIceCandidateInit shape stored in ice_candidates.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
