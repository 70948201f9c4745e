package models

import (
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
)

func TestAdvanceNeverMovesBackwards(t *testing.T) {
	answeredAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	current := CallSession{
		ID:            "s",
		Status:        CallStatusActive,
		AnsweredAt:    &answeredAt,
		Offer:         lo.ToPtr("offer"),
		Answer:        lo.ToPtr("answer"),
		IceCandidates: []Candidate{{Candidate: "a"}, {Candidate: "b"}},
	}

	stale := CallSession{
		ID:            "s",
		Status:        CallStatusRinging,
		Offer:         lo.ToPtr("offer"),
		IceCandidates: []Candidate{{Candidate: "a"}},
	}
	merged := current.Advance(stale)
	assert.Equal(t, CallStatusActive, merged.Status)
	assert.Equal(t, &answeredAt, merged.AnsweredAt)
	assert.Equal(t, "answer", *merged.Answer)
	assert.Len(t, merged.IceCandidates, 2)

	ended := current
	ended.Status = CallStatusEnded
	ended.Duration = lo.ToPtr(int64(47))
	merged = current.Advance(ended)
	assert.Equal(t, CallStatusEnded, merged.Status)
	assert.EqualValues(t, 47, *merged.Duration)

	assert.Equal(t, current, current.Advance(CallSession{ID: "other", Status: CallStatusEnded}))
}

func TestStatusRank(t *testing.T) {
	assert.Less(t, StatusRank(CallStatusRinging), StatusRank(CallStatusActive))
	assert.Less(t, StatusRank(CallStatusActive), StatusRank(CallStatusEnded))
	assert.Equal(t, StatusRank(CallStatusEnded), StatusRank(CallStatusMissed))
	assert.True(t, IsTerminal(CallStatusMissed))
	assert.False(t, IsTerminal(CallStatusActive))
}

func TestInvolves(t *testing.T) {
	session := CallSession{CallerID: "x", ReceiverID: "y"}
	assert.True(t, session.Involves("x", "y"))
	assert.True(t, session.Involves("y", "x"))
	assert.False(t, session.Involves("x", "z"))
}

func TestChatID(t *testing.T) {
	assert.Equal(t, "alice--bob", ChatID("bob", "alice"))
	assert.Equal(t, ChatID("alice", "bob"), ChatID("bob", "alice"))

	peer, ok := SplitChatID("alice--bob", "bob")
	assert.True(t, ok)
	assert.Equal(t, "alice", peer)

	_, ok = SplitChatID("alice--bob", "carol")
	assert.False(t, ok)
	_, ok = SplitChatID("alice", "alice")
	assert.False(t, ok)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "00:00", FormatDuration(0))
	assert.Equal(t, "00:47", FormatDuration(47))
	assert.Equal(t, "02:05", FormatDuration(125))
	assert.Equal(t, "61:01", FormatDuration(3661))
	assert.Equal(t, "00:00", FormatDuration(-3))
}
