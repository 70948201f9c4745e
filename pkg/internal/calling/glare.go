package calling

import (
	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	"github.com/samber/lo"
)

// Authoritative picks the session both parties agree to keep when more than
// one is in flight for the same pair. An active session always wins; among
// ringing ones the earliest started_at wins and equal timestamps fall back to
// the smaller id. Both clients compute the same answer from the same rows.
func Authoritative(sessions []models.CallSession) *models.CallSession {
	var best *models.CallSession
	for idx := range sessions {
		candidate := &sessions[idx]
		if !lo.Contains(models.OngoingStatuses, candidate.Status) {
			continue
		}
		if best == nil || precedes(*candidate, *best) {
			best = candidate
		}
	}
	return best
}

func precedes(a, b models.CallSession) bool {
	aActive, bActive := a.Status == models.CallStatusActive, b.Status == models.CallStatusActive
	if aActive != bActive {
		return aActive
	}
	if !a.StartedAt.Equal(b.StartedAt) {
		return a.StartedAt.Before(b.StartedAt)
	}
	return a.ID < b.ID
}

