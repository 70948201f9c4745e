// Package reconcile applies an append-only candidate list to a negotiation
// target exactly once per index, in order, and never before the remote
// description exists.
package reconcile

import (
	"sync"

	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	"git.solsynth.dev/hypernet/calling/pkg/internal/negotiation"
	"github.com/rs/zerolog/log"
)

// Target is the part of the negotiation engine the reconciler drives.
type Target interface {
	HasRemoteDescription() bool
	ApplyRemoteDescription(text string) error
	AddRemoteCandidate(candidate models.Candidate) (negotiation.AddResult, error)
}

type Reconciler struct {
	tag    string
	target Target

	mu      sync.Mutex
	applied int
	pending []models.Candidate
	closed  bool
}

func New(tag string, target Target) *Reconciler {
	return &Reconciler{tag: tag, target: target}
}

// Reconcile takes a fresh read of the full candidate list. Only indices past
// the last one seen are considered; a shorter, stale read does nothing.
func (r *Reconciler) Reconcile(seq []models.Candidate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(seq) <= r.applied {
		return
	}

	// Queued candidates always go first so the engine sees index order.
	r.pending = append(r.pending, seq[r.applied:]...)
	r.applied = len(seq)
	r.flush()
}

// ApplyDescription applies the remote description and then flushes every
// queued candidate in arrival order.
func (r *Reconciler) ApplyDescription(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	if err := r.target.ApplyRemoteDescription(text); err != nil {
		return err
	}
	r.flush()
	return nil
}

func (r *Reconciler) flush() {
	if len(r.pending) == 0 || !r.target.HasRemoteDescription() {
		return
	}
	queued := r.pending
	r.pending = nil
	r.add(queued)
}

func (r *Reconciler) add(candidates []models.Candidate) {
	for idx, candidate := range candidates {
		res, err := r.target.AddRemoteCandidate(candidate)
		if err != nil {
			// The index stays consumed, retrying a rejected candidate never helps.
			log.Warn().Err(err).Str("session", r.tag).Str("candidate", candidate.Candidate).Msg("Unable to add remote candidate, skipping...")
			continue
		}
		if res == negotiation.Queued {
			r.pending = append(r.pending, candidates[idx:]...)
			return
		}
	}
}

// Seen reports how many candidate indices have been consumed.
func (r *Reconciler) Seen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applied
}

// Pending reports how many candidates wait for the remote description.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close drops queued candidates and ignores every later call.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.pending = nil
}
