package reconcile

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	"git.solsynth.dev/hypernet/calling/pkg/internal/negotiation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	mu     sync.Mutex
	remote string
	added  []string
	reject map[string]bool
	early  int
}

func (f *fakeTarget) HasRemoteDescription() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote != ""
}

func (f *fakeTarget) ApplyRemoteDescription(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote != "" && f.remote != text {
		return negotiation.ErrNegotiationFailed
	}
	f.remote = text
	return nil
}

func (f *fakeTarget) AddRemoteCandidate(c models.Candidate) (negotiation.AddResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == "" {
		f.early++
		return negotiation.Queued, nil
	}
	if f.reject[c.Candidate] {
		return negotiation.Applied, errors.New("rejected")
	}
	f.added = append(f.added, c.Candidate)
	return negotiation.Applied, nil
}

func (f *fakeTarget) Added() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.added...)
}

func candidates(n int) []models.Candidate {
	out := make([]models.Candidate, n)
	for i := range out {
		out[i] = models.Candidate{Candidate: fmt.Sprintf("c%d", i)}
	}
	return out
}

func names(seq []models.Candidate) []string {
	out := make([]string, len(seq))
	for i, c := range seq {
		out[i] = c.Candidate
	}
	return out
}

func TestQueuesUntilDescription(t *testing.T) {
	target := &fakeTarget{}
	r := New("t", target)
	seq := candidates(3)

	r.Reconcile(seq[:2])
	assert.Empty(t, target.Added())
	assert.Equal(t, 2, r.Pending())

	r.Reconcile(seq)
	assert.Equal(t, 3, r.Pending())

	require.NoError(t, r.ApplyDescription("offer"))
	assert.Equal(t, names(seq), target.Added())
	assert.Zero(t, r.Pending())
	assert.Zero(t, target.early)
}

func TestQueuedCandidatesFlushWhenDescriptionAppliedElsewhere(t *testing.T) {
	target := &fakeTarget{}
	r := New("t", target)
	seq := candidates(4)

	r.Reconcile(seq[:2])
	require.Equal(t, 2, r.Pending())

	// The description reaches the engine without going through the reconciler.
	require.NoError(t, target.ApplyRemoteDescription("offer"))
	r.Reconcile(seq)

	assert.Equal(t, names(seq), target.Added())
	assert.Zero(t, r.Pending())
}

func TestStaleAndDuplicateReadsAreIgnored(t *testing.T) {
	target := &fakeTarget{remote: "offer"}
	r := New("t", target)
	seq := candidates(4)

	r.Reconcile(seq[:3])
	r.Reconcile(seq[:1])
	r.Reconcile(seq[:3])
	r.Reconcile(seq)
	r.Reconcile(seq)

	assert.Equal(t, names(seq), target.Added())
	assert.Equal(t, 4, r.Seen())
}

func TestRejectedCandidateIsConsumed(t *testing.T) {
	target := &fakeTarget{remote: "offer", reject: map[string]bool{"c1": true}}
	r := New("t", target)
	seq := candidates(3)

	r.Reconcile(seq)
	r.Reconcile(seq)
	assert.Equal(t, []string{"c0", "c2"}, target.Added())
}

func TestRandomInterleavingsApplyEachIndexOnce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		target := &fakeTarget{}
		r := New("t", target)
		seq := candidates(1 + rng.Intn(8))
		describeAt := rng.Intn(12)

		for step := 0; step < 12; step++ {
			if step == describeAt {
				require.NoError(t, r.ApplyDescription("offer"))
			}
			r.Reconcile(seq[:rng.Intn(len(seq)+1)])
		}
		require.NoError(t, r.ApplyDescription("offer"))
		r.Reconcile(seq)

		assert.Equal(t, names(seq), target.Added(), "round %d", round)
		assert.Zero(t, target.early, "round %d", round)
	}
}

func TestConcurrentReconcile(t *testing.T) {
	target := &fakeTarget{}
	r := New("t", target)
	seq := candidates(32)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n <= len(seq); n += 1 + i {
				r.Reconcile(seq[:n])
				if n == 16 && i == 3 {
					_ = r.ApplyDescription("offer")
				}
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, r.ApplyDescription("offer"))
	r.Reconcile(seq)

	assert.Equal(t, names(seq), target.Added())
}

func TestClosedReconcilerIsInert(t *testing.T) {
	target := &fakeTarget{}
	r := New("t", target)
	r.Reconcile(candidates(2))
	r.Close()

	require.NoError(t, r.ApplyDescription("offer"))
	r.Reconcile(candidates(4))
	assert.Empty(t, target.Added())
	assert.False(t, target.HasRemoteDescription())
}
