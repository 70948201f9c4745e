package calling

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"git.solsynth.dev/hypernet/calling/pkg/internal/media"
	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	"git.solsynth.dev/hypernet/calling/pkg/internal/negotiation"
	"git.solsynth.dev/hypernet/calling/pkg/internal/negotiation/negotiationtest"
	"git.solsynth.dev/hypernet/calling/pkg/internal/signal"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type friendList map[string]bool

func (f friendList) IsFriend(_ context.Context, a, b string) (bool, error) {
	return f[models.ChatID(a, b)], nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingDevice struct {
	media.SampleDevice
	acquired atomic.Int32
}

func (d *countingDevice) AcquireLocalAudio(ctx context.Context, constraints media.Constraints) (media.Stream, error) {
	d.acquired.Add(1)
	return d.SampleDevice.AcquireLocalAudio(ctx, constraints)
}

type harness struct {
	t       *testing.T
	store   *signal.MemoryStore
	// wrap, when set, changes how managers see the store.
	wrap func(*signal.MemoryStore) signal.Store
	clock   *clock
	friends friendList

	mu         sync.Mutex
	transports map[string][]*negotiationtest.Transport
}

func newHarness(t *testing.T) *harness {
	return &harness{
		t:          t,
		store:      signal.NewMemoryStore(),
		clock:      &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		friends:    friendList{models.ChatID("x", "y"): true},
		transports: make(map[string][]*negotiationtest.Transport),
	}
}

type party struct {
	manager *Manager
	device  *countingDevice
	// Candidates each new transport discovers.
	candidates int
	hold       bool
}

type partyOption func(*party, *Config)

func withDeniedMedia() partyOption {
	return func(p *party, _ *Config) { p.device.Denied = true }
}

func withHeldGathering() partyOption {
	return func(p *party, _ *Config) { p.hold = true }
}

func withCandidates(n int) partyOption {
	return func(p *party, _ *Config) { p.candidates = n }
}

func withIDs(ids ...string) partyOption {
	return func(_ *party, cfg *Config) {
		var idx atomic.Int32
		cfg.NewID = func() string {
			return ids[int(idx.Add(1)-1)%len(ids)]
		}
	}
}

// party builds a manager whose transports are named after self.
func (h *harness) party(self string, opts ...partyOption) *party {
	p := &party{device: &countingDevice{}, candidates: 2}
	cfg := Config{
		GatherTimeout: 100 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
		Now:           h.clock.Now,
	}
	for _, opt := range opts {
		opt(p, &cfg)
	}

	h.mu.Lock()
	base := 1000 * (1 + len(h.transports))
	h.transports[self] = nil
	h.mu.Unlock()

	factory := func(context.Context) (negotiation.Transport, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		port := base + 10*len(h.transports[self])
		pc := &negotiationtest.Transport{Name: self, HoldGathering: p.hold}
		for i := 0; i < p.candidates; i++ {
			pc.Candidates = append(pc.Candidates, negotiationtest.Candidate(port+i))
		}
		h.transports[self] = append(h.transports[self], pc)
		return pc, nil
	}

	var store signal.Store = h.store
	if h.wrap != nil {
		store = h.wrap(h.store)
	}
	p.manager = NewManager(store, h.friends, p.device, factory, cfg)
	h.t.Cleanup(func() {
		p.manager.Close(context.Background())
	})
	return p
}

// transport returns the idx-th transport created for self.
func (h *harness) transport(self string, idx int) *negotiationtest.Transport {
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Greater(h.t, len(h.transports[self]), idx)
	return h.transports[self][idx]
}

// answering reports whether self already produced a local description.
func (h *harness) answering(self string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.transports[self]) > 0 && h.transports[self][0].Local() != nil
}

func (h *harness) record(id string) models.CallSession {
	record, err := h.store.Get(context.Background(), id)
	require.NoError(h.t, err)
	return record
}

// peek reads a record without failing the test, for use inside polled
// conditions.
func (h *harness) peek(id string) models.CallSession {
	record, _ := h.store.Get(context.Background(), id)
	return record
}

// seedRinging stores a ringing session created by another client.
func (h *harness) seedRinging(id, caller, receiver string, startedAt time.Time) models.CallSession {
	offer, err := negotiation.EncodeDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  negotiationtest.SDP(caller),
	})
	require.NoError(h.t, err)

	record := models.CallSession{
		ID:         id,
		CallerID:   caller,
		ReceiverID: receiver,
		Status:     models.CallStatusRinging,
		StartedAt:  startedAt,
		UpdatedAt:  startedAt,
		Offer:      &offer,
		IceCandidates: []models.Candidate{
			models.CandidateFromPion(negotiationtest.Candidate(9000)),
		},
	}
	h.store.Put(record)
	return record
}

// roundingStore stores started_at at microsecond precision the way postgres
// does, while handing back the value it was given.
type roundingStore struct {
	*signal.MemoryStore
}

func (s roundingStore) Create(ctx context.Context, session models.CallSession) (models.CallSession, error) {
	stored := session
	stored.StartedAt = session.StartedAt.Round(time.Microsecond)
	if _, err := s.MemoryStore.Create(ctx, stored); err != nil {
		return models.CallSession{}, err
	}
	return session, nil
}

func candidateLines(seq []models.Candidate) []string {
	out := make([]string, len(seq))
	for i, c := range seq {
		out[i] = c.Candidate
	}
	return out
}

func addedLines(pc *negotiationtest.Transport) []string {
	added := pc.Added()
	out := make([]string, len(added))
	for i, c := range added {
		out[i] = c.Candidate
	}
	return out
}

func waitState(t *testing.T, s *Session, state LocalState) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.Snapshot().State == state
	}, waitFor, tick, "session never reached %s", state)
}
