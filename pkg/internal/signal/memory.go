package signal

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	"github.com/samber/lo"
)

// MemoryStore is an in-process Store. It backs the single-node dev mode and
// the tests, and can be told to misbehave the way a remote store does.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]models.CallSession
	watchers map[string]map[int]chan models.CallSession
	nextID   int

	failWrites        int
	dropNotifications bool
	writes            int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]models.CallSession),
		watchers: make(map[string]map[int]chan models.CallSession),
	}
}

// FailWrites makes the next n writes fail with ErrUnavailable.
func (v *MemoryStore) FailWrites(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failWrites = n
}

// DropNotifications suppresses change feed delivery entirely.
func (v *MemoryStore) DropNotifications(drop bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dropNotifications = drop
}

// Writes counts every successful write.
func (v *MemoryStore) Writes() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.writes
}

func clone(session models.CallSession) models.CallSession {
	session.IceCandidates = slices.Clone(session.IceCandidates)
	return session
}

// write must be called with mu held.
func (v *MemoryStore) write() error {
	if v.failWrites > 0 {
		v.failWrites--
		return fmt.Errorf("%w: injected failure", ErrUnavailable)
	}
	v.writes++
	return nil
}

// notify must be called with mu held.
func (v *MemoryStore) notify(session models.CallSession) {
	if v.dropNotifications {
		return
	}
	for _, ch := range v.watchers[session.ID] {
		select {
		case ch <- clone(session):
		default:
		}
	}
}

func (v *MemoryStore) FindOngoing(_ context.Context, a, b string) ([]models.CallSession, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var out []models.CallSession
	for _, session := range v.sessions {
		if session.Involves(a, b) && lo.Contains(models.OngoingStatuses, session.Status) {
			out = append(out, clone(session))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (v *MemoryStore) Get(_ context.Context, id string) (models.CallSession, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	session, ok := v.sessions[id]
	if !ok {
		return session, ErrNotFound
	}
	return clone(session), nil
}

func (v *MemoryStore) Candidates(ctx context.Context, id string) ([]models.Candidate, error) {
	session, err := v.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return session.IceCandidates, nil
}

func (v *MemoryStore) Create(_ context.Context, session models.CallSession) (models.CallSession, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.sessions[session.ID]; ok {
		return session, fmt.Errorf("call session %s already exists", session.ID)
	}
	if err := v.write(); err != nil {
		return session, err
	}
	if session.IceCandidates == nil {
		session.IceCandidates = []models.Candidate{}
	}
	session.UpdatedAt = session.StartedAt
	v.sessions[session.ID] = clone(session)
	v.notify(session)
	return clone(session), nil
}

func (v *MemoryStore) Update(_ context.Context, id string, patch Patch) (models.CallSession, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	session, ok := v.sessions[id]
	if !ok {
		return session, ErrNotFound
	}
	if len(patch.From) > 0 && !lo.Contains(patch.From, session.Status) {
		return session, ErrConflict
	}
	if (patch.Answer != nil && (session.Answer != nil || session.Offer == nil)) ||
		(patch.AnsweredAt != nil && session.AnsweredAt != nil) ||
		(patch.EndedAt != nil && session.EndedAt != nil) {
		return session, ErrConflict
	}
	if err := v.write(); err != nil {
		return session, err
	}

	if patch.Status != nil {
		session.Status = *patch.Status
	}
	if patch.AnsweredAt != nil {
		session.AnsweredAt = lo.ToPtr(*patch.AnsweredAt)
	}
	if patch.EndedAt != nil {
		session.EndedAt = lo.ToPtr(*patch.EndedAt)
	}
	if patch.Duration != nil {
		session.Duration = lo.ToPtr(*patch.Duration)
	}
	if patch.Answer != nil {
		session.Answer = lo.ToPtr(*patch.Answer)
	}
	session.IceCandidates = append(slices.Clone(session.IceCandidates), patch.Candidates...)

	v.sessions[id] = session
	v.notify(session)
	return clone(session), nil
}

func (v *MemoryStore) AppendCandidates(ctx context.Context, id string, candidates ...models.Candidate) error {
	if len(candidates) == 0 {
		return nil
	}
	_, err := v.Update(ctx, id, Patch{Candidates: candidates})
	return err
}

func (v *MemoryStore) Watch(ctx context.Context, id string) (<-chan models.CallSession, func(), error) {
	ch := make(chan models.CallSession, 16)

	v.mu.Lock()
	v.nextID++
	key := v.nextID
	if _, ok := v.watchers[id]; !ok {
		v.watchers[id] = make(map[int]chan models.CallSession)
	}
	v.watchers[id][key] = ch
	v.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.watchers[id], key)
			v.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel, nil
}

func (v *MemoryStore) History(_ context.Context, a, b string, take, offset int) ([]models.CallSession, error) {
	v.mu.Lock()
	var out []models.CallSession
	for _, session := range v.sessions {
		if session.Involves(a, b) && models.IsTerminal(session.Status) {
			out = append(out, clone(session))
		}
	}
	v.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if take > 0 && take < len(out) {
		out = out[:take]
	}
	return out, nil
}

func (v *MemoryStore) ExpireRinging(_ context.Context, deadline, now time.Time) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var count int64
	for id, session := range v.sessions {
		if session.Status != models.CallStatusRinging || !session.StartedAt.Before(deadline) {
			continue
		}
		if err := v.write(); err != nil {
			return count, err
		}
		session.Status = models.CallStatusMissed
		session.EndedAt = lo.ToPtr(now)
		v.sessions[id] = session
		v.notify(session)
		count++
	}
	return count, nil
}

func (v *MemoryStore) Purge(_ context.Context, deadline time.Time) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var count int64
	for id, session := range v.sessions {
		if models.IsTerminal(session.Status) && session.StartedAt.Before(deadline) {
			delete(v.sessions, id)
			count++
		}
	}
	return count, nil
}

// Put stores a session as-is, bypassing write accounting. Useful for seeding.
func (v *MemoryStore) Put(session models.CallSession) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sessions[session.ID] = clone(session)
}
