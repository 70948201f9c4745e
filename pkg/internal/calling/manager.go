// Package calling orchestrates one-to-one audio calls over the signal store:
// it picks the role of this client, drives negotiation, resolves glare and
// keeps the stored session lifecycle accurate.
package calling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"git.solsynth.dev/hypernet/calling/pkg/internal/media"
	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	"git.solsynth.dev/hypernet/calling/pkg/internal/negotiation"
	"git.solsynth.dev/hypernet/calling/pkg/internal/signal"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

type FriendGraph interface {
	IsFriend(ctx context.Context, a, b string) (bool, error)
}

type Config struct {
	// GatherTimeout bounds how long setup waits for local candidates.
	GatherTimeout time.Duration
	// PollInterval is the cadence of the redundant store poll.
	PollInterval time.Duration
	Constraints  media.Constraints

	Now   func() time.Time
	NewID func() string
}

func (v Config) withDefaults() Config {
	if v.GatherTimeout <= 0 {
		v.GatherTimeout = 3 * time.Second
	}
	if v.PollInterval <= 0 {
		v.PollInterval = 500 * time.Millisecond
	}
	if v.Now == nil {
		v.Now = time.Now
	}
	if v.NewID == nil {
		v.NewID = uuid.NewString
	}
	return v
}

type Manager struct {
	store      signal.Store
	friends    FriendGraph
	device     media.Device
	transports negotiation.Factory
	cfg        Config

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(store signal.Store, friends FriendGraph, device media.Device, transports negotiation.Factory, cfg Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:      store,
		friends:    friends,
		device:     device,
		transports: transports,
		cfg:        cfg.withDefaults(),
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*Session),
	}
}

func sessionKey(self, peer string) string {
	return self + "/" + models.ChatID(self, peer)
}

// InitiateOrJoin answers a call ringing for self, attaches to one already in
// flight, or starts a new one. A live local session for the same pair is
// returned as-is.
func (m *Manager) InitiateOrJoin(ctx context.Context, self, peer string) (*Session, error) {
	if self == "" {
		return nil, ErrUnauthenticated
	} else if peer == "" || peer == self {
		return nil, ErrPeerUnreachable
	}

	key := sessionKey(self, peer)
	m.mu.Lock()
	if s, ok := m.sessions[key]; ok && !s.finished() {
		m.mu.Unlock()
		select {
		case <-s.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if s.setupErr != nil {
			return nil, s.setupErr
		}
		return s, nil
	}
	s := newSession(m, key, self, peer)
	m.sessions[key] = s
	m.mu.Unlock()

	a, err := m.setup(ctx, s)
	if err != nil {
		s.setupFailed(err)
		m.forget(s)
		return nil, err
	}
	s.attach(a)
	a.start()
	return s, nil
}

func (m *Manager) setup(ctx context.Context, s *Session) (*attempt, error) {
	if ok, err := m.friends.IsFriend(ctx, s.self, s.peer); err != nil {
		return nil, fmt.Errorf("unable to check friendship: %w", err)
	} else if !ok {
		return nil, ErrPeerUnreachable
	}

	ongoing, err := m.store.FindOngoing(ctx, s.self, s.peer)
	if err != nil {
		return nil, err
	}
	existing := Authoritative(ongoing)
	switch {
	case existing == nil:
		return m.originate(ctx, s)
	case existing.ReceiverID == s.self && existing.Status == models.CallStatusRinging:
		return m.answer(ctx, s, *existing, nil)
	default:
		log.Debug().Str("session", existing.ID).Str("self", s.self).Msg("Attaching to an in-flight call as observer.")
		return m.newAttempt(s, RoleObserver, *existing, nil)
	}
}

func (m *Manager) acquire(ctx context.Context) (media.Stream, error) {
	stream, err := m.device.AcquireLocalAudio(ctx, m.cfg.Constraints)
	if err != nil {
		if errors.Is(err, media.ErrAccessDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMediaAccessDenied, err)
	}
	return stream, nil
}

func (m *Manager) originate(ctx context.Context, s *Session) (*attempt, error) {
	stream, err := m.acquire(ctx)
	if err != nil {
		return nil, err
	}
	record := models.CallSession{
		ID:         m.cfg.NewID(),
		CallerID:   s.self,
		ReceiverID: s.peer,
		Status:     models.CallStatusRinging,
	}
	a, err := m.newAttempt(s, RoleCaller, record, stream)
	if err != nil {
		stream.Stop()
		return nil, err
	}

	offer, err := a.engine.CreateOffer()
	if err != nil {
		a.release()
		return nil, err
	}
	record.Offer = &offer
	record.IceCandidates = a.engine.GatherLocalCandidates(ctx, m.cfg.GatherTimeout)
	record.StartedAt = m.cfg.Now()

	var created models.CallSession
	if err := signal.RetryOnce(func() (err error) {
		created, err = m.store.Create(ctx, record)
		return err
	}); err != nil {
		a.release()
		return nil, err
	}
	a.bind(created)

	log.Info().Str("session", created.ID).Str("caller", s.self).Str("receiver", s.peer).
		Int("candidates", len(created.IceCandidates)).Msg("Call originated.")
	return a, nil
}

// answer takes the receiving role on record. A stream already acquired by a
// superseded session is reused.
func (m *Manager) answer(ctx context.Context, s *Session, record models.CallSession, stream media.Stream) (*attempt, error) {
	if stream == nil {
		var err error
		if stream, err = m.acquire(ctx); err != nil {
			m.abandon(ctx, record)
			return nil, err
		}
	}
	a, err := m.newAttempt(s, RoleAnswerer, record, stream)
	if err != nil {
		stream.Stop()
		m.abandon(ctx, record)
		return nil, err
	}
	fail := func(err error) (*attempt, error) {
		a.release()
		m.abandon(ctx, record)
		return nil, err
	}

	if record.Offer == nil {
		return fail(fmt.Errorf("%w: call session has no offer", ErrNegotiationFailed))
	}
	if err := a.recon.ApplyDescription(*record.Offer); err != nil {
		return fail(err)
	}
	a.recon.Reconcile(record.IceCandidates)

	answer, err := a.engine.CreateAnswer()
	if err != nil {
		return fail(err)
	}
	gathered := a.engine.GatherLocalCandidates(ctx, m.cfg.GatherTimeout)

	now := m.cfg.Now()
	patch := signal.Patch{
		Status:     lo.ToPtr(models.CallStatusActive),
		AnsweredAt: &now,
		Answer:     &answer,
		Candidates: gathered,
		From:       []models.CallStatus{models.CallStatusRinging},
	}
	var updated models.CallSession
	err = signal.RetryOnce(func() (err error) {
		updated, err = m.store.Update(ctx, record.ID, patch)
		return err
	})
	if errors.Is(err, signal.ErrConflict) || errors.Is(err, signal.ErrNotFound) {
		a.release()
		return nil, ErrCallEnded
	} else if err != nil {
		return fail(err)
	}
	a.merge(updated)

	log.Info().Str("session", updated.ID).Str("receiver", s.self).
		Int("candidates", len(gathered)).Msg("Call answered.")
	return a, nil
}

// abandon moves a joined ringing session to missed after setup failed.
func (m *Manager) abandon(ctx context.Context, record models.CallSession) {
	patch := signal.Patch{
		Status:  lo.ToPtr(models.CallStatusMissed),
		EndedAt: lo.ToPtr(m.cfg.Now()),
		From:    []models.CallStatus{models.CallStatusRinging},
	}
	err := signal.RetryOnce(func() error {
		_, err := m.store.Update(ctx, record.ID, patch)
		return err
	})
	if err != nil && !errors.Is(err, signal.ErrConflict) {
		log.Error().Err(err).Str("session", record.ID).Msg("An error occurred when marking abandoned call as missed...")
	}
}

// Decline marks every call ringing for self from peer as missed.
func (m *Manager) Decline(ctx context.Context, self, peer string) error {
	if self == "" {
		return ErrUnauthenticated
	}
	ongoing, err := m.store.FindOngoing(ctx, self, peer)
	if err != nil {
		return err
	}
	incoming := lo.Filter(ongoing, func(item models.CallSession, _ int) bool {
		return item.ReceiverID == self && item.Status == models.CallStatusRinging
	})
	if len(incoming) == 0 {
		return signal.ErrNotFound
	}

	for _, item := range incoming {
		patch := signal.Patch{
			Status:  lo.ToPtr(models.CallStatusMissed),
			EndedAt: lo.ToPtr(m.cfg.Now()),
			From:    []models.CallStatus{models.CallStatusRinging},
		}
		err := signal.RetryOnce(func() error {
			_, err := m.store.Update(ctx, item.ID, patch)
			return err
		})
		if err != nil && !errors.Is(err, signal.ErrConflict) {
			return err
		}
		log.Info().Str("session", item.ID).Str("receiver", self).Msg("Call declined.")
	}
	return nil
}

// Session returns the live local session of self with peer.
func (m *Manager) Session(self, peer string) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[sessionKey(self, peer)]
	m.mu.Unlock()
	if !ok || s.finished() {
		return nil, false
	}
	select {
	case <-s.ready:
	default:
		return nil, false
	}
	return s, s.setupErr == nil
}

// Subscribe attaches onUpdate to the live local session backed by the given
// record id.
func (m *Manager) Subscribe(sessionID string, onUpdate func(Update)) (func(), error) {
	m.mu.Lock()
	var found *Session
	for _, s := range m.sessions {
		if s.Snapshot().SessionID == sessionID {
			found = s
			break
		}
	}
	m.mu.Unlock()

	if found == nil {
		return nil, signal.ErrNotFound
	}
	return found.Subscribe(onUpdate), nil
}

func (m *Manager) forget(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.key] == s {
		delete(m.sessions, s.key)
	}
}

// Close hangs up every live session and stops all background work.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	sessions := lo.Values(m.sessions)
	m.mu.Unlock()

	for _, s := range sessions {
		select {
		case <-s.ready:
		default:
			continue
		}
		if s.setupErr != nil {
			continue
		}
		if err := s.Terminate(ctx, models.CallStatusEnded); err != nil {
			log.Warn().Err(err).Str("session", s.Snapshot().SessionID).Msg("Unable to terminate call during shutdown.")
		}
	}
	m.cancel()
}
