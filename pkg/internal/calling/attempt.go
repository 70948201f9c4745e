package calling

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"git.solsynth.dev/hypernet/calling/pkg/internal/media"
	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	"git.solsynth.dev/hypernet/calling/pkg/internal/negotiation"
	"git.solsynth.dev/hypernet/calling/pkg/internal/reconcile"
	"git.solsynth.dev/hypernet/calling/pkg/internal/signal"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

type eventKind int

const (
	descriptionUpdated eventKind = iota
	candidatesAppended
	statusChanged
	connectionStateChanged
	trackReceived
	localCandidate
	rivalsObserved
	terminateRequested
)

type event struct {
	kind      eventKind
	record    models.CallSession
	rivals    []models.CallSession
	state     negotiation.ConnectionState
	candidate models.Candidate
	reason    models.CallStatus
	reply     chan error
}

// attempt owns everything one stored call session needs on this client. All
// of its fields are touched only by the event loop once start was called.
type attempt struct {
	manager *Manager
	session *Session
	role    Role

	record models.CallSession
	engine *negotiation.Engine
	recon  *reconcile.Reconciler
	stream media.Stream

	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	halt   chan struct{}
	done   chan struct{}

	// ringing is read by the poll producer to decide whether to look for rivals.
	ringing atomic.Bool

	torn      bool
	finished  bool
	handedOff bool
	failure   error
}

func (m *Manager) newAttempt(s *Session, role Role, record models.CallSession, stream media.Stream) (*attempt, error) {
	ctx, cancel := context.WithCancel(m.ctx)
	a := &attempt{
		manager: m,
		session: s,
		role:    role,
		stream:  stream,
		events:  make(chan event, 64),
		ctx:     ctx,
		cancel:  cancel,
		halt:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	a.bind(record)
	if role == RoleObserver {
		return a, nil
	}

	pc, err := m.transports(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: unable to create peer connection: %v", ErrNegotiationFailed, err)
	}
	a.engine = negotiation.New(s.key, pc)
	a.recon = reconcile.New(s.key, a.engine)
	a.engine.OnConnectionStateChanged(func(state negotiation.ConnectionState) {
		a.postEngine(event{kind: connectionStateChanged, state: state})
	})
	a.engine.OnTrackReceived(func(string) {
		a.postEngine(event{kind: trackReceived})
	})
	for _, track := range stream.Tracks() {
		if err := a.engine.AddLocalTrack(track); err != nil {
			a.stream = nil
			a.release()
			return nil, err
		}
	}
	return a, nil
}

func (a *attempt) tag() string {
	return a.record.ID
}

func (a *attempt) bind(record models.CallSession) {
	a.record = record
	a.ringing.Store(a.role == RoleCaller && record.Status == models.CallStatusRinging)
}

func (a *attempt) merge(record models.CallSession) {
	a.bind(a.record.Advance(record))
}

// release tears an attempt down before its loop ever ran.
func (a *attempt) release() {
	a.teardown()
	a.cancel()
}

func (a *attempt) start() {
	id := a.record.ID
	a.publish()
	go a.loop()
	go a.watch(id)
	go a.poll(id)
	if a.engine != nil {
		a.engine.SetTrickle(func(candidate models.Candidate) {
			a.postEngine(event{kind: localCandidate, candidate: candidate})
		})
	}
}

func (a *attempt) post(ev event) {
	select {
	case a.events <- ev:
	case <-a.ctx.Done():
	}
}

// postEngine drops engine events once the engine is being torn down.
func (a *attempt) postEngine(ev event) {
	select {
	case a.events <- ev:
	case <-a.ctx.Done():
	case <-a.halt:
	}
}

func (a *attempt) observe(record models.CallSession) {
	a.post(event{kind: descriptionUpdated, record: record})
	a.post(event{kind: candidatesAppended, record: record})
	a.post(event{kind: statusChanged, record: record})
}

func (a *attempt) watch(id string) {
	updates, cancel, err := a.manager.store.Watch(a.ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("session", id).Msg("Unable to watch call session, relying on polling...")
		return
	}
	defer cancel()

	for {
		select {
		case <-a.ctx.Done():
			return
		case record, ok := <-updates:
			if !ok {
				return
			}
			a.observe(record)
		}
	}
}

func (a *attempt) poll(id string) {
	ticker := time.NewTicker(a.manager.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
		}

		record, err := a.manager.store.Get(a.ctx, id)
		if err != nil {
			if a.ctx.Err() == nil {
				log.Debug().Err(err).Str("session", id).Msg("Unable to poll call session, will retry next tick.")
			}
			continue
		}
		a.observe(record)

		if !a.ringing.Load() {
			continue
		}
		ongoing, err := a.manager.store.FindOngoing(a.ctx, record.CallerID, record.ReceiverID)
		if err != nil {
			continue
		}
		if lo.ContainsBy(ongoing, func(item models.CallSession) bool { return item.ID != id }) {
			a.post(event{kind: rivalsObserved, rivals: ongoing})
		}
	}
}

// request hands a terminate request to the loop. handled is false when the
// loop exited without taking it.
func (a *attempt) request(ctx context.Context, reason models.CallStatus) (err error, handled bool) {
	reply := make(chan error, 1)
	select {
	case a.events <- event{kind: terminateRequested, reason: reason, reply: reply}:
	case <-a.done:
		return nil, false
	case <-ctx.Done():
		return ctx.Err(), true
	}

	select {
	case err := <-reply:
		return err, true
	case <-a.done:
		select {
		case err := <-reply:
			return err, true
		default:
			return nil, false
		}
	case <-ctx.Done():
		return ctx.Err(), true
	}
}

func (a *attempt) loop() {
	defer close(a.done)

	for !a.finished {
		select {
		case ev := <-a.events:
			a.handle(ev)
		case <-a.ctx.Done():
			if !a.finished {
				a.teardown()
				a.finish()
			}
		}
	}
}

func (a *attempt) handle(ev event) {
	switch ev.kind {
	case descriptionUpdated:
		a.onDescription(ev.record)
	case candidatesAppended:
		a.onCandidates(ev.record)
	case statusChanged:
		a.onStatus(ev.record)
	case connectionStateChanged:
		a.onConnectionState(ev.state)
	case trackReceived:
	case localCandidate:
		a.onLocalCandidate(ev.candidate)
	case rivalsObserved:
		a.onRivals(ev.rivals)
	case terminateRequested:
		ev.reply <- a.terminate(ev.reason)
	}
	if !a.handedOff {
		a.publish()
	}
}

func (a *attempt) onDescription(record models.CallSession) {
	if a.finished {
		return
	}
	a.merge(record)
	if a.torn || a.role != RoleCaller || a.record.Answer == nil || a.engine.HasRemoteDescription() {
		return
	}
	if err := a.recon.ApplyDescription(*a.record.Answer); err != nil {
		log.Error().Err(err).Str("session", a.tag()).Msg("An error occurred when applying the answer...")
		a.fail(err)
		return
	}
	log.Debug().Str("session", a.tag()).Msg("Answer applied.")
}

func (a *attempt) onCandidates(record models.CallSession) {
	if a.finished {
		return
	}
	a.merge(record)
	if a.torn || a.recon == nil {
		return
	}
	a.recon.Reconcile(a.record.IceCandidates)
}

func (a *attempt) onStatus(record models.CallSession) {
	if a.finished {
		return
	}
	a.merge(record)
	if models.IsTerminal(a.record.Status) {
		log.Info().Str("session", a.tag()).Str("status", a.record.Status).Msg("Call ended by the other side.")
		a.teardown()
		a.finish()
	}
}

func (a *attempt) onConnectionState(state negotiation.ConnectionState) {
	if a.torn {
		return
	}
	log.Debug().Str("session", a.tag()).Str("state", string(state)).Msg("Call connection state changed.")
	if state == negotiation.ConnectionStateFailed {
		a.fail(fmt.Errorf("%w: peer connection failed", ErrNegotiationFailed))
	}
}

func (a *attempt) onLocalCandidate(candidate models.Candidate) {
	if a.torn || a.finished {
		return
	}
	err := signal.RetryOnce(func() error {
		return a.manager.store.AppendCandidates(a.ctx, a.record.ID, candidate)
	})
	if err != nil {
		log.Warn().Err(err).Str("session", a.tag()).Msg("Unable to publish local candidate.")
	}
}

// onRivals resolves glare while this client's own session is still ringing.
func (a *attempt) onRivals(rivals []models.CallSession) {
	if a.torn || a.finished || a.role != RoleCaller || a.record.Status != models.CallStatusRinging {
		return
	}
	sessions := lo.Map(rivals, func(item models.CallSession, _ int) models.CallSession {
		if item.ID == a.record.ID {
			// Rivals are ranked on stored values, so ours must be too.
			own := a.record.Advance(item)
			own.StartedAt = item.StartedAt
			return own
		}
		return item
	})
	if !lo.ContainsBy(sessions, func(item models.CallSession) bool { return item.ID == a.record.ID }) {
		sessions = append(sessions, a.record)
	}

	winner := Authoritative(sessions)
	if winner == nil || winner.ID == a.record.ID {
		return
	}
	if winner.ReceiverID != a.session.self || winner.Status != models.CallStatusRinging {
		return
	}

	log.Info().Err(ErrSupersededSession).Str("session", a.tag()).Str("winner", winner.ID).Msg("Lost a glare race, answering the other session.")
	patch := signal.Patch{
		Status:  lo.ToPtr(models.CallStatusMissed),
		EndedAt: lo.ToPtr(a.manager.cfg.Now()),
		From:    []models.CallStatus{models.CallStatusRinging},
	}
	var updated models.CallSession
	err := signal.RetryOnce(func() (err error) {
		updated, err = a.manager.store.Update(a.ctx, a.record.ID, patch)
		return err
	})
	if err != nil {
		// A conflict means the peer answered or ended ours meanwhile, the status
		// events will sort that out.
		if !errors.Is(err, signal.ErrConflict) {
			log.Warn().Err(err).Str("session", a.tag()).Msg("Unable to supersede call session, will retry.")
		}
		return
	}
	a.merge(updated)

	stream := a.stream
	a.stream = nil
	a.teardown()

	next, err := a.manager.answer(a.ctx, a.session, *winner, stream)
	if err != nil {
		log.Error().Err(err).Str("session", winner.ID).Msg("An error occurred when answering the authoritative session...")
		a.failure = err
		a.finish()
		return
	}
	a.handedOff = true
	a.finished = true
	a.session.swap(next)
	next.start()
	a.cancel()
}

func (a *attempt) fail(err error) {
	if a.failure == nil {
		a.failure = err
	}
	if terr := a.terminate(models.CallStatusEnded); terr != nil {
		log.Error().Err(terr).Str("session", a.tag()).Msg("An error occurred when terminating failed call...")
	}
}

// terminate stops media, closes the engine and writes the terminal status.
// A failed write leaves the stored session untouched and can be retried.
func (a *attempt) terminate(reason models.CallStatus) error {
	if a.finished {
		return nil
	}
	a.teardown()
	if models.IsTerminal(a.record.Status) {
		a.finish()
		return nil
	}

	if err := a.writeTerminal(); err != nil {
		log.Error().Err(err).Str("session", a.tag()).Msg("An error occurred when writing terminal call status...")
		return err
	}
	log.Info().Str("session", a.tag()).Str("reason", reason).Str("status", a.record.Status).Msg("Call terminated.")
	a.finish()
	return nil
}

func (a *attempt) terminalPatch() signal.Patch {
	now := a.manager.cfg.Now()
	if a.record.AnsweredAt == nil {
		return signal.Patch{
			Status:  lo.ToPtr(models.CallStatusMissed),
			EndedAt: &now,
			From:    []models.CallStatus{models.CallStatusRinging},
		}
	}
	duration := int64(now.Sub(*a.record.AnsweredAt) / time.Second)
	return signal.Patch{
		Status:   lo.ToPtr(models.CallStatusEnded),
		EndedAt:  &now,
		Duration: lo.ToPtr(max(duration, 0)),
		From:     []models.CallStatus{models.CallStatusActive},
	}
}

// writeTerminal retries once when the stored status moved on since the last
// read, which happens when the peer answered or ended concurrently.
func (a *attempt) writeTerminal() error {
	var err error
	for try := 0; try < 2; try++ {
		patch := a.terminalPatch()
		var updated models.CallSession
		err = signal.RetryOnce(func() (err error) {
			updated, err = a.manager.store.Update(a.ctx, a.record.ID, patch)
			return err
		})
		if err == nil {
			a.merge(updated)
			return nil
		} else if !errors.Is(err, signal.ErrConflict) {
			return err
		}

		latest, rerr := a.manager.store.Get(a.ctx, a.record.ID)
		if rerr != nil {
			return rerr
		}
		a.merge(latest)
		if models.IsTerminal(a.record.Status) {
			return nil
		}
	}
	return err
}

// teardown stops local media and closes the engine. The stream is left
// alone when it was handed to another attempt.
func (a *attempt) teardown() {
	if a.torn {
		return
	}
	a.torn = true
	close(a.halt)
	if a.stream != nil {
		a.stream.Stop()
	}
	if a.recon != nil {
		a.recon.Close()
	}
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			log.Warn().Err(err).Str("session", a.tag()).Msg("Unable to close peer connection.")
		}
	}
}

func (a *attempt) finish() {
	a.finished = true
	a.ringing.Store(false)
	a.cancel()
	a.publish()
	a.session.finish(a)
}

func (a *attempt) publish() {
	state := negotiation.ConnectionStateNew
	var local, remote int
	if a.engine != nil {
		state = a.engine.State()
		local, remote = a.engine.LocalTracks(), a.engine.RemoteTracks()
	}
	if a.torn && a.engine != nil {
		state = negotiation.ConnectionStateClosed
	}

	a.session.publish(Update{
		SessionID:       a.record.ID,
		ChatID:          models.ChatID(a.record.CallerID, a.record.ReceiverID),
		CallerID:        a.record.CallerID,
		ReceiverID:      a.record.ReceiverID,
		Role:            a.role,
		State:           localState(a.role, a.record.Status),
		Status:          a.record.Status,
		StartedAt:       a.record.StartedAt,
		AnsweredAt:      a.record.AnsweredAt,
		EndedAt:         a.record.EndedAt,
		Duration:        a.record.Duration,
		ConnectionState: state,
		LocalTracks:     local,
		RemoteTracks:    remote,
		Error:           Message(a.failure),
	})
}
