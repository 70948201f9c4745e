package calling

import (
	"context"
	"reflect"
	"sync"

	"git.solsynth.dev/hypernet/calling/pkg/internal/media"
	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	"github.com/samber/lo"
)

// Session is the handle the UI holds for one call with one peer. It stays
// the same object when a glare race hands the call over to the peer's
// session.
type Session struct {
	manager *Manager
	key     string
	self    string
	peer    string

	ready    chan struct{}
	setupErr error
	done     chan struct{}
	doneOnce sync.Once

	mu           sync.Mutex
	current      *attempt
	stream       media.Stream
	muted        bool
	last         Update
	observers    map[int]func(Update)
	nextObserver int

	// Updates waiting for observers, delivered in order by one drain goroutine.
	queue    []delivery
	draining bool
}

type delivery struct {
	update Update
	// observer limits the delivery to one observer, zero means all of them.
	observer int
}

func newSession(m *Manager, key, self, peer string) *Session {
	return &Session{
		manager:   m,
		key:       key,
		self:      self,
		peer:      peer,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		observers: make(map[int]func(Update)),
	}
}

func (s *Session) Self() string { return s.self }
func (s *Session) Peer() string { return s.peer }

// ID is the id of the stored session currently backing this handle.
func (s *Session) ID() string {
	return s.Snapshot().SessionID
}

func (s *Session) Snapshot() Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Done is closed once the call reached a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Subscribe registers onUpdate and replays the latest update to it. Updates
// are delivered in order on a goroutine of their own, so onUpdate may call
// back into the session, Terminate included. The final update may arrive
// after Done is closed.
func (s *Session) Subscribe(onUpdate func(Update)) func() {
	s.mu.Lock()
	s.nextObserver++
	id := s.nextObserver
	s.observers[id] = onUpdate
	if s.last.SessionID != "" {
		s.enqueue(delivery{update: s.last, observer: id})
	}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// SetMuted toggles the local audio track. Nothing is written to the store.
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	stream := s.stream
	if s.last.SessionID != "" && s.last.Muted != muted {
		s.last.Muted = muted
		s.enqueue(delivery{update: s.last})
	}
	s.mu.Unlock()

	if stream != nil {
		stream.SetEnabled(!muted)
	}
}

func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// Terminate hangs up. The stored status is ended when the call was answered
// and missed otherwise, whatever reason says; reason is only logged.
// Calling it again after a successful terminal write is a no-op.
func (s *Session) Terminate(ctx context.Context, reason models.CallStatus) error {
	for {
		s.mu.Lock()
		a := s.current
		s.mu.Unlock()
		if a == nil {
			return s.setupErr
		}

		err, handled := a.request(ctx, reason)
		if handled {
			return err
		}
		s.mu.Lock()
		superseded := s.current != a
		s.mu.Unlock()
		if !superseded {
			return nil
		}
	}
}

func (s *Session) attach(a *attempt) {
	s.mu.Lock()
	s.current = a
	if a.stream != nil {
		s.stream = a.stream
		a.stream.SetEnabled(!s.muted)
	}
	s.mu.Unlock()
	close(s.ready)
}

func (s *Session) swap(a *attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = a
	if a.stream != nil {
		s.stream = a.stream
	}
}

func (s *Session) setupFailed(err error) {
	s.setupErr = err
	close(s.ready)
	s.doneOnce.Do(func() { close(s.done) })
}

// finish closes the session when a is still the attempt backing it.
func (s *Session) finish(a *attempt) {
	s.mu.Lock()
	current := s.current == a
	if current {
		s.stream = nil
	}
	s.mu.Unlock()
	if !current {
		return
	}
	s.doneOnce.Do(func() { close(s.done) })
	s.manager.forget(s)
}

func (s *Session) publish(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u.Muted = s.muted
	if u.SessionID == "" || reflect.DeepEqual(u, s.last) {
		return
	}
	s.last = u
	s.enqueue(delivery{update: u})
}

// enqueue must be called with mu held.
func (s *Session) enqueue(d delivery) {
	s.queue = append(s.queue, d)
	if !s.draining {
		s.draining = true
		go s.drain()
	}
}

func (s *Session) drain() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		d := s.queue[0]
		s.queue = s.queue[1:]
		var targets []func(Update)
		if d.observer != 0 {
			if fn, ok := s.observers[d.observer]; ok {
				targets = append(targets, fn)
			}
		} else {
			targets = lo.Values(s.observers)
		}
		s.mu.Unlock()

		for _, fn := range targets {
			fn(d.update)
		}
	}
}
