package database

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// Feed fans postgres NOTIFY payloads (call session ids) out to subscribers.
// Delivery is best effort: notifications raised while the listener is
// reconnecting are lost, and a slow subscriber only keeps the latest signal.
type Feed struct {
	dsn string

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan struct{}
}

func NewFeed(dsn string) *Feed {
	return &Feed{
		dsn:  dsn,
		subs: make(map[string]map[int]chan struct{}),
	}
}

// Subscribe returns a channel that receives a signal whenever the session
// with the given id changes.
func (f *Feed) Subscribe(id string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	f.mu.Lock()
	f.nextID++
	key := f.nextID
	if _, ok := f.subs[id]; !ok {
		f.subs[id] = make(map[int]chan struct{})
	}
	f.subs[id][key] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs[id], key)
			if len(f.subs[id]) == 0 {
				delete(f.subs, id)
			}
			f.mu.Unlock()
		})
	}
}

func (f *Feed) dispatch(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs[id] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Run listens until ctx is cancelled, reconnecting after failures.
func (f *Feed) Run(ctx context.Context) {
	for {
		if err := f.listen(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("An error occurred when listening to call session changes, reconnecting...")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (f *Feed) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, f.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+FeedChannel); err != nil {
		return err
	}
	log.Debug().Str("channel", FeedChannel).Msg("Listening to call session changes...")

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		f.dispatch(notification.Payload)
	}
}
