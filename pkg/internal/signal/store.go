// Package signal is the client side of the store that carries call
// signaling. The store gives no ordering or delivery guarantees for change
// notifications, so every reader also has a direct polling accessor.
package signal

import (
	"context"
	"errors"
	"time"

	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
)

var (
	// ErrUnavailable marks a transient I/O failure against the store.
	ErrUnavailable = errors.New("signal store unavailable")
	ErrNotFound    = errors.New("call session not found")
	// ErrConflict is returned when a conditional update matched no row because
	// the session already moved on (for example it was ended by the peer).
	ErrConflict = errors.New("call session changed concurrently")
)

// Patch is a partial update of a call session. Nil fields are left alone and
// Candidates are appended, never replaced.
type Patch struct {
	Status     *models.CallStatus
	AnsweredAt *time.Time
	EndedAt    *time.Time
	Duration   *int64
	Answer     *string
	Candidates []models.Candidate

	// From restricts the update to sessions currently in one of these statuses.
	From []models.CallStatus
}

type Store interface {
	// FindOngoing lists ringing or active sessions between a and b in either
	// direction, ordered by started_at then id.
	FindOngoing(ctx context.Context, a, b string) ([]models.CallSession, error)
	Get(ctx context.Context, id string) (models.CallSession, error)
	// Candidates reads the full candidate sequence of a session.
	Candidates(ctx context.Context, id string) ([]models.Candidate, error)
	Create(ctx context.Context, session models.CallSession) (models.CallSession, error)
	Update(ctx context.Context, id string, patch Patch) (models.CallSession, error)
	AppendCandidates(ctx context.Context, id string, candidates ...models.Candidate) error
	// Watch delivers the session every time the store reports a change. The
	// channel may skip updates; callers must not rely on it alone.
	Watch(ctx context.Context, id string) (<-chan models.CallSession, func(), error)
	// History lists finished sessions between a and b, oldest first.
	History(ctx context.Context, a, b string, take, offset int) ([]models.CallSession, error)

	// ExpireRinging moves sessions still ringing since before deadline to
	// missed, stamping ended_at with now.
	ExpireRinging(ctx context.Context, deadline, now time.Time) (int64, error)
	// Purge deletes finished sessions that started before deadline.
	Purge(ctx context.Context, deadline time.Time) (int64, error)
}

// RetryOnce runs fn again immediately when it fails with ErrUnavailable.
func RetryOnce(fn func() error) error {
	err := fn()
	if errors.Is(err, ErrUnavailable) {
		err = fn()
	}
	return err
}
