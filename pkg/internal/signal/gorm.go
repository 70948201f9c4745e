package signal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Notifier reports that a session with the given id changed.
type Notifier interface {
	Subscribe(id string) (<-chan struct{}, func())
}

// GormStore keeps call sessions in postgres. Candidate appends are done with
// a server side jsonb concatenation so concurrent writers never overwrite
// each other.
type GormStore struct {
	db       *gorm.DB
	notifier Notifier
}

func NewGormStore(db *gorm.DB, notifier Notifier) *GormStore {
	return &GormStore{db: db, notifier: notifier}
}

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (v *GormStore) FindOngoing(ctx context.Context, a, b string) ([]models.CallSession, error) {
	var sessions []models.CallSession
	if err := v.db.WithContext(ctx).
		Where("(caller_id = ? AND receiver_id = ?) OR (caller_id = ? AND receiver_id = ?)", a, b, b, a).
		Where("status IN ?", models.OngoingStatuses).
		Order("started_at ASC, id ASC").
		Find(&sessions).Error; err != nil {
		return sessions, wrapErr(err)
	}
	return sessions, nil
}

func (v *GormStore) Get(ctx context.Context, id string) (models.CallSession, error) {
	var session models.CallSession
	if err := v.db.WithContext(ctx).Where("id = ?", id).First(&session).Error; err != nil {
		return session, wrapErr(err)
	}
	return session, nil
}

func (v *GormStore) Candidates(ctx context.Context, id string) ([]models.Candidate, error) {
	var session models.CallSession
	if err := v.db.WithContext(ctx).
		Select("id", "ice_candidates").
		Where("id = ?", id).
		First(&session).Error; err != nil {
		return nil, wrapErr(err)
	}
	return session.IceCandidates, nil
}

func (v *GormStore) Create(ctx context.Context, session models.CallSession) (models.CallSession, error) {
	if session.IceCandidates == nil {
		session.IceCandidates = []models.Candidate{}
	}
	if err := v.db.WithContext(ctx).Create(&session).Error; err != nil {
		return session, wrapErr(err)
	}

	// Postgres keeps microseconds, hand back what other clients will read.
	stored, err := v.Get(ctx, session.ID)
	if err != nil {
		log.Warn().Err(err).Str("session", session.ID).Msg("Unable to read back created call session.")
		session.StartedAt = session.StartedAt.Round(time.Microsecond)
		return session, nil
	}
	return stored, nil
}

func appendExpr(candidates []models.Candidate) (any, error) {
	raw, err := jsoniter.Marshal(candidates)
	if err != nil {
		return nil, err
	}
	return gorm.Expr("COALESCE(ice_candidates, '[]'::jsonb) || ?::jsonb", string(raw)), nil
}

func (v *GormStore) Update(ctx context.Context, id string, patch Patch) (models.CallSession, error) {
	updates := map[string]any{}
	if patch.Status != nil {
		updates["status"] = *patch.Status
	}
	if patch.AnsweredAt != nil {
		updates["answered_at"] = *patch.AnsweredAt
	}
	if patch.EndedAt != nil {
		updates["ended_at"] = *patch.EndedAt
	}
	if patch.Duration != nil {
		updates["duration"] = *patch.Duration
	}
	if patch.Answer != nil {
		updates["answer"] = *patch.Answer
	}
	if len(patch.Candidates) > 0 {
		expr, err := appendExpr(patch.Candidates)
		if err != nil {
			return models.CallSession{}, err
		}
		updates["ice_candidates"] = expr
	}
	if len(updates) == 0 {
		return v.Get(ctx, id)
	}

	tx := v.db.WithContext(ctx).Model(&models.CallSession{}).Where("id = ?", id)
	if len(patch.From) > 0 {
		tx = tx.Where("status IN ?", patch.From)
	}
	if patch.Answer != nil {
		tx = tx.Where("answer IS NULL AND offer IS NOT NULL")
	}
	if patch.AnsweredAt != nil {
		tx = tx.Where("answered_at IS NULL")
	}
	if patch.EndedAt != nil {
		tx = tx.Where("ended_at IS NULL")
	}

	res := tx.Updates(updates)
	if res.Error != nil {
		return models.CallSession{}, wrapErr(res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := v.Get(ctx, id); err != nil {
			return models.CallSession{}, err
		}
		return models.CallSession{}, ErrConflict
	}
	return v.Get(ctx, id)
}

func (v *GormStore) AppendCandidates(ctx context.Context, id string, candidates ...models.Candidate) error {
	if len(candidates) == 0 {
		return nil
	}
	expr, err := appendExpr(candidates)
	if err != nil {
		return err
	}
	res := v.db.WithContext(ctx).
		Model(&models.CallSession{}).
		Where("id = ?", id).
		Update("ice_candidates", expr)
	if res.Error != nil {
		return wrapErr(res.Error)
	} else if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (v *GormStore) Watch(ctx context.Context, id string) (<-chan models.CallSession, func(), error) {
	if v.notifier == nil {
		return nil, nil, fmt.Errorf("%w: no change feed configured", ErrUnavailable)
	}

	signals, unsubscribe := v.notifier.Subscribe(id)
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan models.CallSession, 1)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-signals:
			}
			session, err := v.Get(ctx, id)
			if err != nil {
				log.Debug().Err(err).Str("session", id).Msg("Unable to read changed call session, waiting for next change...")
				continue
			}
			select {
			case out <- session:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() {
		unsubscribe()
		cancel()
	}, nil
}

func (v *GormStore) History(ctx context.Context, a, b string, take, offset int) ([]models.CallSession, error) {
	var sessions []models.CallSession
	if err := v.db.WithContext(ctx).
		Where("(caller_id = ? AND receiver_id = ?) OR (caller_id = ? AND receiver_id = ?)", a, b, b, a).
		Where("status IN ?", []models.CallStatus{models.CallStatusEnded, models.CallStatusMissed}).
		Limit(take).
		Offset(offset).
		Order("started_at ASC").
		Find(&sessions).Error; err != nil {
		return sessions, wrapErr(err)
	}
	return sessions, nil
}

func (v *GormStore) ExpireRinging(ctx context.Context, deadline, now time.Time) (int64, error) {
	tx := v.db.WithContext(ctx).
		Model(&models.CallSession{}).
		Where("status = ? AND started_at < ?", models.CallStatusRinging, deadline).
		Updates(map[string]any{
			"status":   models.CallStatusMissed,
			"ended_at": now,
		})
	return tx.RowsAffected, wrapErr(tx.Error)
}

func (v *GormStore) Purge(ctx context.Context, deadline time.Time) (int64, error) {
	tx := v.db.WithContext(ctx).
		Where("status IN ? AND started_at < ?", []models.CallStatus{models.CallStatusEnded, models.CallStatusMissed}, deadline).
		Delete(&models.CallSession{})
	return tx.RowsAffected, wrapErr(tx.Error)
}
