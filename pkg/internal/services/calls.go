package services

import (
	"context"
	"time"

	"git.solsynth.dev/hypernet/calling/pkg/internal/calling"
	"git.solsynth.dev/hypernet/calling/pkg/internal/media"
	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	"git.solsynth.dev/hypernet/calling/pkg/internal/negotiation"
	"git.solsynth.dev/hypernet/calling/pkg/internal/signal"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

var (
	Calls   *calling.Manager
	Signals signal.Store
)

func SetupCalling(store signal.Store, transports negotiation.Factory, device media.Device) {
	Signals = store
	Calls = calling.NewManager(store, FriendGraph{}, device, transports, calling.Config{
		GatherTimeout: viper.GetDuration("calling.gather_timeout"),
		PollInterval:  viper.GetDuration("calling.poll_interval"),
		Constraints:   media.DefaultConstraints,
	})
}

type CallHistoryItem struct {
	ID           string            `json:"id"`
	CallerID     string            `json:"caller_id"`
	ReceiverID   string            `json:"receiver_id"`
	Status       models.CallStatus `json:"status"`
	StartedAt    time.Time         `json:"started_at"`
	AnsweredAt   *time.Time        `json:"answered_at"`
	EndedAt      *time.Time        `json:"ended_at"`
	Duration     *int64            `json:"duration"`
	DurationText string            `json:"duration_text,omitempty"`
}

func ListCallHistory(ctx context.Context, self, peer string, take, offset int) ([]CallHistoryItem, error) {
	if take <= 0 {
		take = 20
	} else if take > 100 {
		take = 100
	}
	offset = max(offset, 0)

	sessions, err := Signals.History(ctx, self, peer, take, offset)
	if err != nil {
		return nil, err
	}
	return lo.Map(sessions, func(item models.CallSession, _ int) CallHistoryItem {
		out := CallHistoryItem{
			ID:         item.ID,
			CallerID:   item.CallerID,
			ReceiverID: item.ReceiverID,
			Status:     item.Status,
			StartedAt:  item.StartedAt,
			AnsweredAt: item.AnsweredAt,
			EndedAt:    item.EndedAt,
			Duration:   item.Duration,
		}
		if item.Duration != nil {
			out.DurationText = models.FormatDuration(*item.Duration)
		}
		return out
	}), nil
}

func StartCall(ctx context.Context, self, peer string) (*calling.Session, error) {
	return Calls.InitiateOrJoin(ctx, self, peer)
}

func GetOngoingCall(self, peer string) (*calling.Session, error) {
	if self == "" {
		return nil, calling.ErrUnauthenticated
	}
	session, ok := Calls.Session(self, peer)
	if !ok {
		return nil, signal.ErrNotFound
	}
	return session, nil
}

func EndCall(ctx context.Context, self, peer string) (calling.Update, error) {
	session, err := GetOngoingCall(self, peer)
	if err != nil {
		return calling.Update{}, err
	}
	if err := session.Terminate(ctx, models.CallStatusEnded); err != nil {
		return session.Snapshot(), err
	}
	return session.Snapshot(), nil
}

func SetCallMuted(self, peer string, muted bool) (calling.Update, error) {
	session, err := GetOngoingCall(self, peer)
	if err != nil {
		return calling.Update{}, err
	}
	session.SetMuted(muted)
	return session.Snapshot(), nil
}

func DeclineCall(ctx context.Context, self, peer string) error {
	return Calls.Decline(ctx, self, peer)
}
