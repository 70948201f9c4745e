package services

import (
	"context"
	"testing"
	"time"

	"git.solsynth.dev/hypernet/calling/pkg/internal/models"
	"git.solsynth.dev/hypernet/calling/pkg/internal/signal"
	"github.com/samber/lo"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityToken(t *testing.T) {
	viper.Set("security.identity_secret", "first")
	tk, err := CreateIdentityToken("alice", time.Hour)
	require.NoError(t, err)

	id, err := ParseIdentityToken(tk)
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	viper.Set("security.identity_secret", "second")
	_, err = ParseIdentityToken(tk)
	assert.Error(t, err)

	expired, err := CreateIdentityToken("alice", -time.Minute)
	require.NoError(t, err)
	_, err = ParseIdentityToken(expired)
	assert.Error(t, err)

	_, err = ParseIdentityToken("garbage")
	assert.Error(t, err)
}

func TestFriendGraphWithoutDatabase(t *testing.T) {
	viper.Set("debug.friends", []string{models.ChatID("alice", "bob")})
	defer viper.Set("debug.friends", nil)

	ok, err := FriendGraph{}.IsFriend(context.Background(), "bob", "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = FriendGraph{}.IsFriend(context.Background(), "bob", "carol")
	require.NoError(t, err)
	assert.False(t, ok)
}

func seedHistory(t *testing.T, store *signal.MemoryStore, n int) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		session := models.CallSession{
			ID:         lo.RandomString(8, lo.LettersCharset),
			CallerID:   "alice",
			ReceiverID: "bob",
			Status:     models.CallStatusMissed,
			StartedAt:  start.Add(time.Duration(i) * time.Minute),
		}
		if i%2 == 0 {
			session.Status = models.CallStatusEnded
			session.AnsweredAt = lo.ToPtr(session.StartedAt)
			session.Duration = lo.ToPtr(int64(65 + i))
		}
		store.Put(session)
	}
}

func TestListCallHistory(t *testing.T) {
	store := signal.NewMemoryStore()
	Signals = store
	seedHistory(t, store, 120)

	items, err := ListCallHistory(context.Background(), "bob", "alice", 0, 0)
	require.NoError(t, err)
	require.Len(t, items, 20)
	assert.Equal(t, "01:05", items[0].DurationText)
	assert.Empty(t, items[1].DurationText)
	assert.True(t, items[0].StartedAt.Before(items[1].StartedAt))

	items, err = ListCallHistory(context.Background(), "alice", "bob", 500, -3)
	require.NoError(t, err)
	assert.Len(t, items, 100)

	items, err = ListCallHistory(context.Background(), "alice", "bob", 50, 100)
	require.NoError(t, err)
	assert.Len(t, items, 20)
}

func TestCleanerJobs(t *testing.T) {
	store := signal.NewMemoryStore()
	Signals = store
	viper.Set("calling.ring_timeout", time.Minute)
	viper.Set("calling.retention", 24*time.Hour)

	store.Put(models.CallSession{ID: "stale", CallerID: "a", ReceiverID: "b", Status: models.CallStatusRinging, StartedAt: time.Now().Add(-time.Hour)})
	store.Put(models.CallSession{ID: "fresh", CallerID: "a", ReceiverID: "b", Status: models.CallStatusRinging, StartedAt: time.Now()})
	store.Put(models.CallSession{ID: "old", CallerID: "a", ReceiverID: "b", Status: models.CallStatusEnded, StartedAt: time.Now().Add(-48 * time.Hour)})

	DoRingingTimeout()
	stale, err := store.Get(context.Background(), "stale")
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusMissed, stale.Status)
	assert.NotNil(t, stale.EndedAt)
	fresh, err := store.Get(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusRinging, fresh.Status)

	DoAutoDatabaseCleanup()
	_, err = store.Get(context.Background(), "old")
	assert.ErrorIs(t, err, signal.ErrNotFound)
	_, err = store.Get(context.Background(), "stale")
	assert.NoError(t, err)
}
