package preferences

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/franzego/notifyhub/internal/models"
	"github.com/franzego/notifyhub/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const prefsKey = "notify:preferences"

func setupStore(t *testing.T) (*Store, *miniredis.Miniredis, storage.Store) {
	s := miniredis.RunT(t)
	kv := storage.NewRedisStore(redis.NewClient(&redis.Options{Addr: s.Addr()}))
	return NewStore(kv, prefsKey, nil), s, kv
}

func boolPtr(b bool) *bool { return &b }

func TestGet_DefaultsForUnknownUser(t *testing.T) {
	store, _, _ := setupStore(t)

	p, err := store.Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultPreferences("nobody"), p)
}

func TestUpdate_MergesPartialPreferences(t *testing.T) {
	ctx := context.Background()
	store, _, kv := setupStore(t)

	_, err := store.Update(ctx, "u1", models.PreferencesPatch{
		Channels: []models.ChannelConfig{
			{Channel: models.ChannelLocal, Enabled: true, Priority: 9},
			{Channel: models.ChannelLocal, Enabled: false, Priority: 1},
		},
		QuietHours:      &models.QuietHours{Enabled: true, StartTime: "22:00", EndTime: "08:00"},
		ReminderTimings: &models.ReminderTimingsPatch{OneDayBefore: boolPtr(true)},
	})
	require.NoError(t, err)

	p, err := store.Get(ctx, "u1")
	require.NoError(t, err)

	local, ok := p.ChannelConfigFor(models.ChannelLocal)
	require.True(t, ok)
	assert.False(t, local.Enabled, "last write wins for duplicate channel entries")
	assert.Equal(t, 1, local.Priority)
	assert.Len(t, p.Channels, 4)

	assert.True(t, p.QuietHours.Enabled)
	assert.True(t, p.ReminderTimings.OneDayBefore)
	// untouched fields keep their defaults
	assert.True(t, p.ReminderTimings.OneHourBefore)
	assert.True(t, p.Categories.Meetings)

	// a fresh store over the same backend sees the persisted record
	reloaded := NewStore(kv, prefsKey, nil)
	p2, err := reloaded.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, p2.QuietHours.Enabled)
	assert.True(t, p2.ReminderTimings.OneDayBefore)
}

func TestUpdate_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	store, _, _ := setupStore(t)

	_, err := store.Update(ctx, "u1", models.PreferencesPatch{
		QuietHours: &models.QuietHours{Enabled: true, StartTime: "25:00", EndTime: "08:00"},
	})
	assert.ErrorIs(t, err, ErrInvalidPreferences)

	_, err = store.Update(ctx, "u1", models.PreferencesPatch{
		Channels: []models.ChannelConfig{{Channel: "pigeon", Enabled: true}},
	})
	assert.ErrorIs(t, err, ErrInvalidPreferences)
}

func TestGet_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store, _, _ := setupStore(t)

	_, err := store.Update(ctx, "u1", models.PreferencesPatch{
		Categories: &models.CategoryTogglesPatch{Tasks: boolPtr(false)},
	})
	require.NoError(t, err)

	p, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	p.Channels[0].Enabled = false

	again, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, again.Channels[0].Enabled)
	assert.False(t, again.Categories.Tasks)
}

type failingStore struct{ storage.Store }

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("unreachable")
}

func TestGet_StoreUnreachable(t *testing.T) {
	store := NewStore(failingStore{}, prefsKey, nil)
	_, err := store.Get(context.Background(), "u1")
	assert.Error(t, err)
}

func TestUpdate_PersistFailureKeepsCache(t *testing.T) {
	ctx := context.Background()
	store, mr, _ := setupStore(t)

	_, err := store.Get(ctx, "u1")
	require.NoError(t, err)

	mr.SetError("store down")
	_, err = store.Update(ctx, "u1", models.PreferencesPatch{
		ReminderTimings: &models.ReminderTimingsPatch{StartingSoon: boolPtr(false)},
	})
	assert.Error(t, err)

	p, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, p.ReminderTimings.StartingSoon)
}
