package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simdash/internal/models"
)

func TestSortNewestFirst(t *testing.T) {
	sessions := []models.Session{
		{ID: "b", Timestamp: 100},
		{ID: "c", Timestamp: 300},
		{ID: "a", Timestamp: 100},
	}
	sortNewestFirst(sessions)
	ids := []string{sessions[0].ID, sessions[1].ID, sessions[2].ID}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestRemaining(t *testing.T) {
	now := time.Date(2025, 8, 18, 12, 0, 0, 0, time.UTC)
	s := &SessionStore{ttl: DefaultTTL, now: func() time.Time { return now }}

	fresh := models.Session{Timestamp: now.Add(-time.Hour).UnixMilli()}
	assert.Equal(t, 23*time.Hour, s.remaining(fresh))

	stale := models.Session{Timestamp: now.Add(-25 * time.Hour).UnixMilli()}
	assert.LessOrEqual(t, s.remaining(stale), time.Duration(0))
}

// setupTestSessionStore connects to SIMDASH_TEST_REDIS_URL (default
// redis://localhost:6379/15), skipping when Redis is unreachable.
func setupTestSessionStore(t *testing.T) *SessionStore {
	t.Helper()
	url := os.Getenv("SIMDASH_TEST_REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewSessionStoreFromClient(client, time.Hour)
}

func TestSessionStore_SaveListRemove(t *testing.T) {
	store := setupTestSessionStore(t)
	ctx := context.Background()

	older := models.Session{ID: uuid.NewString(), Timestamp: time.Now().Add(-10 * time.Minute).UnixMilli(), Status: models.SessionCompleted}
	newer := models.Session{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Status:    models.SessionRunning,
		Steps:     []models.StepRecord{{Step: 1, TotalDailyPurchases: 4}},
	}
	expired := models.Session{ID: uuid.NewString(), Timestamp: time.Now().Add(-2 * time.Hour).UnixMilli()}
	t.Cleanup(func() {
		for _, id := range []string{older.ID, newer.ID, expired.ID} {
			_ = store.Remove(context.Background(), id)
		}
	})

	require.NoError(t, store.Save(ctx, older))
	require.NoError(t, store.Save(ctx, newer))
	require.NoError(t, store.Save(ctx, expired))

	got, err := store.Get(ctx, newer.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, newer.Steps, got.Steps)

	missing, err := store.Get(ctx, expired.ID)
	require.NoError(t, err)
	assert.Nil(t, missing)

	list, err := store.List(ctx)
	require.NoError(t, err)
	var ours []string
	for _, s := range list {
		if s.ID == older.ID || s.ID == newer.ID || s.ID == expired.ID {
			ours = append(ours, s.ID)
		}
	}
	assert.Equal(t, []string{newer.ID, older.ID}, ours)

	require.NoError(t, store.Remove(ctx, newer.ID))
	got, err = store.Get(ctx, newer.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
