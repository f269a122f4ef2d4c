package cache_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"trek-rest-api/internal/cache"
	"trek-rest-api/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMemoryCache(t *testing.T) {
	testLocalCache(t, func(t *testing.T) cache.LocalCache {
		return cache.NewMemoryCache()
	})
}

func TestSQLiteCache(t *testing.T) {
	testLocalCache(t, func(t *testing.T) cache.LocalCache {
		c, err := cache.NewSQLiteCache(filepath.Join(t.TempDir(), "cache.db"), zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { c.Close() })
		return c
	})
}

func testLocalCache(t *testing.T, open func(t *testing.T) cache.LocalCache) {
	ctx := context.Background()

	t.Run("Miss", func(t *testing.T) {
		c := open(t)
		_, err := c.GetUser(ctx, "u1")
		assert.ErrorIs(t, err, cache.ErrCacheMiss)
		_, err = c.GetBalance(ctx, "u1")
		assert.ErrorIs(t, err, cache.ErrCacheMiss)
		_, err = c.GetTotals(ctx, "u1")
		assert.ErrorIs(t, err, cache.ErrCacheMiss)
	})

	t.Run("UserOverwrite", func(t *testing.T) {
		c := open(t)
		sel := "apple.PNG"
		require.NoError(t, c.PutUser(ctx, &model.Profile{UserID: "u1", Email: "a@b.c", SelectedItem: &sel}))

		got, err := c.GetUser(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, got.SelectedItem)
		assert.Equal(t, "apple.PNG", *got.SelectedItem)

		require.NoError(t, c.PutUser(ctx, &model.Profile{UserID: "u1", Email: "a@b.c"}))
		got, err = c.GetUser(ctx, "u1")
		require.NoError(t, err)
		assert.Nil(t, got.SelectedItem)
	})

	t.Run("BalanceOverwrite", func(t *testing.T) {
		c := open(t)
		now := time.Now().UTC().Truncate(time.Second)
		require.NoError(t, c.PutBalance(ctx, &model.Balance{UserID: "u1", Coins: 1000, UpdatedAt: now}))
		require.NoError(t, c.PutBalance(ctx, &model.Balance{UserID: "u1", Coins: 250, UpdatedAt: now}))

		got, err := c.GetBalance(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(250), got.Coins)
		assert.True(t, now.Equal(got.UpdatedAt))
	})

	t.Run("ReplaceItems", func(t *testing.T) {
		c := open(t)
		require.NoError(t, c.ReplaceItems(ctx, "u1", true, []string{"a", "b", "c"}))
		require.NoError(t, c.ReplaceItems(ctx, "u1", false, nil))
		require.NoError(t, c.ReplaceItems(ctx, "u2", true, []string{"a"}))

		// "b" moves to unlocked: the unlocked stream arrives before the locked one
		require.NoError(t, c.ReplaceItems(ctx, "u1", false, []string{"b"}))
		require.NoError(t, c.ReplaceItems(ctx, "u1", true, []string{"a", "c"}))

		items, err := c.ListItems(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, []model.OwnedItem{
			{UserID: "u1", ItemID: "a", Locked: true},
			{UserID: "u1", ItemID: "b", Locked: false},
			{UserID: "u1", ItemID: "c", Locked: true},
		}, items)

		other, err := c.ListItems(ctx, "u2")
		require.NoError(t, err)
		assert.Len(t, other, 1)
	})

	t.Run("ReplaceItemsOtherOrder", func(t *testing.T) {
		c := open(t)
		require.NoError(t, c.ReplaceItems(ctx, "u1", true, []string{"a", "b"}))

		// locked stream first: "b" disappears, then reappears as unlocked
		require.NoError(t, c.ReplaceItems(ctx, "u1", true, []string{"a"}))
		require.NoError(t, c.ReplaceItems(ctx, "u1", false, []string{"b"}))

		items, err := c.ListItems(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, []model.OwnedItem{
			{UserID: "u1", ItemID: "a", Locked: true},
			{UserID: "u1", ItemID: "b", Locked: false},
		}, items)
	})

	t.Run("StaleLockedSetDoesNotRelock", func(t *testing.T) {
		c := open(t)
		require.NoError(t, c.ReplaceItems(ctx, "u1", false, []string{"b"}))
		// a locked snapshot taken before the purchase arrives late
		require.NoError(t, c.ReplaceItems(ctx, "u1", true, []string{"a", "b"}))
		// then the fresh one
		require.NoError(t, c.ReplaceItems(ctx, "u1", true, []string{"a"}))

		items, err := c.ListItems(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, []model.OwnedItem{
			{UserID: "u1", ItemID: "a", Locked: true},
			{UserID: "u1", ItemID: "b", Locked: false},
		}, items)
	})

	t.Run("PutItem", func(t *testing.T) {
		c := open(t)
		require.NoError(t, c.PutItem(ctx, model.OwnedItem{UserID: "u1", ItemID: "kingrun.PNG", Locked: true}))
		require.NoError(t, c.PutItem(ctx, model.OwnedItem{UserID: "u1", ItemID: "kingrun.PNG", Locked: false}))

		items, err := c.ListItems(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.False(t, items[0].Locked)
	})

	t.Run("TotalsAndDaily", func(t *testing.T) {
		c := open(t)
		require.NoError(t, c.PutTotals(ctx, &model.Totals{UserID: "u1", Steps: 12000, Miles: 5.5, Calories: 400}))
		totals, err := c.GetTotals(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(12000), totals.Steps)
		assert.InDelta(t, 5.5, totals.Miles, 1e-9)

		for _, d := range []string{"2026-01-01", "2026-01-02", "2026-01-03"} {
			require.NoError(t, c.PutDaily(ctx, &model.DailyData{UserID: "u1", Date: d, Steps: 100}))
		}
		require.NoError(t, c.PutDaily(ctx, &model.DailyData{UserID: "u1", Date: "2026-01-02", Steps: 900}))

		days, err := c.ListDaily(ctx, "u1", "2026-01-02", "")
		require.NoError(t, err)
		require.Len(t, days, 2)
		assert.Equal(t, "2026-01-03", days[0].Date)
		assert.Equal(t, int64(900), days[1].Steps)

		deleted, err := c.DeleteDailyBefore(ctx, "2026-01-03")
		require.NoError(t, err)
		assert.Equal(t, int64(2), deleted)

		days, err = c.ListDaily(ctx, "u1", "", "")
		require.NoError(t, err)
		assert.Len(t, days, 1)
	})

	t.Run("Sessions", func(t *testing.T) {
		c := open(t)
		base := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
		session := func(id string, offset time.Duration) model.Session {
			return model.Session{
				ID: id, UserID: "u1", Date: "2026-03-01", StartedAt: base.Add(offset),
				DurationSeconds: 1800, Steps: 4000, Miles: 2, Calories: 150, CoinsEarned: 40,
				PaceSecondsPerMile: 900,
			}
		}
		require.NoError(t, c.ReplaceSessions(ctx, "u1", []model.Session{
			session("s1", 0), session("s3", 2*time.Hour), session("s2", time.Hour),
		}))
		require.NoError(t, c.ReplaceSessions(ctx, "u2", []model.Session{session("x", 0)}))

		all, err := c.ListSessions(ctx, "u1", 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "s3", all[0].ID)
		assert.Equal(t, "s1", all[2].ID)
		assert.True(t, base.Add(2*time.Hour).Equal(all[0].StartedAt))
		assert.Equal(t, int64(900), all[0].PaceSecondsPerMile)
		assert.InDelta(t, 2.0, all[0].Miles, 1e-9)

		recent, err := c.ListSessions(ctx, "u1", 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "s2", recent[1].ID)

		// a snapshot without s3 removes it
		require.NoError(t, c.ReplaceSessions(ctx, "u1", []model.Session{session("s1", 0), session("s2", time.Hour)}))
		all, err = c.ListSessions(ctx, "u1", 0)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "s2", all[0].ID)

		require.NoError(t, c.ReplaceSessions(ctx, "u1", nil))
		all, err = c.ListSessions(ctx, "u1", 0)
		require.NoError(t, err)
		assert.Empty(t, all)

		other, err := c.ListSessions(ctx, "u2", 0)
		require.NoError(t, err)
		assert.Len(t, other, 1)
	})

	t.Run("Subscribe", func(t *testing.T) {
		c := open(t)
		changes, cancel := c.Subscribe("u1")
		defer cancel()

		require.NoError(t, c.PutBalance(ctx, &model.Balance{UserID: "u2", Coins: 1}))
		require.NoError(t, c.PutBalance(ctx, &model.Balance{UserID: "u1", Coins: 1}))

		select {
		case ch := <-changes:
			assert.Equal(t, cache.Change{UserID: "u1", Entity: cache.EntityBalance}, ch)
		case <-time.After(time.Second):
			t.Fatal("no change delivered")
		}
	})

	t.Run("Stats", func(t *testing.T) {
		c := open(t)
		require.NoError(t, c.PutUser(ctx, &model.Profile{UserID: "u1"}))
		stats, err := c.Stats(ctx)
		require.NoError(t, err)
		assert.Contains(t, stats, "users")
		assert.Contains(t, stats, "daily_rows")
		assert.Contains(t, stats, "sessions")
	})
}

func TestSQLiteCache_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	c, err := cache.NewSQLiteCache(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.PutBalance(ctx, &model.Balance{UserID: "u1", Coins: 42}))
	require.NoError(t, c.Close())

	c, err = cache.NewSQLiteCache(path, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	b, err := c.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), b.Coins)
}
