package service_test

import (
	"context"
	"testing"
	"time"

	"trek-rest-api/internal/cache"
	"trek-rest-api/internal/model"
	"trek-rest-api/internal/service"
	"trek-rest-api/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listenersPerUser = 7

func TestSubscribe_IsIdempotent(t *testing.T) {
	cs := newCountingStore(store.NewMemoryStore(0))
	f := newFixture(t, cs, nil)
	ctx := context.Background()

	first, err := f.sync.Subscribe(ctx, "u1")
	require.NoError(t, err)
	second, err := f.sync.Subscribe(ctx, "u1")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, listenersPerUser, first.Listeners())
	listens, _ := cs.counts()
	assert.Equal(t, listenersPerUser, listens, "no duplicate listeners")

	f.sync.Unsubscribe(first)
	f.sync.Unsubscribe(second)
	f.sync.Unsubscribe(first)

	listens, removes := cs.counts()
	assert.Equal(t, listenersPerUser, listens)
	require.Len(t, removes, listenersPerUser)
	for id, n := range removes {
		assert.Equal(t, 1, n, "listener %d removed exactly once", id)
	}
	assert.False(t, first.Active())
	assert.Empty(t, f.sync.Active())
}

func TestSubscribe_ResubscribeAfterUnsubscribe(t *testing.T) {
	cs := newCountingStore(store.NewMemoryStore(0))
	f := newFixture(t, cs, nil)
	ctx := context.Background()

	sub, err := f.sync.Subscribe(ctx, "u1")
	require.NoError(t, err)
	f.sync.Unsubscribe(sub)

	again, err := f.sync.Subscribe(ctx, "u1")
	require.NoError(t, err)
	assert.NotSame(t, sub, again)
	assert.True(t, again.Active())

	listens, _ := cs.counts()
	assert.Equal(t, 2*listenersPerUser, listens)
}

func TestSubscribe_FailureLeavesNothingRegistered(t *testing.T) {
	cs := newCountingStore(store.NewMemoryStore(0))
	cs.refuseNth = 4
	f := newFixture(t, cs, nil)

	sub, err := f.sync.Subscribe(context.Background(), "u1")
	require.Error(t, err)
	assert.Nil(t, sub)

	var re *service.RemoteError
	assert.ErrorAs(t, err, &re)

	_, removes := cs.counts()
	assert.Len(t, removes, 3, "the three registered listeners were torn down")
	for _, n := range removes {
		assert.Equal(t, 1, n)
	}
	_, ok := f.sync.Subscription("u1")
	assert.False(t, ok)
}

func TestSubscribe_MirrorsRemoteChanges(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.seedUser(t, "u1", 10)
	ctx := context.Background()

	// start from an empty cache so every row below comes from the listeners
	f.cache = cache.NewMemoryCache()
	sm := service.NewSyncManager(f.store, f.cache, time.Second, zapNop())
	defer sm.Close()

	_, err := sm.Subscribe(ctx, "u1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		b, err := f.cache.GetBalance(ctx, "u1")
		return err == nil && b.Coins == 10
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.store.Merge(ctx, model.BalancePath("u1"), map[string]interface{}{model.FieldCoins: 42}))
	require.NoError(t, f.store.Set(ctx, model.DailyPath("u1", "2026-05-01"), map[string]interface{}{
		model.FieldDate: "2026-05-01", model.FieldSteps: 900,
	}))
	require.NoError(t, f.store.Set(ctx, model.TotalsPath("u1"), map[string]interface{}{model.FieldSteps: 900}))

	// an item moves from Locked to Unlocked
	require.NoError(t, f.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Set(model.UnlockedPath("u1", "bigrun.PNG"), map[string]interface{}{model.FieldItemID: "bigrun.PNG"}); err != nil {
			return err
		}
		return tx.Delete(model.LockedPath("u1", "bigrun.PNG"))
	}))

	require.Eventually(t, func() bool {
		b, err := f.cache.GetBalance(ctx, "u1")
		if err != nil || b.Coins != 42 {
			return false
		}
		days, err := f.cache.ListDaily(ctx, "u1", "", "")
		if err != nil || len(days) != 1 || days[0].Steps != 900 {
			return false
		}
		totals, err := f.cache.GetTotals(ctx, "u1")
		if err != nil || totals.Steps != 900 {
			return false
		}
		items, err := f.cache.ListItems(ctx, "u1")
		if err != nil {
			return false
		}
		for _, it := range items {
			if it.ItemID == "bigrun.PNG" {
				return !it.Locked
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	items, err := f.cache.ListItems(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, items, 9, "each item cached once")
}

func TestUnsubscribe_StopsMirroring(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.seedUser(t, "u1", 10)
	ctx := context.Background()

	sub, err := f.sync.Subscribe(ctx, "u1")
	require.NoError(t, err)
	require.True(t, f.sync.UnsubscribeUser("u1"))
	assert.False(t, sub.Active())
	assert.False(t, f.sync.UnsubscribeUser("u1"))

	require.NoError(t, f.store.Merge(ctx, model.BalancePath("u1"), map[string]interface{}{model.FieldCoins: 99}))
	time.Sleep(50 * time.Millisecond)

	b, err := f.cache.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.Coins)
}

func TestSyncManager_ActiveAndClose(t *testing.T) {
	cs := newCountingStore(store.NewMemoryStore(0))
	f := newFixture(t, cs, nil)
	ctx := context.Background()

	for _, uid := range []string{"u2", "u1"} {
		_, err := f.sync.Subscribe(ctx, uid)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"u1", "u2"}, f.sync.Active())

	f.sync.Close()
	assert.Empty(t, f.sync.Active())
	_, removes := cs.counts()
	assert.Len(t, removes, 2*listenersPerUser)
}

func TestSubscribe_InvalidUser(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.sync.Subscribe(context.Background(), "")
	assert.ErrorIs(t, err, service.ErrInvalidArgument)
}

func TestRefresh(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.seedUser(t, "u1", 300)
	ctx := context.Background()

	require.NoError(t, f.store.Merge(ctx, model.BalancePath("u1"), map[string]interface{}{model.FieldCoins: 1234}))
	require.NoError(t, f.sync.Refresh(ctx, "u1"))

	b, err := f.cache.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1234), b.Coins)

	items, err := f.cache.ListItems(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, items, 9)
}

func TestSubscribe_MirrorsSessions(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.seedUser(t, "u1", 0)
	ctx := context.Background()

	_, err := f.sync.Subscribe(ctx, "u1")
	require.NoError(t, err)

	res, err := f.activity.LogSession(ctx, "u1", model.SessionInput{DurationSeconds: 1800, Steps: 3000, Miles: 1.5})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sessions, err := f.cache.ListSessions(ctx, "u1", 0)
		return err == nil && len(sessions) == 1 && sessions[0].ID == res.Session.ID
	}, 2*time.Second, 10*time.Millisecond)

	sessions, err := f.cache.ListSessions(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), sessions[0].Steps)
	assert.Equal(t, int64(30), sessions[0].CoinsEarned)
	assert.Equal(t, int64(1200), sessions[0].PaceSecondsPerMile)

	require.NoError(t, f.activity.DeleteSession(ctx, "u1", res.Session.ID))
	require.Eventually(t, func() bool {
		sessions, err := f.cache.ListSessions(ctx, "u1", 0)
		return err == nil && len(sessions) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRefresh_Sessions(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.seedUser(t, "u1", 0)
	ctx := context.Background()

	require.NoError(t, f.store.Set(ctx, model.SessionPath("u1", "s1"), map[string]interface{}{
		model.FieldDate:      "2026-05-01",
		model.FieldStartedAt: time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC).Unix(),
		model.FieldDuration:  600,
		model.FieldMiles:     1.0,
		model.FieldSteps:     2000,
	}))
	require.NoError(t, f.sync.Refresh(ctx, "u1"))

	sessions, err := f.cache.ListSessions(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].ID)
	assert.Equal(t, "2026-05-01", sessions[0].Date)
	assert.Equal(t, int64(600), sessions[0].PaceSecondsPerMile)
}
