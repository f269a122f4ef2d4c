package service_test

import (
	"context"
	"testing"
	"time"

	"trek-rest-api/internal/cache"
	"trek-rest-api/internal/model"
	"trek-rest-api/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeed_CreatesEverything(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	res, err := f.accounts.Seed(ctx, "u1", "u1@trek.test")
	require.NoError(t, err)
	assert.True(t, res.ProfileNew)
	assert.True(t, res.BalanceNew)
	assert.True(t, res.TotalsNew)
	assert.ElementsMatch(t, f.catalog.IDs(), res.LockedCreated)

	for _, id := range f.catalog.IDs() {
		assert.True(t, f.remoteExists(t, model.LockedPath("u1", id)), id)
	}
	assert.Zero(t, f.remoteBalance(t, "u1"))

	// the cache is filled straight away
	b, err := f.cache.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, b.Coins)
}

func TestSeed_IsIdempotent(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.seedUser(t, "u1", 1000)
	ctx := context.Background()

	_, err := f.purchase.Buy(ctx, "u1", "kingrun.PNG")
	require.NoError(t, err)

	res, err := f.accounts.Seed(ctx, "u1", "other@trek.test")
	require.NoError(t, err)
	assert.False(t, res.ProfileNew)
	assert.False(t, res.BalanceNew)
	assert.False(t, res.TotalsNew)
	assert.Empty(t, res.LockedCreated)

	assert.Equal(t, int64(250), f.remoteBalance(t, "u1"))
	assert.False(t, f.remoteExists(t, model.LockedPath("u1", "kingrun.PNG")), "owned item must not be re-locked")

	doc, err := f.store.Get(ctx, model.UserPath("u1"))
	require.NoError(t, err)
	email, _ := doc.String(model.FieldEmail)
	assert.Equal(t, "u1@trek.test", email)
}

func TestView(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.seedUser(t, "u1", 1000)
	ctx := context.Background()

	_, err := f.purchase.Buy(ctx, "u1", "kingrun.PNG")
	require.NoError(t, err)

	view, err := f.accounts.View(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", view.Profile.UserID)
	assert.Equal(t, []string{"kingrun.PNG"}, view.Unlocked)
	assert.Len(t, view.Locked, len(f.catalog.IDs())-1)
	assert.NotContains(t, view.Locked, "kingrun.PNG")
	require.NotNil(t, view.Totals)
}

func TestView_FillsCacheOnMiss(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.seedUser(t, "u1", 1000)

	// a second process with a cold cache
	c := cache.NewMemoryCache()
	sm := service.NewSyncManager(f.store, c, time.Second, zapNop())
	defer sm.Close()
	cold := service.NewAccountService(f.store, c, f.catalog, sm, zapNop())
	view, err := cold.View(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), view.Balance.Coins)
}

func TestView_UnknownUser(t *testing.T) {
	f := newFixture(t, nil, nil)

	_, err := f.accounts.View(context.Background(), "nobody")
	assert.ErrorIs(t, err, service.ErrUserNotFound)
}

func TestDaily(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	for _, d := range []string{"2026-10-01", "2026-10-02", "2026-10-03"} {
		require.NoError(t, f.cache.PutDaily(ctx, &model.DailyData{UserID: "u1", Date: d, Steps: 10}))
	}

	days, err := f.accounts.Daily(ctx, "u1", "2026-10-02", "")
	require.NoError(t, err)
	require.Len(t, days, 2)
	assert.Equal(t, "2026-10-03", days[0].Date)

	days, err = f.accounts.Daily(ctx, "nobody", "", "")
	require.NoError(t, err)
	assert.NotNil(t, days)
	assert.Empty(t, days)

	_, err = f.accounts.Daily(ctx, "u1", "yesterday", "")
	assert.ErrorIs(t, err, service.ErrInvalidArgument)
}

func TestSessions(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 6, 0, 0, 0, time.UTC)
	require.NoError(t, f.cache.ReplaceSessions(ctx, "u1", []model.Session{
		{ID: "a", UserID: "u1", StartedAt: base, DurationSeconds: 1200, Miles: 1},
		{ID: "b", UserID: "u1", StartedAt: base.Add(time.Hour), DurationSeconds: 1800, Miles: 2},
		{ID: "c", UserID: "u1", StartedAt: base.Add(2 * time.Hour), DurationSeconds: 600, Miles: 1},
	}))

	list, err := f.accounts.Sessions(ctx, "u1", 2)
	require.NoError(t, err)
	require.Len(t, list.Sessions, 2)
	assert.Equal(t, "c", list.Sessions[0].ID)
	assert.Equal(t, "b", list.Sessions[1].ID)
	assert.Equal(t, 2, list.Summary.Count)
	assert.InDelta(t, 3.0, list.Summary.Miles, 1e-9)
	assert.Equal(t, int64(2400), list.Summary.DurationSeconds)
	assert.Equal(t, int64(800), list.Summary.PaceSecondsPerMile)

	all, err := f.accounts.Sessions(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, all.Sessions, 3)

	_, err = f.accounts.Sessions(ctx, "u1", -1)
	assert.ErrorIs(t, err, service.ErrInvalidArgument)
}

func TestSessions_FillsCacheOnMiss(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.seedUser(t, "u1", 0)
	ctx := context.Background()
	res, err := f.activity.LogSession(ctx, "u1", model.SessionInput{DurationSeconds: 900, Steps: 1000, Miles: 1})
	require.NoError(t, err)

	c := cache.NewMemoryCache()
	sm := service.NewSyncManager(f.store, c, time.Second, zapNop())
	defer sm.Close()
	cold := service.NewAccountService(f.store, c, f.catalog, sm, zapNop())

	list, err := cold.Sessions(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, res.Session.ID, list.Sessions[0].ID)

	empty, err := cold.Sessions(ctx, "nobody", 0)
	require.NoError(t, err)
	assert.NotNil(t, empty.Sessions)
	assert.Empty(t, empty.Sessions)
}
