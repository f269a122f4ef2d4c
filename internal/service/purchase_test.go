package service_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"trek-rest-api/internal/cache"
	"trek-rest-api/internal/logging"
	"trek-rest-api/internal/model"
	"trek-rest-api/internal/service"
	"trek-rest-api/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestPurchase_Succeeds(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.seedUser(t, "u1", 1000)
	ctx := context.Background()

	res, err := f.purchase.Purchase(ctx, "u1", "kingrun.PNG", 750)
	require.NoError(t, err)
	assert.Equal(t, int64(250), res.Balance)
	assert.Equal(t, int64(750), res.Price)
	assert.NotEmpty(t, res.ReceiptID)

	assert.Equal(t, int64(250), f.remoteBalance(t, "u1"))
	assert.True(t, f.remoteExists(t, model.UnlockedPath("u1", "kingrun.PNG")))
	assert.False(t, f.remoteExists(t, model.LockedPath("u1", "kingrun.PNG")))

	// the cache was refreshed before Purchase returned
	bal, err := f.cache.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), bal.Coins)
	items, err := f.cache.ListItems(ctx, "u1")
	require.NoError(t, err)
	assert.Contains(t, items, model.OwnedItem{UserID: "u1", ItemID: "kingrun.PNG", Locked: false})
}

func TestPurchase_LogsRequestAndReceipt(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.seedUser(t, "u1", 2000)
	core, logs := observer.New(zap.InfoLevel)
	svc := service.NewPurchaseService(f.store, f.cache, f.catalog, time.Second, zap.New(core))

	ctx := logging.WithRequestID(context.Background(), "req-42")
	res, err := svc.Purchase(ctx, "u1", "kingrun.PNG", 750)
	require.NoError(t, err)

	committed := logs.FilterMessage("purchase committed").All()
	require.Len(t, committed, 1)
	fields := committed[0].ContextMap()
	assert.Equal(t, "req-42", fields["request_id"])
	assert.Equal(t, res.ReceiptID, fields["receipt_id"])

	// outside a request the entry carries no request id
	_, err = svc.Purchase(context.Background(), "u1", "imwalkin.PNG", 300)
	require.NoError(t, err)
	committed = logs.FilterMessage("purchase committed").All()
	require.Len(t, committed, 2)
	assert.NotContains(t, committed[1].ContextMap(), "request_id")
}

func TestPurchase_InsufficientFunds(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.seedUser(t, "u1", 100)

	_, err := f.purchase.Purchase(context.Background(), "u1", "kingrun.PNG", 750)
	assert.ErrorIs(t, err, service.ErrInsufficientFunds)
	assert.Equal(t, int64(100), f.remoteBalance(t, "u1"))
	assert.True(t, f.remoteExists(t, model.LockedPath("u1", "kingrun.PNG")))
	assert.False(t, f.remoteExists(t, model.UnlockedPath("u1", "kingrun.PNG")))
}

func TestPurchase_InsufficientFundsTable(t *testing.T) {
	cases := []struct{ balance, price int64 }{
		{0, 1}, {299, 300}, {749, 750}, {2499, 2500},
	}
	for _, tc := range cases {
		f := newFixture(t, nil, nil)
		f.seedUser(t, "u1", tc.balance)

		_, err := f.purchase.Purchase(context.Background(), "u1", "plane.PNG", tc.price)
		assert.ErrorIs(t, err, service.ErrInsufficientFunds, "balance=%d price=%d", tc.balance, tc.price)
		assert.Equal(t, tc.balance, f.remoteBalance(t, "u1"))
	}
}

func TestPurchase_ExactBalance(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.seedUser(t, "u1", 500)

	res, err := f.purchase.Purchase(context.Background(), "u1", "plane.PNG", 500)
	require.NoError(t, err)
	assert.Zero(t, res.Balance)
}

func TestPurchase_RepeatIsAlreadyUnlocked(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.seedUser(t, "u1", 5000)
	ctx := context.Background()

	_, err := f.purchase.Purchase(ctx, "u1", "apple.PNG", 1500)
	require.NoError(t, err)

	_, err = f.purchase.Purchase(ctx, "u1", "apple.PNG", 1500)
	assert.ErrorIs(t, err, service.ErrAlreadyUnlocked)
	assert.Equal(t, int64(3500), f.remoteBalance(t, "u1"))

	// even with no money left, the owned item reports AlreadyUnlocked
	require.NoError(t, f.store.Merge(ctx, model.BalancePath("u1"), map[string]interface{}{model.FieldCoins: 0}))
	_, err = f.purchase.Purchase(ctx, "u1", "apple.PNG", 1500)
	assert.ErrorIs(t, err, service.ErrAlreadyUnlocked)
}

func TestPurchase_UnknownItem(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.seedUser(t, "u1", 1000)

	_, err := f.purchase.Purchase(context.Background(), "u1", "dragon.PNG", 10)
	assert.ErrorIs(t, err, service.ErrUnknownItem)
	assert.Equal(t, int64(1000), f.remoteBalance(t, "u1"))
}

func TestPurchase_InvalidArguments(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	_, err := f.purchase.Purchase(ctx, "", "kingrun.PNG", 1)
	assert.ErrorIs(t, err, service.ErrInvalidArgument)
	_, err = f.purchase.Purchase(ctx, "u1", "", 1)
	assert.ErrorIs(t, err, service.ErrInvalidArgument)
	_, err = f.purchase.Purchase(ctx, "u1", "a/b", 1)
	assert.ErrorIs(t, err, service.ErrInvalidArgument)
	_, err = f.purchase.Purchase(ctx, "u1", "kingrun.PNG", -1)
	assert.ErrorIs(t, err, service.ErrInvalidArgument)
}

func TestPurchase_RemoteError(t *testing.T) {
	cause := errors.New("connection reset by peer")
	f := newFixture(t, &brokenStore{DocumentStore: store.NewMemoryStore(0), err: cause}, nil)

	_, err := f.purchase.Purchase(context.Background(), "u1", "kingrun.PNG", 750)
	var re *service.RemoteError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, cause)
	assert.NotContains(t, err.Error(), "connection reset", "message stays opaque")
}

func TestPurchase_AbortedIsRemoteError(t *testing.T) {
	f := newFixture(t, &brokenStore{DocumentStore: store.NewMemoryStore(0), err: store.ErrAborted}, nil)

	_, err := f.purchase.Purchase(context.Background(), "u1", "kingrun.PNG", 750)
	var re *service.RemoteError
	require.ErrorAs(t, err, &re)
	assert.ErrorIs(t, err, store.ErrAborted)
}

func TestPurchase_CacheFailureDoesNotFailPurchase(t *testing.T) {
	inner := cache.NewMemoryCache()
	f := newFixture(t, nil, brokenCache{LocalCache: inner})
	ctx := context.Background()

	_, err := f.accounts.Seed(ctx, "u1", "")
	require.NoError(t, err)
	require.NoError(t, f.store.Merge(ctx, model.BalancePath("u1"), map[string]interface{}{model.FieldCoins: 1000}))

	res, err := f.purchase.Purchase(ctx, "u1", "kingrun.PNG", 750)
	require.NoError(t, err)
	assert.Equal(t, int64(250), res.Balance)
	assert.Equal(t, int64(250), f.remoteBalance(t, "u1"))
}

func testConcurrentDoublePurchase(t *testing.T, f *fixture) {
	f.seedUser(t, "u1", 1000)

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.purchase.Purchase(context.Background(), "u1", "kingrun.PNG", 750)
		}(i)
	}
	wg.Wait()

	succeeded, already := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, service.ErrAlreadyUnlocked):
			already++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, already)
	assert.Equal(t, int64(250), f.remoteBalance(t, "u1"), "debited exactly once")
}

func TestPurchase_ConcurrentDoublePurchase(t *testing.T) {
	testConcurrentDoublePurchase(t, newFixture(t, nil, nil))
}

func TestPurchase_ConcurrentDoublePurchaseSQLite(t *testing.T) {
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "remote.db"), store.SQLOptions{})
	require.NoError(t, err)
	testConcurrentDoublePurchase(t, newFixture(t, st, nil))
}

func TestBuy_UsesCatalogPrice(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.seedUser(t, "u1", 1000)
	ctx := context.Background()

	res, err := f.purchase.Buy(ctx, "u1", "partner.PNG")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.Price)
	assert.Zero(t, res.Balance)

	_, err = f.purchase.Buy(ctx, "u1", "dragon.PNG")
	assert.ErrorIs(t, err, service.ErrUnknownItem)
}

func TestEquip(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.seedUser(t, "u1", 1000)
	ctx := context.Background()

	_, err := f.purchase.Equip(ctx, "u1", "kingrun.PNG")
	assert.ErrorIs(t, err, service.ErrItemLocked)
	_, err = f.purchase.Equip(ctx, "u1", "dragon.PNG")
	assert.ErrorIs(t, err, service.ErrUnknownItem)

	_, err = f.purchase.Buy(ctx, "u1", "kingrun.PNG")
	require.NoError(t, err)

	profile, err := f.purchase.Equip(ctx, "u1", "kingrun.PNG")
	require.NoError(t, err)
	require.NotNil(t, profile.SelectedItem)
	assert.Equal(t, "kingrun.PNG", *profile.SelectedItem)
	assert.Equal(t, "u1@trek.test", profile.Email)

	cached, err := f.cache.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, cached.SelectedItem)
	assert.Equal(t, "kingrun.PNG", *cached.SelectedItem)
}
